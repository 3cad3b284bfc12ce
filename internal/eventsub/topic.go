// Package eventsub maintains a durable set of EventSub subscriptions
// over websocket sessions: Transport, Session, ConnectionPool,
// IdResolver, and Manager, wired together behind the Manager's public
// listen/unlisten surface.
package eventsub

// TopicKind identifies the EventSub subscription variants the Manager
// knows how to build. The variants differ only in wire type string,
// condition fields, version, and cost, so a single enum plus the
// descriptor table below covers all of them.
type TopicKind int

const (
	TopicRaid TopicKind = iota
	TopicPollBegin
	TopicPollEnd
	TopicShieldBegin
	TopicShieldEnd
	TopicShoutoutCreate
	TopicChannelModerate
	TopicAutomodHold
	TopicAutomodUpdate
	TopicSuspiciousMessage
	TopicSuspiciousUpdate
	TopicWarningAcknowledge
	TopicChatUserMessageUpdate
	TopicPointsAdd
	TopicPointsUpdate
	// TopicMessageHeld: config validation rejects topics.message_held
	// unless Config.EnableMessageHeld is set; Manager.ListenMessageHeld
	// itself is not gated. Held-message notifications may also arrive
	// through other channels, so the flag is off by default.
	TopicMessageHeld
)

func (k TopicKind) String() string {
	if d, ok := topicDescriptors[k]; ok {
		return d.name
	}
	return "unknown"
}

// idRole names which resolved identifier a condition field draws from.
type idRole int

const (
	roleBroadcaster idRole = iota
	roleLocal
)

// conditionField pairs a JSON condition-body key with the role it draws
// its value from.
type conditionField struct {
	field string
	role  idRole
}

// topicDescriptor is the per-variant fixed data: the wire type string,
// subscription version, expected cost, and the condition fields (and
// the identifier roles that fill them). The create-body builder
// (buildCreateBody) is a pure function of (descriptor, resolved ids,
// session id).
type topicDescriptor struct {
	name       string
	wireType   string
	version    string
	cost       int
	conditions []conditionField
}

var topicDescriptors = map[TopicKind]topicDescriptor{
	TopicRaid: {
		name:       "raid",
		wireType:   "channel.raid",
		version:    "1",
		cost:       1,
		conditions: []conditionField{{"from_broadcaster_user_id", roleBroadcaster}},
	},
	TopicPollBegin: {
		name:       "poll.begin",
		wireType:   "channel.poll.begin",
		version:    "1",
		conditions: []conditionField{{"broadcaster_user_id", roleBroadcaster}},
	},
	TopicPollEnd: {
		name:       "poll.end",
		wireType:   "channel.poll.end",
		version:    "1",
		conditions: []conditionField{{"broadcaster_user_id", roleBroadcaster}},
	},
	TopicShieldBegin: {
		name:     "shield.begin",
		wireType: "channel.shield_mode.begin",
		version:  "1",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicShieldEnd: {
		name:     "shield.end",
		wireType: "channel.shield_mode.end",
		version:  "1",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicShoutoutCreate: {
		name:     "shoutout.create",
		wireType: "channel.shoutout.create",
		version:  "1",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicChannelModerate: {
		name:     "channel.moderate",
		wireType: "channel.moderate",
		version:  "2",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicAutomodHold: {
		name:     "automod.message.hold",
		wireType: "automod.message.hold",
		version:  "2",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicAutomodUpdate: {
		name:     "automod.message.update",
		wireType: "automod.message.update",
		version:  "2",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicSuspiciousMessage: {
		name:     "suspicious_user.message",
		wireType: "channel.suspicious_user.message",
		version:  "1",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicSuspiciousUpdate: {
		name:     "suspicious_user.update",
		wireType: "channel.suspicious_user.update",
		version:  "1",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicWarningAcknowledge: {
		name:     "warning.acknowledge",
		wireType: "channel.warning.acknowledge",
		version:  "1",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
	TopicChatUserMessageUpdate: {
		name:     "chat.user_message_update",
		wireType: "channel.chat.user_message_update",
		version:  "1",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"user_id", roleLocal},
		},
	},
	TopicPointsAdd: {
		name:       "channel_points.redemption.add",
		wireType:   "channel.channel_points_custom_reward_redemption.add",
		version:    "1",
		conditions: []conditionField{{"broadcaster_user_id", roleBroadcaster}},
	},
	TopicPointsUpdate: {
		name:       "channel_points.redemption.update",
		wireType:   "channel.channel_points_custom_reward_redemption.update",
		version:    "1",
		conditions: []conditionField{{"broadcaster_user_id", roleBroadcaster}},
	},
	TopicMessageHeld: {
		name:     "message.held",
		wireType: "channel.chat.message_held",
		version:  "1",
		conditions: []conditionField{
			{"broadcaster_user_id", roleBroadcaster},
			{"moderator_user_id", roleLocal},
		},
	},
}

// TopicKey is the desired-state identity of one server-side
// subscription. Identity is (Kind, ChannelLogin) alone; TopicKey is a
// plain comparable struct, so maps keyed by it get the right equality
// for free.
type TopicKey struct {
	Kind         TopicKind
	ChannelLogin string
}

// requiredRoles returns the distinct identifier roles this topic kind's
// conditions need resolved before it is ready.
func (k TopicKind) requiredRoles() []idRole {
	d := topicDescriptors[k]
	seen := make(map[idRole]bool, len(d.conditions))
	var roles []idRole
	for _, c := range d.conditions {
		if !seen[c.role] {
			seen[c.role] = true
			roles = append(roles, c.role)
		}
	}
	return roles
}

// needsLocalID reports whether this topic kind requires the local
// user's id (moderator_user_id or user_id) to be resolved, i.e. whether
// set_local_username gates its readiness.
func (k TopicKind) needsLocalID() bool {
	for _, r := range k.requiredRoles() {
		if r == roleLocal {
			return true
		}
	}
	return false
}

// createSubscriptionTransport is the "transport" object in an outbound
// create-subscription body: always websocket, bound to a session.
type createSubscriptionTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
}

// CreateSubscriptionRequest is the exact outbound HTTP body for
// create_subscription.
type CreateSubscriptionRequest struct {
	Type      string                      `json:"type"`
	Version   string                      `json:"version"`
	Condition map[string]string           `json:"condition"`
	Transport createSubscriptionTransport `json:"transport"`
}

// resolvedIDs holds the broadcaster and local user ids a Subscription
// needs to build its request body. A role with ok=false means not yet
// resolved.
type resolvedIDs struct {
	broadcasterID string
	broadcasterOK bool
	localID       string
	localOK       bool
}

func (r resolvedIDs) has(role idRole) (string, bool) {
	switch role {
	case roleBroadcaster:
		return r.broadcasterID, r.broadcasterOK
	case roleLocal:
		return r.localID, r.localOK
	default:
		return "", false
	}
}

// ready reports whether every role this topic kind needs has been
// resolved in ids.
func (k TopicKind) ready(ids resolvedIDs) bool {
	for _, role := range k.requiredRoles() {
		if _, ok := ids.has(role); !ok {
			return false
		}
	}
	return true
}

// buildCreateBody produces the exact wire body for create_subscription
// from a topic kind, its resolved identifiers, and a target session
// id. Callers must
// check TopicKind.ready first; buildCreateBody panics if a required
// role is unresolved, since that indicates a caller bug, not a runtime
// condition.
func buildCreateBody(k TopicKind, ids resolvedIDs, sessionID string) CreateSubscriptionRequest {
	d := topicDescriptors[k]
	cond := make(map[string]string, len(d.conditions))
	for _, c := range d.conditions {
		v, ok := ids.has(c.role)
		if !ok {
			panic("eventsub: buildCreateBody called on unready topic " + d.name)
		}
		cond[c.field] = v
	}
	return CreateSubscriptionRequest{
		Type:      d.wireType,
		Version:   d.version,
		Condition: cond,
		Transport: createSubscriptionTransport{Method: "websocket", SessionID: sessionID},
	}
}

func (k TopicKind) expectedCost() int {
	return topicDescriptors[k].cost
}
