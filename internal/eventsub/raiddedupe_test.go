package eventsub

import "testing"

// TestRaidDeduperCoalescesDuplicateListens checks the
// testable scenario: listen_raid(local); listen_raid(local);
// unlisten_raid(local) leaves the raid subscription active; a second
// unlisten_raid(local) removes it.
func TestRaidDeduperCoalescesDuplicateListens(t *testing.T) {
	t.Parallel()
	d := newRaidDeduper()

	if !d.acquire("me") {
		t.Fatal("first acquire should report true (0->1 transition)")
	}
	if d.acquire("me") {
		t.Error("second acquire should report false (already active)")
	}
	if d.release("me") {
		t.Error("first release should report false (still one outstanding acquire)")
	}
	if !d.release("me") {
		t.Error("second release should report true (1->0 transition)")
	}
}

func TestRaidDeduperReleaseWithoutAcquireIsNoop(t *testing.T) {
	t.Parallel()
	d := newRaidDeduper()
	if d.release("nobody") {
		t.Error("releasing an unacquired channel should report false")
	}
}

func TestRaidDeduperIndependentChannels(t *testing.T) {
	t.Parallel()
	d := newRaidDeduper()
	if !d.acquire("alice") {
		t.Fatal("alice's first acquire should report true")
	}
	if !d.acquire("bob") {
		t.Fatal("bob's first acquire should report true")
	}
	if !d.release("alice") {
		t.Error("alice's release should report true")
	}
	if !d.release("bob") {
		t.Error("bob's release should still report true independent of alice")
	}
}
