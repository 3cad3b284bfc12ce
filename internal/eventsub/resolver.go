package eventsub

import (
	"context"
	"sync"
)

// idCache is the minimal persistence contract the resolver needs from
// an optional on-disk cache (see internal/idcache). Nil is a valid
// value — GetAll/Put then become no-ops, matching the in-memory-only
// default when no cache path is configured.
type idCache interface {
	GetAll() (map[string]string, error)
	Put(login, id string) error
}

// IdResolver turns a login string into an opaque user id by consulting
// the API collaborator, caching forever within a run, and coalescing
// concurrent lookups of the same login: one in-flight API call per
// login, with a waiter list that all fire when the result lands.
type IdResolver struct {
	api   APIClient
	cache idCache

	mu         sync.Mutex
	idsByLogin map[string]string
	loginsByID map[string]string
	inflight   map[string][]func(id string, ok bool)
}

// NewIdResolver creates a resolver. cache may be nil to disable on-disk
// persistence of the name→id map.
func NewIdResolver(api APIClient, cache idCache) *IdResolver {
	r := &IdResolver{
		api:        api,
		cache:      cache,
		idsByLogin: make(map[string]string),
		loginsByID: make(map[string]string),
		inflight:   make(map[string][]func(id string, ok bool)),
	}
	if cache != nil {
		if all, err := cache.GetAll(); err == nil {
			for login, id := range all {
				r.idsByLogin[login] = id
				r.loginsByID[id] = login
			}
		}
	}
	return r
}

// Lookup is the synchronous, non-blocking check used by Subscription
// readiness predicates; it never blocks.
func (r *IdResolver) Lookup(login string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.idsByLogin[login]
	return id, ok
}

// LoginFor returns the cached login for a previously resolved id.
func (r *IdResolver) LoginFor(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	login, ok := r.loginsByID[id]
	return login, ok
}

// WaitForId guarantees cb fires exactly once with either the resolved
// id or a not-found indicator. If login is already cached, cb may
// fire synchronously (here: always, for the cached case — no goroutine
// hop is needed). Multiple concurrent WaitForId calls for the same
// login share one underlying API call.
func (r *IdResolver) WaitForId(ctx context.Context, login string, cb func(id string, ok bool)) {
	r.mu.Lock()
	if id, ok := r.idsByLogin[login]; ok {
		r.mu.Unlock()
		cb(id, true)
		return
	}

	waiters, inflight := r.inflight[login]
	r.inflight[login] = append(waiters, cb)
	r.mu.Unlock()

	if inflight {
		return
	}

	r.api.WaitForID(ctx, login, func(id string, ok bool) {
		r.complete(login, id, ok)
	})
}

func (r *IdResolver) complete(login, id string, ok bool) {
	r.mu.Lock()
	var waiters []func(id string, ok bool)
	if ok {
		r.idsByLogin[login] = id
		r.loginsByID[id] = login
	}
	waiters = r.inflight[login]
	delete(r.inflight, login)
	cache := r.cache
	r.mu.Unlock()

	if ok && cache != nil {
		_ = cache.Put(login, id)
	}

	for _, w := range waiters {
		w(id, ok)
	}
}
