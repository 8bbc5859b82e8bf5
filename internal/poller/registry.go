package poller

import (
	"context"
	"sync"

	"cashucloak/internal/balance"
	"cashucloak/internal/credential"
)

// Key identifies a session by the credential it watches and the mint.
type Key struct {
	Fingerprint string
	Mint        balance.MintID
}

func NewKey(c credential.Credential, mint balance.MintID) Key {
	return Key{Fingerprint: c.Fingerprint(), Mint: mint}
}

// Observer is notified as sessions start and finish.
type Observer interface {
	PollStarted()
	PollFinished(Result)
}

// Registry keeps at most one live session per Key.
type Registry struct {
	observer Observer

	mu       sync.Mutex
	sessions map[Key]*Handle
}

// NewRegistry creates an empty registry. observer may be nil.
func NewRegistry(observer Observer) *Registry {
	return &Registry{
		observer: observer,
		sessions: make(map[Key]*Handle),
	}
}

// Start cancels any live session for key, then starts a new one in its
// place.
func (r *Registry) Start(ctx context.Context, key Key, cfg Config,
	pred Predicate) *Handle {

	r.mu.Lock()
	if prev, ok := r.sessions[key]; ok {
		log.Debugf("Replacing poll session for %.12s@%s", key.Fingerprint,
			key.Mint)
		prev.Cancel()
	}
	h := Start(ctx, cfg, pred)
	r.sessions[key] = h
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.PollStarted()
	}

	go r.reap(key, h)

	return h
}

func (r *Registry) reap(key Key, h *Handle) {
	<-h.Done()

	r.mu.Lock()
	if r.sessions[key] == h {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	res := h.Result()
	log.Debugf("Poll session %.12s@%s finished: %v after %d attempts",
		key.Fingerprint, key.Mint, res.Outcome, res.Attempts)

	if r.observer != nil {
		r.observer.PollFinished(res)
	}
}

// Cancel stops the live session for key, reporting whether there was one.
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	h, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		h.Cancel()
	}
	return ok
}

// Active returns the live session for key.
func (r *Registry) Active(key Key) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.sessions[key]
	return h, ok
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// CancelAll stops every live session.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.sessions))
	for key, h := range r.sessions {
		handles = append(handles, h)
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}
