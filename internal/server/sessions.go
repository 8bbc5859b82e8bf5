package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"cashucloak/internal/lifecycle"
)

// sessionRetention is how long a finished session stays queryable.
const sessionRetention = time.Hour

// session is one workflow run on its own controller.
type session struct {
	id        string
	operation string
	ctrl      *lifecycle.Controller
	createdAt time.Time

	// cancel aborts the workflow context, which also covers a workflow
	// that has not reached the controller yet.
	cancel context.CancelFunc

	done chan struct{}

	mu         sync.Mutex
	result     lifecycle.Result
	finishedAt time.Time
}

func newSession(operation string, ctrl *lifecycle.Controller,
	now time.Time) *session {

	return &session{
		id:        uuid.NewString(),
		operation: operation,
		ctrl:      ctrl,
		createdAt: now,
		cancel:    func() {},
		done:      make(chan struct{}),
	}
}

// abort cancels the controller and the workflow context.
func (s *session) abort() {
	s.ctrl.Cancel()
	s.cancel()
}

func (s *session) complete(res lifecycle.Result, now time.Time) {
	s.mu.Lock()
	s.result = res
	s.finishedAt = now
	s.mu.Unlock()
	close(s.done)
}

// outcome returns the result once the workflow has finished.
func (s *session) outcome() (lifecycle.Result, bool) {
	select {
	case <-s.done:
	default:
		return lifecycle.Result{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, true
}

func (s *session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.finishedAt.IsZero() && now.Sub(s.finishedAt) > sessionRetention
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

// add stores sess and drops finished sessions past retention.
func (s *sessionStore) add(sess *session, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, old := range s.sessions {
		if old.expired(now) {
			delete(s.sessions, id)
		}
	}
	s.sessions[sess.id] = sess
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
