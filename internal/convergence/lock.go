package convergence

import (
	"context"
	"sync"
)

// sessionLocks serializes loops per session. Entries are dropped once no
// caller holds or waits for them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// acquire blocks until the session is free or ctx is done. The returned
// func releases it.
func (s *sessionLocks) acquire(ctx context.Context, session string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[session]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		s.locks[session] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			s.unref(session, l)
		}, nil
	case <-ctx.Done():
		s.unref(session, l)
		return nil, ctx.Err()
	}
}

func (s *sessionLocks) unref(session string, l *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, session)
	}
}

func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
