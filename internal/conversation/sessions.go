package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/orbitdocs/spacebio/internal/storage"
)

// Sessions persists conversation state per session id. Load returns a
// fresh state for unknown ids.
type Sessions interface {
	Load(ctx context.Context, id string) (*State, error)
	Save(ctx context.Context, id string, state *State) error
}

// MemorySessions keeps state in process memory.
type MemorySessions struct {
	mu     sync.Mutex
	states map[string]*State
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{states: make(map[string]*State)}
}

func (m *MemorySessions) Load(_ context.Context, id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		return s.Clone(), nil
	}
	return NewState(), nil
}

func (m *MemorySessions) Save(_ context.Context, id string, state *State) error {
	m.mu.Lock()
	m.states[id] = state.Clone()
	m.mu.Unlock()
	return nil
}

// StateStore is the storage surface used by StoredSessions.
type StateStore interface {
	SessionState(id string) ([]byte, error)
	SaveSessionState(id string, state []byte) error
}

// StoredSessions keeps state as JSON in a StateStore, so conversations
// survive restarts.
type StoredSessions struct {
	store StateStore
}

func NewStoredSessions(store StateStore) *StoredSessions {
	return &StoredSessions{store: store}
}

func (s *StoredSessions) Load(_ context.Context, id string) (*State, error) {
	data, err := s.store.SessionState(id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	if state.CurrentPublications == nil {
		state.CurrentPublications = []Publication{}
	}
	return state, nil
}

func (s *StoredSessions) Save(_ context.Context, id string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.store.SaveSessionState(id, data); err != nil {
		return fmt.Errorf("saving session %s: %w", id, err)
	}
	return nil
}

// Locks serializes turns of the same session.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	held chan struct{}
	refs int
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sessionLock)}
}

// Lock waits until id is free and returns the matching unlock func. It
// gives up with ctx's error when ctx ends first.
func (l *Locks) Lock(ctx context.Context, id string) (unlock func(), err error) {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{held: make(chan struct{}, 1)}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.held <- struct{}{}:
	case <-ctx.Done():
		l.release(id, sl)
		return nil, ctx.Err()
	}
	return func() {
		<-sl.held
		l.release(id, sl)
	}, nil
}

func (l *Locks) release(id string, sl *sessionLock) {
	l.mu.Lock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}
