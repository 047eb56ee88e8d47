package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRegistry is the in-memory Registry plus per-session progress
// subscriptions. Subscribers get a deep-copied snapshot after every update
// and are dropped automatically once the session is terminal.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	subs     map[string]map[int]func(Session)
	nextSub  int
}

// NewMemoryRegistry constructs a MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]*Session),
		subs:     make(map[string]map[int]func(Session)),
	}
}

// Create registers a new session.
func (r *MemoryRegistry) Create(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
	}
	stored := s.Clone()
	r.sessions[s.ID] = &stored
	return nil
}

// Get returns a deep-copied snapshot of the session.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

// Update applies fn atomically and notifies subscribers with the new snapshot.
func (r *MemoryRegistry) Update(ctx context.Context, id string, fn func(*Session)) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(s)
	s.UpdatedAt = time.Now().UTC()
	snap := s.Clone()

	var callbacks []func(Session)
	for _, cb := range r.subs[id] {
		callbacks = append(callbacks, cb)
	}
	if snap.Terminal() {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	// Callbacks run outside the lock so a slow subscriber cannot block writers.
	for _, cb := range callbacks {
		cb(snap)
	}
	return snap, nil
}

// Subscribe registers a callback invoked after every update of the session.
// The returned function unsubscribes; subscriptions also end when the session
// reaches a terminal status.
func (r *MemoryRegistry) Subscribe(id string, cb func(Session)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[id] == nil {
		r.subs[id] = make(map[int]func(Session))
	}
	key := r.nextSub
	r.nextSub++
	r.subs[id][key] = cb
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[id], key)
	}
}

// Delete removes a session and its subscriptions.
func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	delete(r.subs, id)
	return nil
}

// Sweep evicts terminal sessions whose end time is older than retention.
func (r *MemoryRegistry) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.sessions {
		if s.Terminal() && s.EndTime != nil && s.EndTime.Before(cutoff) {
			delete(r.sessions, id)
			delete(r.subs, id)
			removed++
		}
	}
	return removed, nil
}

var _ Registry = (*MemoryRegistry)(nil)
