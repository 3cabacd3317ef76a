package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry pairs a session with its private lock. The lock serializes all
// writers for one session ID while leaving other sessions untouched.
type entry struct {
	mu sync.Mutex
	s  *Session
}

// Registry is the concurrency-safe owner of all session records. It is
// the only component that owns session lifetimes; everything else holds
// session IDs and re-resolves through the registry on each access.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		logger:   logger,
	}
}

// Create registers a new session with a generated ID and returns a
// snapshot of it.
func (r *Registry) Create(sessionType string, metadata map[string]string) Session {
	if sessionType == "" {
		sessionType = "manual"
	}

	s := &Session{
		ID:        uuid.New().String(),
		Type:      sessionType,
		Metadata:  metadata,
		Status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.sessions[s.ID] = &entry{s: s}
	r.mu.Unlock()

	r.logger.Info("Session created",
		slog.String("session_id", s.ID),
		slog.String("type", s.Type),
	)

	return s.clone()
}

// Get returns a consistent snapshot of the session, or ErrNotFound.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

// Mutate runs fn under the session's lock, serializing it against all
// other writers for the same ID. fn sees the live record; any error it
// returns is passed through unchanged.
func (r *Registry) Mutate(id string, fn func(*Session) error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.s)
}

// Delete removes the session from the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}

	delete(r.sessions, id)
	r.logger.Info("Session deleted", slog.String("session_id", id))
	return nil
}

// List returns summaries of all sessions, newest first. Per-session locks
// are taken one at a time so writers of other sessions are never blocked
// for the whole scan.
func (r *Registry) List() []Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		infos = append(infos, e.s.Info())
		e.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})

	return infos
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Purge removes completed and errored sessions that ended before the
// cutoff and returns how many were removed. Active sessions are never
// purged. There is no automatic eviction; the surrounding layer decides
// when to call this.
func (r *Registry) Purge(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.sessions {
		e.mu.Lock()
		expired := (e.s.Status == StatusCompleted || e.s.Status == StatusError) &&
			!e.s.EndedAt.IsZero() && e.s.EndedAt.Before(cutoff)
		e.mu.Unlock()

		if expired {
			delete(r.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info("Purged finished sessions", slog.Int("removed", removed))
	}

	return removed
}

// lookup resolves an entry by ID under the registry read lock.
func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return e, nil
}
