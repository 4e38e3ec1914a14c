package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownController is returned by Get for names the registry was not
// built with.
var ErrUnknownController = errors.New("session: unknown controller")

// Registry resolves controller names to sessions. It is built once at
// startup from the configured controller list; commands receive session
// handles from it rather than reaching into shared state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session under its controller name.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sessions[s.Name()]; dup {
		return fmt.Errorf("session: duplicate controller %q", s.Name())
	}
	r.sessions[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

// Get resolves a controller name to its session.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownController, name)
	}
	return s, nil
}

// Names returns controller names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Shutdown deinitializes every configured controller, returning the first
// error encountered.
func (r *Registry) Shutdown() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, name := range r.order {
		s := r.sessions[name]
		if !s.Configured() {
			continue
		}
		if err := s.Deinit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
