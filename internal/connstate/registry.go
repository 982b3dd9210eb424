package connstate

import "sync"

// Summary is the admin-facing view of one connection, per the
// admin/get_connections response body.
type Summary struct {
	ID            string
	AppKey        string
	Role          string
	Subscriptions []string
}

// Registry tracks every live connection process-wide, so admin/get_connections
// and admin/close_connection can enumerate and act on connections other than
// the one issuing the request.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*State
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*State)}
}

// Add registers a connection. It replaces any prior entry under the same id.
func (r *Registry) Add(s *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[s.ID] = s
}

// Remove unregisters a connection by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get looks up a connection by id.
func (r *Registry) Get(id string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[id]
	return s, ok
}

// List returns a summary of every live connection.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.conns))
	for _, s := range r.conns {
		handles := s.Subscriptions()
		ids := make([]string, 0, len(handles))
		for _, h := range handles {
			ids = append(ids, h.SubscriptionID)
		}
		out = append(out, Summary{
			ID:            s.ID,
			AppKey:        string(s.AppKey),
			Role:          s.Role(),
			Subscriptions: ids,
		})
	}
	return out
}

// Close closes the connection with the given id, if present, and removes it
// from the registry. It returns false if no such connection exists.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	s, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	_ = s.Close()
	return true
}
