// Package connstate owns the per-connection state machine: identity,
// permissions, open subscriptions, and the serialized send path every
// handler and subscription worker writes frames through.
package connstate

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// Sender abstracts the underlying transport write, so ConnectionState does
// not depend on gorilla/websocket directly.
type Sender interface {
	WriteJSON(v any) error
	Close() error
}

// SubscriptionHandle is one open subscription on a connection.
type SubscriptionHandle struct {
	SubscriptionID string
	Channel        string
	Position       *domain.StreamCursor
	Filter         string
	BatchSize      int

	// Cancel stops the owning worker; Done is closed once the worker has
	// fully released its resources. Both are nil until the worker starts.
	Cancel context.CancelFunc
	Done   <-chan struct{}
}

// State is one open WebSocket session's state, per spec §3 ConnectionState.
type State struct {
	ID string

	AppKey domain.AppKey

	mu            sync.Mutex
	ok            bool
	authenticated bool
	role          string
	permissions   domain.PermissionSet
	nonce         []byte
	nonceUsed     bool
	pendingRole   string

	subsMu sync.Mutex
	subs   map[string]*SubscriptionHandle

	sender Sender
}

// New creates a connection state bound to sender, not yet authenticated.
func New(id string, appkey domain.AppKey, sender Sender) *State {
	return &State{
		ID:     id,
		AppKey: appkey,
		ok:     true,
		subs:   make(map[string]*SubscriptionHandle),
		sender: sender,
	}
}

// OK reports whether the connection is still eligible to send frames.
func (s *State) OK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ok
}

// Send writes resp through the serialized send path. At most one frame is
// ever on the wire at a time for this connection; a write failure marks the
// connection not-ok so subsequent sends short-circuit.
func (s *State) Send(resp any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ok {
		return fmt.Errorf("connstate: connection %s is not ok", s.ID)
	}

	if err := s.sender.WriteJSON(resp); err != nil {
		s.ok = false
		return fmt.Errorf("connstate: send on %s: %w", s.ID, err)
	}
	return nil
}

// Fail marks the connection not-ok without attempting a final send; used
// when a fatal protocol error (bad_schema) has already been reported.
func (s *State) Fail() {
	s.mu.Lock()
	s.ok = false
	s.mu.Unlock()
}

// IssueNonce generates fresh random bytes for the auth handshake and
// remembers role as the pending authenticate target, replacing any previous
// nonce (a new handshake invalidates an old one).
func (s *State) IssueNonce(role string) ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("connstate: generate nonce: %w", err)
	}

	s.mu.Lock()
	s.nonce = nonce
	s.nonceUsed = false
	s.pendingRole = role
	s.mu.Unlock()

	return nonce, nil
}

// ConsumeNonce returns the current nonce and its pending role, marking the
// nonce used. A second call without an intervening IssueNonce returns
// ok=false, enforcing single-use.
func (s *State) ConsumeNonce() (nonce []byte, role string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nonce == nil || s.nonceUsed {
		return nil, "", false
	}
	s.nonceUsed = true
	return s.nonce, s.pendingRole, true
}

// Authenticate marks the connection authenticated with the given role name
// and permission set, per a successful auth/authenticate.
func (s *State) Authenticate(role string, perms domain.PermissionSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.role = role
	s.permissions = perms
}

// Authenticated reports whether auth/authenticate has succeeded.
func (s *State) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Role returns the authenticated role name, or "" before authentication.
func (s *State) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Permissions returns the authenticated permission set (empty before
// authentication).
func (s *State) Permissions() domain.PermissionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions
}

// AddSubscription registers handle under its SubscriptionID. It returns
// domain.ErrDuplicateSubscription if a handle with that id already exists.
func (s *State) AddSubscription(handle *SubscriptionHandle) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if _, exists := s.subs[handle.SubscriptionID]; exists {
		return domain.ErrDuplicateSubscription
	}
	s.subs[handle.SubscriptionID] = handle
	return nil
}

// RemoveSubscription cancels and removes the handle for subscriptionID. It
// returns domain.ErrUnknownSubscription if no such handle exists. Removal
// always happens even if the worker's own teardown later fails, per the
// "cancellation always removes the handle" invariant.
func (s *State) RemoveSubscription(subscriptionID string) (*SubscriptionHandle, error) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	handle, exists := s.subs[subscriptionID]
	if !exists {
		return nil, domain.ErrUnknownSubscription
	}
	delete(s.subs, subscriptionID)

	if handle.Cancel != nil {
		handle.Cancel()
	}
	return handle, nil
}

// Subscriptions returns a snapshot (copies) of the currently open
// subscription handles.
func (s *State) Subscriptions() []SubscriptionHandle {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	out := make([]SubscriptionHandle, 0, len(s.subs))
	for _, h := range s.subs {
		out = append(out, *h)
	}
	return out
}

// TeardownSubscriptions cancels every open subscription, for connection
// close and server shutdown. It does not wait for workers to finish.
func (s *State) TeardownSubscriptions() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for id, h := range s.subs {
		if h.Cancel != nil {
			h.Cancel()
		}
		delete(s.subs, id)
	}
}

// Close marks the connection not-ok and closes the underlying transport.
func (s *State) Close() error {
	s.Fail()
	s.TeardownSubscriptions()
	return s.sender.Close()
}

// EncodeBase64 is a small helper for bad_schema diagnostics, which must
// carry the raw inbound bytes as base64 for debugging malformed frames.
func EncodeBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
