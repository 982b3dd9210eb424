// Package apps loads the read-only apps configuration document: the
// mapping from AppKey to its role table. It is consulted on every
// handshake and never mutated for the lifetime of a connection.
package apps

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// roleDoc mirrors one role entry in the apps.json document.
type roleDoc struct {
	Secret      string   `json:"secret"`
	Permissions []string `json:"permissions"`
}

// appDoc mirrors one appkey entry in the apps.json document.
type appDoc struct {
	Roles map[string]roleDoc `json:"roles"`
}

// document is the on-disk shape: appkey -> {roles: {role -> {secret, permissions}}}.
type document map[string]appDoc

// Snapshot is an immutable, in-memory view of the apps document. Safe to
// share across goroutines without locking.
type Snapshot struct {
	apps map[domain.AppKey]domain.App
}

// Lookup returns the role named by (appkey, role), or false if either does
// not exist.
func (s *Snapshot) Lookup(appkey domain.AppKey, role string) (domain.Role, bool) {
	if s == nil {
		return domain.Role{}, false
	}
	app, ok := s.apps[appkey]
	if !ok {
		return domain.Role{}, false
	}
	r, ok := app.Roles[role]
	return r, ok
}

// HasApp reports whether appkey is a known tenant.
func (s *Snapshot) HasApp(appkey domain.AppKey) bool {
	if s == nil {
		return false
	}
	_, ok := s.apps[appkey]
	return ok
}

func buildSnapshot(doc document) *Snapshot {
	apps := make(map[domain.AppKey]domain.App, len(doc))
	for key, ad := range doc {
		app := domain.App{Key: domain.AppKey(key), Roles: make(map[string]domain.Role, len(ad.Roles))}
		for roleName, rd := range ad.Roles {
			app.Roles[roleName] = domain.Role{
				Name:        roleName,
				Secret:      rd.Secret,
				Permissions: domain.NewPermissionSet(rd.Permissions),
			}
		}
		apps[domain.AppKey(key)] = app
	}
	return &Snapshot{apps: apps}
}

// Load reads and parses the apps document at path into a fresh Snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("apps: read %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("apps: parse %s: %w", path, err)
	}

	return buildSnapshot(doc), nil
}

// Store holds an atomically swappable Snapshot. Workers and connections
// that already started keep the Snapshot pointer they acquired; a Reload
// only affects lookups performed after the swap.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a Store seeded with an initial Snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Current returns the Snapshot in effect right now.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload reads path again and atomically swaps in the new Snapshot. Callers
// that already hold a Snapshot reference are unaffected.
func (s *Store) Reload(path string) error {
	snap, err := Load(path)
	if err != nil {
		return err
	}
	s.current.Store(snap)
	return nil
}
