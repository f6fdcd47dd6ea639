// Package roles holds the role table consulted for every privileged operation.
package roles

import (
	"sort"
	"strings"
	"sync"
)

// Role names a permission granted to identities.
type Role string

const (
	Admin      Role = "admin"
	Governance Role = "governance"
	Emergency  Role = "emergency"
	Keeper     Role = "keeper"
)

// Known reports whether r is a recognized role.
func Known(r Role) bool {
	switch r {
	case Admin, Governance, Emergency, Keeper:
		return true
	}
	return false
}

// Authority answers the permission and asset questions engines ask before
// mutating state.
type Authority interface {
	HasRole(role Role, identity string) bool
	IsSupportedAsset(asset string) bool
}

// Table maps roles to identities. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	members map[Role]map[string]struct{}
}

// NewTable creates an empty role table.
func NewTable() *Table {
	return &Table{members: make(map[Role]map[string]struct{})}
}

// Grant adds identity to role. It reports whether the table changed.
func (t *Table) Grant(role Role, identity string) bool {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.members[role]
	if !ok {
		set = make(map[string]struct{})
		t.members[role] = set
	}
	if _, exists := set[identity]; exists {
		return false
	}
	set[identity] = struct{}{}
	return true
}

// Revoke removes identity from role. It reports whether the table changed.
func (t *Table) Revoke(role Role, identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.members[role]
	if !ok {
		return false
	}
	if _, exists := set[identity]; !exists {
		return false
	}
	delete(set, identity)
	return true
}

// Has reports whether identity holds role.
func (t *Table) Has(role Role, identity string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[role][identity]
	return ok
}

// HasAny reports whether identity holds at least one of the roles.
func (t *Table) HasAny(identity string, roles ...Role) bool {
	for _, r := range roles {
		if t.Has(r, identity) {
			return true
		}
	}
	return false
}

// Members returns the sorted identities holding role.
func (t *Table) Members(role Role) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.members[role]))
	for id := range t.members[role] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
