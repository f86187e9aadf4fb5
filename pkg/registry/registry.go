// Package registry holds the immutable set of components the relay knows:
// their roles, key ids and public keys.
package registry

import (
	"crypto/ed25519"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
)

// Component is one registered participant.
type Component struct {
	ID        string
	Role      Role
	KeyID     string
	PublicKey ed25519.PublicKey // nil when no key was found at startup
}

// Registry is built once at startup. It has no mutators.
type Registry struct {
	relayID    string
	components map[string]Component
	keys       *crypto.KeyRing
}

// New builds a registry. The relay itself is always present under relayID.
func New(relayID string, relayKey ed25519.PublicKey, components []Component) (*Registry, error) {
	if relayID == "" {
		return nil, fmt.Errorf("relay id is required")
	}
	r := &Registry{
		relayID:    relayID,
		components: make(map[string]Component, len(components)+1),
		keys:       crypto.NewKeyRing(),
	}

	entries := append([]Component{{ID: relayID, Role: RoleRelay, KeyID: relayID, PublicKey: relayKey}}, components...)
	for _, c := range entries {
		if c.ID == "" {
			return nil, fmt.Errorf("component with empty id")
		}
		if _, err := ParseRole(string(c.Role)); err != nil {
			return nil, fmt.Errorf("component %s: %w", c.ID, err)
		}
		if c.Role == RoleRelay && c.ID != relayID {
			return nil, fmt.Errorf("component %s: role relay is reserved for %s", c.ID, relayID)
		}
		if _, dup := r.components[c.ID]; dup {
			return nil, fmt.Errorf("duplicate component id %s", c.ID)
		}
		if c.KeyID == "" {
			c.KeyID = c.ID
		}
		if c.PublicKey != nil {
			if _, taken := r.keys.Lookup(c.KeyID); taken {
				return nil, fmt.Errorf("component %s: key id %s already registered", c.ID, c.KeyID)
			}
			r.keys.Add(c.KeyID, c.PublicKey)
		}
		r.components[c.ID] = c
	}
	return r, nil
}

// RelayID is the relay's own component id.
func (r *Registry) RelayID() string { return r.relayID }

// Lookup returns the component registered under id.
func (r *Registry) Lookup(id string) (Component, bool) {
	c, ok := r.components[id]
	return c, ok
}

// PublicKey resolves a signature's key id.
func (r *Registry) PublicKey(keyID string) (ed25519.PublicKey, bool) {
	return r.keys.Lookup(keyID)
}

// ComponentCount is the number of registered components excluding the relay.
func (r *Registry) ComponentCount() int {
	return len(r.components) - 1
}

// IDs returns every registered component id, relay included, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
