// Package buildid hands out the build identifiers that agent self-patching
// bakes into the agent's crash reporter. One identifier is generated per
// build variant and kept until the registry is invalidated.
package buildid

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultVariant is used when no variant is named.
const DefaultVariant = "release"

// Registry maps lower-cased variant names to build IDs. The zero value is
// not usable; call New.
type Registry struct {
	mu         sync.Mutex
	ids        map[string]string
	perVariant bool
	newID      func() string
}

// New returns a registry with per-variant IDs enabled and a fresh default
// ID already generated.
func New() *Registry {
	r := &Registry{perVariant: true, newID: uuid.NewString}
	r.Invalidate()
	return r
}

// Invalidate forgets every ID, so the next lookup of any variant gets a
// new one.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = map[string]string{DefaultVariant: r.newID()}
}

// SetPerVariant switches between one ID per variant and a single global
// ID shared by all variants.
func (r *Registry) SetPerVariant(enabled bool) {
	r.mu.Lock()
	r.perVariant = enabled
	r.mu.Unlock()
}

// Default returns the ID of the default variant.
func (r *Registry) Default() string {
	return r.Get(DefaultVariant)
}

// Get returns the ID for variant, generating it on first use. Variant
// names are case-insensitive; the empty name means the default variant.
func (r *Registry) Get(variant string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	variant = strings.ToLower(variant)
	if variant == "" || !r.perVariant {
		variant = DefaultVariant
	}
	id, ok := r.ids[variant]
	if !ok || id == "" {
		id = r.newID()
		r.ids[variant] = id
	}
	return id
}

// All returns a copy of the variant to ID map.
func (r *Registry) All() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.ids))
	for k, v := range r.ids {
		out[k] = v
	}
	return out
}
