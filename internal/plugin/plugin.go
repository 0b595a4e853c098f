// Package plugin implements C12: the plugin registry and policy gate.
//
// A plugin ships a manifest and a Register method that adds one or more
// capability/method operations to the registry. Registration is
// transactional — a plugin whose Register call fails after adding
// operations is rolled back entirely — and (capability, method) pairs are
// exclusively owned across the whole registry, mirroring
// PluginRegistry.register_plugin/resolve_operation in
// original_source/.../core/plugins/sdk.py (confirmed via
// tests/core/unit/test_plugin_sdk.py's rollback/duplicate-id/
// owned-method assertions).
package plugin

import (
	"context"
	"fmt"
	"sync"
)

// Manifest describes a loaded plugin (spec §4.10).
type Manifest struct {
	ID          string
	Name        string
	Version     string
	Entrypoint  string
	Description string
}

// Profile is a session's authorization level (spec §4.10/§6), ordered
// VIEWER < OPERATOR < MAINTAINER.
type Profile string

const (
	ProfileViewer     Profile = "VIEWER"
	ProfileOperator   Profile = "OPERATOR"
	ProfileMaintainer Profile = "MAINTAINER"
)

var profileRank = map[Profile]int{
	ProfileViewer:     0,
	ProfileOperator:   1,
	ProfileMaintainer: 2,
}

// Meets reports whether this profile satisfies a required minimum.
func (p Profile) Meets(minimum Profile) bool {
	return profileRank[p] >= profileRank[minimum]
}

// Request is what a plugin handler receives: the session identity, its
// resolved profile, and the untyped IPC params (spec §6 — params are
// untyped on the wire).
type Request struct {
	SessionID string
	Profile   Profile
	Capability string
	Method     string
	Params     map[string]any
}

// Handler is a plugin operation's business logic.
type Handler func(ctx context.Context, req Request) (map[string]any, error)

// PolicyHook is an optional per-operation authorization check beyond the
// minimum-profile gate (spec §4.10's "policy_hook"). Returning a non-nil
// *Denial blocks the call with PLUGIN_POLICY_DENIED.
type PolicyHook func(ctx context.Context, req Request) *Denial

// Denial carries the reason a policy hook rejected a request.
type Denial struct {
	Code    string
	Message string
}

// Loader resolves a Handler lazily — spec §4.10's "handler modules are
// lazy-loaded the first time an operation fires" requirement. Operation
// registration stores a Loader rather than a live Handler so unused
// plugins never pay import/init cost; Registry.Invoke resolves and caches
// it on first use.
type Loader func() (Handler, error)

// Operation is one (capability, method) entry a plugin contributes.
type Operation struct {
	PluginID       string
	Capability     string
	Method         string
	Mutating       bool
	MinimumProfile Profile
	PolicyHook     PolicyHook

	// Handler is used directly when set. Load is used instead when the
	// handler should be resolved lazily (spec §4.10, §9 "plugin lazy
	// loading"); at most one of Handler/Load should be set.
	Handler Handler
	Load    Loader
}

func (o Operation) key() opKey { return opKey{o.Capability, o.Method} }

type opKey struct{ capability, method string }

// Plugin is the contract a plugin package implements: report a manifest,
// then register its operations against the narrow RegistrationAPI the
// registry hands it during bootstrap.
type Plugin interface {
	Manifest() Manifest
	Register(api *RegistrationAPI) error
}

// RegistrationAPI is the narrow surface passed to Plugin.Register — a
// plugin may only add operations through it, never reach into the
// registry's internals directly.
type RegistrationAPI struct {
	pluginID string
	ops      []Operation
}

// RegisterOperation stages an operation for this plugin's registration.
// Staged operations are only committed to the registry if Register
// returns without error (see Registry.RegisterPlugin).
func (a *RegistrationAPI) RegisterOperation(op Operation) error {
	if op.Capability == "" || op.Method == "" {
		return fmt.Errorf("plugin %s: operation capability and method are required", a.pluginID)
	}
	if op.Handler == nil && op.Load == nil {
		return fmt.Errorf("plugin %s: operation %s.%s has no handler", a.pluginID, op.Capability, op.Method)
	}
	op.PluginID = a.pluginID
	if op.MinimumProfile == "" {
		op.MinimumProfile = ProfileOperator
	}
	a.ops = append(a.ops, op)
	return nil
}

// Registry holds every registered plugin manifest and its operations,
// enforcing exclusive (capability, method) ownership and resolving
// handlers lazily on first invocation.
type Registry struct {
	mu         sync.RWMutex
	manifests  map[string]Manifest
	operations map[opKey]*Operation
	resolved   map[opKey]Handler
	order      []string
}

// New returns an empty plugin registry.
func New() *Registry {
	return &Registry{
		manifests:  map[string]Manifest{},
		operations: map[opKey]*Operation{},
		resolved:   map[opKey]Handler{},
	}
}

// RegisterPlugin runs a plugin's Register against a fresh staging API and
// commits the result atomically: duplicate plugin IDs and capability/
// method collisions with an already-registered operation are rejected
// before anything is committed, and a Register call that itself returns
// an error leaves the registry exactly as it was (spec §4.10's
// transactional-registration invariant).
func (r *Registry) RegisterPlugin(p Plugin) error {
	manifest := p.Manifest()
	if manifest.ID == "" {
		return fmt.Errorf("plugin: manifest id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifests[manifest.ID]; exists {
		return fmt.Errorf("plugin %s: already registered", manifest.ID)
	}

	api := &RegistrationAPI{pluginID: manifest.ID}
	if err := p.Register(api); err != nil {
		return err
	}
	if len(api.ops) == 0 {
		return fmt.Errorf("plugin %s: must register at least one operation", manifest.ID)
	}
	for _, op := range api.ops {
		if existing, taken := r.operations[op.key()]; taken {
			return fmt.Errorf("plugin %s: %s.%s already registered by plugin %s",
				manifest.ID, op.Capability, op.Method, existing.PluginID)
		}
	}

	r.manifests[manifest.ID] = manifest
	r.order = append(r.order, manifest.ID)
	for i := range api.ops {
		op := api.ops[i]
		r.operations[op.key()] = &op
	}
	return nil
}

// Manifests returns every registered plugin manifest, in registration order.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.manifests[id])
	}
	return out
}

// Resolve looks up a registered operation by its address.
func (r *Registry) Resolve(capability, method string) (*Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.operations[opKey{capability, method}]
	return op, ok
}

// Invoke resolves (lazily loading and caching the handler on first use,
// per spec §9's "plugin lazy loading" pattern) and calls the operation's
// handler. Callers are expected to have already performed the profile
// and policy-hook checks (done in the dispatcher, C13) before calling.
func (r *Registry) Invoke(ctx context.Context, op *Operation, req Request) (map[string]any, error) {
	handler := op.Handler
	if handler == nil {
		r.mu.Lock()
		if cached, ok := r.resolved[op.key()]; ok {
			handler = cached
		} else {
			loaded, err := op.Load()
			if err != nil {
				r.mu.Unlock()
				return nil, fmt.Errorf("plugin %s: load handler for %s.%s: %w", op.PluginID, op.Capability, op.Method, err)
			}
			r.resolved[op.key()] = loaded
			handler = loaded
		}
		r.mu.Unlock()
	}
	return handler(ctx, req)
}
