// Package registry groups checks by auditor and executes them against one
// scope with failure isolation, producing a single ordered, lazily generated
// stream of findings.
//
// Lifecycle: New → Register (startup) → Run (one or more) → discard. The
// first Run seals the registry; later Register calls fail with a
// *RegistrationError.
package registry

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// Registry is an ordered, in-memory check registry. Checks execute in
// auditor registration order (the first registration of an auditor fixes
// its position), then in per-auditor check registration order.
type Registry struct {
	mu       sync.Mutex
	auditors []string
	checks   map[string][]Check
	index    map[Identity]struct{}

	// sealed holds the ordered check list once the registry is read-only.
	sealed atomic.Pointer[[]Check]
}

// New returns an empty registry ready for check registration.
func New() *Registry {
	return &Registry{
		checks: make(map[string][]Check),
		index:  make(map[Identity]struct{}),
	}
}

// Register appends c under auditor. Auditor names may repeat across calls;
// the (auditor, check name) pair may not.
func (r *Registry) Register(auditor string, c Check) error {
	if c.Auditor != "" && c.Auditor != auditor {
		return &RegistrationError{Auditor: auditor, Check: c.Name, Reason: fmt.Sprintf("check already bound to auditor %q", c.Auditor)}
	}
	c.Auditor = auditor

	switch {
	case auditor == "":
		return &RegistrationError{Check: c.Name, Reason: "empty auditor name"}
	case c.Name == "":
		return &RegistrationError{Auditor: auditor, Reason: "empty check name"}
	case c.Func == nil:
		return &RegistrationError{Auditor: auditor, Check: c.Name, Reason: "nil check function"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() != nil {
		return &RegistrationError{Auditor: auditor, Check: c.Name, Reason: "registry is sealed; registration must complete before the first run"}
	}
	if _, exists := r.index[c.ID()]; exists {
		return &RegistrationError{Auditor: auditor, Check: c.Name, Reason: "duplicate check"}
	}
	if _, known := r.checks[auditor]; !known {
		r.auditors = append(r.auditors, auditor)
	}
	r.checks[auditor] = append(r.checks[auditor], c)
	r.index[c.ID()] = struct{}{}
	return nil
}

// RegisterFunc registers fn as check name under auditor.
func (r *Registry) RegisterFunc(auditor, name string, fn CheckFunc) error {
	return r.Register(auditor, Check{Name: name, Func: fn})
}

// MustRegister is Register that panics on error, for static wiring.
func (r *Registry) MustRegister(auditor string, c Check) {
	if err := r.Register(auditor, c); err != nil {
		panic(err)
	}
}

// Seal ends the registration phase. It is called implicitly by Run and is
// idempotent.
func (r *Registry) Seal() {
	if r.sealed.Load() != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() != nil {
		return
	}
	ordered := r.orderedLocked()
	r.sealed.Store(&ordered)
}

// Sealed reports whether the registration phase is over.
func (r *Registry) Sealed() bool { return r.sealed.Load() != nil }

// Checks returns every registered check in execution order.
func (r *Registry) Checks() []Check {
	return slices.Clone(r.view())
}

// Auditors returns the auditor names in registration order.
func (r *Registry) Auditors() []string {
	var names []string
	for _, c := range r.view() {
		if len(names) == 0 || names[len(names)-1] != c.Auditor {
			names = append(names, c.Auditor)
		}
	}
	return names
}

// Lookup returns the check registered under id.
func (r *Registry) Lookup(id Identity) (Check, bool) {
	for _, c := range r.view() {
		if c.ID() == id {
			return c, true
		}
	}
	return Check{}, false
}

// Len returns the number of registered checks.
func (r *Registry) Len() int { return len(r.view()) }

// Resolve returns the checks sel selects, in execution order.
func (r *Registry) Resolve(sel Selection) ([]Check, error) {
	return sel.resolve(r.view())
}

// Run seals the registry and prepares one execution of the checks selected
// by sel against scope. Nothing executes until the returned Run's Findings
// sequence is iterated.
//
// Each Run owns a fresh ResponseCache; caches are never shared between runs
// or scopes.
func (r *Registry) Run(ctx context.Context, sel Selection, scope models.Scope, opts ...RunOption) (*Run, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	r.Seal()
	checks, err := r.Resolve(sel)
	if err != nil {
		return nil, err
	}
	o := defaultRunOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newRun(ctx, scope, checks, cache.New(), o), nil
}

// view returns the ordered check list without copying. After sealing it is
// read without taking the lock.
func (r *Registry) view() []Check {
	if p := r.sealed.Load(); p != nil {
		return *p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderedLocked()
}

func (r *Registry) orderedLocked() []Check {
	var ordered []Check
	for _, name := range r.auditors {
		ordered = append(ordered, r.checks[name]...)
	}
	return ordered
}
