package registry

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// Identity names one registered check. Auditor names are shared by many
// checks; the (Auditor, Check) pair is unique within a registry.
type Identity struct {
	Auditor string `json:"auditor"`
	Check   string `json:"check"`
}

// String renders the identity as "auditor/check".
func (id Identity) String() string {
	return id.Auditor + "/" + id.Check
}

// ParseIdentity parses "auditor/check".
func ParseIdentity(s string) (Identity, error) {
	auditor, check, ok := strings.Cut(s, "/")
	if !ok || auditor == "" || check == "" {
		return Identity{}, fmt.Errorf("invalid check identity %q; want auditor/check", s)
	}
	return Identity{Auditor: auditor, Check: check}, nil
}

// CheckFunc evaluates one resource family in one scope and lazily yields one
// Finding per evaluated resource instance.
//
// Implementations read upstream data through c so that checks sharing a key
// share a single fetch. Conditions the check can encode as a Finding (for
// example a resource that vanished between list and describe) must be
// encoded or skipped, not returned as errors. Yielding a non-nil error, or
// panicking, is a check execution fault: the registry records it and moves
// on to the next check.
type CheckFunc func(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error]

// Check is one unit of evaluation bound to an auditor.
type Check struct {
	// Auditor is filled in by Register.
	Auditor string

	// Name is unique within the auditor, e.g. "ec2-imdsv2-check".
	Name string

	// Description is the one-line summary shown by the check catalogue.
	Description string

	Func CheckFunc
}

// ID returns the check's identity.
func (c Check) ID() Identity {
	return Identity{Auditor: c.Auditor, Check: c.Name}
}
