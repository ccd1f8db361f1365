package models

import (
	"errors"
	"fmt"
)

// ErrInvalidScope is returned when a scope has an empty component.
var ErrInvalidScope = errors.New("invalid scope")

// Scope is the (account, region, partition) tuple one run is evaluated
// against. Values are opaque to the registry beyond non-emptiness.
type Scope struct {
	AccountID string `json:"account_id"`
	Region    string `json:"region"`
	Partition string `json:"partition"`
}

// Validate returns an error wrapping ErrInvalidScope when any field is empty.
func (s Scope) Validate() error {
	switch {
	case s.AccountID == "":
		return fmt.Errorf("%w: empty account id", ErrInvalidScope)
	case s.Region == "":
		return fmt.Errorf("%w: empty region", ErrInvalidScope)
	case s.Partition == "":
		return fmt.Errorf("%w: empty partition", ErrInvalidScope)
	}
	return nil
}

// Key renders the scope as account/partition/region.
func (s Scope) Key() string {
	return s.AccountID + "/" + s.Partition + "/" + s.Region
}

func (s Scope) String() string { return s.Key() }
