package registry

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Wildcard selects every registered auditor.
const Wildcard = "all"

// Selection chooses which registered checks a run executes.
//
// An empty Auditors list, or one containing Wildcard, selects every auditor.
// Checks, when non-empty, narrows the run to the named checks; entries are
// either "auditor/check" or a bare check name. Exclude removes auditors
// ("auditor") or single checks ("auditor/check"); unknown exclusions are
// ignored.
type Selection struct {
	Auditors []string
	Checks   []string
	Exclude  []string
}

// All selects every registered check.
func All() Selection { return Selection{} }

// Auditors selects every check of the named auditors.
func Auditors(names ...string) Selection { return Selection{Auditors: names} }

// IsAll reports whether the selection covers every auditor.
func (s Selection) IsAll() bool {
	return len(s.Auditors) == 0 || lo.Contains(s.Auditors, Wildcard)
}

// WithChecks returns a copy of s narrowed to the named checks.
func (s Selection) WithChecks(checks ...string) Selection {
	s.Checks = append(append([]string(nil), s.Checks...), checks...)
	return s
}

// Without returns a copy of s that also excludes the given entries.
func (s Selection) Without(entries ...string) Selection {
	s.Exclude = append(append([]string(nil), s.Exclude...), entries...)
	return s
}

func (s Selection) resolve(all []Check) ([]Check, error) {
	registered := lo.SliceToMap(all, func(c Check) (string, struct{}) { return c.Auditor, struct{}{} })

	auditors := map[string]struct{}{}
	if !s.IsAll() {
		for _, name := range s.Auditors {
			if _, ok := registered[name]; !ok {
				return nil, fmt.Errorf("%w %q", ErrUnknownAuditor, name)
			}
			auditors[name] = struct{}{}
		}
	}

	for _, want := range s.Checks {
		if !lo.ContainsBy(all, func(c Check) bool { return matchesCheck(c, want) }) {
			return nil, fmt.Errorf("%w %q", ErrUnknownCheck, want)
		}
	}

	selected := lo.Filter(all, func(c Check, _ int) bool {
		if !s.IsAll() {
			if _, ok := auditors[c.Auditor]; !ok {
				return false
			}
		}
		if len(s.Checks) > 0 && !lo.ContainsBy(s.Checks, func(want string) bool { return matchesCheck(c, want) }) {
			return false
		}
		return !lo.ContainsBy(s.Exclude, func(ex string) bool { return matchesExclusion(c, ex) })
	})
	return selected, nil
}

// matchesCheck matches "auditor/check" or a bare check name.
func matchesCheck(c Check, want string) bool {
	if strings.Contains(want, "/") {
		return c.ID().String() == want
	}
	return c.Name == want
}

// matchesExclusion matches "auditor" or "auditor/check".
func matchesExclusion(c Check, ex string) bool {
	if strings.Contains(ex, "/") {
		return c.ID().String() == ex
	}
	return c.Auditor == ex
}
