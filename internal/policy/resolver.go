package policy

import (
	"slices"

	"github.com/samber/lo"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

// Selection narrows base by the policy: disabled auditors and checks are
// added to the exclusions. A nil cfg returns base unchanged.
func Selection(cfg *PolicyConfig, base registry.Selection) registry.Selection {
	if cfg == nil {
		return base
	}

	disabledAuditors := lo.Keys(lo.PickBy(cfg.Auditors, func(_ string, a AuditorConfig) bool { return !a.Enabled }))
	disabledChecks := lo.Keys(lo.PickBy(cfg.Checks, func(_ string, c CheckConfig) bool { return c.Enabled != nil && !*c.Enabled }))

	// Map order is random; keep the exclusion list stable.
	slices.Sort(disabledAuditors)
	slices.Sort(disabledChecks)

	return base.Without(append(disabledAuditors, disabledChecks...)...)
}
