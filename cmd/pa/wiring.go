package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/samber/lo"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/auditors"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/policy"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

// defaultPolicyPath is read when --policy is not given and the file exists.
const defaultPolicyPath = "./pa.yaml"

// newRegistry builds a registry holding every built-in check, reading AWS
// through clients.
func (a *app) newRegistry(clients common.ClientSource, pcfg *policy.PolicyConfig) (*registry.Registry, error) {
	fetch := common.DefaultFetchOptions()
	if a.cfg != nil {
		fetch = a.cfg.Fetch.Options()
	}
	deps := auditors.Deps{
		Clients: clients,
		Fetcher: common.NewFetcher(fetch),
		Params:  policy.Params{Config: pcfg},
	}
	reg := registry.New()
	if err := auditors.RegisterAll(reg, deps); err != nil {
		return nil, fmt.Errorf("register checks: %w", err)
	}
	return reg, nil
}

// loadPolicy loads the policy at path. With an empty path it falls back to
// ./pa.yaml when present, and returns nil when it is not.
func loadPolicy(path string) (*policy.PolicyConfig, string, error) {
	if path == "" {
		if _, err := os.Stat(defaultPolicyPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, "", nil
			}
			return nil, defaultPolicyPath, err
		}
		path = defaultPolicyPath
	}
	cfg, err := policy.LoadPolicy(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// validatePolicy checks pcfg against the registered auditors and checks.
func validatePolicy(pcfg *policy.PolicyConfig, reg *registry.Registry) []error {
	ids := lo.Map(reg.Checks(), func(c registry.Check, _ int) string { return c.ID().String() })
	return policy.Validate(pcfg, reg.Auditors(), ids)
}
