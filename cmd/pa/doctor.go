package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/config"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
)

// DoctorResult is the structured output of pa doctor. It can be serialised to
// JSON via --format=json or rendered as a human-readable table (default).
type DoctorResult struct {
	AWS struct {
		Profile     string `json:"profile,omitempty"`
		Credentials bool   `json:"credentials_ok"`
		AccountID   string `json:"account_id,omitempty"`
		Partition   string `json:"partition,omitempty"`
		RegionsOK   bool   `json:"regions_ok"`
		Regions     int    `json:"regions,omitempty"`
		Error       string `json:"error,omitempty"`
	} `json:"aws"`

	Config struct {
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	} `json:"config"`

	Policy struct {
		Path    string   `json:"path,omitempty"`
		Present bool     `json:"present"`
		Valid   bool     `json:"valid"`
		Errors  []string `json:"errors,omitempty"`
	} `json:"policy"`

	Registry struct {
		OK       bool   `json:"ok"`
		Auditors int    `json:"auditors"`
		Checks   int    `json:"checks"`
		Error    string `json:"error,omitempty"`
	} `json:"registry"`

	OverallHealthy bool `json:"overall_healthy"`
}

func newDoctorCmd(a *app) *cobra.Command {
	var format, profile, policyPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment diagnostics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := runDoctor(cmd.Context(), a, cmd.OutOrStdout(), format, profile, policyPath)
			if err != nil {
				return err
			}
			if !result.OverallHealthy {
				return &exitError{code: 1, reason: "environment unhealthy"}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", `Output format: "table" or "json"`)
	cmd.Flags().StringVar(&profile, "profile", "", "AWS profile to use (default: credential chain)")
	cmd.Flags().StringVar(&policyPath, "policy", "", "Policy file (default: ./pa.yaml when present)")
	return cmd
}

// runDoctor collects all diagnostic results, renders them to w in the
// requested format, and returns the result.
// The returned error covers only rendering failures. Callers inspect
// result.OverallHealthy to decide the exit status.
func runDoctor(ctx context.Context, a *app, w io.Writer, format, profile, policyPath string) (DoctorResult, error) {
	result := collectDoctorResult(ctx, a, profile, policyPath)

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return result, fmt.Errorf("encode doctor result: %w", err)
		}
	default:
		renderDoctorTable(result, w)
	}
	return result, nil
}

// collectDoctorResult runs all environment checks and populates a DoctorResult.
// It performs no rendering.
func collectDoctorResult(ctx context.Context, a *app, profile, policyPath string) DoctorResult {
	var result DoctorResult

	// AWS: credentials → STS account ID → region discovery.
	result.AWS.Profile = profile
	profileCfg, err := a.provider.LoadProfile(ctx, profile)
	if err != nil {
		result.AWS.Error = err.Error()
	} else {
		result.AWS.Credentials = true
		result.AWS.AccountID = profileCfg.AccountID
		result.AWS.Partition = profileCfg.Partition
		regions, err := a.provider.GetActiveRegions(ctx, profileCfg)
		if err != nil {
			result.AWS.Error = err.Error()
		} else {
			result.AWS.RegionsOK = true
			result.AWS.Regions = len(regions)
		}
	}

	// Config: the root command tolerates a broken config for doctor only.
	if a.cfg != nil {
		result.Config.Valid = true
	} else if _, err := config.Load(a.configPath); err != nil {
		result.Config.Error = err.Error()
	} else {
		result.Config.Valid = true
	}

	// Registry: every built-in check registers cleanly.
	reg, err := a.newRegistry(common.NewClientPool(a.factory), nil)
	if err != nil {
		result.Registry.Error = err.Error()
	} else {
		result.Registry.OK = true
		result.Registry.Auditors = len(reg.Auditors())
		result.Registry.Checks = reg.Len()
	}

	// Policy: load → validate (file is optional).
	pcfg, path, err := loadPolicy(policyPath)
	result.Policy.Path = path
	switch {
	case err != nil:
		result.Policy.Present = true
		result.Policy.Errors = []string{err.Error()}
	case pcfg != nil:
		result.Policy.Present = true
		if reg == nil {
			result.Policy.Errors = []string{"cannot validate without a registry"}
			break
		}
		errs := validatePolicy(pcfg, reg)
		for _, e := range errs {
			result.Policy.Errors = append(result.Policy.Errors, e.Error())
		}
		result.Policy.Valid = len(errs) == 0
	}

	result.OverallHealthy = result.AWS.Credentials &&
		result.AWS.RegionsOK &&
		result.Config.Valid &&
		result.Registry.OK &&
		(!result.Policy.Present || result.Policy.Valid)

	return result
}

// renderDoctorTable writes the human-readable diagnostic output from result to w.
func renderDoctorTable(result DoctorResult, w io.Writer) {
	fmt.Fprintln(w, "Environment Diagnostics")

	if result.AWS.Profile != "" {
		fmt.Fprintf(w, "\nAWS (profile: %s):\n", result.AWS.Profile)
	} else {
		fmt.Fprintln(w, "\nAWS:")
	}
	if !result.AWS.Credentials {
		doctorPrint(w, "Credentials", "FAIL", result.AWS.Error)
		doctorPrint(w, "STS Identity", "FAIL", "skipped")
		doctorPrint(w, "Regions API", "FAIL", "skipped")
	} else {
		doctorPrint(w, "Credentials", "OK", "")
		doctorPrint(w, "STS Identity", "OK", fmt.Sprintf("Account: %s (%s)", result.AWS.AccountID, result.AWS.Partition))
		if result.AWS.RegionsOK {
			doctorPrint(w, "Regions API", "OK", fmt.Sprintf("%d active", result.AWS.Regions))
		} else {
			doctorPrint(w, "Regions API", "FAIL", result.AWS.Error)
		}
	}

	fmt.Fprintln(w, "\nConfiguration:")
	if result.Config.Valid {
		doctorPrint(w, "Config valid", "OK", "")
	} else {
		doctorPrint(w, "Config valid", "FAIL", result.Config.Error)
	}

	fmt.Fprintln(w, "\nChecks:")
	if result.Registry.OK {
		doctorPrint(w, "Registry", "OK", fmt.Sprintf("%d auditors, %d checks", result.Registry.Auditors, result.Registry.Checks))
	} else {
		doctorPrint(w, "Registry", "FAIL", result.Registry.Error)
	}

	fmt.Fprintln(w, "\nPolicy:")
	if !result.Policy.Present {
		doctorPrint(w, "pa.yaml present", "Not found (optional)", "")
		return
	}
	doctorPrint(w, "Policy present", "YES", result.Policy.Path)
	if result.Policy.Valid {
		doctorPrint(w, "Policy valid", "OK", "")
		return
	}
	for _, e := range result.Policy.Errors {
		doctorPrint(w, "Policy valid", "FAIL", e)
	}
}

// doctorPrint writes a single diagnostic check line to w.
// When detail is non-empty it is appended in parentheses.
func doctorPrint(w io.Writer, label, status, detail string) {
	if detail != "" {
		fmt.Fprintf(w, "  %s: %s (%s)\n", label, status, detail)
	} else {
		fmt.Fprintf(w, "  %s: %s\n", label, status)
	}
}
