package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/engine"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/metrics"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/output"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/policy"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

type auditFlags struct {
	profile          string
	allProfiles      bool
	regions          []string
	auditors         []string
	checks           []string
	exclude          []string
	concurrency      int
	scopeConcurrency int
	checkTimeout     time.Duration
	auditorDelay     time.Duration
	format           string
	output           string
	policyPath       string
	metricsTextfile  string
	includePassed    bool
}

func newAuditCmd(a *app) *cobra.Command {
	var f auditFlags

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run security posture checks against AWS accounts",
		Long: `Runs the selected checks in every (account, region) scope and reports one
finding per evaluated resource. Exits with status 1 when the policy's
enforcement.fail_on_severity threshold is reached by a FAILED finding.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.applyConfig(cmd, a)
			return runAudit(cmd, a, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.profile, "profile", "", "AWS profile name (default: uses environment / default profile)")
	fl.BoolVar(&f.allProfiles, "all-profiles", false, "Audit all configured AWS profiles")
	fl.StringSliceVar(&f.regions, "region", nil, "AWS region(s) to audit (default: all active regions)")
	fl.StringSliceVar(&f.auditors, "auditor", nil, `Auditor(s) to run (default: all)`)
	fl.StringSliceVar(&f.checks, "check", nil, `Only run these checks ("check" or "auditor/check")`)
	fl.StringSliceVar(&f.exclude, "exclude", nil, `Skip auditors ("auditor") or checks ("auditor/check")`)
	fl.IntVar(&f.concurrency, "concurrency", 0, "Checks run at once per scope (default from config)")
	fl.IntVar(&f.scopeConcurrency, "scope-concurrency", 0, "Scopes audited at once (default from config)")
	fl.DurationVar(&f.checkTimeout, "check-timeout", 0, "Wall-clock limit per check (default from config)")
	fl.DurationVar(&f.auditorDelay, "auditor-delay", 0, "Pause between auditors in a scope (default from config)")
	fl.StringVar(&f.format, "format", "", "Output format: table, ndjson or json (default from config)")
	fl.StringVarP(&f.output, "output", "o", "", "Write output to this file instead of stdout")
	fl.StringVar(&f.policyPath, "policy", "", "Policy file (default: ./pa.yaml when present)")
	fl.StringVar(&f.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file after the audit")
	fl.BoolVar(&f.includePassed, "passed", false, "List PASSED findings in the table output")
	return cmd
}

// applyConfig fills every flag the user did not set from the loaded config.
func (f *auditFlags) applyConfig(cmd *cobra.Command, a *app) {
	cfg := a.cfg
	if cfg == nil {
		return
	}
	changed := cmd.Flags().Changed
	if !changed("profile") {
		f.profile = cfg.AWS.DefaultProfile
	}
	if !changed("region") {
		f.regions = cfg.AWS.DefaultRegions
	}
	if !changed("concurrency") {
		f.concurrency = cfg.Run.Concurrency
	}
	if !changed("scope-concurrency") {
		f.scopeConcurrency = cfg.Run.ScopeConcurrency
	}
	if !changed("check-timeout") {
		f.checkTimeout = cfg.Run.CheckTimeout
	}
	if !changed("auditor-delay") {
		f.auditorDelay = cfg.Run.AuditorDelay
	}
	if !changed("format") {
		f.format = cfg.Output.Format
	}
	if !changed("metrics-textfile") {
		f.metricsTextfile = cfg.Metrics.Textfile
	}
}

func runAudit(cmd *cobra.Command, a *app, f auditFlags) error {
	ctx := cmd.Context()
	log := logger(cmd)

	pcfg, ppath, err := loadPolicy(f.policyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	pool := common.NewClientPool(a.factory)
	reg, err := a.newRegistry(pool, pcfg)
	if err != nil {
		return err
	}
	if pcfg != nil {
		if errs := validatePolicy(pcfg, reg); len(errs) > 0 {
			return fmt.Errorf("invalid policy %s: %w", ppath, errors.Join(errs...))
		}
		log.Debug().Str("policy", ppath).Msg("policy loaded")
	}

	sel := policy.Selection(pcfg, registry.Selection{
		Auditors: f.auditors,
		Checks:   f.checks,
		Exclude:  f.exclude,
	})

	var w io.Writer = cmd.OutOrStdout()
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer file.Close()
		w = file
	}
	colored := a.cfg != nil && a.cfg.Output.Colored && f.output == ""
	sink, err := output.NewSink(f.format, w, output.TableOptions{Colored: colored, IncludePassed: f.includePassed})
	if err != nil {
		return err
	}

	rec := metrics.NewRecorder()
	eng := engine.NewDefaultEngine(a.provider, pool, reg, engine.WithObserver(rec))
	report, err := eng.RunAudit(ctx, engine.AuditOptions{
		Profile:          f.profile,
		AllProfiles:      f.allProfiles,
		Regions:          f.regions,
		Selection:        sel,
		Concurrency:      f.concurrency,
		ScopeConcurrency: f.scopeConcurrency,
		CheckTimeout:     f.checkTimeout,
		AuditorDelay:     f.auditorDelay,
	}, sink)
	if err != nil {
		return fmt.Errorf("audit failed: %w", err)
	}
	if err := sink.Finish(report); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	if f.metricsTextfile != "" {
		if err := rec.WriteTextfile(f.metricsTextfile); err != nil {
			log.Error().Err(err).Msg("metrics not written")
		}
	}

	log.Info().
		Str("report_id", report.ReportID).
		Int("findings", report.Summary.TotalFindings).
		Int("failed", report.Summary.Failed).
		Int("faulted", report.Summary.ChecksFaulted).
		Str("duration", report.Duration).
		Msg("audit complete")

	if policy.ShouldFail(report.Summary, pcfg) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Policy enforcement failed: findings at or above %s\n", pcfg.Enforcement.FailOnSeverity)
		return &exitError{code: 1, reason: "policy enforcement failed"}
	}
	return nil
}
