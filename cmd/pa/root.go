package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/config"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/logging"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/version"
)

// exitError ends the process with code without printing anything further.
type exitError struct {
	code   int
	reason string
}

func (e *exitError) Error() string { return e.reason }

// app holds what the commands share. Tests replace the provider and the
// client factory with fakes.
type app struct {
	provider common.AWSClientProvider
	factory  common.ClientFactory

	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&app{
		provider: common.NewDefaultAWSClientProvider(),
		factory:  common.NewClientSet,
	})
}

func newRootCmdWith(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "pa",
		Short:         "posture-auditor: cloud security posture checks for AWS accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default: ~/.config/posture-auditor/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", `Log format: "console" or "json" (overrides config)`)

	root.AddCommand(newAuditCmd(a))
	root.AddCommand(newChecksCmd(a))
	root.AddCommand(newDoctorCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

// init loads configuration and attaches the logger to the command context.
// Commands that must work with a broken config (doctor) tolerate a nil cfg.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		if cmd.Name() != "doctor" {
			return err
		}
		cfg = nil
	}
	a.cfg = cfg

	level, format := a.logLevel, a.logFormat
	if cfg != nil {
		level = firstNonEmpty(level, cfg.Log.Level)
		format = firstNonEmpty(format, cfg.Log.Format)
	}
	logger, err := logging.New(logging.Options{Level: level, Format: format, Writer: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logger.WithContext(ctx))
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Version must work without config or credentials.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) error {
	_, err := fmt.Fprint(w, version.Info())
	return err
}

func logger(cmd *cobra.Command) *zerolog.Logger {
	return zerolog.Ctx(cmd.Context())
}
