package main

import (
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/output"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

func newChecksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checks",
		Short: "Inspect the check catalogue",
	}
	cmd.AddCommand(newChecksListCmd(a))
	return cmd
}

func newChecksListCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every registered check",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Listing never calls AWS; the pool stays empty.
			reg, err := a.newRegistry(common.NewClientPool(a.factory), nil)
			if err != nil {
				return err
			}
			entries := lo.Map(reg.Checks(), func(c registry.Check, _ int) output.CatalogueEntry {
				return output.CatalogueEntry{Auditor: c.Auditor, Check: c.Name, Description: c.Description}
			})
			return output.RenderCatalogue(cmd.OutOrStdout(), format, entries)
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, markdown or json")
	return cmd
}
