package output

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// TableOptions controls which columns RenderTable renders and how severity is coloured.
type TableOptions struct {
	// Colored wraps severity labels with ANSI codes. Default false (CI-safe).
	Colored bool

	// IncludeAccount adds an ACCOUNT column (useful with --all-profiles).
	IncludeAccount bool

	// IncludePassed keeps PASSED findings in the table. By default only
	// FAILED and WARNING findings are listed; the summary still counts all.
	IncludePassed bool
}

// severityColor returns the colour for sev, or nil for uncoloured labels.
func severityColor(sev models.Severity) *color.Color {
	var c *color.Color
	switch sev {
	case models.SeverityCritical:
		c = color.New(color.FgRed, color.Bold)
	case models.SeverityHigh:
		c = color.New(color.FgRed)
	case models.SeverityMedium:
		c = color.New(color.FgYellow)
	case models.SeverityLow:
		c = color.New(color.FgBlue)
	default:
		return nil
	}
	// Colour is an explicit option; do not second-guess it from the terminal.
	c.EnableColor()
	return c
}

// ColorSeverity wraps a severity string with ANSI codes when colored is true.
// When colored is false the string is returned unchanged (CI-safe default).
func ColorSeverity(sev models.Severity, colored bool) string {
	s := string(sev)
	if !colored {
		return s
	}
	if c := severityColor(sev); c != nil {
		return c.Sprint(s)
	}
	return s
}

// ShortenMessage truncates msg to at most max runes, appending "..." when truncated.
// max is treated as at least 4 to guarantee space for the ellipsis.
func ShortenMessage(msg string, max int) string {
	if max < 4 {
		max = 4
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-3]) + "..."
}

// severityCell returns the severity padded to width characters.
// ANSI codes wrap only the text so trailing padding stays aligned.
func severityCell(sev models.Severity, width int, colored bool) string {
	text := string(sev)
	pad := strings.Repeat(" ", max(width-len(text), 0))
	return ColorSeverity(sev, colored) + pad
}

// truncateField shortens s to at most max runes for ID/label columns.
func truncateField(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

// SortFindings orders findings by severity (most severe first), then
// account, region, check and resource.
func SortFindings(findings []models.Finding) {
	slices.SortStableFunc(findings, func(a, b models.Finding) int {
		return cmp.Or(
			cmp.Compare(b.Severity.Rank(), a.Severity.Rank()),
			strings.Compare(a.AccountID, b.AccountID),
			strings.Compare(a.Resource.Region, b.Resource.Region),
			strings.Compare(a.Check, b.Check),
			strings.Compare(a.Resource.ID, b.Resource.ID),
		)
	})
}

// RenderTable writes a formatted findings table to w.
// The separator line width is derived from the header row so all rows align.
//
// Column order:
//
//	RESOURCE ID  [ACCOUNT]  REGION  SEVERITY  STATUS  CHECK  TITLE
func RenderTable(w io.Writer, findings []models.Finding, opts TableOptions) {
	if !opts.IncludePassed {
		findings = slices.DeleteFunc(slices.Clone(findings), models.Finding.Passed)
	}
	if len(findings) == 0 {
		fmt.Fprintln(w, "No findings.")
		return
	}

	const (
		wResource = 40
		wAccount  = 12
		wRegion   = 15
		wSeverity = 13
		wStatus   = 7
		wCheck    = 34
		wTitle    = 60
	)

	var hb strings.Builder
	fmt.Fprintf(&hb, "%-*s", wResource, "RESOURCE ID")
	if opts.IncludeAccount {
		fmt.Fprintf(&hb, "  %-*s", wAccount, "ACCOUNT")
	}
	fmt.Fprintf(&hb, "  %-*s", wRegion, "REGION")
	fmt.Fprintf(&hb, "  %-*s", wSeverity, "SEVERITY")
	fmt.Fprintf(&hb, "  %-*s", wStatus, "STATUS")
	fmt.Fprintf(&hb, "  %-*s", wCheck, "CHECK")
	fmt.Fprintf(&hb, "  %s", "TITLE")
	header := hb.String()

	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))

	for _, f := range findings {
		var rb strings.Builder
		fmt.Fprintf(&rb, "%-*s", wResource, truncateField(f.Resource.ID, wResource))
		if opts.IncludeAccount {
			fmt.Fprintf(&rb, "  %-*s", wAccount, truncateField(f.AccountID, wAccount))
		}
		fmt.Fprintf(&rb, "  %-*s", wRegion, truncateField(f.Resource.Region, wRegion))
		rb.WriteString("  " + severityCell(f.Severity, wSeverity, opts.Colored))
		fmt.Fprintf(&rb, "  %-*s", wStatus, f.Compliance.Status)
		fmt.Fprintf(&rb, "  %-*s", wCheck, truncateField(f.Check, wCheck))
		fmt.Fprintf(&rb, "  %s", ShortenMessage(f.Title, wTitle))
		fmt.Fprintln(w, rb.String())
	}
}

// RenderSummary writes the report totals: counts by status and severity,
// check coverage and the list of faulted checks.
func RenderSummary(w io.Writer, report *models.AuditReport, colored bool) {
	s := report.Summary
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Accounts: %s   Regions: %d   Scopes: %d\n",
		strings.Join(report.Accounts, ", "), len(report.Regions), len(report.Scopes))
	fmt.Fprintf(w, "Findings: %d (passed %d, failed %d, warning %d)\n",
		s.TotalFindings, s.Passed, s.Failed, s.Warning)

	var parts []string
	for _, sev := range models.Severities {
		if n := s.FailedBySeverity[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", ColorSeverity(sev, colored), n))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(w, "Failed by severity: %s\n", strings.Join(parts, ", "))
	}
	fmt.Fprintf(w, "Checks run: %d   Faulted: %d\n", s.ChecksRun, s.ChecksFaulted)
	if s.ResourcesSkipped > 0 {
		fmt.Fprintf(w, "Resources not evaluated: %d (see warnings in the log)\n", s.ResourcesSkipped)
	}
	RenderFaults(w, report.Faults)
}

// RenderFaults lists checks that could not complete. A report with faults
// has incomplete coverage even when every finding passed.
func RenderFaults(w io.Writer, faults []models.CheckFault) {
	if len(faults) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Check faults (%d):\n", len(faults))
	for _, f := range faults {
		label := ""
		if f.Panicked {
			label = " [panic]"
		}
		fmt.Fprintf(w, "  %s/%s  %s/%s%s: %s\n", f.AccountID, f.Region, f.Auditor, f.Check, label, ShortenMessage(f.Error, 120))
	}
}
