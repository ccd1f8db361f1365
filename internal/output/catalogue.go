package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// FormatMarkdown is accepted by RenderCatalogue in addition to table and json.
const FormatMarkdown = "markdown"

// CatalogueEntry describes one registered check.
type CatalogueEntry struct {
	Auditor     string `json:"auditor"`
	Check       string `json:"check"`
	Description string `json:"description"`
}

// RenderCatalogue writes the check catalogue in the requested format.
func RenderCatalogue(w io.Writer, format string, entries []CatalogueEntry) error {
	switch format {
	case "", FormatTable:
		renderCatalogueTable(w, entries)
		return nil
	case FormatMarkdown:
		renderCatalogueMarkdown(w, entries)
		return nil
	case FormatJSON:
		if entries == nil {
			entries = []CatalogueEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	default:
		return fmt.Errorf("%w %q; valid values: table, markdown, json", ErrUnknownFormat, format)
	}
}

func renderCatalogueTable(w io.Writer, entries []CatalogueEntry) {
	wAuditor, wCheck := len("AUDITOR"), len("CHECK")
	for _, e := range entries {
		wAuditor = max(wAuditor, len(e.Auditor))
		wCheck = max(wCheck, len(e.Check))
	}
	header := fmt.Sprintf("%-*s  %-*s  %s", wAuditor, "AUDITOR", wCheck, "CHECK", "DESCRIPTION")
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))
	for _, e := range entries {
		fmt.Fprintf(w, "%-*s  %-*s  %s\n", wAuditor, e.Auditor, wCheck, e.Check, e.Description)
	}
}

func renderCatalogueMarkdown(w io.Writer, entries []CatalogueEntry) {
	fmt.Fprintln(w, "| Auditor | Check | Description |")
	fmt.Fprintln(w, "|---------|-------|-------------|")
	for _, e := range entries {
		fmt.Fprintf(w, "| %s | %s | %s |\n", e.Auditor, e.Check, strings.ReplaceAll(e.Description, "|", `\|`))
	}
}
