package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/pfrederiksen/snis-scraper/internal/catalog"
	"github.com/pfrederiksen/snis-scraper/internal/download"
)

// OutputFormat specifies the output format
type OutputFormat string

const (
	FormatText     OutputFormat = "text"
	FormatJSON     OutputFormat = "json"
	FormatMarkdown OutputFormat = "markdown"
)

// Report contains the outcome of a command
type Report struct {
	Command   string                 `json:"command"`
	StartedAt time.Time              `json:"started_at"`
	Duration  string                 `json:"duration"`
	Catalog   *CatalogReport         `json:"catalog,omitempty"`
	Download  *DownloadReport        `json:"download,omitempty"`
	Format    *FormatReport          `json:"format,omitempty"`
	Release   *ReleaseReport         `json:"release,omitempty"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// CatalogReport summarizes a catalog update.
type CatalogReport struct {
	Years       []int           `json:"years"`
	Discovered  int             `json:"discovered"`
	NewEntries  []catalog.Entry `json:"new_entries"`
	Total       int             `json:"total"`
	FailedYears []YearFailure   `json:"failed_years,omitempty"`
}

// YearFailure is a year whose catalog could not be collected.
type YearFailure struct {
	Year  int    `json:"year"`
	Error string `json:"error"`
}

// DownloadReport summarizes a download run.
type DownloadReport struct {
	Passes    int             `json:"passes"`
	Attempted int             `json:"attempted"`
	Saved     int             `json:"saved"`
	Failed    int             `json:"failed"`
	Remaining int             `json:"remaining"`
	Duration  string          `json:"duration"`
	Failures  []FailureReport `json:"failures,omitempty"`
}

// FailureReport describes an entry left remaining.
type FailureReport struct {
	ID       string `json:"id"`
	Year     int    `json:"year"`
	Group    string `json:"group"`
	Variable string `json:"variable"`
	Phase    string `json:"phase"`
	Kind     string `json:"kind"`
	Months   int    `json:"months"`
	Error    string `json:"error"`
}

// FormatReport summarizes a format run.
type FormatReport struct {
	Files   int `json:"files"`
	Skipped int `json:"skipped"`
}

// ReleaseReport lists the release files and their rows.
type ReleaseReport struct {
	Files map[string]int `json:"files"`
}

func newDownloadReport(s *download.Summary) *DownloadReport {
	r := &DownloadReport{
		Passes:    s.Passes,
		Attempted: s.Attempted,
		Saved:     s.Saved,
		Failed:    s.Failed,
		Remaining: s.Remaining,
		Duration:  s.Duration.Round(time.Millisecond).String(),
	}
	for _, f := range s.Failures {
		r.Failures = append(r.Failures, FailureReport{
			ID:       f.Entry.ID(),
			Year:     f.Entry.Year,
			Group:    f.Entry.Group,
			Variable: f.Entry.Variable,
			Phase:    f.Phase.String(),
			Kind:     f.Kind(),
			Months:   len(f.Months),
			Error:    f.Err.Error(),
		})
	}
	return r
}

// WriteOutput writes the report in the specified format
func WriteOutput(w io.Writer, report *Report, format OutputFormat, verbose bool) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, report)
	case FormatText:
		return writeText(w, report, verbose)
	case FormatMarkdown:
		return writeMarkdown(w, report)
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

// writeJSON outputs the report as JSON
func writeJSON(w io.Writer, report *Report) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

// writeText outputs the report as human-readable text
func writeText(w io.Writer, report *Report, verbose bool) error {
	if c := report.Catalog; c != nil {
		if len(c.Years) == 0 {
			fmt.Fprintf(w, "Catalog up to date (%d entries).\n", c.Total)
		} else {
			fmt.Fprintf(w, "Catalog: %d new of %d discovered in %s, %d total\n",
				len(c.NewEntries), c.Discovered, joinYears(c.Years), c.Total)
		}
		if verbose {
			for _, e := range c.NewEntries {
				fmt.Fprintf(w, "  NEW: %s\n", e)
			}
		}
		for _, f := range c.FailedYears {
			fmt.Fprintf(w, "  FAILED %d: %s\n", f.Year, f.Error)
		}
	}

	if d := report.Download; d != nil {
		if d.Attempted == 0 && d.Remaining == 0 {
			fmt.Fprintln(w, "Nothing to download.")
		} else {
			fmt.Fprintf(w, "Download: %d saved, %d failed, %d remaining (%d attempts in %d passes, %s)\n",
				d.Saved, d.Failed, d.Remaining, d.Attempted, d.Passes, d.Duration)
		}
		for _, f := range d.Failures {
			fmt.Fprintf(w, "  FAILED %d/%s/%s in %s (%s)\n", f.Year, f.Group, f.Variable, f.Phase, f.Kind)
			if verbose {
				fmt.Fprintf(w, "       ID: %s\n", f.ID)
				fmt.Fprintf(w, "       Months: %d\n", f.Months)
				fmt.Fprintf(w, "       Error: %s\n", f.Error)
			}
		}
	}

	if f := report.Format; f != nil {
		fmt.Fprintf(w, "Format: %d clean files", f.Files)
		if f.Skipped > 0 {
			fmt.Fprintf(w, ", %d skipped", f.Skipped)
		}
		fmt.Fprintln(w)
	}

	if r := report.Release; r != nil {
		fmt.Fprintf(w, "Release: %d files\n", len(r.Files))
		for _, name := range sortedKeys(r.Files) {
			fmt.Fprintf(w, "  %s (%d rows)\n", name, r.Files[name])
		}
	}

	if verbose && report.Metrics != nil {
		if counters, ok := report.Metrics["counters"].(map[string]int64); ok {
			fmt.Fprintln(w, "Metrics:")
			for _, name := range sortedKeys(counters) {
				fmt.Fprintf(w, "  %s: %d\n", name, counters[name])
			}
		}
	}

	fmt.Fprintf(w, "\nDone in %s\n", report.Duration)
	return nil
}

// writeMarkdown outputs the report as markdown tables
func writeMarkdown(w io.Writer, report *Report) error {
	fmt.Fprintf(w, "# snis %s\n\n", report.Command)

	if c := report.Catalog; c != nil {
		fmt.Fprintln(w, "## Catalog")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "| years | discovered | new | total |")
		fmt.Fprintln(w, "|:------|-----------:|----:|------:|")
		fmt.Fprintf(w, "| %s | %d | %d | %d |\n\n", joinYears(c.Years), c.Discovered, len(c.NewEntries), c.Total)
	}

	if d := report.Download; d != nil {
		fmt.Fprintln(w, "## Download")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "| passes | attempted | saved | failed | remaining |")
		fmt.Fprintln(w, "|-------:|----------:|------:|-------:|----------:|")
		fmt.Fprintf(w, "| %d | %d | %d | %d | %d |\n\n", d.Passes, d.Attempted, d.Saved, d.Failed, d.Remaining)
		if len(d.Failures) > 0 {
			fmt.Fprintln(w, "| year | group | variable | phase | kind | months |")
			fmt.Fprintln(w, "|-----:|:------|:---------|:------|:-----|-------:|")
			for _, f := range d.Failures {
				fmt.Fprintf(w, "| %d | %s | %s | %s | %s | %d |\n", f.Year, f.Group, f.Variable, f.Phase, f.Kind, f.Months)
			}
			fmt.Fprintln(w)
		}
	}

	if f := report.Format; f != nil {
		fmt.Fprintf(w, "## Format\n\n%d clean files, %d skipped.\n\n", f.Files, f.Skipped)
	}

	if r := report.Release; r != nil {
		fmt.Fprintln(w, "## Release")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "| file | rows |")
		fmt.Fprintln(w, "|:-----|-----:|")
		for _, name := range sortedKeys(r.Files) {
			fmt.Fprintf(w, "| %s | %d |\n", name, r.Files[name])
		}
		fmt.Fprintln(w)
	}
	return nil
}

func joinYears(years []int) string {
	if len(years) == 0 {
		return "-"
	}
	s := ""
	for i, y := range years {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprint(y)
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
