package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pfrederiksen/snis-scraper/internal/catalog"
	"github.com/pfrederiksen/snis-scraper/internal/download"
	"github.com/pfrederiksen/snis-scraper/internal/portal"
	"github.com/pfrederiksen/snis-scraper/internal/release"
	"github.com/pfrederiksen/snis-scraper/internal/tidy"
)

func newVariablesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variables",
		Short: "Create or update the catalog of variables",
		Long: `Collect the (year, group, variable) catalog from the report dropdowns.

By default only configured years missing from the catalog are collected.
Use --force to collect every configured year, or --year to pick some.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			report := newReport("variables")
			if report.Catalog, err = e.variables(cmd.Context()); err != nil {
				return err
			}
			return e.finish(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&flagForce, "force", false, "Collect every configured year")
	addYearsFlag(cmd)
	return cmd
}

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the catalog entries not collected yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			report := newReport("download")
			if report.Download, err = e.download(cmd.Context()); err != nil {
				return err
			}
			return e.finish(cmd, report)
		},
	}
	addYearsFlag(cmd)
	addDownloadFlags(cmd)
	return cmd
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Melt raw files into clean long-format files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			report := newReport("format")
			if report.Format, err = e.formatFiles(); err != nil {
				return err
			}
			return e.finish(cmd, report)
		},
	}
}

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Package clean files into yearly and complete Parquet releases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			report := newReport("release")
			if report.Release, err = e.release(); err != nil {
				return err
			}
			return e.finish(cmd, report)
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Update the catalog, download, format and release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			report := newReport("run")
			if report.Catalog, err = e.variables(ctx); err != nil {
				return err
			}
			if report.Download, err = e.download(ctx); err != nil {
				return err
			}
			if report.Format, err = e.formatFiles(); err != nil {
				return err
			}
			if report.Format.Files > 0 {
				if report.Release, err = e.release(); err != nil {
					return err
				}
			}
			return e.finish(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&flagForce, "force", false, "Collect every configured year")
	addYearsFlag(cmd)
	addDownloadFlags(cmd)
	return cmd
}

func newReport(command string) *Report {
	return &Report{Command: command, StartedAt: time.Now().UTC()}
}

func (e *env) variables(ctx context.Context) (*CatalogReport, error) {
	existing, err := e.store.LoadCatalog()
	if err != nil {
		return nil, err
	}

	years := catalog.SelectYears(e.cfg.Years(), existing, flagForce, flagYears)
	report := &CatalogReport{Years: years, Total: len(existing)}
	if len(years) == 0 {
		return report, nil
	}

	pages := map[int]string{}
	sess, err := portal.NewSession(e.cfg.Session(e.cfg.SessionCookies()[0]))
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	for _, year := range years {
		page, ok := e.cfg.Page(year)
		if !ok {
			return nil, fmt.Errorf("no page configured for %d", year)
		}
		pages[year] = sess.PageURL(page)
	}

	found, failed := catalog.Discover(ctx, sess, pages)
	for _, f := range failed {
		report.FailedYears = append(report.FailedYears, YearFailure{Year: f.Year, Error: f.Err.Error()})
	}

	discovered := catalog.Clean(found)
	diff := catalog.Diff(existing, discovered)
	merged := catalog.Merge(existing, discovered)
	if err := e.store.SaveCatalog(merged); err != nil {
		return nil, fmt.Errorf("saving catalog: %w", err)
	}

	report.Discovered = len(discovered)
	report.NewEntries = diff.NewEntries
	report.Total = len(merged)
	return report, nil
}

func (e *env) download(ctx context.Context) (*DownloadReport, error) {
	entries, err := e.store.LoadCatalog()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("the catalog is empty: run 'snis variables' first")
	}

	remaining, err := e.store.Remaining(catalog.Filter(entries, flagYears))
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		return &DownloadReport{}, nil
	}

	var sessions []portal.Config
	for _, cookie := range e.cfg.SessionCookies() {
		sessions = append(sessions, e.cfg.Session(cookie))
	}
	d, err := download.New(download.Options{
		Sessions: sessions,
		Pages:    e.cfg.YearPages(),
		Passes:   flagPasses,
	}, e.store)
	if err != nil {
		return nil, err
	}

	summary, err := d.Run(ctx, remaining)
	if err != nil {
		return nil, err
	}
	return newDownloadReport(summary), nil
}

func (e *env) formatFiles() (*FormatReport, error) {
	result, err := tidy.FormatAll(e.store)
	if err != nil {
		return nil, err
	}
	return &FormatReport{Files: len(result.Rows), Skipped: result.Skipped}, nil
}

func (e *env) release() (*ReleaseReport, error) {
	summary, err := release.Build(e.store, release.ParquetWriter{})
	if err != nil {
		return nil, err
	}
	return &ReleaseReport{Files: summary.Files}, nil
}
