package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pfrederiksen/snis-scraper/internal/config"
	"github.com/pfrederiksen/snis-scraper/internal/logger"
	"github.com/pfrederiksen/snis-scraper/internal/storage"
)

const (
	ExitSuccess   = 0
	ExitError     = 1
	ExitRemaining = 2
)

// errRemaining reports that a download left entries behind. The report has
// already been written when it is returned.
var errRemaining = errors.New("entries remaining")

var (
	flagConfig   string
	flagDataDir  string
	flagCookie   string
	flagFormat   string
	flagSort     string
	flagVerbose  bool
	flagLogLevel string
	flagWorkers  int
	flagPasses   int
	flagForce    bool
	flagYears    []int
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snis",
		Short: "Scrape disease surveillance statistics from the SNIS portal",
		Long: `A CLI tool to collect the disease surveillance reports published
by the Bolivian health ministry, by municipality and month, and package them
as tidy datasets.

Run the steps one by one (variables, download, format, release) or all of
them with "run". Downloads resume where the previous run stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logger.LevelInfo
			if flagVerbose {
				level = logger.LevelDebug
			}
			if flagLogLevel != "" {
				parsed, err := logger.ParseLevel(flagLogLevel)
				if err != nil {
					return err
				}
				level = parsed
			}
			logger.SetDefault(logger.New(level, cmd.ErrOrStderr()))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "conf.json", "Configuration file (YAML or JSON)")
	pf.StringVar(&flagDataDir, "data-dir", "", "Data directory (overrides the config file)")
	pf.StringVar(&flagCookie, "cookie", "", "ASP.NET session cookie (overrides the config file and "+config.EnvCookie+")")
	pf.StringVar(&flagFormat, "format", "text", "Output format: text, json or markdown")
	pf.StringVar(&flagSort, "sort", string(SortByEntry), "Failure order: entry, phase or kind")
	pf.BoolVar(&flagVerbose, "verbose", false, "Enable verbose logging")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error (overrides --verbose)")

	cmd.AddCommand(
		newVariablesCmd(),
		newDownloadCmd(),
		newFormatCmd(),
		newReleaseCmd(),
		newRunCmd(),
	)
	return cmd
}

func addYearsFlag(cmd *cobra.Command) {
	cmd.Flags().IntSliceVar(&flagYears, "year", nil, "Restrict to these years (repeatable)")
}

func addDownloadFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "Concurrent sessions, one per cookie (overrides the config file)")
	cmd.Flags().IntVar(&flagPasses, "passes", 1, "Attempts per entry; failures are retried in the next pass")
}

// env bundles what every command needs.
type env struct {
	cfg    *config.Config
	store  *storage.Storage
	format OutputFormat
	order  SortOrder
}

func setup(cmd *cobra.Command) (*env, error) {
	format := OutputFormat(strings.ToLower(flagFormat))
	if format != FormatText && format != FormatJSON && format != FormatMarkdown {
		return nil, fmt.Errorf("invalid format: %s (must be 'text', 'json' or 'markdown')", flagFormat)
	}
	order := SortOrder(strings.ToLower(flagSort))
	if order != SortByEntry && order != SortByPhase && order != SortByKind {
		return nil, fmt.Errorf("invalid sort order: %s (must be 'entry', 'phase' or 'kind')", flagSort)
	}

	path := flagConfig
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagCookie != "" {
		cfg.Cookie = flagCookie
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := storage.New(cfg.DataDir, cfg.Filenames)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	logger.Debug("Configuration loaded", logger.Fields{
		"config":   path,
		"data_dir": cfg.DataDir,
		"years":    cfg.Years(),
		"sessions": len(cfg.SessionCookies()),
	})
	return &env{cfg: cfg, store: store, format: format, order: order}, nil
}

// finish writes the report and maps remaining entries to errRemaining.
func (e *env) finish(cmd *cobra.Command, report *Report) error {
	report.Duration = time.Since(report.StartedAt).Round(time.Millisecond).String()
	if flagVerbose {
		report.Metrics = logger.GetMetricsSnapshot()
	}
	if report.Download != nil {
		sortFailures(report.Download.Failures, e.order)
	}
	if err := WriteOutput(cmd.OutOrStdout(), report, e.format, flagVerbose); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	if report.Download != nil && report.Download.Remaining > 0 {
		return errRemaining
	}
	return nil
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, errRemaining):
		return ExitRemaining
	default:
		return ExitError
	}
}

// Execute runs the CLI
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()

	code := ExitCode(err)
	if code == ExitError {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}
