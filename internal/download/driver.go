package download

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pfrederiksen/snis-scraper/internal/catalog"
	"github.com/pfrederiksen/snis-scraper/internal/logger"
	"github.com/pfrederiksen/snis-scraper/internal/portal"
)

// Options configures a Downloader.
type Options struct {
	// Sessions holds one portal configuration per worker.
	Sessions []portal.Config
	// Pages maps a year to its report page, relative to the base URL.
	Pages map[int]string
	// Passes is the number of attempts per entry. Defaults to 1.
	Passes int
}

// Summary reports the outcome of a run.
type Summary struct {
	Passes    int
	Attempted int
	Saved     int
	Failed    int
	Remaining int
	// Failures holds the failures of the last pass.
	Failures []*FetchFailure
	Duration time.Duration
}

// Downloader collects catalog entries into a Sink.
type Downloader struct {
	sessions []portal.Config
	pages    map[int]string
	passes   int
	sink     Sink

	mu sync.Mutex
}

// New creates a Downloader.
func New(opts Options, sink Sink) (*Downloader, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	sessions := opts.Sessions
	if len(sessions) == 0 {
		sessions = []portal.Config{{}}
	}
	passes := opts.Passes
	if passes < 1 {
		passes = 1
	}
	return &Downloader{
		sessions: sessions,
		pages:    opts.Pages,
		passes:   passes,
		sink:     sink,
	}, nil
}

// Run collects the entries. Entry failures are recorded and retried in the
// following pass; Run only returns an error when the sink fails or a session
// cannot be created.
func (d *Downloader) Run(ctx context.Context, entries []catalog.Entry) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	pending := slices.Clone(entries)

	logger.Info("Starting download", logger.Fields{
		"entries":  len(entries),
		"sessions": len(d.sessions),
		"passes":   d.passes,
	})

	var last []*FetchFailure
	for pass := 1; pass <= d.passes && len(pending) > 0; pass++ {
		if ctx.Err() != nil {
			break
		}
		summary.Passes = pass
		logger.SetGauge("download.remaining", float64(len(pending)))

		failures, err := d.runPass(ctx, pass, pending, summary)
		if err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}

		last = failures
		pending = pending[:0]
		for _, f := range failures {
			if f.Retryable() {
				pending = append(pending, f.Entry)
			}
		}
		logger.Info("Pass complete", logger.Fields{
			"pass":      pass,
			"failed":    len(failures),
			"retryable": len(pending),
		})
	}

	// Entries skipped after cancellation count as remaining too.
	summary.Failures = last
	summary.Remaining = len(entries) - summary.Saved
	summary.Duration = time.Since(start)
	logger.SetGauge("download.remaining", float64(summary.Remaining))
	return summary, nil
}

// runPass spreads the entries over the sessions by year. Every session
// starts with a fresh cookie jar.
func (d *Downloader) runPass(ctx context.Context, pass int, entries []catalog.Entry, summary *Summary) ([]*FetchFailure, error) {
	byYear := map[int][]catalog.Entry{}
	var years []int
	for _, e := range entries {
		if _, ok := byYear[e.Year]; !ok {
			years = append(years, e.Year)
		}
		byYear[e.Year] = append(byYear[e.Year], e)
	}
	slices.Sort(years)

	queue := make(chan int, len(years))
	for _, y := range years {
		queue <- y
	}
	close(queue)

	var (
		failMu   sync.Mutex
		failures []*FetchFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	for worker, cfg := range d.sessions {
		if worker >= len(years) {
			break
		}
		sess, err := portal.NewSession(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating session %d: %w", worker, err)
		}

		g.Go(func() error {
			for year := range queue {
				for _, entry := range byYear[year] {
					if gctx.Err() != nil {
						return nil
					}

					result := d.fetch(gctx, sess, entry)
					if err := d.deliver(pass, worker, result, summary); err != nil {
						return err
					}
					if !result.OK() {
						failMu.Lock()
						failures = append(failures, result.Failure)
						failMu.Unlock()
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(failures, func(a, b *FetchFailure) int {
		return catalog.Compare(a.Entry, b.Entry)
	})
	return failures, nil
}

func (d *Downloader) fetch(ctx context.Context, sess *portal.Session, entry catalog.Entry) Result {
	page, ok := d.pages[entry.Year]
	if !ok {
		return Result{Entry: entry, Failure: &FetchFailure{
			Entry: entry,
			Phase: portal.PhaseUninit,
			Err:   fmt.Errorf("%w %d", ErrNoPage, entry.Year),
			At:    time.Now().UTC(),
		}}
	}
	return Fetch(ctx, sess, sess.PageURL(page), entry)
}

// deliver hands a result to the sink under the downloader lock.
func (d *Downloader) deliver(pass, worker int, result Result, summary *Summary) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	summary.Attempted++
	fields := logger.Fields{
		"pass":     pass,
		"worker":   worker,
		"year":     result.Entry.Year,
		"group":    result.Entry.Group,
		"variable": result.Entry.Variable,
	}

	if result.OK() {
		if err := d.sink.Save(result.Entry, result.Table); err != nil {
			return fmt.Errorf("saving %s: %w", result.Entry, err)
		}
		summary.Saved++
		logger.IncrCounter("download.saved")
		fields["rows"] = len(result.Table.Rows)
		logger.Info("Entry saved", fields)
		return nil
	}

	if err := d.sink.RecordFailure(result.Failure); err != nil {
		return fmt.Errorf("recording failure of %s: %w", result.Entry, err)
	}
	summary.Failed++
	logger.IncrCounter("download.failed")
	fields["phase"] = result.Failure.Phase.String()
	fields["kind"] = result.Failure.Kind()
	fields["months"] = len(result.Failure.Months)
	fields["error"] = result.Failure.Err.Error()
	logger.Warn("Entry failed", fields)
	return nil
}
