// Package download drives the collection of catalog entries.
//
// Each entry runs the full postback sequence on a portal session and ends in
// a Result: either the stacked year table or a FetchFailure. Results are
// handed to a Sink; failures never abort the run. Work is spread across one
// worker per session cookie, each worker taking whole years, and entries
// that failed are retried with fresh sessions in later passes.
package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pfrederiksen/snis-scraper/internal/catalog"
	"github.com/pfrederiksen/snis-scraper/internal/portal"
)

// FetchFailure describes an entry whose sequence did not complete.
type FetchFailure struct {
	Entry catalog.Entry
	// Phase is the step the sequence was in when it failed.
	Phase portal.Phase
	// Months lists the months fetched before the failure. They are not saved.
	Months []int
	Err    error
	At     time.Time
	// Final is set when the run itself was canceled or timed out. Timeouts
	// of single requests leave it unset.
	Final bool
}

func (f *FetchFailure) Error() string {
	return fmt.Sprintf("%s failed in %s after %d months: %v", f.Entry, f.Phase, len(f.Months), f.Err)
}

func (f *FetchFailure) Unwrap() error {
	return f.Err
}

// Retryable reports whether a later pass may succeed. Failures of a
// canceled run and entries without a report page are final.
func (f *FetchFailure) Retryable() bool {
	return !f.Final && !errors.Is(f.Err, ErrNoPage)
}

// Kind names the class of error, for logs and summaries.
func (f *FetchFailure) Kind() string {
	var (
		se *portal.StateExtractionError
		tp *portal.TableParseError
		te *portal.TransportError
		st *portal.StatusError
	)
	switch {
	case errors.As(f.Err, &se):
		return "state"
	case errors.As(f.Err, &tp):
		return "table"
	case errors.As(f.Err, &te):
		return "transport"
	case errors.As(f.Err, &st):
		return "status"
	case errors.Is(f.Err, ErrPanic):
		return "panic"
	default:
		return "other"
	}
}

// Result is the outcome of one entry: a table or a failure, never both.
type Result struct {
	Entry   catalog.Entry
	Table   *portal.YearTable
	Failure *FetchFailure
}

// OK reports whether the entry was collected.
func (r Result) OK() bool {
	return r.Failure == nil && r.Table != nil
}

// Sink receives results. Calls are serialized by the Downloader.
type Sink interface {
	Save(entry catalog.Entry, table *portal.YearTable) error
	RecordFailure(f *FetchFailure) error
}

var (
	// ErrNoPage is returned for entries of a year without a report page.
	ErrNoPage = errors.New("no report page for year")
	// ErrPanic wraps a panic recovered while collecting an entry.
	ErrPanic = errors.New("panic")
)

// Fetch runs the full sequence for one entry on a session. A panic is
// recovered into a failure carrying the months fetched before it.
func Fetch(ctx context.Context, sess *portal.Session, pageURL string, entry catalog.Entry) (result Result) {
	result.Entry = entry
	rec := sess.NewRecollection(pageURL, entry.Year, entry.GroupID, entry.VariableID)

	defer func() {
		if r := recover(); r != nil {
			result.Table = nil
			result.Failure = newFailure(ctx, entry, rec, fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	table, err := rec.FetchYear(ctx)
	if err != nil {
		result.Failure = newFailure(ctx, entry, rec, err)
		return result
	}
	result.Table = table
	return result
}

func newFailure(ctx context.Context, entry catalog.Entry, rec *portal.Recollection, err error) *FetchFailure {
	phase := rec.Phase()
	if phase == portal.PhaseFailed {
		phase = rec.FailedIn()
	}
	return &FetchFailure{
		Entry:  entry,
		Phase:  phase,
		Months: rec.Months(),
		Err:    err,
		At:     time.Now().UTC(),
		Final:  ctx.Err() != nil,
	}
}
