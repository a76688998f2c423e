package catalog

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/pfrederiksen/snis-scraper/internal/logger"
	"github.com/pfrederiksen/snis-scraper/internal/portal"
)

// Enumerate lists every (group, variable) of a year on a report page.
//
// The page is loaded, the year is posted back with the default group, and
// then each group listed is posted back in turn to reveal its variables.
// Labels are returned as listed; see Clean for normalization. Enumerate only
// reads, so running it twice yields the same entries.
func Enumerate(ctx context.Context, sess *portal.Session, year int, pageURL string) ([]Entry, error) {
	page, err := sess.Initialize(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("initializing %d: %w", year, err)
	}

	yearValue := strconv.Itoa(year)
	page, err = sess.SelectDimension(ctx, pageURL, page.State, portal.ControlYear, yearValue, portal.Fields{
		portal.ControlGroup: portal.DefaultGroupID,
	})
	if err != nil {
		return nil, fmt.Errorf("selecting year %d: %w", year, err)
	}

	groups := slices.Collect(page.Options(portal.GroupSelectID))
	if len(groups) == 0 {
		return nil, fmt.Errorf("year %d lists no variable groups", year)
	}

	var entries []Entry
	state := page.State
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := sess.SelectDimension(ctx, pageURL, state, portal.ControlGroup, group.ID, portal.Fields{
			portal.ControlYear: yearValue,
		})
		if err != nil {
			return nil, fmt.Errorf("selecting group %s of %d: %w", group.ID, year, err)
		}
		state = page.State

		for variable := range page.Options(portal.VariableSelectID) {
			entries = append(entries, Entry{
				Year:       year,
				GroupID:    group.ID,
				Group:      group.Label,
				VariableID: variable.ID,
				Variable:   variable.Label,
			})
		}
		logger.Debug("Group enumerated", logger.Fields{
			"year":  year,
			"group": group.ID,
		})
	}

	return entries, nil
}

// YearError records a year whose enumeration failed.
type YearError struct {
	Year int
	Err  error
}

func (e *YearError) Error() string {
	return fmt.Sprintf("year %d: %v", e.Year, e.Err)
}

func (e *YearError) Unwrap() error {
	return e.Err
}

// Discover enumerates several years with one session, in ascending order.
// A year that fails is logged and skipped; its error is returned alongside
// the entries collected for the other years.
func Discover(ctx context.Context, sess *portal.Session, pages map[int]string) ([]Entry, []*YearError) {
	years := make([]int, 0, len(pages))
	for y := range pages {
		years = append(years, y)
	}
	slices.Sort(years)

	var (
		entries []Entry
		failed  []*YearError
	)
	for _, year := range years {
		if ctx.Err() != nil {
			failed = append(failed, &YearError{Year: year, Err: ctx.Err()})
			continue
		}

		found, err := Enumerate(ctx, sess, year, pages[year])
		if err != nil {
			logger.Warn("Failed to enumerate year", logger.Fields{
				"year":  year,
				"error": err.Error(),
			})
			failed = append(failed, &YearError{Year: year, Err: err})
			continue
		}

		logger.Info("Year enumerated", logger.Fields{
			"year":    year,
			"entries": len(found),
		})
		entries = append(entries, found...)
	}
	return entries, failed
}
