package portal

import (
	"context"
	"fmt"
	"slices"
	"strconv"
)

// Phase is the position of a Recollection in the postback sequence.
type Phase int

const (
	PhaseUninit Phase = iota
	PhaseInitialized
	PhaseYearSelected
	PhaseReady
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninit:
		return "uninit"
	case PhaseInitialized:
		return "initialized"
	case PhaseYearSelected:
		return "year_selected"
	case PhaseReady:
		return "ready"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "phase(" + strconv.Itoa(int(p)) + ")"
	}
}

// Months is the number of monthly tables in a year.
const Months = 12

// Recollection drives the postback sequence for one (year, group, variable):
//
//	Initialize -> SelectYear -> SelectGroup -> FetchMonth x12
//
// Each step threads the state of the previous response into the next
// request. A failed step moves the recollection to PhaseFailed; it cannot be
// resumed and a new one must start from Initialize.
type Recollection struct {
	sess       *Session
	pageURL    string
	year       int
	groupID    string
	variableID string

	phase    Phase
	failedIn Phase
	state    State
	fetched  map[int]bool
}

// NewRecollection prepares the sequence for one catalog entry on a report page.
func (s *Session) NewRecollection(pageURL string, year int, groupID, variableID string) *Recollection {
	return &Recollection{
		sess:       s,
		pageURL:    pageURL,
		year:       year,
		groupID:    groupID,
		variableID: variableID,
		fetched:    map[int]bool{},
	}
}

// Phase returns the current phase.
func (r *Recollection) Phase() Phase {
	return r.phase
}

// FailedIn returns the phase the recollection was in when a step failed.
func (r *Recollection) FailedIn() Phase {
	return r.failedIn
}

// Months returns the months fetched so far, in ascending order.
func (r *Recollection) Months() []int {
	months := make([]int, 0, len(r.fetched))
	for m := range r.fetched {
		months = append(months, m)
	}
	slices.Sort(months)
	return months
}

func (r *Recollection) expect(p Phase, step string) error {
	if r.phase != p {
		return fmt.Errorf("%s in phase %s: %w", step, r.phase, ErrOutOfOrder)
	}
	return nil
}

func (r *Recollection) advance(page *Page, err error, next Phase) error {
	if err != nil {
		r.fail()
		return err
	}
	r.state = page.State
	r.phase = next
	return nil
}

func (r *Recollection) fail() {
	r.failedIn = r.phase
	r.phase = PhaseFailed
}

// Initialize loads the report page.
func (r *Recollection) Initialize(ctx context.Context) error {
	if err := r.expect(PhaseUninit, "initialize"); err != nil {
		return err
	}
	page, err := r.sess.Initialize(ctx, r.pageURL)
	return r.advance(page, err, PhaseInitialized)
}

// SelectYear posts back the year dropdown, resetting the group to its default.
func (r *Recollection) SelectYear(ctx context.Context) error {
	if err := r.expect(PhaseInitialized, "select year"); err != nil {
		return err
	}
	page, err := r.sess.SelectDimension(ctx, r.pageURL, r.state, ControlYear, strconv.Itoa(r.year), Fields{
		ControlGroup: DefaultGroupID,
	})
	return r.advance(page, err, PhaseYearSelected)
}

// SelectGroup posts back the group dropdown, keeping the selected year and
// switching the grouping to municipalities.
func (r *Recollection) SelectGroup(ctx context.Context) error {
	if err := r.expect(PhaseYearSelected, "select group"); err != nil {
		return err
	}
	page, err := r.sess.SelectDimension(ctx, r.pageURL, r.state, ControlGroup, r.groupID, Fields{
		ControlYear:     strconv.Itoa(r.year),
		ControlMonth:    "1",
		ControlGrouping: GroupingMunicipality,
	})
	return r.advance(page, err, PhaseReady)
}

// Prepare runs the three selection steps.
func (r *Recollection) Prepare(ctx context.Context) error {
	for _, step := range []func(context.Context) error{r.Initialize, r.SelectYear, r.SelectGroup} {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FetchMonth retrieves the table of one month. Each month can be fetched
// once; after the twelfth the recollection is done.
func (r *Recollection) FetchMonth(ctx context.Context, month int) (*Table, error) {
	if err := r.expect(PhaseReady, "fetch month"); err != nil {
		return nil, err
	}
	if month < 1 || month > Months {
		return nil, fmt.Errorf("month %d out of range", month)
	}
	if r.fetched[month] {
		return nil, fmt.Errorf("month %d fetched twice: %w", month, ErrOutOfOrder)
	}

	table, page, err := r.sess.FetchTable(ctx, r.pageURL, r.state, Selection{
		Year:       r.year,
		GroupID:    r.groupID,
		VariableID: r.variableID,
		Month:      month,
		Grouping:   GroupingMunicipality,
	})
	if err != nil {
		r.fail()
		return nil, err
	}
	r.state = page.State
	r.fetched[month] = true
	if len(r.fetched) == Months {
		r.phase = PhaseDone
	}
	return table, nil
}

// FetchYear runs the whole sequence and stacks the twelve monthly tables.
// On failure the months fetched so far are returned alongside the error.
func (r *Recollection) FetchYear(ctx context.Context) (*YearTable, error) {
	year := NewYearTable(r.year, r.groupID, r.variableID)
	if err := r.Prepare(ctx); err != nil {
		return year, err
	}
	for month := 1; month <= Months; month++ {
		table, err := r.FetchMonth(ctx, month)
		if err != nil {
			return year, err
		}
		year.Add(month, table)
	}
	return year, nil
}
