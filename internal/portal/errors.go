package portal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOutOfOrder is returned when a postback is issued in a phase that does
// not allow it. The dance has to restart from Initialize.
var ErrOutOfOrder = errors.New("postback out of order")

// StateExtractionError reports hidden state fields missing from a response.
// The page layout changed or the server rejected the session cookie.
type StateExtractionError struct {
	URL     string
	Missing []string
}

func (e *StateExtractionError) Error() string {
	return fmt.Sprintf("state fields %s missing from %s", strings.Join(e.Missing, ", "), e.URL)
}

// TableParseError reports a response without the results table. An invalid
// selection and an expired server session look the same, so callers retry
// the whole entry with a fresh dance.
type TableParseError struct {
	URL       string
	Selection Selection
}

func (e *TableParseError) Error() string {
	s := e.Selection
	return fmt.Sprintf("results table #%s missing from %s (year %d, group %s, variable %s, month %d)",
		ResultsTableID, e.URL, s.Year, s.GroupID, s.VariableID, s.Month)
}

// TransportError reports a request that failed after every transport-level
// attempt was used up.
type TransportError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-200 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.Code, e.URL)
}
