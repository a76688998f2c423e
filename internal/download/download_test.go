package download

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pfrederiksen/snis-scraper/internal/catalog"
	"github.com/pfrederiksen/snis-scraper/internal/portal"
	"github.com/pfrederiksen/snis-scraper/internal/portal/portaltest"
)

type memorySink struct {
	mu       sync.Mutex
	saved    map[catalog.Key]*portal.YearTable
	failures []*FetchFailure
	saveErr  error
}

func newMemorySink() *memorySink {
	return &memorySink{saved: map[catalog.Key]*portal.YearTable{}}
}

func (s *memorySink) Save(entry catalog.Entry, table *portal.YearTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[entry.Key()] = table
	return nil
}

func (s *memorySink) RecordFailure(f *FetchFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

// failingTransport answers the nth POST carrying the process button with a
// 503, once.
type failingTransport struct {
	mu    sync.Mutex
	n     int
	seen  int
	fired bool
}

// fire counts process posts and reports whether this one is the nth.
func (t *failingTransport) fire(req *http.Request) bool {
	if req.Method != http.MethodPost || req.GetBody == nil {
		return false
	}
	body, _ := req.GetBody()
	data, _ := io.ReadAll(body)
	if !strings.Contains(string(data), "Button1") {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen++
	if t.fired || t.seen != t.n {
		return false
	}
	t.fired = true
	return true
}

func (t *failingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.fire(req) {
		return &http.Response{
			StatusCode: http.StatusServiceUnavailable,
			Status:     "503 Service Unavailable",
			Body:       io.NopCloser(strings.NewReader("busy")),
			Header:     http.Header{},
			Request:    req,
		}, nil
	}
	return http.DefaultTransport.RoundTrip(req)
}

// panickingTransport panics on the nth process post, once.
type panickingTransport struct {
	failingTransport
}

func (t *panickingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.fire(req) {
		panic("grid renderer crashed")
	}
	return http.DefaultTransport.RoundTrip(req)
}

// silentTransport never answers; every attempt ends with its timeout.
type silentTransport struct{}

func (silentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func sessionConfig(srv *portaltest.Server, cookie string) portal.Config {
	return portal.Config{
		BaseURL: srv.URL + "/Reportes_Vigilancia/",
		Cookie:  cookie,
		Retries: 1,
	}
}

var pages = map[int]string{
	2021: "rep_vig_2021.aspx",
	2022: "rep_vig_2022.aspx",
}

func entries2021() []catalog.Entry {
	return []catalog.Entry{
		{Year: 2021, GroupID: "01", Group: "edas", VariableID: "0101", Variable: "eda sin deshidratacion"},
		{Year: 2021, GroupID: "01", Group: "edas", VariableID: "0102", Variable: "eda con deshidratacion"},
		{Year: 2021, GroupID: "02", Group: "iras", VariableID: "0201", Variable: "neumonia"},
	}
}

func TestFetch(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sess, err := portal.NewSession(sessionConfig(srv, "fetch"))
	require.NoError(t, err)
	entry := entries2021()[2]

	result := Fetch(context.Background(), sess, sess.PageURL(pages[2021]), entry)

	require.True(t, result.OK())
	assert.Nil(t, result.Failure)
	assert.Len(t, result.Table.Months(), 12)
	assert.Len(t, result.Table.Rows, 12*len(portaltest.DefaultMunicipalities()))
	assert.Equal(t, []string{
		"< 5 años / Masculino", "< 5 años / Femenino",
		"5 años y más / Masculino", "5 años y más / Femenino",
	}, result.Table.Columns)
}

func TestFetch_FailureCarriesPhase(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sess, err := portal.NewSession(sessionConfig(srv, "missing"))
	require.NoError(t, err)
	entry := catalog.Entry{Year: 2021, GroupID: "01", VariableID: "0999"}

	result := Fetch(context.Background(), sess, sess.PageURL(pages[2021]), entry)

	require.False(t, result.OK())
	assert.Nil(t, result.Table)
	assert.Equal(t, portal.PhaseReady, result.Failure.Phase)
	assert.Empty(t, result.Failure.Months)
	assert.Equal(t, "table", result.Failure.Kind())
	assert.True(t, result.Failure.Retryable())

	var tpe *portal.TableParseError
	assert.ErrorAs(t, result.Failure, &tpe)
}

func TestFetch_RejectedCookie(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()
	srv.Reject("expired")

	sess, err := portal.NewSession(sessionConfig(srv, "expired"))
	require.NoError(t, err)

	result := Fetch(context.Background(), sess, sess.PageURL(pages[2021]), entries2021()[0])

	require.False(t, result.OK())
	assert.Equal(t, portal.PhaseUninit, result.Failure.Phase)
	assert.Equal(t, "state", result.Failure.Kind())
}

func TestFetch_CanceledRunIsFinal(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sess, err := portal.NewSession(sessionConfig(srv, "canceled"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Fetch(ctx, sess, sess.PageURL(pages[2021]), entries2021()[0])

	require.False(t, result.OK())
	assert.True(t, result.Failure.Final)
	assert.False(t, result.Failure.Retryable())
}

func TestRun_SavesAll(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sink := newMemorySink()
	d, err := New(Options{
		Sessions: []portal.Config{sessionConfig(srv, "one")},
		Pages:    pages,
	}, sink)
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), entries2021())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 3, summary.Saved)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Remaining)
	assert.Len(t, sink.saved, 3)
	assert.Empty(t, sink.failures)
}

func TestRun_SessionsPartitionByYear(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	entries := append(entries2021(), catalog.Entry{Year: 2022, GroupID: "03", VariableID: "0301", Variable: "dengue"})

	sink := newMemorySink()
	d, err := New(Options{
		Sessions: []portal.Config{sessionConfig(srv, "a"), sessionConfig(srv, "b"), sessionConfig(srv, "c")},
		Pages:    pages,
	}, sink)
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Saved)

	// Each year stays on one cookie; the third session has no year to take.
	cookieYears := map[string]map[string]bool{}
	for _, r := range srv.Requests() {
		if r.Method != http.MethodPost {
			continue
		}
		if cookieYears[r.Cookie] == nil {
			cookieYears[r.Cookie] = map[string]bool{}
		}
		cookieYears[r.Cookie][r.Form.Get(portal.ControlYear)] = true
	}
	assert.Len(t, cookieYears, 2)
	for cookie, years := range cookieYears {
		assert.Len(t, years, 1, "cookie %s served several years", cookie)
	}
}

func TestRun_RetriesFailuresInNextPass(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	cfg := sessionConfig(srv, "flaky")
	cfg.Transport = &failingTransport{n: 14} // second entry, second month

	sink := newMemorySink()
	d, err := New(Options{Sessions: []portal.Config{cfg}, Pages: pages, Passes: 2}, sink)
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), entries2021())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Passes)
	assert.Equal(t, 4, summary.Attempted)
	assert.Equal(t, 3, summary.Saved)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Remaining)

	require.Len(t, sink.failures, 1)
	f := sink.failures[0]
	assert.Equal(t, "0102", f.Entry.VariableID)
	assert.Equal(t, portal.PhaseReady, f.Phase)
	assert.Equal(t, []int{1}, f.Months)
	assert.Equal(t, "status", f.Kind())
}

func TestRun_RemainingAfterLastPass(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	entries := append(entries2021(),
		catalog.Entry{Year: 2021, GroupID: "02", VariableID: "0299", Variable: "gone"},
		catalog.Entry{Year: 2019, GroupID: "01", VariableID: "0101", Variable: "no page"},
	)

	sink := newMemorySink()
	d, err := New(Options{
		Sessions: []portal.Config{sessionConfig(srv, "x")},
		Pages:    pages,
		Passes:   3,
	}, sink)
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), entries)
	require.NoError(t, err)

	// The missing variable is retried every pass, the missing page only once.
	assert.Equal(t, 3, summary.Passes)
	assert.Equal(t, 3, summary.Saved)
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, 2, summary.Remaining)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "0299", summary.Failures[0].Entry.VariableID)

	var noPage int
	for _, f := range sink.failures {
		if errors.Is(f, ErrNoPage) {
			noPage++
			assert.False(t, f.Retryable())
		}
	}
	assert.Equal(t, 1, noPage)
}

func TestRun_SinkErrorAborts(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sink := newMemorySink()
	sink.saveErr = errors.New("disk full")
	d, err := New(Options{Sessions: []portal.Config{sessionConfig(srv, "x")}, Pages: pages}, sink)
	require.NoError(t, err)

	_, err = d.Run(context.Background(), entries2021())
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
}

func TestRun_Canceled(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := newMemorySink()
	d, err := New(Options{Sessions: []portal.Config{sessionConfig(srv, "x")}, Pages: pages}, sink)
	require.NoError(t, err)

	summary, err := d.Run(ctx, entries2021())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Saved)
	assert.Equal(t, 3, summary.Remaining)
}

func TestNew_RequiresSink(t *testing.T) {
	_, err := New(Options{}, nil)
	assert.Error(t, err)
}

func TestRun_RetriesTimeoutsInNextPass(t *testing.T) {
	cfg := portal.Config{
		BaseURL:       "http://portal.invalid/Reportes_Vigilancia/",
		Cookie:        "slow",
		Timeout:       20 * time.Millisecond,
		Retries:       2,
		RetryInterval: time.Millisecond,
		Transport:     silentTransport{},
	}

	sink := newMemorySink()
	d, err := New(Options{Sessions: []portal.Config{cfg}, Pages: pages, Passes: 3}, sink)
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), entries2021()[:1])
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Passes)
	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 1, summary.Remaining)

	require.Len(t, summary.Failures, 1)
	f := summary.Failures[0]
	assert.Equal(t, "transport", f.Kind())
	assert.Equal(t, portal.PhaseUninit, f.Phase)
	assert.ErrorIs(t, f, context.DeadlineExceeded)
	assert.False(t, f.Final)
	assert.True(t, f.Retryable())
}

func TestRun_RecoversPanic(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	cfg := sessionConfig(srv, "panic")
	cfg.Transport = &panickingTransport{failingTransport{n: 3}} // first entry, third month

	sink := newMemorySink()
	d, err := New(Options{Sessions: []portal.Config{cfg}, Pages: pages}, sink)
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), entries2021())
	require.NoError(t, err)

	// The run goes on with the entries after the one that panicked.
	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 2, summary.Saved)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, sink.saved, 2)

	require.Len(t, summary.Failures, 1)
	f := summary.Failures[0]
	assert.Equal(t, "0101", f.Entry.VariableID)
	assert.Equal(t, "panic", f.Kind())
	assert.ErrorIs(t, f, ErrPanic)
	assert.ErrorContains(t, f, "grid renderer crashed")
	assert.Equal(t, portal.PhaseReady, f.Phase)
	assert.Equal(t, []int{1, 2}, f.Months)
	assert.True(t, f.Retryable())
}
