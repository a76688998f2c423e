package portal_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"testing"

	"github.com/pfrederiksen/snis-scraper/internal/portal"
	"github.com/pfrederiksen/snis-scraper/internal/portal/portaltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, srv *portaltest.Server, cookie string, retries int) *portal.Session {
	t.Helper()
	sess, err := portal.NewSession(portal.Config{
		BaseURL: srv.URL + "/Reportes_Vigilancia/",
		Cookie:  cookie,
		Retries: retries,
	})
	require.NoError(t, err)
	return sess
}

func TestInitialize(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sess := newSession(t, srv, "abc", 1)
	page, err := sess.Initialize(context.Background(), sess.PageURL("rep_vig_2021.aspx"))
	require.NoError(t, err)

	assert.Equal(t, "vs:abc:1", page.State[portal.FieldViewState])
	assert.Equal(t, "CA0B0334", page.State[portal.FieldViewStateGenerator])
	assert.NotEmpty(t, page.State[portal.FieldEventValidation])

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Equal(t, "/Reportes_Vigilancia/rep_vig_2021.aspx", reqs[0].Path)
	assert.Equal(t, "abc", reqs[0].Cookie)
}

func TestInitialize_InvalidCookie(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()
	srv.Reject("expired")

	sess := newSession(t, srv, "expired", 1)
	_, err := sess.Initialize(context.Background(), sess.PageURL("rep_vig_2021.aspx"))

	var se *portal.StateExtractionError
	require.ErrorAs(t, err, &se)
	assert.Len(t, se.Missing, 3)
}

func TestInitialize_IssuesCookie(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sess := newSession(t, srv, "", 1)
	pageURL := sess.PageURL("rep_vig_2021.aspx")
	page, err := sess.Initialize(context.Background(), pageURL)
	require.NoError(t, err)

	_, err = sess.SelectDimension(context.Background(), pageURL, page.State, portal.ControlYear, "2021", nil)
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "session-1", reqs[1].Cookie, "cookie issued by the server should be kept")
}

func TestSelectDimension_Cascades(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	ctx := context.Background()
	sess := newSession(t, srv, "abc", 1)
	pageURL := sess.PageURL("rep_vig_2022.aspx")

	page, err := sess.Initialize(ctx, pageURL)
	require.NoError(t, err)

	page, err = sess.SelectDimension(ctx, pageURL, page.State, portal.ControlYear, "2022", portal.Fields{
		portal.ControlGroup: portal.DefaultGroupID,
	})
	require.NoError(t, err)
	groups := slices.Collect(page.Options(portal.GroupSelectID))
	assert.Len(t, groups, 3)
	assert.Empty(t, slices.Collect(page.Options(portal.VariableSelectID)), "year change resets variables")

	page, err = sess.SelectDimension(ctx, pageURL, page.State, portal.ControlGroup, "02", portal.Fields{
		portal.ControlYear: "2022",
	})
	require.NoError(t, err)
	variables := slices.Collect(page.Options(portal.VariableSelectID))
	assert.Equal(t, []portal.Option{{ID: "0201", Label: "02.01 Neumonía"}}, variables)

	reqs := srv.Requests()
	require.Len(t, reqs, 3)
	form := reqs[2].Form
	assert.Equal(t, portal.ControlGroup, form.Get(portal.FieldEventTarget))
	assert.Equal(t, "02", form.Get(portal.ControlGroup))
	assert.Equal(t, "2022", form.Get(portal.ControlYear))
	assert.Equal(t, "vs:abc:2", form.Get(portal.FieldViewState))
	assert.Equal(t, "302", form.Get(portal.ControlForm))
}

func TestSelectDimension_DroppedYearResetsSelection(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	ctx := context.Background()
	sess := newSession(t, srv, "abc", 1)
	pageURL := sess.PageURL("rep_vig_2022.aspx")

	page, err := sess.Initialize(ctx, pageURL)
	require.NoError(t, err)
	page, err = sess.SelectDimension(ctx, pageURL, page.State, portal.ControlYear, "2022", nil)
	require.NoError(t, err)

	// Omitting the year from the group postback loses the selection.
	page, err = sess.SelectDimension(ctx, pageURL, page.State, portal.ControlGroup, "02", nil)
	require.NoError(t, err)
	assert.Empty(t, slices.Collect(page.Options(portal.VariableSelectID)))
}

func TestRecollection_FetchYear(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sess := newSession(t, srv, "abc", 1)
	rec := sess.NewRecollection(sess.PageURL("rep_vig_2021.aspx"), 2021, "01", "0101")

	year, err := rec.FetchYear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, portal.PhaseDone, rec.Phase())

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, year.Months())
	assert.Equal(t, []string{
		"< 6 meses / Masculino", "< 6 meses / Femenino",
		"6m - 1 año / Masculino", "6m - 1 año / Femenino",
	}, year.Columns)

	municipalities := portaltest.DefaultMunicipalities()
	require.Len(t, year.Rows, portal.Months*len(municipalities))

	byMonth := map[int][]string{}
	for _, row := range year.Rows {
		m := int(row.Month.Month())
		byMonth[m] = append(byMonth[m], row.Municipality)
		want := portaltest.Value(2021, "01", "0101", m, row.Municipality, 3)
		assert.Equal(t, strconv.FormatInt(want, 10), row.Value(3).Decimal.String())
	}
	for m := 1; m <= portal.Months; m++ {
		assert.Equal(t, municipalities, byMonth[m], "month %d", m)
	}

	// 1 GET, 2 selections, 12 months.
	assert.Len(t, srv.Requests(), 15)
}

func TestFetchTable_StaleState(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	ctx := context.Background()
	sess := newSession(t, srv, "abc", 1)
	pageURL := sess.PageURL("rep_vig_2021.aspx")

	page, err := sess.Initialize(ctx, pageURL)
	require.NoError(t, err)
	yearPage, err := sess.SelectDimension(ctx, pageURL, page.State, portal.ControlYear, "2021", portal.Fields{
		portal.ControlGroup: portal.DefaultGroupID,
	})
	require.NoError(t, err)
	groupPage, err := sess.SelectDimension(ctx, pageURL, yearPage.State, portal.ControlGroup, "01", portal.Fields{
		portal.ControlYear:     "2021",
		portal.ControlGrouping: portal.GroupingMunicipality,
	})
	require.NoError(t, err)

	sel := portal.Selection{Year: 2021, GroupID: "01", VariableID: "0101", Month: 1, Grouping: portal.GroupingMunicipality}

	// State issued before the group selection.
	_, _, err = sess.FetchTable(ctx, pageURL, yearPage.State, sel)
	var tpe *portal.TableParseError
	require.ErrorAs(t, err, &tpe)
	assert.Equal(t, 1, tpe.Selection.Month)

	// The current state still works.
	table, _, err := sess.FetchTable(ctx, pageURL, groupPage.State, sel)
	require.NoError(t, err)
	assert.Len(t, table.Rows, len(portaltest.DefaultMunicipalities()))
}

func TestFetchTable_InvalidSelection(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	sess := newSession(t, srv, "abc", 1)
	rec := sess.NewRecollection(sess.PageURL("rep_vig_2021.aspx"), 2021, "01", "9999")

	_, err := rec.FetchYear(context.Background())
	var tpe *portal.TableParseError
	require.ErrorAs(t, err, &tpe)
	assert.Equal(t, portal.PhaseFailed, rec.Phase())
}

func TestRecollection_OutOfOrder(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	ctx := context.Background()
	sess := newSession(t, srv, "abc", 1)
	rec := sess.NewRecollection(sess.PageURL("rep_vig_2021.aspx"), 2021, "01", "0101")

	_, err := rec.FetchMonth(ctx, 1)
	assert.ErrorIs(t, err, portal.ErrOutOfOrder)

	require.NoError(t, rec.Initialize(ctx))
	assert.ErrorIs(t, rec.SelectGroup(ctx), portal.ErrOutOfOrder)
	assert.ErrorIs(t, rec.Initialize(ctx), portal.ErrOutOfOrder)

	require.NoError(t, rec.SelectYear(ctx))
	require.NoError(t, rec.SelectGroup(ctx))
	assert.Equal(t, portal.PhaseReady, rec.Phase())

	_, err = rec.FetchMonth(ctx, 3)
	require.NoError(t, err)
	_, err = rec.FetchMonth(ctx, 3)
	assert.ErrorIs(t, err, portal.ErrOutOfOrder)
	_, err = rec.FetchMonth(ctx, 13)
	assert.Error(t, err)
	assert.Equal(t, portal.PhaseReady, rec.Phase())

	// None of the rejected calls reached the server.
	assert.Len(t, srv.Requests(), 4)
}

func TestTransport_RetriesDroppedConnections(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	ctx := context.Background()
	sess := newSession(t, srv, "abc", 5)
	pageURL := sess.PageURL("rep_vig_2021.aspx")

	page, err := sess.Initialize(ctx, pageURL)
	require.NoError(t, err)

	srv.DropNext(2)
	_, err = sess.SelectDimension(ctx, pageURL, page.State, portal.ControlYear, "2021", nil)
	require.NoError(t, err)
}

func TestTransport_Exhausted(t *testing.T) {
	srv := portaltest.NewDefaultServer()
	defer srv.Close()

	ctx := context.Background()
	sess := newSession(t, srv, "abc", 3)
	pageURL := sess.PageURL("rep_vig_2021.aspx")

	page, err := sess.Initialize(ctx, pageURL)
	require.NoError(t, err)

	srv.DropNext(100)
	_, _, err = sess.FetchTable(ctx, pageURL, page.State, portal.Selection{Year: 2021, GroupID: "01", VariableID: "0101", Month: 1})

	var te *portal.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)

	var tpe *portal.TableParseError
	assert.False(t, errors.As(err, &tpe))
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Runtime Error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sess, err := portal.NewSession(portal.Config{BaseURL: srv.URL, Retries: 1})
	require.NoError(t, err)

	_, err = sess.Initialize(context.Background(), sess.PageURL("rep.aspx"))
	var se *portal.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestDefaultHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`<input id="__VIEWSTATE" value="a"/><input id="__VIEWSTATEGENERATOR" value="b"/><input id="__EVENTVALIDATION" value="c"/>`))
	}))
	defer srv.Close()

	sess, err := portal.NewSession(portal.Config{BaseURL: srv.URL, Retries: 1})
	require.NoError(t, err)
	_, err = sess.Initialize(context.Background(), sess.PageURL("rep.aspx"))
	require.NoError(t, err)

	assert.Equal(t, portal.UserAgent, got.Get("User-Agent"))
	assert.Equal(t, srv.URL, got.Get("Origin"))
	assert.Equal(t, "no-cache", got.Get("Pragma"))
}
