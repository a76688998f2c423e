// Package portaltest provides an in-process stand-in for the surveillance
// portal. It keeps a selection per session cookie, rotates the view-state on
// every response, rejects stale view-state and only renders a results table
// for a selection that was set up by the full postback sequence.
package portaltest

import (
	"fmt"
	"hash/fnv"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/pfrederiksen/snis-scraper/internal/portal"
)

// Sexes are the second header level rendered under every population.
var Sexes = []string{"Masculino", "Femenino"}

// Variable is a report variable and the populations it is broken down by.
type Variable struct {
	ID          string
	Name        string
	Populations []string
}

// Group is a variable group as listed in the group dropdown.
type Group struct {
	ID        string
	Name      string
	Variables []Variable
}

// Request records a request received by the server.
type Request struct {
	Method string
	Path   string
	Cookie string
	Form   url.Values
}

type session struct {
	id       string
	rev      int
	year     int
	group    string
	grouping string
}

func (s *session) viewState() string {
	return fmt.Sprintf("vs:%s:%d", s.id, s.rev)
}

// Server is a fake report portal.
type Server struct {
	*httptest.Server

	Years          map[int][]Group
	Municipalities []string

	mu       sync.Mutex
	sessions map[string]*session
	rejected map[string]bool
	drop     int
	nextID   int
	requests []Request
}

// NewServer starts a fake portal serving the given catalog on every path.
func NewServer(years map[int][]Group, municipalities []string) *Server {
	s := &Server{
		Years:          years,
		Municipalities: municipalities,
		sessions:       map[string]*session{},
		rejected:       map[string]bool{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// NewDefaultServer starts a fake portal with DefaultCatalog.
func NewDefaultServer() *Server {
	return NewServer(DefaultCatalog(), DefaultMunicipalities())
}

// DefaultCatalog returns a small two-year catalog.
func DefaultCatalog() map[int][]Group {
	edas := Group{ID: "01", Name: "01.- Enfermedades Diarréicas Agudas", Variables: []Variable{
		{ID: "0101", Name: "01.01 EDA sin deshidratación", Populations: []string{"< 6 meses", "6m - 1 año"}},
		{ID: "0102", Name: "01.02 EDA con deshidratación", Populations: []string{"< 6 meses"}},
	}}
	iras := Group{ID: "02", Name: "02.- Infecciones Respiratorias Agudas", Variables: []Variable{
		{ID: "0201", Name: "02.01 Neumonía", Populations: []string{"< 5 años", "5 años y más"}},
	}}
	vectors := Group{ID: "03", Name: "03.- Enfermedades Transmitidas por Vectores", Variables: []Variable{
		{ID: "0301", Name: "03.01 Dengue + Chikungunya", Populations: []string{"Todos"}},
	}}
	return map[int][]Group{
		2021: {edas, iras},
		2022: {edas, iras, vectors},
	}
}

// DefaultMunicipalities returns the municipalities rendered in every table.
func DefaultMunicipalities() []string {
	return []string{"SUCRE", "LA PAZ", "EL ALTO", "COCHABAMBA"}
}

// Reject makes the server treat a session cookie as expired.
func (s *Server) Reject(cookie string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[cookie] = true
}

// DropNext closes the connection of the next n requests without a response.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = n
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Value is the count rendered for a cell. col indexes the flattened
// population/sex columns.
func Value(year int, groupID, variableID string, month int, municipality string, col int) int64 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d|%s|%s|%d|%s|%d", year, groupID, variableID, month, municipality, col)
	return int64(h.Sum32() % 500)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drop > 0 {
		s.drop--
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		http.Error(w, "dropped", http.StatusServiceUnavailable)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cookie := ""
	if c, err := r.Cookie(portal.SessionCookie); err == nil {
		cookie = c.Value
	}
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Cookie: cookie, Form: r.PostForm})

	if s.rejected[cookie] {
		writeMessage(w, "Su sesión ha expirado. Vuelva a ingresar.")
		return
	}

	sess := s.sessions[cookie]
	if sess == nil {
		id := cookie
		if id == "" {
			s.nextID++
			id = fmt.Sprintf("session-%d", s.nextID)
			http.SetCookie(w, &http.Cookie{Name: portal.SessionCookie, Value: id, Path: "/"})
		}
		sess = &session{id: id}
		s.sessions[id] = sess
	}

	switch r.Method {
	case http.MethodGet:
		sess.year = s.firstYear()
		sess.group = ""
		sess.grouping = portal.GroupingDepartment
		s.render(w, sess, "")
	case http.MethodPost:
		if r.PostForm.Get(portal.FieldViewState) != sess.viewState() {
			writeMessage(w, "Validation of viewstate MAC failed.")
			return
		}
		s.postback(w, sess, r.PostForm)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) postback(w http.ResponseWriter, sess *session, form url.Values) {
	year, _ := strconv.Atoi(form.Get(portal.ControlYear))
	sess.grouping = form.Get(portal.ControlGrouping)

	switch form.Get(portal.FieldEventTarget) {
	case portal.ControlYear:
		sess.year = year
		sess.group = ""
	case portal.ControlGroup:
		if year != sess.year {
			// The year dropdown disagrees with the session: start over.
			sess.year = year
			sess.group = ""
			break
		}
		if s.group(year, form.Get(portal.ControlGroup)) != nil {
			sess.group = form.Get(portal.ControlGroup)
		}
	case "":
		if form.Get(portal.ControlProcess) != "" {
			s.render(w, sess, s.table(sess, form))
			return
		}
	}
	s.render(w, sess, "")
}

func (s *Server) firstYear() int {
	years := s.years()
	if len(years) == 0 {
		return 0
	}
	return years[0]
}

func (s *Server) years() []int {
	years := make([]int, 0, len(s.Years))
	for y := range s.Years {
		years = append(years, y)
	}
	slices.Sort(years)
	return years
}

func (s *Server) group(year int, id string) *Group {
	for i, g := range s.Years[year] {
		if g.ID == id {
			return &s.Years[year][i]
		}
	}
	return nil
}

// table renders the results grid, or "" when the posted selection does not
// match what the session has selected.
func (s *Server) table(sess *session, form url.Values) string {
	year, _ := strconv.Atoi(form.Get(portal.ControlYear))
	month, _ := strconv.Atoi(form.Get(portal.ControlMonth))
	groupID := form.Get(portal.ControlGroup)
	if year != sess.year || groupID != sess.group || month < 1 || month > 12 {
		return ""
	}
	g := s.group(year, groupID)
	if g == nil {
		return ""
	}
	var v *Variable
	for i := range g.Variables {
		if g.Variables[i].ID == form.Get(portal.ControlVariable) {
			v = &g.Variables[i]
		}
	}
	if v == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<table id="%s" class="igtbl"><thead><tr><th rowspan="2">Municipio</th>`, portal.ResultsTableID)
	for _, p := range v.Populations {
		fmt.Fprintf(&b, `<th colspan="%d">%s</th>`, len(Sexes), html.EscapeString(p))
	}
	b.WriteString("</tr><tr>")
	for range v.Populations {
		for _, sex := range Sexes {
			fmt.Fprintf(&b, "<th>%s</th>", sex)
		}
	}
	b.WriteString("</tr></thead><tbody>")

	cols := len(v.Populations) * len(Sexes)
	writeRow := func(label string, values func(col int) int64) {
		fmt.Fprintf(&b, "<tr><td>%s</td>", html.EscapeString(label))
		for c := 0; c < cols; c++ {
			fmt.Fprintf(&b, "<td>%d</td>", values(c))
		}
		b.WriteString("</tr>")
	}
	for i, m := range s.Municipalities {
		writeRow(m, func(c int) int64 { return Value(year, g.ID, v.ID, month, m, c) })
		if i == 0 {
			writeRow("Total "+m, func(c int) int64 { return Value(year, g.ID, v.ID, month, m, c) })
		}
	}
	writeRow("TOTAL DEPARTAMENTO", func(int) int64 { return 0 })
	b.WriteString("</tbody></table>")
	return b.String()
}

func (s *Server) render(w http.ResponseWriter, sess *session, table string) {
	sess.rev++

	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><title>Reportes de Vigilancia</title></head><body><form method="post" id="ctl01">`)
	fmt.Fprintf(&b, `<input type="hidden" name="%[1]s" id="%[1]s" value="%[2]s" />`, portal.FieldViewState, sess.viewState())
	fmt.Fprintf(&b, `<input type="hidden" name="%[1]s" id="%[1]s" value="CA0B0334" />`, portal.FieldViewStateGenerator)
	fmt.Fprintf(&b, `<input type="hidden" name="%[1]s" id="%[1]s" value="ev:%[2]d" />`, portal.FieldEventValidation, sess.rev)

	writeSelect := func(name, id string, options [][2]string, selected string) {
		fmt.Fprintf(&b, `<select name="%s" id="%s">`, name, id)
		for _, o := range options {
			attr := ""
			if o[0] == selected {
				attr = ` selected="selected"`
			}
			fmt.Fprintf(&b, "<option%s value=\"%s\">\n\t%s\n</option>", attr, html.EscapeString(o[0]), html.EscapeString(o[1]))
		}
		b.WriteString("</select>")
	}

	var years [][2]string
	for _, y := range s.years() {
		years = append(years, [2]string{strconv.Itoa(y), strconv.Itoa(y)})
	}
	writeSelect(portal.ControlYear, portal.YearSelectID, years, strconv.Itoa(sess.year))

	var groups [][2]string
	for _, g := range s.Years[sess.year] {
		groups = append(groups, [2]string{g.ID, g.Name})
	}
	writeSelect(portal.ControlGroup, portal.GroupSelectID, groups, sess.group)

	var variables [][2]string
	if g := s.group(sess.year, sess.group); g != nil {
		for _, v := range g.Variables {
			variables = append(variables, [2]string{v.ID, v.Name})
		}
	}
	writeSelect(portal.ControlVariable, portal.VariableSelectID, variables, "")

	b.WriteString(`<div id="MainContent_WebPanel3">`)
	b.WriteString(table)
	b.WriteString("</div></form></body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, b.String())
}

func writeMessage(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html><html><body><p>%s</p></body></html>", html.EscapeString(msg))
}
