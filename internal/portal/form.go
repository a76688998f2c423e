package portal

import (
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultBaseURL = "https://estadisticas.minsalud.gob.bo/Reportes_Vigilancia/"
	UserAgent      = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:98.0) Gecko/20100101 Firefox/98.0"
	Timeout        = 30 * time.Second
	DefaultRetries = 20
	RetryInterval  = time.Second
	SessionCookie  = "ASP.NET_SessionId"
)

// Hidden WebForms fields.
const (
	FieldEventTarget        = "__EVENTTARGET"
	FieldEventArgument      = "__EVENTARGUMENT"
	FieldLastFocus          = "__LASTFOCUS"
	FieldViewState          = "__VIEWSTATE"
	FieldViewStateGenerator = "__VIEWSTATEGENERATOR"
	FieldEventValidation    = "__EVENTVALIDATION"
)

// Form controls, by their postback name.
const (
	ControlYear      = "ctl00$MainContent$WebPanel2$List_gestion"
	ControlGroup     = "ctl00$MainContent$WebPanel2$List_grvar"
	ControlVariable  = "ctl00$MainContent$WebPanel2$Lista_subvar"
	ControlMonth     = "ctl00$MainContent$WebPanel2$List_mes"
	ControlGrouping  = "ctl00$MainContent$WebPanel2$Grupo"
	ControlProcess   = "ctl00$MainContent$WebPanel2$Button1"
	ControlForm      = "ctl00$MainContent$WebPanel2$List_fomulario"
	ControlSelection = "ctl00$MainContent$WebPanel2$seleccion"
	ControlPanel2    = "ctl00$MainContent$WebPanel2_hidden"
	ControlPanel3    = "ctl00$MainContent$WebPanel3_hidden"
	ControlGrid      = "MainContentxWebPanel3xmydatagrid"
	ControlGrid2     = "MainContentxWebPanel3xmydatagrid2"
)

// Element ids in the rendered page.
const (
	YearSelectID     = "MainContent_WebPanel2_List_gestion"
	GroupSelectID    = "MainContent_WebPanel2_List_grvar"
	VariableSelectID = "MainContent_WebPanel2_Lista_subvar"
	ResultsTableID   = "G_MainContentxWebPanel3xmydatagrid"
)

const (
	GroupingDepartment   = "nomDepto"
	GroupingMunicipality = "nomMunicip"
	DefaultGroupID       = "01"
	ProcessLabel         = " Procesar"
	// formID selects the surveillance form (302) on every report page.
	formID = "302"
)

// Fields is a set of form fields sent in a postback.
type Fields map[string]string

// BaseFields returns the form fields every postback carries.
func BaseFields() Fields {
	return Fields{
		ControlPanel2:      "",
		FieldEventArgument: "",
		FieldLastFocus:     "",
		ControlPanel3:      "%3CWebPanel%20Expanded%3D%22false%22%3E%3C/WebPanel%3E",
		ControlForm:        formID,
		ControlGrouping:    GroupingDepartment,
		ControlSelection:   "0",
	}
}

// DefaultHeaders returns the header set sent with every request. origin is
// the scheme and host of the portal.
func DefaultHeaders(origin string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Origin", origin)
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache")
	return h
}

// mergeFields layers field sets into a form payload. Later layers win.
func mergeFields(layers ...map[string]string) url.Values {
	form := url.Values{}
	for _, layer := range layers {
		for k, v := range layer {
			form.Set(k, v)
		}
	}
	return form
}

// Selection is the four-dimensional key of a report table.
type Selection struct {
	Year       int
	GroupID    string
	VariableID string
	Month      int
	Grouping   string
}

// Fields renders the dropdown values of the selection. Unset dimensions are
// left out so that the base fields apply.
func (s Selection) Fields() Fields {
	f := Fields{}
	if s.Year > 0 {
		f[ControlYear] = strconv.Itoa(s.Year)
	}
	if s.GroupID != "" {
		f[ControlGroup] = s.GroupID
	}
	if s.VariableID != "" {
		f[ControlVariable] = s.VariableID
	}
	if s.Month > 0 {
		f[ControlMonth] = strconv.Itoa(s.Month)
	}
	if s.Grouping != "" {
		f[ControlGrouping] = s.Grouping
	}
	return f
}
