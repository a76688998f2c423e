package portal

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

// Row is one municipality of a report table. Values line up with the
// table's Columns; a missing cell is an invalid NullDecimal.
type Row struct {
	Municipality string
	Values       []decimal.NullDecimal
}

// Value returns the value of column i, tolerating short rows.
func (r Row) Value(i int) decimal.NullDecimal {
	if i < 0 || i >= len(r.Values) {
		return decimal.NullDecimal{}
	}
	return r.Values[i]
}

// Table is the results grid rendered for one selection.
type Table struct {
	Selection Selection
	// Columns names every category column. Multi-row headers are joined
	// with " / "; repeated names get a ".N" suffix.
	Columns []string
	Rows    []Row
}

// Municipalities returns the row labels in table order.
func (t *Table) Municipalities() []string {
	names := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		names[i] = r.Municipality
	}
	return names
}

// ParseTable reads the results grid of a page. It reports false when the
// page has no results table. Rows labelled as totals are dropped: they are
// aggregates computed by the server, not observations.
func ParseTable(doc *goquery.Document) (*Table, bool) {
	grid := doc.Find("#" + ResultsTableID).First()
	if grid.Length() == 0 {
		return nil, false
	}

	var header, body []*goquery.Selection
	grid.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		// Nested tables belong to other widgets.
		if tr.ParentsFiltered("table").First().AttrOr("id", "") != ResultsTableID {
			return
		}
		if tr.ParentsFiltered("thead").Length() > 0 || tr.Children().Filter("td").Length() == 0 {
			header = append(header, tr)
			return
		}
		body = append(body, tr)
	})
	if len(header) == 0 && len(body) > 0 {
		header, body = body[:1], body[1:]
	}

	t := &Table{Columns: columnNames(header)}
	for _, tr := range body {
		cells := tr.Children().Filter("td,th")
		if cells.Length() == 0 {
			continue
		}
		label := cleanText(cells.First().Text())
		if label == "" || IsTotal(label) {
			continue
		}
		row := Row{Municipality: label, Values: make([]decimal.NullDecimal, len(t.Columns))}
		cells.Slice(1, goquery.ToEnd).Each(func(i int, td *goquery.Selection) {
			if i < len(row.Values) {
				row.Values[i] = ParseValue(td.Text())
			}
		})
		t.Rows = append(t.Rows, row)
	}
	return t, true
}

// IsTotal reports whether a row label marks a server-computed aggregate.
func IsTotal(label string) bool {
	return strings.Contains(strings.ToLower(label), "total")
}

// ParseValue reads a numeric cell. Thousands separators are ignored; blank
// or unparseable cells are invalid.
func ParseValue(text string) decimal.NullDecimal {
	text = strings.ReplaceAll(cleanText(text), ",", "")
	if text == "" || text == "-" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// columnNames flattens header rows, honouring colspan and rowspan, and
// drops the leading municipality column.
func columnNames(rows []*goquery.Selection) []string {
	grid := make([][]string, len(rows))
	taken := make([][]bool, len(rows))
	put := func(r, c int, text string) {
		for len(grid[r]) <= c {
			grid[r] = append(grid[r], "")
			taken[r] = append(taken[r], false)
		}
		grid[r][c] = text
		taken[r][c] = true
	}
	isTaken := func(r, c int) bool {
		return c < len(taken[r]) && taken[r][c]
	}

	width := 0
	for r, tr := range rows {
		c := 0
		tr.Children().Filter("th,td").Each(func(_ int, cell *goquery.Selection) {
			for isTaken(r, c) {
				c++
			}
			text := cleanText(cell.Text())
			cols, rowsSpan := span(cell, "colspan"), span(cell, "rowspan")
			for dr := 0; dr < rowsSpan && r+dr < len(rows); dr++ {
				for dc := 0; dc < cols; dc++ {
					put(r+dr, c+dc, text)
				}
			}
			c += cols
		})
		width = max(width, len(grid[r]))
	}

	var names []string
	seen := map[string]int{}
	for c := 1; c < width; c++ {
		var parts []string
		for r := range grid {
			if c >= len(grid[r]) || grid[r][c] == "" {
				continue
			}
			if len(parts) > 0 && parts[len(parts)-1] == grid[r][c] {
				continue
			}
			parts = append(parts, grid[r][c])
		}
		name := strings.Join(parts, " / ")
		if name == "" {
			name = fmt.Sprintf("column %d", c)
		}
		if n := seen[name]; n > 0 {
			seen[name]++
			name = fmt.Sprintf("%s.%d", name, n)
		} else {
			seen[name] = 1
		}
		names = append(names, name)
	}
	return names
}

func span(cell *goquery.Selection, attr string) int {
	n, err := strconv.Atoi(strings.TrimSpace(cell.AttrOr(attr, "1")))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// cleanText collapses runs of whitespace, including non-breaking spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// MonthRow is a table row tagged with the month it was reported for.
type MonthRow struct {
	Month time.Time
	Row
}

// YearTable stacks the monthly tables of one catalog entry. Columns is the
// union of the columns seen so far, in first-seen order.
type YearTable struct {
	Year       int
	GroupID    string
	VariableID string
	Columns    []string
	Rows       []MonthRow

	index  map[string]int
	months []int
}

// NewYearTable creates an empty year table for an entry.
func NewYearTable(year int, groupID, variableID string) *YearTable {
	return &YearTable{
		Year:       year,
		GroupID:    groupID,
		VariableID: variableID,
		index:      map[string]int{},
	}
}

// Add appends the rows of a monthly table, realigning its columns.
func (y *YearTable) Add(month int, t *Table) {
	pos := make([]int, len(t.Columns))
	for i, name := range t.Columns {
		j, ok := y.index[name]
		if !ok {
			j = len(y.Columns)
			y.index[name] = j
			y.Columns = append(y.Columns, name)
		}
		pos[i] = j
	}

	date := time.Date(y.Year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	for _, r := range t.Rows {
		values := make([]decimal.NullDecimal, len(y.Columns))
		for i, j := range pos {
			values[j] = r.Value(i)
		}
		y.Rows = append(y.Rows, MonthRow{Month: date, Row: Row{Municipality: r.Municipality, Values: values}})
	}
	if !slices.Contains(y.months, month) {
		y.months = append(y.months, month)
	}
}

// Months returns the months added so far, in insertion order.
func (y *YearTable) Months() []int {
	return slices.Clone(y.months)
}
