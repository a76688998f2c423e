package portal

import (
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T, name string) *goquery.Document {
	t.Helper()
	data, err := os.ReadFile("../../testdata/fixtures/" + name)
	require.NoError(t, err, "loading fixture")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	return doc
}

func parseHTML(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestParseTable_Fixture(t *testing.T) {
	doc := loadFixture(t, "results_table.html")

	table, ok := ParseTable(doc)
	require.True(t, ok)

	assert.Equal(t, []string{"Municipality A", "Municipality B"}, table.Municipalities())
	assert.Equal(t, []string{
		"< 6 meses / Masculino",
		"< 6 meses / Femenino",
		"6m - 1 año / Masculino",
		"6m - 1 año / Femenino",
	}, table.Columns)

	a := table.Rows[0]
	assert.Equal(t, "12", a.Value(0).Decimal.String())
	assert.Equal(t, "1204", a.Value(2).Decimal.String())
	assert.False(t, a.Value(3).Valid, "blank cell should be invalid")
	assert.False(t, a.Value(10).Valid, "out of range column should be invalid")
}

func TestParseTable_DropsTotals(t *testing.T) {
	tests := []struct {
		name  string
		label string
	}{
		{"prefix", "Total Municipality A"},
		{"upper", "TOTAL DEPARTAMENTO"},
		{"embedded", "Subtotal Red Norte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parseHTML(t, `<table id="G_MainContentxWebPanel3xmydatagrid">
				<tr><th>Municipio</th><th>Casos</th></tr>
				<tr><td>Municipality A</td><td>1</td></tr>
				<tr><td>`+tt.label+`</td><td>2</td></tr>
				<tr><td>Municipality B</td><td>3</td></tr>
			</table>`)

			table, ok := ParseTable(doc)
			require.True(t, ok)
			assert.Equal(t, []string{"Municipality A", "Municipality B"}, table.Municipalities())
		})
	}
}

func TestParseTable_Missing(t *testing.T) {
	doc := parseHTML(t, `<html><body><table id="other"><tr><td>x</td></tr></table></body></html>`)

	_, ok := ParseTable(doc)
	assert.False(t, ok)
}

func TestParseTable_NoHeaderRow(t *testing.T) {
	doc := parseHTML(t, `<table id="G_MainContentxWebPanel3xmydatagrid">
		<tr><td>Municipio</td><td>Casos</td><td>Casos</td></tr>
		<tr><td>SUCRE</td><td>4</td><td>5</td></tr>
	</table>`)

	table, ok := ParseTable(doc)
	require.True(t, ok)
	assert.Equal(t, []string{"Casos", "Casos.1"}, table.Columns)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "SUCRE", table.Rows[0].Municipality)
}

func TestParseTable_ShortRows(t *testing.T) {
	doc := parseHTML(t, `<table id="G_MainContentxWebPanel3xmydatagrid">
		<tr><th>Municipio</th><th>A</th><th>B</th></tr>
		<tr><td>SUCRE</td><td>4</td></tr>
		<tr><td>POTOSI</td><td>1</td><td>2</td><td>3</td></tr>
	</table>`)

	table, ok := ParseTable(doc)
	require.True(t, ok)
	require.Len(t, table.Rows, 2)
	assert.False(t, table.Rows[0].Value(1).Valid)
	assert.Len(t, table.Rows[1].Values, 2)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		text  string
		want  string
		valid bool
	}{
		{"12", "12", true},
		{" 1,204 ", "1204", true},
		{"3.5", "3.5", true},
		{"", "", false},
		{"-", "", false},
		{"n/d", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := ParseValue(tt.text)
			assert.Equal(t, tt.valid, got.Valid)
			if tt.valid {
				assert.Equal(t, tt.want, got.Decimal.String())
			}
		})
	}
}

func TestListOptions(t *testing.T) {
	doc := loadFixture(t, "results_table.html")

	options := ListOptions(doc, GroupSelectID)
	want := []Option{
		{ID: "01", Label: "01.- ENFERMEDADES DIARREICAS AGUDAS"},
		{ID: "02", Label: "02.- INFECCIONES RESPIRATORIAS AGUDAS"},
	}
	assert.Equal(t, want, slices.Collect(options))
	// The sequence can be ranged over again.
	assert.Equal(t, want, slices.Collect(options))

	for o := range options {
		assert.Equal(t, "01", o.ID)
		break
	}

	assert.Empty(t, slices.Collect(ListOptions(doc, VariableSelectID)))
}

func TestExtractState(t *testing.T) {
	doc := loadFixture(t, "results_table.html")

	state, err := ExtractState(doc, "http://portal/rep.aspx")
	require.NoError(t, err)
	assert.Equal(t, "CA0B0334", state[FieldViewStateGenerator])
	assert.Len(t, state, 3)

	doc = parseHTML(t, `<input type="hidden" id="__VIEWSTATE" value="x" />`)
	_, err = ExtractState(doc, "http://portal/rep.aspx")
	var se *StateExtractionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{FieldViewStateGenerator, FieldEventValidation}, se.Missing)
}

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestYearTable_Add(t *testing.T) {
	y := NewYearTable(2021, "01", "0101")

	jan := &Table{Columns: []string{"A", "B"}, Rows: []Row{
		{Municipality: "SUCRE", Values: []decimal.NullDecimal{dec("1"), dec("2")}},
	}}
	feb := &Table{Columns: []string{"B", "C"}, Rows: []Row{
		{Municipality: "SUCRE", Values: []decimal.NullDecimal{dec("3"), dec("4")}},
	}}
	y.Add(1, jan)
	y.Add(2, feb)

	assert.Equal(t, []string{"A", "B", "C"}, y.Columns)
	assert.Equal(t, []int{1, 2}, y.Months())
	require.Len(t, y.Rows, 2)

	assert.Equal(t, 1, int(y.Rows[0].Month.Month()))
	assert.Equal(t, "2", y.Rows[0].Value(1).Decimal.String())
	assert.False(t, y.Rows[0].Value(2).Valid)

	assert.Equal(t, 2, int(y.Rows[1].Month.Month()))
	assert.False(t, y.Rows[1].Value(0).Valid)
	assert.Equal(t, "3", y.Rows[1].Value(1).Decimal.String())
	assert.Equal(t, "4", y.Rows[1].Value(2).Decimal.String())
}
