// Package tidy reshapes raw year tables into long-format records.
//
// A raw file has one row per (municipality, month) and one column per
// population. Melting it yields one record per (municipality, month,
// population) with a single value, which is what the clean files and the
// releases hold.
package tidy

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/pfrederiksen/snis-scraper/internal/catalog"
)

// CleanHeader is the column layout of clean files.
var CleanHeader = []string{"municipality", "year", "month", "population", "value"}

const monthLayout = "2006-01-02"

// rawFixed are the leading columns of a raw file.
var rawFixed = []string{"group", "variable", "municipality", "month"}

// Record is one observation.
type Record struct {
	Municipality string
	Year         int
	Month        int
	Population   string
	Value        decimal.NullDecimal
}

var duplicateSuffix = regexp.MustCompile(`\.[0-9]+$`)

// FormatPopulation folds a column name to ASCII and drops the ".N" suffix
// that tells repeated headers apart.
func FormatPopulation(name string) string {
	return duplicateSuffix.ReplaceAllString(catalog.FoldASCII(strings.TrimSpace(name)), "")
}

// FormatMunicipality collapses whitespace and title-cases every word:
// "VILLA  TUNARI" -> "Villa Tunari".
func FormatMunicipality(name string) string {
	return cases.Title(language.Spanish).String(strings.Join(strings.Fields(name), " "))
}

// Melt reads a raw file and returns its records, population by population
// in column order. Rows without a month are skipped.
func Melt(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) < len(rawFixed) {
		return nil, fmt.Errorf("raw header has %d columns, want at least %d", len(header), len(rawFixed))
	}
	for i, name := range rawFixed {
		if header[i] != name {
			return nil, fmt.Errorf("raw column %d is %q, want %q", i, header[i], name)
		}
	}

	type row struct {
		municipality string
		month        time.Time
		values       []string
	}
	var rows []row
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading line %d: %w", line, err)
		}
		if len(record) < len(rawFixed) || strings.TrimSpace(record[3]) == "" {
			continue
		}
		month, err := time.Parse(monthLayout, strings.TrimSpace(record[3]))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid month %q", line, record[3])
		}
		rows = append(rows, row{
			municipality: FormatMunicipality(record[2]),
			month:        month,
			values:       record[len(rawFixed):],
		})
	}

	populations := header[len(rawFixed):]
	records := make([]Record, 0, len(rows)*len(populations))
	for i, name := range populations {
		population := FormatPopulation(name)
		for _, r := range rows {
			value := decimal.NullDecimal{}
			if i < len(r.values) {
				if text := strings.TrimSpace(r.values[i]); text != "" {
					d, err := decimal.NewFromString(text)
					if err != nil {
						return nil, fmt.Errorf("invalid value %q for %s", text, r.municipality)
					}
					value = decimal.NullDecimal{Decimal: d, Valid: true}
				}
			}
			records = append(records, Record{
				Municipality: r.municipality,
				Year:         r.month.Year(),
				Month:        int(r.month.Month()),
				Population:   population,
				Value:        value,
			})
		}
	}
	return records, nil
}

// WriteClean writes records as CSV. When every value is present they are
// written as integers; otherwise empty values stay empty.
func WriteClean(w io.Writer, records []Record) error {
	integral := true
	for _, r := range records {
		if !r.Value.Valid {
			integral = false
			break
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CleanHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, r := range records {
		value := ""
		if r.Value.Valid {
			if integral {
				value = r.Value.Decimal.Truncate(0).String()
			} else {
				value = r.Value.Decimal.String()
			}
		}
		if err := cw.Write([]string{
			r.Municipality, strconv.Itoa(r.Year), strconv.Itoa(r.Month), r.Population, value,
		}); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadClean reads records written by WriteClean.
func ReadClean(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(CleanHeader, ",") {
		return nil, fmt.Errorf("unexpected clean header %v", header)
	}

	var records []Record
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading line %d: %w", line, err)
		}
		year, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid year %q", line, rec[1])
		}
		month, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid month %q", line, rec[2])
		}
		value := decimal.NullDecimal{}
		if rec[4] != "" {
			d, err := decimal.NewFromString(rec[4])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid value %q", line, rec[4])
			}
			value = decimal.NullDecimal{Decimal: d, Valid: true}
		}
		records = append(records, Record{
			Municipality: rec[0],
			Year:         year,
			Month:        month,
			Population:   rec[3],
			Value:        value,
		})
	}
	return records, nil
}

// Summarize counts distinct municipalities and non-empty values.
func Summarize(records []Record) (municipalities, values int) {
	seen := map[string]bool{}
	for _, r := range records {
		seen[r.Municipality] = true
		if r.Value.Valid {
			values++
		}
	}
	return len(seen), values
}
