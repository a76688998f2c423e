package catalog

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// Header is the column layout of the variables index.
var Header = []string{"year", "group_id", "group", "variable_id", "variable"}

// Compare orders entries by year, group id and variable id.
func Compare(a, b Entry) int {
	return cmp.Or(
		cmp.Compare(a.Year, b.Year),
		cmp.Compare(a.GroupID, b.GroupID),
		cmp.Compare(a.VariableID, b.VariableID),
	)
}

// Sort orders entries with Compare.
func Sort(entries []Entry) {
	slices.SortStableFunc(entries, Compare)
}

// Clean normalizes names, drops entries without a group or variable name,
// keeps the first of entries sharing (year, group, variable) names, and
// sorts the result.
func Clean(entries []Entry) []Entry {
	type nameKey struct {
		year            int
		group, variable string
	}

	seen := make(map[nameKey]bool, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e = e.Normalize()
		if e.Group == "" || e.Variable == "" {
			continue
		}
		k := nameKey{e.Year, e.Group, e.Variable}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	Sort(out)
	return out
}

// Merge consolidates a previous catalog with newly discovered entries. On a
// shared (year, group id, variable id) the previous entry wins.
func Merge(previous, current []Entry) []Entry {
	seen := make(map[Key]bool, len(previous)+len(current))
	merged := make([]Entry, 0, len(previous)+len(current))
	for _, list := range [][]Entry{previous, current} {
		for _, e := range list {
			if seen[e.Key()] {
				continue
			}
			seen[e.Key()] = true
			merged = append(merged, e)
		}
	}
	return Clean(merged)
}

// DiffResult contains the entries a discovery added to a catalog.
type DiffResult struct {
	NewEntries []Entry
	Years      map[int][]Entry // new entries grouped by year
}

// Diff compares discovered entries against a previous catalog by key.
func Diff(previous, current []Entry) *DiffResult {
	known := make(map[Key]bool, len(previous))
	for _, e := range previous {
		known[e.Key()] = true
	}

	result := &DiffResult{Years: make(map[int][]Entry)}
	for _, e := range current {
		if known[e.Key()] {
			continue
		}
		known[e.Key()] = true
		result.NewEntries = append(result.NewEntries, e)
	}
	Sort(result.NewEntries)
	for _, e := range result.NewEntries {
		result.Years[e.Year] = append(result.Years[e.Year], e)
	}
	return result
}

// Years returns the distinct years of a catalog in ascending order.
func Years(entries []Entry) []int {
	var years []int
	for _, e := range entries {
		if !slices.Contains(years, e.Year) {
			years = append(years, e.Year)
		}
	}
	slices.Sort(years)
	return years
}

// SelectYears decides which configured years to collect:
//   - force: all configured years
//   - an explicit selection: those years
//   - an existing catalog: configured years it does not cover yet
//   - otherwise all configured years
func SelectYears(configured []int, existing []Entry, force bool, selection []int) []int {
	switch {
	case force:
		return slices.Clone(configured)
	case len(selection) > 0:
		return slices.Clone(selection)
	case len(existing) > 0:
		known := Years(existing)
		var missing []int
		for _, y := range configured {
			if !slices.Contains(known, y) {
				missing = append(missing, y)
			}
		}
		return missing
	default:
		return slices.Clone(configured)
	}
}

// Filter returns the entries of the given years. No years keeps everything.
func Filter(entries []Entry, years []int) []Entry {
	if len(years) == 0 {
		return entries
	}
	var out []Entry
	for _, e := range entries {
		if slices.Contains(years, e.Year) {
			out = append(out, e)
		}
	}
	return out
}

// WriteCSV writes a catalog with a header row.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, e := range entries {
		record := []string{strconv.Itoa(e.Year), e.GroupID, e.Group, e.VariableID, e.Variable}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing entry %s: %w", e, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a catalog written by WriteCSV. Columns are located by the
// header, so extra or reordered columns are tolerated.
func ReadCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range Header {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var entries []Entry
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading line %d: %w", line, err)
		}
		get := func(name string) string {
			if i := col[name]; i < len(record) {
				return record[i]
			}
			return ""
		}
		year, err := strconv.Atoi(strings.TrimSpace(get("year")))
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid year %q", line, get("year"))
		}
		entries = append(entries, Entry{
			Year:       year,
			GroupID:    get("group_id"),
			Group:      get("group"),
			VariableID: get("variable_id"),
			Variable:   get("variable"),
		})
	}
	return entries, nil
}
