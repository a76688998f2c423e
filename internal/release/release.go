// Package release packages clean datasets into columnar release files: one
// per year and one with every year.
package release

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/pfrederiksen/snis-scraper/internal/logger"
	"github.com/pfrederiksen/snis-scraper/internal/storage"
	"github.com/pfrederiksen/snis-scraper/internal/tidy"
)

// DefaultRowGroupSize keeps a yearly release in very few row groups.
const DefaultRowGroupSize = 10_000_000

// Row is one observation of a release.
type Row struct {
	DiseaseGroup string   `parquet:"disease_group,dict"`
	Disease      string   `parquet:"disease,dict"`
	Municipality string   `parquet:"municipality,dict"`
	Year         int32    `parquet:"year"`
	Month        int32    `parquet:"month"`
	Population   string   `parquet:"population,dict"`
	Value        *float64 `parquet:"value,optional"`
}

// Compare orders rows by year, month, disease group, disease, population and
// municipality.
func Compare(a, b Row) int {
	return cmp.Or(
		cmp.Compare(a.Year, b.Year),
		cmp.Compare(a.Month, b.Month),
		cmp.Compare(a.DiseaseGroup, b.DiseaseGroup),
		cmp.Compare(a.Disease, b.Disease),
		cmp.Compare(a.Population, b.Population),
		cmp.Compare(a.Municipality, b.Municipality),
	)
}

// Rows converts the records of a clean file.
func Rows(index tidy.IndexRow, records []tidy.Record) []Row {
	rows := make([]Row, len(records))
	for i, r := range records {
		row := Row{
			DiseaseGroup: index.DiseaseGroup,
			Disease:      index.Disease,
			Municipality: r.Municipality,
			Year:         int32(r.Year),
			Month:        int32(r.Month),
			Population:   r.Population,
		}
		if r.Value.Valid {
			v := r.Value.Decimal.InexactFloat64()
			row.Value = &v
		}
		rows[i] = row
	}
	return rows
}

// Writer encodes a release.
type Writer interface {
	// Extension is the file extension of the format, with its dot.
	Extension() string
	Write(w io.Writer, rows []Row) error
}

// ParquetWriter writes zstd-compressed Parquet.
type ParquetWriter struct {
	RowGroupSize int64
}

func (p ParquetWriter) Extension() string {
	return ".parquet"
}

func (p ParquetWriter) Write(w io.Writer, rows []Row) error {
	size := p.RowGroupSize
	if size <= 0 {
		size = DefaultRowGroupSize
	}

	pw := parquet.NewGenericWriter[Row](w,
		parquet.Compression(&parquet.Zstd),
		parquet.MaxRowsPerRowGroup(size),
	)
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		return fmt.Errorf("writing rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return nil
}

// File names a release file relative to the data directory.
func File(name string, wr Writer) string {
	return "releases/snis_" + name + wr.Extension()
}

// Summary lists the written release files and their row counts.
type Summary struct {
	Files map[string]int
}

// Build reads the clean index and writes the yearly and complete releases.
func Build(store *storage.Storage, wr Writer) (*Summary, error) {
	index, err := tidy.LoadIndex(store)
	if err != nil {
		return nil, err
	}
	if len(index) == 0 {
		return nil, fmt.Errorf("clean index is empty")
	}

	byYear := map[int][]Row{}
	var years []int
	for _, entry := range index {
		records, err := readClean(store, entry.File)
		if err != nil {
			return nil, err
		}
		if _, ok := byYear[entry.Year]; !ok {
			years = append(years, entry.Year)
		}
		byYear[entry.Year] = append(byYear[entry.Year], Rows(entry, records)...)
	}
	slices.Sort(years)

	summary := &Summary{Files: map[string]int{}}
	var complete []Row
	for _, year := range years {
		rows := byYear[year]
		if err := write(store, wr, File(strconv.Itoa(year), wr), rows, summary); err != nil {
			return nil, err
		}
		complete = append(complete, rows...)
	}
	if err := write(store, wr, File("complete", wr), complete, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func readClean(store *storage.Storage, name string) ([]tidy.Record, error) {
	f, err := store.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening clean file: %w", err)
	}
	defer f.Close()

	records, err := tidy.ReadClean(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return records, nil
}

func write(store *storage.Storage, wr Writer, name string, rows []Row, summary *Summary) error {
	slices.SortStableFunc(rows, Compare)
	if err := store.WriteFile(name, func(w io.Writer) error {
		return wr.Write(w, rows)
	}); err != nil {
		return fmt.Errorf("writing release %s: %w", name, err)
	}
	summary.Files[name] = len(rows)
	logger.Info("Release written", logger.Fields{
		"file": name,
		"rows": len(rows),
	})
	return nil
}
