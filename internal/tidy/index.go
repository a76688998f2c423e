package tidy

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pfrederiksen/snis-scraper/internal/logger"
	"github.com/pfrederiksen/snis-scraper/internal/storage"
)

// IndexHeader is the column layout of the clean index.
var IndexHeader = []string{"year", "disease_group", "disease", "municipalities", "values", "file"}

// DatasetsFile lists the available datasets as markdown.
const DatasetsFile = "datasets.md"

// IndexRow describes one clean file.
type IndexRow struct {
	Year           int
	DiseaseGroup   string
	Disease        string
	Municipalities int
	Values         int
	File           string
}

// CleanFilename maps a raw file name to its clean counterpart:
// raw/2021/g/v.csv -> clean/2021/g/v.csv.
func CleanFilename(raw string) string {
	_, rest, found := strings.Cut(raw, "/")
	if !found {
		return "clean/" + raw
	}
	return "clean/" + rest
}

// Result reports a formatting run.
type Result struct {
	Rows    []IndexRow
	Skipped int
}

// FormatAll melts every indexed raw file into a clean file, then writes the
// clean index and the datasets page. A raw file that cannot be read is
// logged and left out of the index.
func FormatAll(store *storage.Storage) (*Result, error) {
	raw, err := store.LoadRawIndex()
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, entry := range raw {
		row, err := formatFile(store, entry)
		if err != nil {
			result.Skipped++
			logger.Warn("Failed to format raw file", logger.Fields{
				"file":  entry.Filename,
				"error": err.Error(),
			})
			continue
		}
		result.Rows = append(result.Rows, row)
	}

	files := store.Files()
	if err := store.WriteFile(files.Clean, func(w io.Writer) error {
		return WriteIndex(w, result.Rows)
	}); err != nil {
		return nil, fmt.Errorf("writing clean index: %w", err)
	}
	if err := store.WriteFile(DatasetsFile, func(w io.Writer) error {
		return WriteDatasets(w, result.Rows)
	}); err != nil {
		return nil, fmt.Errorf("writing %s: %w", DatasetsFile, err)
	}

	logger.Info("Formatted raw files", logger.Fields{
		"files":   len(result.Rows),
		"skipped": result.Skipped,
	})
	return result, nil
}

func formatFile(store *storage.Storage, entry storage.RawIndexRow) (IndexRow, error) {
	f, err := store.Open(entry.Filename)
	if err != nil {
		return IndexRow{}, err
	}
	defer f.Close()

	records, err := Melt(f)
	if err != nil {
		return IndexRow{}, fmt.Errorf("melting %s: %w", entry.Filename, err)
	}

	name := CleanFilename(entry.Filename)
	if err := store.WriteFile(name, func(w io.Writer) error {
		return WriteClean(w, records)
	}); err != nil {
		return IndexRow{}, err
	}

	municipalities, values := Summarize(records)
	return IndexRow{
		Year:           entry.Year,
		DiseaseGroup:   entry.Group,
		Disease:        entry.Variable,
		Municipalities: municipalities,
		Values:         values,
		File:           name,
	}, nil
}

// WriteIndex writes the clean index as CSV.
func WriteIndex(w io.Writer, rows []IndexRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(IndexHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			strconv.Itoa(r.Year), r.DiseaseGroup, r.Disease,
			strconv.Itoa(r.Municipalities), strconv.Itoa(r.Values), r.File,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadIndex reads a clean index written by WriteIndex.
func ReadIndex(r io.Reader) ([]IndexRow, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(IndexHeader, ",") {
		return nil, fmt.Errorf("unexpected clean index header %v", header)
	}

	var rows []IndexRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading line %d: %w", line, err)
		}
		var ints [3]int
		for i, col := range []int{0, 3, 4} {
			if ints[i], err = strconv.Atoi(rec[col]); err != nil {
				return nil, fmt.Errorf("line %d: invalid %s %q", line, IndexHeader[col], rec[col])
			}
		}
		rows = append(rows, IndexRow{
			Year:           ints[0],
			DiseaseGroup:   rec[1],
			Disease:        rec[2],
			Municipalities: ints[1],
			Values:         ints[2],
			File:           rec[5],
		})
	}
	return rows, nil
}

// LoadIndex reads the clean index of a store.
func LoadIndex(store *storage.Storage) ([]IndexRow, error) {
	f, err := store.Open(store.Files().Clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading clean index: %w", err)
	}
	defer f.Close()
	return ReadIndex(f)
}

// WriteDatasets writes the markdown listing of clean files.
func WriteDatasets(w io.Writer, rows []IndexRow) error {
	var b strings.Builder
	b.WriteString("# Available datasets\n\n")
	b.WriteString("| year | disease_group | disease | municipalities | values | file |\n")
	b.WriteString("|-----:|:--------------|:--------|---------------:|-------:|:-----|\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| %d | %s | %s | %d | %d | [csv](%s) |\n",
			r.Year, escapeCell(r.DiseaseGroup), escapeCell(r.Disease), r.Municipalities, r.Values, r.File)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
