package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosimple/slug"

	"github.com/pfrederiksen/snis-scraper/internal/catalog"
	"github.com/pfrederiksen/snis-scraper/internal/config"
	"github.com/pfrederiksen/snis-scraper/internal/download"
	"github.com/pfrederiksen/snis-scraper/internal/portal"
)

// RawIndexHeader is the column layout of the raw index.
var RawIndexHeader = []string{"filename", "year", "group_id", "group", "variable_id", "variable"}

// MonthLayout formats the month column of raw files.
const MonthLayout = "2006-01-02"

// Storage handles the data directory
type Storage struct {
	dataDir string
	files   config.Filenames

	mu sync.Mutex
}

// New creates a new Storage instance
func New(dataDir string, files config.Filenames) (*Storage, error) {
	// Expand ~ to home directory
	if strings.HasPrefix(dataDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, dataDir[2:])
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return &Storage{
		dataDir: dataDir,
		files:   files,
	}, nil
}

// Path resolves a slash-separated name relative to the data directory.
func (s *Storage) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.dataDir, filepath.FromSlash(name))
}

// Slug makes a name safe for files and directories.
func Slug(name string) string {
	return slug.Make(strings.ReplaceAll(name, "+", "mas"))
}

// RawFilename returns the raw file of an entry, relative to the data
// directory.
func RawFilename(e catalog.Entry) string {
	return path.Join("raw", strconv.Itoa(e.Year), Slug(e.Group), Slug(e.Variable)+".csv")
}

// WriteFile writes a file atomically, creating its directory.
func (s *Storage) WriteFile(name string, write func(io.Writer) error) error {
	target := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Open opens a file under the data directory.
func (s *Storage) Open(name string) (*os.File, error) {
	return os.Open(s.Path(name))
}

// LoadCatalog reads the catalog. A missing file is an empty catalog.
func (s *Storage) LoadCatalog() ([]catalog.Entry, error) {
	f, err := s.Open(s.files.Variables)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	defer f.Close()

	entries, err := catalog.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	return entries, nil
}

// SaveCatalog writes the catalog.
func (s *Storage) SaveCatalog(entries []catalog.Entry) error {
	return s.WriteFile(s.files.Variables, func(w io.Writer) error {
		return catalog.WriteCSV(w, entries)
	})
}

// RawIndexRow is a downloaded file and the entry it holds.
type RawIndexRow struct {
	Filename string
	catalog.Entry
}

// LoadRawIndex reads the raw index. A missing file is an empty index.
func (s *Storage) LoadRawIndex() ([]RawIndexRow, error) {
	f, err := s.Open(s.files.Raw)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading raw index: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading raw index header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(RawIndexHeader, ",") {
		return nil, fmt.Errorf("unexpected raw index header %v", header)
	}

	var rows []RawIndexRow
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading raw index: %w", err)
		}
		year, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, fmt.Errorf("raw index: invalid year %q", record[1])
		}
		rows = append(rows, RawIndexRow{
			Filename: record[0],
			Entry: catalog.Entry{
				Year:       year,
				GroupID:    record[2],
				Group:      record[3],
				VariableID: record[4],
				Variable:   record[5],
			},
		})
	}
	return rows, nil
}

func (s *Storage) saveRawIndex(rows []RawIndexRow) error {
	return s.WriteFile(s.files.Raw, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(RawIndexHeader); err != nil {
			return err
		}
		for _, r := range rows {
			if err := cw.Write([]string{
				r.Filename, strconv.Itoa(r.Year), r.GroupID, r.Group, r.VariableID, r.Variable,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// Remaining returns the catalog entries whose raw file is not indexed yet.
func (s *Storage) Remaining(entries []catalog.Entry) ([]catalog.Entry, error) {
	rows, err := s.LoadRawIndex()
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(rows))
	for _, r := range rows {
		done[r.Filename] = true
	}

	var remaining []catalog.Entry
	for _, e := range entries {
		if !done[RawFilename(e)] {
			remaining = append(remaining, e)
		}
	}
	return remaining, nil
}

// Save writes the raw file of an entry and adds it to the raw index.
func (s *Storage) Save(entry catalog.Entry, table *portal.YearTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := RawFilename(entry)
	if err := s.WriteFile(name, func(w io.Writer) error {
		return WriteRaw(w, entry, table)
	}); err != nil {
		return fmt.Errorf("saving raw file: %w", err)
	}

	rows, err := s.LoadRawIndex()
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.Filename == name {
			return nil
		}
	}
	rows = append(rows, RawIndexRow{Filename: name, Entry: entry})
	if err := s.saveRawIndex(rows); err != nil {
		return fmt.Errorf("updating raw index: %w", err)
	}
	return nil
}

// RecordFailure appends a failure to the download error log.
func (s *Storage) RecordFailure(f *download.FetchFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.Path(s.files.DownloadErrors)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening error log: %w", err)
	}
	defer file.Close()

	_, err = fmt.Fprintln(file, FailureLine(f))
	if err != nil {
		return fmt.Errorf("writing error log: %w", err)
	}
	return nil
}

// FailureLine formats a failure as one tab-separated line.
func FailureLine(f *download.FetchFailure) string {
	msg := strings.Join(strings.Fields(f.Err.Error()), " ")
	return strings.Join([]string{
		f.At.Format(time.RFC3339),
		strconv.Itoa(f.Entry.Year),
		f.Entry.GroupID,
		f.Entry.VariableID,
		RawFilename(f.Entry),
		f.Phase.String(),
		f.Kind(),
		strconv.Itoa(len(f.Months)),
		msg,
	}, "\t")
}

// WriteRaw writes a year table as CSV with the columns group, variable,
// municipality, month and then the table columns. Missing cells are empty.
func WriteRaw(w io.Writer, entry catalog.Entry, table *portal.YearTable) error {
	cw := csv.NewWriter(w)
	header := append([]string{"group", "variable", "municipality", "month"}, table.Columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	record := make([]string, len(header))
	for _, row := range table.Rows {
		record[0] = entry.Group
		record[1] = entry.Variable
		record[2] = row.Municipality
		record[3] = row.Month.Format(MonthLayout)
		for i := range table.Columns {
			v := row.Value(i)
			if v.Valid {
				record[4+i] = v.Decimal.String()
			} else {
				record[4+i] = ""
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Files returns the configured bookkeeping file names.
func (s *Storage) Files() config.Filenames {
	return s.files
}
