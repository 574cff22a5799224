// Package results persists precision runs as CSV and renders them for a
// terminal.
//
// The file format is two columns, position and actual_angle, one row per
// settled position in run order.  Everything else is recomputed from the
// rows and the gear settings by Replay.
package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/gearprecision/precision"
)

const (
	// TimeFormat is the timestamp layout used in file names
	TimeFormat = "20060102_150405"

	maxStemLength = 50
)

var (
	// Header is the first row of every results file
	Header = []string{"position", "actual_angle"}

	// ErrFormat is generated when a file is not a results file
	ErrFormat = errors.New("results: malformed file")

	unsafeChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Record is one row of a results file
type Record struct {
	Position float64 `json:"position"`
	Angle    float64 `json:"actualAngle"`
}

// Records extracts the rows to persist from acc
func Records(acc precision.Accumulator) []Record {
	out := make([]Record, len(acc.Steps))
	for i, s := range acc.Steps {
		out[i] = Record{Position: s.Target, Angle: s.Angle}
	}
	return out
}

// WriteCSV writes recs with a header row
func WriteCSV(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range recs {
		row := []string{
			strconv.FormatFloat(r.Position, 'f', -1, 64),
			strconv.FormatFloat(r.Angle, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a file written by WriteCSV.  Columns are located by name so
// files with extra columns still load.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	head, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrFormat)
		}
		return nil, err
	}
	pcol, acol := -1, -1
	for i, h := range head {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case Header[0]:
			pcol = i
		case Header[1]:
			acol = i
		}
	}
	if pcol < 0 || acol < 0 {
		return nil, fmt.Errorf("%w: header %v lacks %v", ErrFormat, head, Header)
	}

	var out []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(row) <= pcol || len(row) <= acol {
			return nil, fmt.Errorf("%w: line %d is short", ErrFormat, line)
		}
		pos, err := strconv.ParseFloat(strings.TrimSpace(row[pcol]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d position: %v", ErrFormat, line, err)
		}
		ang, err := strconv.ParseFloat(strings.TrimSpace(row[acol]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d angle: %v", ErrFormat, line, err)
		}
		out = append(out, Record{Position: pos, Angle: ang})
	}
}

// Replay rebuilds the accumulator of a saved run.  Indices are row numbers,
// since skipped positions are not persisted.
func Replay(recs []Record, s precision.Settings) precision.Accumulator {
	acc := precision.NewAccumulator(s.DegPerUnit(), s.TheoreticalStep())
	for i, r := range recs {
		acc, _ = acc.Add(i, r.Position, r.Angle)
	}
	return acc
}

// Sanitize makes description safe to use in a file name
func Sanitize(description string) string {
	out := unsafeChars.ReplaceAllString(description, "_")
	out = whitespace.ReplaceAllString(strings.TrimSpace(out), "_")
	out = strings.Trim(out, ".")
	if r := []rune(out); len(r) > maxStemLength {
		out = string(r[:maxStemLength])
	}
	if out == "" {
		out = "test"
	}
	return out
}

// FileName is the default name of the results file for a run,
// <description>_<YYYYMMDD_HHMMSS>.csv
func FileName(description string, t time.Time) string {
	return Sanitize(description) + "_" + t.Format(TimeFormat) + ".csv"
}

// UniqueName returns path, or path with _1, _2, ... inserted before the
// extension if it already exists
func UniqueName(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Save writes acc into dir under a unique FileName and returns the path
func Save(dir, description string, t time.Time, acc precision.Accumulator) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := UniqueName(filepath.Join(dir, FileName(description, t)))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if err = WriteCSV(f, Records(acc)); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// Load reads a results file from disk
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}
