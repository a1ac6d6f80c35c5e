package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"

	"apkscore-lab/internal/domain/models"
)

// ResultSink receives successful analysis results. Implementations must be
// safe for concurrent use.
type ResultSink interface {
	Write(ctx context.Context, r *models.AnalysisResult) error
	Close() error
}

// DoneSet is implemented by sinks that can report already written packages
type DoneSet interface {
	DoneNames(ctx context.Context) (map[string]struct{}, error)
}

// ScoreHeader is the header of the score-only CSV export
var ScoreHeader = []string{"apk_name", "malware_score", "label"}

// CSVSink appends one row per result. With feature names set, rows carry the
// full feature vector; otherwise only the score.
type CSVSink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	w        *csv.Writer
	features bool
	header   []string
	done     map[string]struct{}
}

// NewCSVSink opens path for writing. With resume set and an existing file
// whose header matches, rows are appended and the names already present are
// reported by DoneNames; otherwise the file is truncated.
func NewCSVSink(path string, featureNames []string, resume bool) (*CSVSink, error) {
	header := ScoreHeader
	if len(featureNames) > 0 {
		header = make([]string, 0, len(featureNames)+2)
		header = append(header, "apk_name")
		header = append(header, featureNames...)
		header = append(header, "label")
	}

	s := &CSVSink{
		path:     path,
		features: len(featureNames) > 0,
		header:   header,
		done:     make(map[string]struct{}),
	}

	appendMode := false
	if resume {
		done, err := readDoneNames(path, header)
		switch {
		case err == nil:
			s.done = done
			appendMode = true
		case errors.Is(err, os.ErrNotExist), errors.Is(err, io.EOF):
		default:
			return nil, err
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", path, err)
	}
	s.file = f
	s.w = csv.NewWriter(f)

	if !appendMode {
		if err := s.writeRow(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// DoneNames returns the packages present in the file when it was opened
func (s *CSVSink) DoneNames(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.done))
	for k := range s.done {
		out[k] = struct{}{}
	}
	return out, nil
}

// Write appends and flushes one row
func (s *CSVSink) Write(_ context.Context, r *models.AnalysisResult) error {
	row := make([]string, 0, len(s.header))
	row = append(row, r.PackageName)
	if s.features {
		for _, v := range r.Features.Values {
			row = append(row, formatFloat(v))
		}
		if len(row) != len(s.header)-1 {
			return fmt.Errorf("feature vector for %s has %d values, header expects %d",
				r.PackageName, len(r.Features.Values), len(s.header)-2)
		}
	} else {
		row = append(row, formatFloat(r.Score))
	}
	row = append(row, strconv.Itoa(r.Label))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRow(row); err != nil {
		return err
	}
	s.done[r.PackageName] = struct{}{}
	return nil
}

// Close flushes and closes the file
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush %s: %w", s.path, err)
	}
	return s.file.Close()
}

func (s *CSVSink) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return nil
}

// readDoneNames reads the apk_name column of an existing export. An empty
// file yields io.EOF; a header mismatch is an error so rows of different
// shapes never mix.
func readDoneNames(path string, header []string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	got, err := r.Read()
	if err != nil {
		return nil, err
	}
	if !slices.Equal(got, header) {
		return nil, fmt.Errorf("existing output %s has a different header; remove it or disable resume", path)
	}

	done := make(map[string]struct{})
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return done, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if len(rec) > 0 && rec[0] != "" {
			done[rec[0]] = struct{}{}
		}
	}
}

// MultiSink fans each result out to several sinks
type MultiSink struct {
	sinks []ResultSink
}

// NewMultiSink creates a new MultiSink
func NewMultiSink(sinks ...ResultSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write writes to every sink and joins the errors
func (m *MultiSink) Write(ctx context.Context, r *models.AnalysisResult) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DoneNames is the intersection of the done sets of the sinks that have one,
// so a package missing from any of them is scored again.
func (m *MultiSink) DoneNames(ctx context.Context) (map[string]struct{}, error) {
	var out map[string]struct{}
	for _, s := range m.sinks {
		ds, ok := s.(DoneSet)
		if !ok {
			continue
		}
		names, err := ds.DoneNames(ctx)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = names
			continue
		}
		for k := range out {
			if _, ok := names[k]; !ok {
				delete(out, k)
			}
		}
	}
	if out == nil {
		out = make(map[string]struct{})
	}
	return out, nil
}

// Close closes every sink
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
