package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/san-kum/simcap/internal/capture"
)

const metadataFile = "metadata.json"

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

func (s *Store) Dir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

// Create allocates a new run directory. The run id is a UUIDv7, so ids
// sort by creation time.
func (s *Store) Create(meta RunMetadata) (*Run, error) {
	meta.ID = uuid.Must(uuid.NewV7()).String()
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	if meta.Sink == "" {
		meta.Sink = "csv"
	}
	dir := s.Dir(meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Run{Meta: meta, dir: dir}, nil
}

// List returns every readable run, oldest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := readMetadata(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// Resolve maps "latest" or a unique id prefix to a full run id.
func (s *Store) Resolve(ref string) (string, error) {
	runs, err := s.List()
	if err != nil {
		return "", err
	}
	if ref == "latest" || ref == "" {
		if len(runs) == 0 {
			return "", ErrRunNotFound
		}
		return runs[len(runs)-1].ID, nil
	}
	match := ""
	for _, r := range runs {
		if r.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(r.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", ErrAmbiguousRun, ref)
			}
			match = r.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, ref)
	}
	return match, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	meta, err := readMetadata(s.Dir(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return meta, err
}

// LoadSeries reads one series of a run back from whichever sink wrote it.
func (s *Store) LoadSeries(runID, seriesID string) (*capture.Series, error) {
	meta, err := s.Load(runID)
	if err != nil {
		return nil, err
	}
	var stats *SeriesStats
	for i := range meta.Series {
		if meta.Series[i].ID == seriesID {
			stats = &meta.Series[i]
		}
	}
	if stats == nil {
		return nil, fmt.Errorf("%w: %s in run %s", ErrSeriesNotFound, seriesID, runID)
	}

	if meta.Sink == "sqlite" {
		db, err := OpenSQLite(filepath.Join(s.Dir(runID), SQLiteFile), runID)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return db.LoadSeries(seriesID)
	}

	f, err := os.Open(filepath.Join(s.Dir(runID), stats.File))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f, seriesID)
}

func readMetadata(dir string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Run is an open run directory. It exports series as CSV files and
// writes metadata.json on Close.
type Run struct {
	Meta   RunMetadata
	dir    string
	closed bool
}

func (r *Run) ID() string  { return r.Meta.ID }
func (r *Run) Dir() string { return r.dir }

// Export writes s to <series id>.csv and records its stats.
func (r *Run) Export(s *capture.Series) error {
	if r.closed {
		return ErrRunClosed
	}
	stats := statsOf(s)
	stats.File = fileName(s.ID)

	f, err := os.Create(filepath.Join(r.dir, stats.File))
	if err != nil {
		return err
	}
	if err := WriteCSV(f, s); err != nil {
		f.Close()
		return fmt.Errorf("export %s: %w", s.ID, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	r.Meta.Series = append(r.Meta.Series, stats)
	return nil
}

// Record adds stats for a series exported through another sink.
func (r *Run) Record(s *capture.Series) {
	r.Meta.Series = append(r.Meta.Series, statsOf(s))
}

// Truncate marks the run as cut short by err.
func (r *Run) Truncate(err error) {
	r.Meta.Truncated = true
	if err != nil {
		r.Meta.Error = err.Error()
	}
}

func (r *Run) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	f, err := os.Create(filepath.Join(r.dir, metadataFile))
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Meta)
}
