package storage

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/san-kum/simcap/internal/capture"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteFile is the database name inside a run directory.
const SQLiteFile = "samples.db"

// SQLite stores samples in long form, one row per (tick, channel). An
// absent value is NULL.
type SQLite struct {
	db    *sql.DB
	runID string
}

func OpenSQLite(path, runID string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db, runID: runID}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Export writes the whole series in one transaction.
func (s *SQLite) Export(series *capture.Series) (err error) {
	channels, err := json.Marshal(series.Channels)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec(
		`INSERT OR REPLACE INTO series (run_id, series_id, channels) VALUES (?, ?, ?)`,
		s.runID, series.ID, string(channels),
	); err != nil {
		return fmt.Errorf("insert series %s: %w", series.ID, err)
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO samples
		(run_id, series_id, tick, time, channel, value, complete, late)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, smp := range series.Samples {
		for _, ch := range series.Channels {
			var value sql.NullFloat64
			if v, ok := smp.Values[ch]; ok {
				value = sql.NullFloat64{Float64: v, Valid: true}
			}
			if _, err = stmt.Exec(s.runID, series.ID, int64(smp.Tick), smp.Time, ch, value, smp.Complete, smp.Late); err != nil {
				return fmt.Errorf("insert sample %s@%d: %w", series.ID, smp.Tick, err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLite) SeriesIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT series_id FROM series WHERE run_id = ? ORDER BY series_id`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) LoadSeries(seriesID string) (*capture.Series, error) {
	var raw string
	err := s.db.QueryRow(`SELECT channels FROM series WHERE run_id = ? AND series_id = ?`, s.runID, seriesID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSeriesNotFound, seriesID)
	}
	if err != nil {
		return nil, err
	}
	series := &capture.Series{ID: seriesID}
	if err := json.Unmarshal([]byte(raw), &series.Channels); err != nil {
		return nil, fmt.Errorf("%w: channels of %s: %v", ErrMalformed, seriesID, err)
	}

	rows, err := s.db.Query(`SELECT tick, time, channel, value, complete, late FROM samples
		WHERE run_id = ? AND series_id = ? ORDER BY tick`, s.runID, seriesID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tick     int64
			t        float64
			ch       string
			value    sql.NullFloat64
			complete bool
			late     int
		)
		if err := rows.Scan(&tick, &t, &ch, &value, &complete, &late); err != nil {
			return nil, err
		}
		n := len(series.Samples)
		if n == 0 || series.Samples[n-1].Tick != uint64(tick) {
			series.Samples = append(series.Samples, capture.Sample{
				Tick:     uint64(tick),
				Time:     t,
				Values:   make(map[string]float64, len(series.Channels)),
				Complete: complete,
				Late:     late,
			})
			n++
		}
		if value.Valid {
			series.Samples[n-1].Values[ch] = value.Float64
		}
	}
	return series, rows.Err()
}
