// Package storage keeps the history of optimization runs and single-pair
// evaluations in SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by queries on a nil Store.
var ErrNotInitialized = errors.New("store not initialized")

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Store wraps the SQLite database. A nil *Store accepts writes and ignores
// them, so history can be switched off without branching at call sites.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures the schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the server records from several goroutines.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS optimization_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            source TEXT,
            cv_mode TEXT,
            n_pairs INTEGER,
            grid_size INTEGER,
            options_json TEXT,
            best_params_json TEXT,
            best_cost REAL,
            report_json TEXT,
            error_message TEXT,
            created_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS pair_evaluations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            img1 TEXT NOT NULL,
            img2 TEXT NOT NULL,
            params_json TEXT,
            found BOOLEAN,
            inliers INTEGER,
            good_matches INTEGER,
            rmse REAL,
            cost REAL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON optimization_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_evals_pair ON pair_evaluations(img1, img2);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// RunRecord is one optimization run.
type RunRecord struct {
	ID          string
	Status      string
	Source      string
	CVMode      string
	NPairs      int
	GridSize    int
	OptionsJSON string
	BestParams  string
	BestCost    *float64
	ReportJSON  string
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// RecordRunStarted inserts a running run. An empty ID is filled in.
func (s *Store) RecordRunStarted(rec *RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = NewRunID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Status = StatusRunning
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO optimization_runs (id, status, source, cv_mode, n_pairs, grid_size, options_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.Source, rec.CVMode, rec.NPairs, rec.GridSize, rec.OptionsJSON, rec.CreatedAt)
	return err
}

// RecordRunResult finalizes a run. bestParams and report are stored as
// JSON; bestCost may be nil when the winner never got a finite score.
func (s *Store) RecordRunResult(id string, bestParams, report any, bestCost *float64) error {
	if s == nil {
		return nil
	}
	paramsJSON, err := json.Marshal(bestParams)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE optimization_runs SET status=?, best_params_json=?, best_cost=?, report_json=?, completed_at=? WHERE id=?;`,
		StatusDone, string(paramsJSON), nullFloat(bestCost), string(reportJSON), time.Now().UTC(), id)
	return err
}

// RecordRunFailed marks a run as failed.
func (s *Store) RecordRunFailed(id string, runErr error) error {
	if s == nil {
		return nil
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	_, err := s.DB.Exec(`UPDATE optimization_runs SET status=?, error_message=?, completed_at=? WHERE id=?;`,
		StatusFailed, msg, time.Now().UTC(), id)
	return err
}

const runColumns = `id, status, source, cv_mode, n_pairs, grid_size, options_json, best_params_json, best_cost, report_json, error_message, created_at, completed_at`

// RecentRuns returns the latest runs, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM optimization_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, ErrNotInitialized
	}
	row := s.DB.QueryRow(`SELECT `+runColumns+` FROM optimization_runs WHERE id=?;`, id)
	return scanRun(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		rec                                 RunRecord
		source, mode, opts, best, rep, msg  sql.NullString
		nPairs, gridSize                    sql.NullInt64
		cost                                sql.NullFloat64
		completed                           sql.NullTime
	)
	if err := sc.Scan(&rec.ID, &rec.Status, &source, &mode, &nPairs, &gridSize, &opts, &best, &cost, &rep, &msg, &rec.CreatedAt, &completed); err != nil {
		return RunRecord{}, err
	}
	rec.Source = source.String
	rec.CVMode = mode.String
	rec.NPairs = int(nPairs.Int64)
	rec.GridSize = int(gridSize.Int64)
	rec.OptionsJSON = opts.String
	rec.BestParams = best.String
	rec.ReportJSON = rep.String
	rec.Error = msg.String
	if cost.Valid {
		c := cost.Float64
		rec.BestCost = &c
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// EvaluationRecord is one single-pair evaluation.
type EvaluationRecord struct {
	Img1        string
	Img2        string
	ParamsJSON  string
	Found       bool
	Inliers     int
	GoodMatches int
	RMSE        *float64
	Cost        float64
	CreatedAt   time.Time
}

// RecordEvaluation stores a single-pair result.
func (s *Store) RecordEvaluation(rec EvaluationRecord) error {
	if s == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT INTO pair_evaluations (img1, img2, params_json, found, inliers, good_matches, rmse, cost, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Img1, rec.Img2, rec.ParamsJSON, rec.Found, rec.Inliers, rec.GoodMatches, nullFloat(rec.RMSE), rec.Cost, rec.CreatedAt)
	return err
}

// Evaluations returns the stored results for a pair, newest first.
func (s *Store) Evaluations(img1, img2 string, limit int) ([]EvaluationRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT img1, img2, params_json, found, inliers, good_matches, rmse, cost, created_at FROM pair_evaluations WHERE img1=? AND img2=? ORDER BY id DESC LIMIT ?;`,
		img1, img2, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EvaluationRecord
	for rows.Next() {
		var (
			rec  EvaluationRecord
			pj   sql.NullString
			rmse sql.NullFloat64
		)
		if err := rows.Scan(&rec.Img1, &rec.Img2, &pj, &rec.Found, &rec.Inliers, &rec.GoodMatches, &rmse, &rec.Cost, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ParamsJSON = pj.String
		if rmse.Valid {
			v := rmse.Float64
			rec.RMSE = &v
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
