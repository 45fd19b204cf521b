package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"houseprice/ml"
	"houseprice/pipeline"
)

const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Registry is the SQLite store of training runs, rejected training rows and
// served predictions.
type Registry struct {
	db *sql.DB

	stmts    map[string]*sql.Stmt
	stmtLock sync.RWMutex
}

// Open opens (creating if needed) the registry at path. Use ":memory:" for
// a throwaway registry.
func Open(path string) (*Registry, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	database.SetMaxOpenConns(1)
	database.SetConnMaxLifetime(time.Hour)

	r := &Registry{db: database, stmts: make(map[string]*sql.Stmt)}
	if err := r.createTables(); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return r, nil
}

func (r *Registry) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS training_runs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL UNIQUE,
            status TEXT NOT NULL,
            model_type TEXT,
            model_path TEXT,
            train_rows INTEGER DEFAULT 0,
            test_rows INTEGER DEFAULT 0,
            rejected_rows INTEGER DEFAULT 0,
            mae REAL,
            mse REAL,
            rmse REAL,
            r2 REAL,
            error TEXT,
            started_at DATETIME NOT NULL,
            finished_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS data_quality (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            row_index INTEGER NOT NULL,
            record_id INTEGER,
            rule TEXT NOT NULL,
            severity TEXT NOT NULL,
            message TEXT,
            created_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS predictions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            model_run_id TEXT,
            source TEXT NOT NULL,
            row_index INTEGER NOT NULL,
            predicted_price TEXT NOT NULL,
            created_at DATETIME NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished ON training_runs(finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_quality_run ON data_quality(run_id)`,
	}
	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return fmt.Errorf("exec query failed: %w", err)
		}
	}
	return nil
}

type TrainingRun struct {
	RunID      string      `json:"run_id"`
	Status     string      `json:"status"`
	ModelType  string      `json:"model_type"`
	ModelPath  string      `json:"model_path"`
	TrainRows  int         `json:"train_rows"`
	TestRows   int         `json:"test_rows"`
	Rejected   int         `json:"rejected_rows"`
	Metrics    *ml.Metrics `json:"metrics,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// RecordRun stores a finished training run together with the quality issues
// raised while cleaning its training data.
func (r *Registry) RecordRun(ctx context.Context, run TrainingRun, issues []pipeline.QualityIssue) error {
	if run.RunID == "" {
		return errors.New("run id required")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var mae, mse, rmse, r2 sql.NullFloat64
	if m := run.Metrics; m != nil {
		mae = sql.NullFloat64{Float64: m.MAE, Valid: true}
		mse = sql.NullFloat64{Float64: m.MSE, Valid: true}
		rmse = sql.NullFloat64{Float64: m.RMSE, Valid: true}
		r2 = sql.NullFloat64{Float64: m.R2, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO training_runs (
            run_id, status, model_type, model_path, train_rows, test_rows, rejected_rows,
            mae, mse, rmse, r2, error, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Status, run.ModelType, run.ModelPath, run.TrainRows, run.TestRows, run.Rejected,
		mae, mse, rmse, r2, run.Error, run.StartedAt.UTC(), run.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run failed: %w", err)
	}

	if len(issues) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO data_quality (run_id, row_index, record_id, rule, severity, message, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, issue := range issues {
			var recordID sql.NullInt64
			if issue.ID != nil {
				recordID = sql.NullInt64{Int64: *issue.ID, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, run.RunID, issue.Row, recordID, issue.Rule,
				issue.Severity, issue.Message, issue.Timestamp.UTC()); err != nil {
				return fmt.Errorf("insert quality issue failed: %w", err)
			}
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs first.
func (r *Registry) ListRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT run_id, status, model_type, model_path, train_rows, test_rows, rejected_rows,
               mae, mse, rmse, r2, error, started_at, finished_at
        FROM training_runs
        ORDER BY finished_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		var modelType, modelPath, runErr sql.NullString
		var mae, mse, rmse, r2 sql.NullFloat64
		if err := rows.Scan(&run.RunID, &run.Status, &modelType, &modelPath, &run.TrainRows, &run.TestRows,
			&run.Rejected, &mae, &mse, &rmse, &r2, &runErr, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, err
		}
		run.ModelType = modelType.String
		run.ModelPath = modelPath.String
		run.Error = runErr.String
		if mae.Valid {
			run.Metrics = &ml.Metrics{MAE: mae.Float64, MSE: mse.Float64, RMSE: rmse.Float64, R2: r2.Float64}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// QualityIssues returns the issues recorded for a run.
func (r *Registry) QualityIssues(ctx context.Context, runID string) ([]pipeline.QualityIssue, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT row_index, record_id, rule, severity, message, created_at
        FROM data_quality
        WHERE run_id = ?
        ORDER BY row_index, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []pipeline.QualityIssue
	for rows.Next() {
		var issue pipeline.QualityIssue
		var recordID sql.NullInt64
		var message sql.NullString
		if err := rows.Scan(&issue.Row, &recordID, &issue.Rule, &issue.Severity, &message, &issue.Timestamp); err != nil {
			return nil, err
		}
		if recordID.Valid {
			id := recordID.Int64
			issue.ID = &id
		}
		issue.Message = message.String
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

type PredictionLog struct {
	ModelRunID string
	Source     string
	Row        int
	Price      string
	CreatedAt  time.Time
}

// SavePredictions appends served predictions in one transaction.
func (r *Registry) SavePredictions(ctx context.Context, logs []PredictionLog) error {
	if len(logs) == 0 {
		return nil
	}
	stmt, err := r.preparedStmt(`INSERT INTO predictions (model_run_id, source, row_index, predicted_price, created_at)
        VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, l := range logs {
		created := l.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, l.ModelRunID, l.Source, l.Row, l.Price, created.UTC()); err != nil {
			return fmt.Errorf("insert prediction failed: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Registry) CountPredictions(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM predictions`).Scan(&n)
	return n, err
}

func (r *Registry) preparedStmt(query string) (*sql.Stmt, error) {
	r.stmtLock.RLock()
	stmt, ok := r.stmts[query]
	r.stmtLock.RUnlock()
	if ok {
		return stmt, nil
	}

	r.stmtLock.Lock()
	defer r.stmtLock.Unlock()
	if stmt, ok := r.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	r.stmts[query] = stmt
	return stmt, nil
}

// Ping reports whether the database is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Registry) Close() error {
	r.stmtLock.Lock()
	for _, stmt := range r.stmts {
		_ = stmt.Close()
	}
	r.stmts = nil
	r.stmtLock.Unlock()
	return r.db.Close()
}
