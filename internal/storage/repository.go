package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carbon-price-collector/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertExecutionSQL = `INSERT INTO task_executions (
        run_id,
        task_id,
        success,
        record_count,
        errors,
        warnings,
        execution_ms,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (run_id) DO UPDATE
    SET
        success      = EXCLUDED.success,
        record_count = EXCLUDED.record_count,
        errors       = EXCLUDED.errors,
        warnings     = EXCLUDED.warnings,
        execution_ms = EXCLUDED.execution_ms;`

	listRecentExecutionsSQL = `SELECT
        run_id,
        task_id,
        success,
        record_count,
        errors,
        warnings,
        execution_ms,
        executed_at,
        created_at
    FROM task_executions
    WHERE ($1::text = '' OR task_id = $1)
    ORDER BY executed_at DESC
    LIMIT $2;`

	insertEvidenceSQL = `INSERT INTO collection_evidence (
        run_id,
        source,
        url,
        kind,
        hash,
        success,
        error,
        screenshot,
        data,
        captured_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	listEvidenceSQL = `SELECT
        id,
        run_id,
        source,
        url,
        kind,
        hash,
        success,
        error,
        screenshot,
        data,
        captured_at
    FROM collection_evidence
    WHERE run_id = $1
    ORDER BY id;`

	deleteExecutionsBeforeSQL = `DELETE FROM task_executions WHERE executed_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ExecutionStore persists task run outcomes.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, exec Execution) error
	ListRecentExecutions(ctx context.Context, taskID string, limit int) ([]Execution, error)
	DeleteExecutionsBefore(ctx context.Context, olderThan time.Time) error
}

// EvidenceStore persists collection evidence.
type EvidenceStore interface {
	InsertEvidence(ctx context.Context, runID string, items []model.Evidence) error
	ListEvidence(ctx context.Context, runID string) ([]EvidenceRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to executions and evidence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertExecution persists a run; re-inserting the same run id updates it.
func (s *Store) InsertExecution(ctx context.Context, exec Execution) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertExecutionSQL,
		exec.RunID,
		exec.TaskID,
		exec.Success,
		exec.RecordCount,
		nonNil(exec.Errors),
		nonNil(exec.Warnings),
		exec.ExecutionTime.Milliseconds(),
		exec.ExecutedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert execution: %w", execErr)
	}
	return nil
}

// ListRecentExecutions lists the newest runs, optionally for one task.
func (s *Store) ListRecentExecutions(ctx context.Context, taskID string, limit int) ([]Execution, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 20
	}
	rows, queryErr := pool.Query(ctx, listRecentExecutionsSQL, taskID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent executions: %w", queryErr)
	}
	defer rows.Close()

	execs := make([]Execution, 0, limit)
	for rows.Next() {
		exec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		execs = append(execs, exec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return execs, nil
}

// DeleteExecutionsBefore prunes old runs; evidence cascades.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteExecutionsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete executions before: %w", execErr)
	}
	return nil
}

// InsertEvidence stores every item of a run in one batch.
func (s *Store) InsertEvidence(ctx context.Context, runID string, items []model.Evidence) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range items {
		var errMsg, data any
		if ev.Error != "" {
			errMsg = ev.Error
		}
		if ev.Data != "" {
			data = ev.Data
		}
		batch.Queue(insertEvidenceSQL,
			runID,
			ev.Source,
			ev.URL,
			ev.Kind(),
			ev.Hash,
			ev.Success,
			errMsg,
			ev.Screenshot,
			data,
			ev.Timestamp,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// ListEvidence returns the evidence captured by one run.
func (s *Store) ListEvidence(ctx context.Context, runID string) ([]EvidenceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEvidenceSQL, runID)
	if queryErr != nil {
		return nil, fmt.Errorf("list evidence: %w", queryErr)
	}
	defer rows.Close()

	items := make([]EvidenceRecord, 0)
	for rows.Next() {
		var (
			rec    EvidenceRecord
			errMsg sql.NullString
			data   sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Source,
			&rec.URL,
			&rec.Kind,
			&rec.Hash,
			&rec.Success,
			&errMsg,
			&rec.Screenshot,
			&data,
			&rec.CapturedAt,
		); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		if data.Valid {
			d := data.String
			rec.Data = &d
		}
		items = append(items, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

func scanExecution(rows pgx.Rows) (Execution, error) {
	var (
		exec   Execution
		millis int64
	)
	if err := rows.Scan(
		&exec.RunID,
		&exec.TaskID,
		&exec.Success,
		&exec.RecordCount,
		&exec.Errors,
		&exec.Warnings,
		&millis,
		&exec.ExecutedAt,
		&exec.CreatedAt,
	); err != nil {
		return Execution{}, err
	}
	exec.ExecutionTime = time.Duration(millis) * time.Millisecond
	return exec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
