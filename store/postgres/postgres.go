// Package postgres provides the PostgreSQL JobStore. The table layout is a
// stable contract: rows survive process restarts and may be shared by several
// bot instances, which coordinate only through the version compare-and-swap.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gamedaybot/core/scheduler"
)

const (
	driverName        = "postgres"
	pgUniqueViolation = "23505"
)

const (
	defaultStaleness = 5 * time.Minute
	defaultTableName = "scheduled_jobs"
)

type Entry struct {
	TaskName            string         `db:"task_name"`
	TaskInstance        string         `db:"task_instance"`
	TaskData            []byte         `db:"task_data"`
	ExecutionTime       time.Time      `db:"execution_time"`
	Picked              bool           `db:"picked"`
	PickedBy            sql.NullString `db:"picked_by"`
	LastSuccess         sql.NullTime   `db:"last_success"`
	LastFailure         sql.NullTime   `db:"last_failure"`
	LastHeartbeat       sql.NullTime   `db:"last_heartbeat"`
	ConsecutiveFailures sql.NullInt64  `db:"consecutive_failures"`
	Version             int64          `db:"version"`
	Created             time.Time      `db:"created"`
}

func toEntry(r *scheduler.JobRecord) *Entry {
	e := &Entry{
		TaskName:      r.TaskName,
		TaskInstance:  r.TaskInstance,
		TaskData:      r.Payload,
		ExecutionTime: r.ExecutionTime.UTC(),
		Picked:        r.Picked,
		Version:       r.Version,
		Created:       r.Created.UTC(),
	}
	if r.PickedBy != "" {
		e.PickedBy = sql.NullString{String: r.PickedBy, Valid: true}
	}
	e.LastSuccess = toNullTime(r.LastSuccess)
	e.LastFailure = toNullTime(r.LastFailure)
	e.LastHeartbeat = toNullTime(r.LastHeartbeat)
	if r.ConsecutiveFailures > 0 {
		e.ConsecutiveFailures = sql.NullInt64{Int64: int64(r.ConsecutiveFailures), Valid: true}
	}
	return e
}

func fromEntry(e *Entry) *scheduler.JobRecord {
	if e == nil {
		return nil
	}
	return &scheduler.JobRecord{
		TaskName:            e.TaskName,
		TaskInstance:        e.TaskInstance,
		Payload:             e.TaskData,
		ExecutionTime:       e.ExecutionTime.UTC(),
		Picked:              e.Picked,
		PickedBy:            e.PickedBy.String,
		LastSuccess:         fromNullTime(e.LastSuccess),
		LastFailure:         fromNullTime(e.LastFailure),
		LastHeartbeat:       fromNullTime(e.LastHeartbeat),
		ConsecutiveFailures: int(e.ConsecutiveFailures.Int64),
		Version:             e.Version,
		Created:             e.Created.UTC(),
	}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

type StoreOption func(*Store)

func TableOption(tableName string) StoreOption {
	return func(s *Store) {
		s.tableName = tableName
	}
}

// StalenessOption sets how old a claim heartbeat may be before the claim is
// considered abandoned and the row claimable again.
func StalenessOption(d time.Duration) StoreOption {
	return func(s *Store) {
		s.staleness = d
	}
}

// Store is a PostgreSQL job store.
type Store struct {
	db        *sqlx.DB
	staleness time.Duration
	tableName string
}

func New(db *sql.DB, options ...StoreOption) *Store {
	s := &Store{
		db:        sqlx.NewDb(db, driverName),
		staleness: defaultStaleness,
		tableName: defaultTableName,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Schema returns the DDL for the store's table.
func (s *Store) Schema() string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		task_name VARCHAR (100) NOT NULL,
		task_instance VARCHAR (200) NOT NULL,
		task_data BYTEA,
		execution_time TIMESTAMPTZ NOT NULL,
		picked BOOLEAN NOT NULL DEFAULT FALSE,
		picked_by VARCHAR (200),
		last_success TIMESTAMPTZ,
		last_failure TIMESTAMPTZ,
		last_heartbeat TIMESTAMPTZ,
		consecutive_failures INTEGER,
		version BIGINT NOT NULL,
		created TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (task_name, task_instance)
	);
	CREATE INDEX IF NOT EXISTS %[1]s_due_idx ON %[1]s (execution_time, picked);`, s.tableName)
}

func (s *Store) Create(ctx context.Context, rec *scheduler.JobRecord) error {
	entry := toEntry(rec)
	_, err := s.db.NamedExecContext(
		ctx,
		fmt.Sprintf(`INSERT INTO %s (task_name, task_instance, task_data, execution_time, picked, picked_by,
			last_success, last_failure, last_heartbeat, consecutive_failures, version, created)
		VALUES (:task_name, :task_instance, :task_data, :execution_time, FALSE, NULL,
			NULL, NULL, NULL, NULL, 0, :created)`, s.tableName),
		entry,
	)
	if err == nil {
		return nil
	}

	if isDup(err) {
		return scheduler.ErrJobAlreadyExists
	}

	return fmt.Errorf("failed to schedule task '%s': %w", rec.Slug(), err)
}

// ClaimDue finds the earliest due row that is unclaimed or whose claim has
// gone stale and claims it with a compare-and-swap on version. The candidate
// select and the claim update run in one transaction; losing the swap means
// another worker got there first.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, workerID string) (*scheduler.JobRecord, error) {
	var rec *scheduler.JobRecord
	err := s.withTx(ctx, func(c context.Context, t *sqlx.Tx) error {
		var err error
		rec, err = s.claimDue(c, t, now, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) claimDue(ctx context.Context, t *sqlx.Tx, now time.Time, workerID string) (*scheduler.JobRecord, error) {
	now = now.UTC()
	entry := &Entry{}
	err := t.GetContext(ctx, entry, fmt.Sprintf(`SELECT task_name, task_instance, task_data, execution_time, picked, picked_by,
			last_success, last_failure, last_heartbeat, consecutive_failures, version, created
		FROM %s
		WHERE execution_time <= $1 AND (picked = FALSE OR last_heartbeat < $2)
		ORDER BY execution_time ASC
		LIMIT 1`, s.tableName),
		now, now.Add(-s.staleness))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scheduler.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed selecting due task: %w", err)
	}

	res, err := t.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET picked = TRUE, picked_by = $1, last_heartbeat = $2, version = version + 1
		WHERE task_name = $3 AND task_instance = $4 AND version = $5`, s.tableName),
		workerID, now, entry.TaskName, entry.TaskInstance, entry.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to claim '%s:%s': %w", entry.TaskName, entry.TaskInstance, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows when claiming '%s:%s': %w", entry.TaskName, entry.TaskInstance, err)
	}
	if affected == 0 {
		return nil, scheduler.ErrJobNotClaimed
	}

	rec := fromEntry(entry)
	rec.Picked = true
	rec.PickedBy = workerID
	hb := now
	rec.LastHeartbeat = &hb
	rec.Version++

	return rec, nil
}

func (s *Store) Release(ctx context.Context, rec *scheduler.JobRecord) error {
	entry := toEntry(rec)
	res, err := s.db.NamedExecContext(ctx,
		fmt.Sprintf(`UPDATE %s
		SET task_data = :task_data, execution_time = :execution_time, picked = FALSE, picked_by = NULL,
			last_success = :last_success, last_failure = :last_failure, last_heartbeat = NULL,
			consecutive_failures = :consecutive_failures, version = version + 1
		WHERE task_name = :task_name AND task_instance = :task_instance AND version = :version`, s.tableName),
		entry)
	if err != nil {
		return fmt.Errorf("failed to release '%s': %w", rec.Slug(), err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// either the row is gone or the version moved under us
		if _, err := s.Get(ctx, rec.TaskName, rec.TaskInstance); err != nil {
			return fmt.Errorf("failed to release '%s': %w", rec.Slug(), scheduler.ErrJobNotFound)
		}
		return fmt.Errorf("failed to release '%s': %w", rec.Slug(), scheduler.ErrJobNotClaimed)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, taskName, taskInstance string) (*scheduler.JobRecord, error) {
	entry := &Entry{}
	err := s.db.GetContext(ctx, entry, fmt.Sprintf(`SELECT task_name, task_instance, task_data, execution_time, picked, picked_by,
			last_success, last_failure, last_heartbeat, consecutive_failures, version, created
		FROM %s WHERE task_name = $1 AND task_instance = $2`, s.tableName), taskName, taskInstance)
	if err == nil {
		return fromEntry(entry), nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task '%s:%s': %w", taskName, taskInstance, scheduler.ErrJobNotFound)
	}

	return nil, fmt.Errorf("get task '%s:%s': %w", taskName, taskInstance, err)
}

func (s *Store) Slugs(ctx context.Context) ([]string, error) {
	slugs := []string{}
	err := s.db.SelectContext(ctx, &slugs, fmt.Sprintf("SELECT task_name || ':' || task_instance FROM %s", s.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to get slugs: %w", err)
	}

	return slugs, nil
}

func (s *Store) Delete(ctx context.Context, taskName, taskInstance string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE task_name = $1 AND task_instance = $2", s.tableName),
		taskName, taskInstance)
	if err != nil {
		return fmt.Errorf("failed to delete '%s:%s': %w", taskName, taskInstance, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows when deleting '%s:%s': %w", taskName, taskInstance, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete task '%s:%s': %w", taskName, taskInstance, scheduler.ErrJobNotFound)
	}

	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.tableName))
	if err != nil {
		return fmt.Errorf("failed to clear: %w", err)
	}
	return nil
}

func isDup(err error) bool {
	pgerr, ok := err.(*pq.Error)
	return ok && pgerr.Code == pgUniqueViolation
}

func (s *Store) withTx(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	err = fn(ctx, tx)
	if err != nil {
		return err
	}
	return tx.Commit()
}
