package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueue is a durable Queue plus Locker backed by a single SQLite
// file. Suited to single-host deployments where workers share a filesystem;
// claims are transactional, so a job is delivered to exactly one worker.
//
// WAL mode keeps readers unblocked while a worker claims; the busy timeout
// absorbs short lock contention between workers.
type SQLiteQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteQueue opens (and migrates) the queue database at path. Use
// ":memory:" for tests.
func NewSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	q := &SQLiteQueue{db: db, now: time.Now}
	if err := q.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) createTables(ctx context.Context) error {
	jobsTable := `
		CREATE TABLE IF NOT EXISTS queue_jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			function TEXT NOT NULL,
			args TEXT NOT NULL,
			kwargs TEXT,
			run_at TIMESTAMP NOT NULL,
			enqueued_at TIMESTAMP NOT NULL,
			seq INTEGER
		)`
	if _, err := q.db.ExecContext(ctx, jobsTable); err != nil {
		return fmt.Errorf("failed to create queue_jobs table: %w", err)
	}

	jobsIndex := `
		CREATE INDEX IF NOT EXISTS idx_queue_jobs_ready
		ON queue_jobs(queue, run_at, seq)`
	if _, err := q.db.ExecContext(ctx, jobsIndex); err != nil {
		return fmt.Errorf("failed to create queue_jobs index: %w", err)
	}

	leasesTable := `
		CREATE TABLE IF NOT EXISTS queue_leases (
			key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`
	if _, err := q.db.ExecContext(ctx, leasesTable); err != nil {
		return fmt.Errorf("failed to create queue_leases table: %w", err)
	}
	return nil
}

// Enqueue persists the job; it becomes claimable at RunAt.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job *Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal job args: %w", err)
	}
	var kwargs []byte
	if job.Kwargs != nil {
		kwargs, err = json.Marshal(job.Kwargs)
		if err != nil {
			return fmt.Errorf("failed to marshal job kwargs: %w", err)
		}
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue, function, args, kwargs, run_at, enqueued_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM queue_jobs))`,
		job.ID, job.Queue, job.Function, string(args), nullable(kwargs),
		job.RunAt.UTC(), job.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.Function, err)
	}
	return nil
}

// Dequeue claims the oldest ready job across the named queues. The claim is
// a transactional select+delete so concurrent workers never double-claim.
func (q *SQLiteQueue) Dequeue(ctx context.Context, queues ...string) (*Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
	params := make([]any, 0, len(queues)+1)
	for _, name := range queues {
		params = append(params, name)
	}
	params = append(params, q.now().UTC())

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, queue, function, args, kwargs, run_at, enqueued_at
		FROM queue_jobs
		WHERE queue IN (%s) AND run_at <= ?
		ORDER BY run_at, seq
		LIMIT 1`, placeholders), params...)

	var job Job
	var argsJSON string
	var kwargsJSON sql.NullString
	err = row.Scan(&job.ID, &job.Queue, &job.Function, &argsJSON, &kwargsJSON,
		&job.RunAt, &job.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := json.Unmarshal([]byte(argsJSON), &job.Args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job args: %w", err)
	}
	if kwargsJSON.Valid && kwargsJSON.String != "" {
		if err := json.Unmarshal([]byte(kwargsJSON.String), &job.Kwargs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job kwargs: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ?`, job.ID); err != nil {
		return nil, fmt.Errorf("failed to delete claimed job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &job, nil
}

// Pending counts unclaimed jobs in one queue, ready or delayed.
func (q *SQLiteQueue) Pending(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE queue = ?`, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

// Acquire implements Locker over the queue_leases table.
func (q *SQLiteQueue) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := q.now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_leases (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE queue_leases.expires_at <= ? OR queue_leases.holder = excluded.holder`,
		key, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result: %w", err)
	}
	return n > 0, nil
}

// Refresh extends a still-held lease.
func (q *SQLiteQueue) Refresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := q.now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_leases SET expires_at = ?
		WHERE key = ? AND holder = ? AND expires_at > ?`,
		now.Add(ttl), key, holder, now)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result: %w", err)
	}
	return n > 0, nil
}

// Release frees the lease if held by holder.
func (q *SQLiteQueue) Release(ctx context.Context, key, holder string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_leases WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func nullable(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
