// Package store implements the SQLite-backed Durable Queue Store: a
// persistent FIFO per named queue with lease/ack/nack/dead-letter, an
// idempotency ledger, and filtered lease for targeted reply collection.
//
// Grounded on tarsy's pkg/database/{client,config,migrations}.go for the
// open/migrate/wrap shape, and on pkg/queue/worker.go's claimNextSession
// for the atomic-claim-under-transaction idiom — translated from Postgres
// FOR UPDATE SKIP LOCKED to a single-writer SQLite connection, which is the
// SQLite-native equivalent spec §5 explicitly allows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomrun/loom/internal/bus"
)

// timeLayout is a fixed-width RFC3339 variant used for every timestamp
// column compared as TEXT (created_at, lease_expires_at, dead_lettered_at,
// processed_at). time.RFC3339Nano trims trailing fractional zeros, so two
// timestamps a fixed number of nanoseconds apart can serialize to different
// widths and sort lexicographically out of chronological order — exactly
// the FIFO-ordering and expiry-comparison bug spec §3.1/§5 rule out.
// timeLayout's constant 9-digit fractional part keeps lexicographic order
// equal to chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a single-writer SQLite connection pool implementing every
// operation named in spec §4.1.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// applies embedded migrations, and self-migrates any missing recognized
// columns. Mirrors tarsy's database.NewClient startup sequence.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &OpenError{Path: cfg.Path, Err: err}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &OpenError{Path: cfg.Path, Err: err}
	}
	// SQLite serializes writers regardless; pinning the pool to a single
	// connection makes that explicit rather than relying on busy-retry.
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &OpenError{Path: cfg.Path, Err: err}
	}

	if err := runMigrations(db, cfg.MigrationsTable); err != nil {
		db.Close()
		return nil, &OpenError{Path: cfg.Path, Err: err}
	}
	if err := selfMigrateColumns(db); err != nil {
		db.Close()
		return nil, &OpenError{Path: cfg.Path, Err: err}
	}

	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func allowlistJSON(allowlist []string) (string, error) {
	if allowlist == nil {
		allowlist = []string{}
	}
	b, err := json.Marshal(allowlist)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Enqueue inserts env, requiring QueueName to be set and ID unique across
// queue_messages and dead_letters.
func (s *Store) Enqueue(ctx context.Context, env *bus.Envelope) error {
	if env.QueueName == "" {
		return fmt.Errorf("store: enqueue: queue_name must be set")
	}
	if env.ID == "" {
		return fmt.Errorf("store: enqueue: id must be set")
	}
	if env.MaxAttempts == 0 {
		env.MaxAttempts = bus.DefaultMaxAttempts
	}
	if env.Urgency == "" {
		env.Urgency = bus.UrgencyInformational
	}

	var exists int
	switch err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dead_letters WHERE id = ?`, env.ID).Scan(&exists); err {
	case nil:
		return ErrDuplicateID
	case sql.ErrNoRows:
		// not dead-lettered; fall through to the insert below.
	default:
		return fmt.Errorf("store: enqueue: check dead_letters: %w", err)
	}

	allow, err := allowlistJSON(env.ToolAllowlist)
	if err != nil {
		return fmt.Errorf("store: enqueue: encode tool_allowlist: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_messages (
			id, queue_name, kind, sender, trace_id, payload, created_at,
			lease_id, lease_expires_at, attempt_count, max_attempts,
			scope_id, taint, task_id, parent_task_id, work_item_id,
			approval_token, tool_allowlist, urgency
		) VALUES (?, ?, ?, ?, ?, ?, ?, '', NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.QueueName, string(env.Kind), string(env.Sender), env.TraceID,
		string(env.Payload), env.CreatedAt.Format(timeLayout),
		env.AttemptCount, env.MaxAttempts,
		env.ScopeID, string(env.Taint), env.TaskID, env.ParentTaskID, env.WorkItemID,
		env.ApprovalToken, allow, string(env.Urgency),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("store: enqueue: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// Lease atomically selects the oldest available row for queue_name
// (FIFO by created_at then id) and assigns a fresh lease, or returns
// ErrNoMessageAvailable if none is eligible. When kinds is non-empty the
// selection is restricted to those kinds, so a consumer's own poll never
// leases (and then has to nack) a kind outside its handled_kinds set — per
// spec §4.4, such messages must be left on the queue entirely, not
// leased-then-rejected.
func (s *Store) Lease(ctx context.Context, queueName string, duration time.Duration, kinds ...bus.Kind) (*bus.Envelope, error) {
	predicate := "queue_name = ?"
	args := []any{queueName}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		predicate += " AND kind IN (" + strings.Join(placeholders, ",") + ")"
	}
	return s.leaseWhere(ctx, duration, predicate, args)
}

// LeaseFiltered is Lease restricted to rows matching traceID and kind, used
// for targeted reply collection without disturbing unrelated messages.
func (s *Store) LeaseFiltered(ctx context.Context, queueName, traceID string, kind bus.Kind, duration time.Duration) (*bus.Envelope, error) {
	return s.leaseWhere(ctx, duration,
		"queue_name = ? AND trace_id = ? AND kind = ?",
		[]any{queueName, traceID, string(kind)})
}

func (s *Store) leaseWhere(ctx context.Context, duration time.Duration, predicate string, args []any) (*bus.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	selectQuery := fmt.Sprintf(`
		SELECT id FROM queue_messages
		WHERE %s AND (lease_id = '' OR lease_expires_at < ?)
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, predicate)
	row := tx.QueryRowContext(ctx, selectQuery, append(append([]any{}, args...), now.Format(timeLayout))...)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoMessageAvailable
		}
		return nil, fmt.Errorf("store: lease: select: %w", err)
	}

	leaseID := newLeaseID()
	expiresAt := now.Add(duration)
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_messages SET lease_id = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_id = '' OR lease_expires_at < ?)`,
		leaseID, expiresAt.Format(timeLayout), id, now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("store: lease: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: lease: rows affected: %w", err)
	}
	if n == 0 {
		// Another caller claimed it between select and update; treat as
		// empty rather than retrying, the next poll will pick up whatever
		// is left.
		return nil, ErrNoMessageAvailable
	}

	env, err := scanEnvelope(tx.QueryRowContext(ctx, envelopeSelectColumns+" FROM queue_messages WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("store: lease: reload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: lease: commit: %w", err)
	}
	return env, nil
}

const envelopeSelectColumns = `
	SELECT id, queue_name, kind, sender, trace_id, payload, created_at,
	       lease_id, lease_expires_at, attempt_count, max_attempts,
	       scope_id, taint, task_id, parent_task_id, work_item_id,
	       approval_token, tool_allowlist, urgency`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*bus.Envelope, error) {
	var (
		env            bus.Envelope
		kind, sender   string
		taint, urgency string
		createdAt      string
		leaseExpires   sql.NullString
		allowlistJSON  string
	)
	if err := row.Scan(
		&env.ID, &env.QueueName, &kind, &sender, &env.TraceID, &env.Payload, &createdAt,
		&env.LeaseID, &leaseExpires, &env.AttemptCount, &env.MaxAttempts,
		&env.ScopeID, &taint, &env.TaskID, &env.ParentTaskID, &env.WorkItemID,
		&env.ApprovalToken, &allowlistJSON, &urgency,
	); err != nil {
		return nil, err
	}
	env.Kind = bus.Kind(kind)
	env.Sender = bus.Sender(sender)
	env.Taint = bus.Taint(taint)
	env.Urgency = bus.Urgency(urgency)
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		env.CreatedAt = t
	}
	if leaseExpires.Valid && leaseExpires.String != "" {
		if t, err := time.Parse(timeLayout, leaseExpires.String); err == nil {
			env.LeaseExpiresAt = &t
		}
	}
	var allow []string
	if err := json.Unmarshal([]byte(allowlistJSON), &allow); err == nil {
		env.ToolAllowlist = allow
	}
	return &env, nil
}

// Ack deletes the row, succeeding silently if it is already gone.
func (s *Store) Ack(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: ack: %w", err)
	}
	return nil
}

// Nack clears lease fields and increments attempt_count, making the
// message immediately eligible again.
func (s *Store) Nack(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET lease_id = '', lease_expires_at = NULL, attempt_count = attempt_count + 1
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: nack: %w", err)
	}
	return nil
}

// DeadLetter moves the row to dead_letters with reason and a timestamp.
func (s *Store) DeadLetter(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: dead_letter: begin tx: %w", err)
	}
	defer tx.Rollback()

	env, err := scanEnvelope(tx.QueryRowContext(ctx, envelopeSelectColumns+" FROM queue_messages WHERE id = ?", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("store: dead_letter: load: %w", err)
	}

	allow, err := allowlistJSON(env.ToolAllowlist)
	if err != nil {
		return fmt.Errorf("store: dead_letter: encode tool_allowlist: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (
			id, queue_name, kind, sender, trace_id, payload, created_at,
			attempt_count, max_attempts, scope_id, taint, task_id, parent_task_id,
			work_item_id, approval_token, tool_allowlist, urgency, reason, dead_lettered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.QueueName, string(env.Kind), string(env.Sender), env.TraceID, string(env.Payload),
		env.CreatedAt.Format(timeLayout), env.AttemptCount, env.MaxAttempts,
		env.ScopeID, string(env.Taint), env.TaskID, env.ParentTaskID, env.WorkItemID,
		env.ApprovalToken, allow, string(env.Urgency), reason, now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: dead_letter: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: dead_letter: delete: %w", err)
	}
	return tx.Commit()
}

// Heartbeat extends lease_expires_at by extend, failing silently if the row
// is gone, and returning ErrLeaseNotHeld if leaseID no longer matches
// (lease theft protection).
func (s *Store) Heartbeat(ctx context.Context, id, leaseID string, extend time.Duration) error {
	newExpiry := time.Now().UTC().Add(extend)
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages SET lease_expires_at = ?
		WHERE id = ? AND lease_id = ?`,
		newExpiry.Format(timeLayout), id, leaseID)
	if err != nil {
		return fmt.Errorf("store: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: heartbeat: rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM queue_messages WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil // row gone; fail silently per spec
		}
		return ErrLeaseNotHeld
	}
	return nil
}

// HasProcessed reports whether (consumer, id) is already in the
// idempotency ledger.
func (s *Store) HasProcessed(ctx context.Context, consumer, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_messages WHERE consumer_name = ? AND message_id = ?`,
		consumer, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has_processed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts (consumer, id) into the idempotency ledger,
// insert-if-absent.
func (s *Store) MarkProcessed(ctx context.Context, consumer, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (consumer_name, message_id, processed_at)
		VALUES (?, ?, ?)`, consumer, id, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store: mark_processed: %w", err)
	}
	return nil
}

// RequeueExpired clears lease fields on every row whose lease has expired.
// Called at startup to recover from a crash that left leases dangling.
func (s *Store) RequeueExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET lease_id = '', lease_expires_at = NULL
		WHERE lease_id != '' AND lease_expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("store: requeue_expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: requeue_expired: rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("recovered orphaned leases at startup", "count", n)
	}
	return int(n), nil
}

// PendingCount returns the number of messages on queueName, leased or not,
// for monitoring. Dead-lettered messages are not counted.
func (s *Store) PendingCount(ctx context.Context, queueName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue_name = ?`, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending_count: %w", err)
	}
	return n, nil
}

// OldestPendingAge returns how long the oldest pending message on
// queueName has been waiting, for basic lag observability. Returns false
// if the queue is empty.
func (s *Store) OldestPendingAge(ctx context.Context, queueName string) (time.Duration, bool, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM queue_messages WHERE queue_name = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, queueName).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: oldest_pending_age: %w", err)
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return 0, false, fmt.Errorf("store: oldest_pending_age: parse: %w", err)
	}
	return time.Since(t), true, nil
}

// DeadLetterRecord is a row from dead_letters, for operator inspection.
type DeadLetterRecord struct {
	Envelope       bus.Envelope
	Reason         string
	DeadLetteredAt time.Time
}

// ListDeadLetters returns up to limit most-recent dead letters for
// queueName, newest first. Not named explicitly in the spec's operation
// list, but implied by "retained indefinitely for operator inspection".
func (s *Store) ListDeadLetters(ctx context.Context, queueName string, limit int) ([]DeadLetterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue_name, kind, sender, trace_id, payload, created_at,
		       attempt_count, max_attempts, scope_id, taint, task_id, parent_task_id,
		       work_item_id, approval_token, tool_allowlist, urgency, reason, dead_lettered_at
		FROM dead_letters WHERE queue_name = ?
		ORDER BY dead_lettered_at DESC LIMIT ?`, queueName, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list_dead_letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		var (
			rec                  DeadLetterRecord
			kind, sender, taint  string
			urgency, createdAt   string
			deadLetteredAt       string
			allow                string
		)
		if err := rows.Scan(
			&rec.Envelope.ID, &rec.Envelope.QueueName, &kind, &sender, &rec.Envelope.TraceID,
			&rec.Envelope.Payload, &createdAt, &rec.Envelope.AttemptCount, &rec.Envelope.MaxAttempts,
			&rec.Envelope.ScopeID, &taint, &rec.Envelope.TaskID, &rec.Envelope.ParentTaskID,
			&rec.Envelope.WorkItemID, &rec.Envelope.ApprovalToken, &allow, &urgency,
			&rec.Reason, &deadLetteredAt,
		); err != nil {
			return nil, fmt.Errorf("store: list_dead_letters: scan: %w", err)
		}
		rec.Envelope.Kind = bus.Kind(kind)
		rec.Envelope.Sender = bus.Sender(sender)
		rec.Envelope.Taint = bus.Taint(taint)
		rec.Envelope.Urgency = bus.Urgency(urgency)
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			rec.Envelope.CreatedAt = t
		}
		if t, err := time.Parse(timeLayout, deadLetteredAt); err == nil {
			rec.DeadLetteredAt = t
		}
		var allowlist []string
		if err := json.Unmarshal([]byte(allow), &allowlist); err == nil {
			rec.Envelope.ToolAllowlist = allowlist
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
