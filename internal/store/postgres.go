package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/agentctl/core/internal/taskerr"
)

// PostgresStore is the durable Store (C8) backed by lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against url (a postgres:// DSN).
func NewPostgresStore(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// EnsureSchema creates the tasks/transitions/installations tables if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			installation_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			source TEXT NOT NULL,
			command TEXT NOT NULL,
			input_message TEXT NOT NULL,
			source_metadata JSONB NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INT NOT NULL DEFAULT 0,
			scheduled_for TIMESTAMPTZ NOT NULL,
			lease_expires_at TIMESTAMPTZ,
			lease_owner TEXT,
			result JSONB,
			error_kind TEXT,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_status_priority_idx ON tasks (status, priority, scheduled_for, id)`,
		`CREATE INDEX IF NOT EXISTS tasks_org_idx ON tasks (org_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_transitions (
			id BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS installations (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			org_id TEXT NOT NULL,
			access_token_cipher BYTEA NOT NULL,
			refresh_token_cipher BYTEA,
			scopes TEXT[],
			webhook_secret TEXT,
			expires_at TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS installations_active_provider_org_idx
			ON installations (provider, org_id) WHERE active`,
		`CREATE TABLE IF NOT EXISTS task_spend (
			id BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	meta, err := json.Marshal(t.SourceMetadata)
	if err != nil {
		return fmt.Errorf("marshal source metadata: %w", err)
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = StatusQueued
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, installation_id, org_id, source, command, input_message,
			source_metadata, priority, status, attempt, scheduled_for, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.InstallationID, t.OrgID, t.Source, t.Command, t.InputMessage,
		meta, t.Priority, t.Status, t.Attempt, t.ScheduledFor, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, installation_id, org_id, source, command, input_message, source_metadata,
			priority, status, attempt, scheduled_for, lease_expires_at, lease_owner,
			result, error_kind, error_message, created_at, updated_at
		FROM tasks WHERE id = $1
	`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var meta, result []byte
	var leaseExpires sql.NullTime
	var leaseOwner, errorKind, errorMsg sql.NullString

	err := row.Scan(&t.ID, &t.InstallationID, &t.OrgID, &t.Source, &t.Command, &t.InputMessage,
		&meta, &t.Priority, &t.Status, &t.Attempt, &t.ScheduledFor, &leaseExpires, &leaseOwner,
		&result, &errorKind, &errorMsg, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, taskerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if len(meta) > 0 {
		json.Unmarshal(meta, &t.SourceMetadata)
	}
	if len(result) > 0 {
		var r Result
		if json.Unmarshal(result, &r) == nil {
			t.Result = &r
		}
	}
	if leaseExpires.Valid {
		t.LeaseExpiresAt = &leaseExpires.Time
	}
	t.LeaseOwner = leaseOwner.String
	t.ErrorKind = errorKind.String
	t.ErrorMsg = errorMsg.String
	return &t, nil
}

// SetStatus performs a CAS transition, validated against the state machine,
// and records the transition row in the same statement batch.
func (s *PostgresStore) SetStatus(ctx context.Context, taskID string, to Status, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var from Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&from); err != nil {
		if err == sql.ErrNoRows {
			return taskerr.ErrNotFound
		}
		return fmt.Errorf("lock task: %w", err)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, taskerr.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status=$1, updated_at=now() WHERE id=$2`, to, taskID); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_status, to_status, reason) VALUES ($1,$2,$3,$4)
	`, taskID, from, to, reason); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) SetResult(ctx context.Context, taskID string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET result=$1, updated_at=now() WHERE id=$2`, payload, taskID)
	return err
}

func (s *PostgresStore) SetError(ctx context.Context, taskID, kind, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET error_kind=$1, error_message=$2, updated_at=now() WHERE id=$3
	`, kind, message, taskID)
	return err
}

// TryClaimTask claims a queued task, or reclaims one whose lease expired.
func (s *PostgresStore) TryClaimTask(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status='leased', lease_owner=$1, lease_expires_at=$2,
			attempt = attempt + 1, updated_at = now()
		WHERE id = $3 AND (
			status = 'queued' OR
			(status IN ('leased','running') AND lease_expires_at < now())
		)
	`, ownerID, leaseUntil, taskID)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at=$1, updated_at=now()
		WHERE id=$2 AND lease_owner=$3 AND status IN ('leased','running')
	`, leaseUntil, taskID, ownerID)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, taskID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_owner=NULL, lease_expires_at=NULL, updated_at=now()
		WHERE id=$1 AND lease_owner=$2
	`, taskID, ownerID)
	return err
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Task, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE 1=1"
	args := []interface{}{}
	argN := 0
	addArg := func(v interface{}) int {
		args = append(args, v)
		argN++
		return argN
	}
	if f.OrgID != "" {
		where += fmt.Sprintf(" AND org_id = $%d", addArg(f.OrgID))
	}
	if len(f.Statuses) > 0 {
		placeholders := ""
		for i, st := range f.Statuses {
			if i > 0 {
				placeholders += ","
			}
			placeholders += fmt.Sprintf("$%d", addArg(st))
		}
		where += fmt.Sprintf(" AND status IN (%s)", placeholders)
	}
	if !f.Since.IsZero() {
		where += fmt.Sprintf(" AND created_at >= $%d", addArg(f.Since))
	}
	if !f.Until.IsZero() {
		where += fmt.Sprintf(" AND created_at <= $%d", addArg(f.Until))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM tasks "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limitArg := addArg(limit)
	offsetArg := addArg(f.Offset)
	query := fmt.Sprintf(`
		SELECT id, installation_id, org_id, source, command, input_message, source_metadata,
			priority, status, attempt, scheduled_for, lease_expires_at, lease_owner,
			result, error_kind, error_message, created_at, updated_at
		FROM tasks %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d
	`, where, limitArg, offsetArg)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var meta, result []byte
		var leaseExpires sql.NullTime
		var leaseOwner, errorKind, errorMsg sql.NullString
		if err := rows.Scan(&t.ID, &t.InstallationID, &t.OrgID, &t.Source, &t.Command, &t.InputMessage,
			&meta, &t.Priority, &t.Status, &t.Attempt, &t.ScheduledFor, &leaseExpires, &leaseOwner,
			&result, &errorKind, &errorMsg, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan task row: %w", err)
		}
		if len(meta) > 0 {
			json.Unmarshal(meta, &t.SourceMetadata)
		}
		if len(result) > 0 {
			var r Result
			if json.Unmarshal(result, &r) == nil {
				t.Result = &r
			}
		}
		if leaseExpires.Valid {
			t.LeaseExpiresAt = &leaseExpires.Time
		}
		t.LeaseOwner = leaseOwner.String
		t.ErrorKind = errorKind.String
		t.ErrorMsg = errorMsg.String
		tasks = append(tasks, &t)
	}
	return tasks, total, rows.Err()
}

func (s *PostgresStore) Transitions(ctx context.Context, taskID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, COALESCE(reason,''), created_at
		FROM task_transitions WHERE task_id = $1 ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.FromStatus, &tr.ToStatus, &tr.Reason, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// MarkStaleRunning fails leased/running tasks whose lease has been expired
// for longer than the reclaim window, treating them as abandoned.
func (s *PostgresStore) MarkStaleRunning(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status='failed', error_kind='system', error_message=$1, updated_at=now()
		WHERE status IN ('leased','running') AND lease_expires_at < now() - INTERVAL '10 minutes'
	`, reason)
	if err != nil {
		return 0, fmt.Errorf("mark stale running: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("store: marked stale tasks as failed", "count", n, "reason", reason)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN ('succeeded','failed','skipped','timed-out','cancelled') AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CreateInstallation(ctx context.Context, inst *Installation) error {
	now := time.Now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	inst.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installations (id, provider, org_id, access_token_cipher, refresh_token_cipher,
			scopes, webhook_secret, expires_at, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, inst.ID, inst.Provider, inst.OrgID, inst.AccessTokenCipher, inst.RefreshTokenCipher,
		pq.Array(inst.Scopes), inst.WebhookSecret, inst.ExpiresAt, inst.Active, inst.CreatedAt, inst.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return taskerr.ErrConflict
	}
	return err
}

func (s *PostgresStore) GetInstallation(ctx context.Context, provider, orgID string) (*Installation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, org_id, access_token_cipher, refresh_token_cipher, scopes,
			webhook_secret, expires_at, active, created_at, updated_at
		FROM installations WHERE provider=$1 AND org_id=$2 AND active
	`, provider, orgID)
	return scanInstallation(row)
}

func (s *PostgresStore) GetInstallationByID(ctx context.Context, id string) (*Installation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, org_id, access_token_cipher, refresh_token_cipher, scopes,
			webhook_secret, expires_at, active, created_at, updated_at
		FROM installations WHERE id=$1
	`, id)
	return scanInstallation(row)
}

func scanInstallation(row *sql.Row) (*Installation, error) {
	var inst Installation
	var scopes []string
	err := row.Scan(&inst.ID, &inst.Provider, &inst.OrgID, &inst.AccessTokenCipher, &inst.RefreshTokenCipher,
		pq.Array(&scopes), &inst.WebhookSecret, &inst.ExpiresAt, &inst.Active, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, taskerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan installation: %w", err)
	}
	inst.Scopes = scopes
	return &inst, nil
}

func (s *PostgresStore) UpdateInstallation(ctx context.Context, inst *Installation) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE installations SET access_token_cipher=$1, refresh_token_cipher=$2,
			expires_at=$3, updated_at=now() WHERE id=$4
	`, inst.AccessTokenCipher, inst.RefreshTokenCipher, inst.ExpiresAt, inst.ID)
	return err
}

func (s *PostgresStore) DeactivateInstallation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE installations SET active=false, updated_at=now() WHERE id=$1`, id)
	return err
}
