package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/present-run/agentqueue/envelope"
	"github.com/present-run/agentqueue/errs"
)

// PostgresStore implements Store against agent_tasks / agent_worker_heartbeats
// / agent_trace_events / agent_io_blobs / agent_ops_audit_log.
type PostgresStore struct {
	pool *pgxpool.Pool
	caps Capabilities
}

// NewPostgresStore opens a pooled connection and probes schema capabilities.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	s.caps = s.probeCapabilities(ctx)
	return s, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// probeCapabilities asks information_schema once at startup whether optional
// columns/tables exist, instead of branching on runtime SQL errors (§9).
func (s *PostgresStore) probeCapabilities(ctx context.Context) Capabilities {
	var caps Capabilities
	row := s.pool.QueryRow(ctx, `SELECT 1 FROM information_schema.columns WHERE table_name='agent_tasks' AND column_name='trace_id'`)
	caps.HasTraceIDColumn = row.Scan(new(int)) == nil

	row = s.pool.QueryRow(ctx, `SELECT 1 FROM information_schema.tables WHERE table_name='agent_trace_events'`)
	caps.HasTraceEvents = row.Scan(new(int)) == nil

	row = s.pool.QueryRow(ctx, `SELECT 1 FROM information_schema.columns WHERE table_name='agent_trace_events' AND column_name='provider'`)
	caps.HasProviderColumn = row.Scan(new(int)) == nil
	return caps
}

func (s *PostgresStore) Capabilities(ctx context.Context) Capabilities { return s.caps }

func (s *PostgresStore) InsertTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = envelope.NewID()
	}
	query := `
		INSERT INTO agent_tasks (id, room, task, params, status, priority, run_at, attempt, request_id, trace_id, dedupe_key, resource_keys, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	args := []interface{}{
		t.ID, t.Room, t.Task, []byte(t.Params), t.Status, t.Priority, t.RunAt, t.Attempt,
		nullIfEmpty(t.RequestID), nullIfEmpty(t.TraceID), nullIfEmpty(t.DedupeKey), t.ResourceKeys,
	}
	if !s.caps.HasTraceIDColumn {
		query = `
		INSERT INTO agent_tasks (id, room, task, params, status, priority, run_at, attempt, request_id, dedupe_key, resource_keys, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`
		args = append(args[:9:9], args[10:]...)
	}
	_, err := s.pool.Exec(ctx, query, args...)
	if isUniqueViolation(err) {
		return errs.Wrap("insert_task", errs.ErrUniquenessConflict, err) // caller inspects via errs.ErrUniquenessConflict
	}
	return err
}

func (s *PostgresStore) FindByRequestID(ctx context.Context, requestID string) (*Task, error) {
	query := `
		SELECT id, room, task, params, status, priority, run_at, attempt, error, request_id, trace_id, dedupe_key, resource_keys, lease_token, lease_expires_at, result, created_at, updated_at
		FROM agent_tasks WHERE request_id = $1 AND status IN ('queued','running') LIMIT 1
	`
	return s.scanOneRow(s.pool.QueryRow(ctx, query, requestID))
}

func (s *PostgresStore) FindCoalesceCandidate(ctx context.Context, task, room, dedupeKey string) (*Task, error) {
	query := `
		SELECT id, room, task, params, status, priority, run_at, attempt, error, request_id, trace_id, dedupe_key, resource_keys, lease_token, lease_expires_at, result, created_at, updated_at
		FROM agent_tasks WHERE status='queued' AND task=$1 AND room=$2 AND ($3='' OR dedupe_key=$3)
		ORDER BY created_at DESC LIMIT 1
	`
	return s.scanOneRow(s.pool.QueryRow(ctx, query, task, room, dedupeKey))
}

func (s *PostgresStore) UpdateCoalesce(ctx context.Context, id string, params []byte) (*Task, error) {
	query := `UPDATE agent_tasks SET params = $2, updated_at = NOW() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id, params); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `
		SELECT id, room, task, params, status, priority, run_at, attempt, error, request_id, trace_id, dedupe_key, resource_keys, lease_token, lease_expires_at, result, created_at, updated_at
		FROM agent_tasks WHERE id = $1
	`
	return s.scanOneRow(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) SelectClaimable(ctx context.Context, now time.Time, limit int, excludeKeys []string) ([]*Task, error) {
	query := `
		SELECT id, room, task, params, status, priority, run_at, attempt, error, request_id, trace_id, dedupe_key, resource_keys, lease_token, lease_expires_at, result, created_at, updated_at
		FROM agent_tasks
		WHERE status = 'queued' AND (run_at IS NULL OR run_at <= $1)
		  AND NOT (resource_keys && $2::text[])
		ORDER BY priority ASC, created_at ASC
		LIMIT $3
	`
	rows, err := s.pool.Query(ctx, query, now, excludeKeys, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *PostgresStore) ClaimTask(ctx context.Context, id, newLeaseToken string, leaseExpiresAt time.Time) (bool, *Task, error) {
	query := `
		UPDATE agent_tasks
		SET status = 'running', lease_token = $2, lease_expires_at = $3, attempt = attempt + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'queued' AND lease_token IS NULL
	`
	tag, err := s.pool.Exec(ctx, query, id, newLeaseToken, leaseExpiresAt)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil, nil
	}
	t, err := s.GetTask(ctx, id)
	return true, t, err
}

func (s *PostgresStore) SelectStaleLeases(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	query := `
		SELECT id, room, task, params, status, priority, run_at, attempt, error, request_id, trace_id, dedupe_key, resource_keys, lease_token, lease_expires_at, result, created_at, updated_at
		FROM agent_tasks WHERE status = 'running' AND lease_expires_at <= $1
		ORDER BY lease_expires_at ASC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRows(rows)
}

func (s *PostgresStore) ReclaimStaleLease(ctx context.Context, id, oldLeaseToken, newLeaseToken string, leaseExpiresAt time.Time) (bool, *Task, error) {
	query := `
		UPDATE agent_tasks
		SET lease_token = $3, lease_expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'running' AND lease_token = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, oldLeaseToken, newLeaseToken, leaseExpiresAt)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil, nil
	}
	t, err := s.GetTask(ctx, id)
	return true, t, err
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id, leaseToken, status string, result []byte, errMsg string) (bool, error) {
	query := `
		UPDATE agent_tasks
		SET status = $3, result = $4, error = $5, lease_token = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND lease_token = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, leaseToken, status, result, errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RequeueTask(ctx context.Context, id, leaseToken string, runAt *time.Time, resourceKeys []string) (bool, error) {
	query := `
		UPDATE agent_tasks
		SET status = 'queued', lease_token = NULL, lease_expires_at = NULL,
		    run_at = COALESCE($3, run_at),
		    resource_keys = COALESCE($4, resource_keys),
		    updated_at = NOW()
		WHERE id = $1 AND lease_token = $2
	`
	tag, err := s.pool.Exec(ctx, query, id, leaseToken, runAt, resourceKeys)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, id, leaseToken string, newExpiresAt time.Time) (bool, error) {
	query := `UPDATE agent_tasks SET lease_expires_at = $3, updated_at = NOW() WHERE id = $1 AND lease_token = $2`
	tag, err := s.pool.Exec(ctx, query, id, leaseToken, newExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM agent_tasks WHERE created_at >= $1 GROUP BY status`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}

func (s *PostgresStore) UpsertHeartbeat(ctx context.Context, h *Heartbeat) error {
	query := `
		INSERT INTO agent_worker_heartbeats (worker_id, host, pid, version, active_tasks, queue_lag_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			host = EXCLUDED.host, pid = EXCLUDED.pid, version = EXCLUDED.version,
			active_tasks = EXCLUDED.active_tasks, queue_lag_ms = EXCLUDED.queue_lag_ms, updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, h.WorkerID, h.Host, h.PID, h.Version, h.ActiveTasks, h.QueueLagMs)
	return err
}

func (s *PostgresStore) ListHeartbeats(ctx context.Context) ([]*Heartbeat, error) {
	query := `SELECT worker_id, host, pid, version, active_tasks, queue_lag_ms, updated_at FROM agent_worker_heartbeats`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Heartbeat
	for rows.Next() {
		var h Heartbeat
		if err := rows.Scan(&h.WorkerID, &h.Host, &h.PID, &h.Version, &h.ActiveTasks, &h.QueueLagMs, &h.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, nil
}

func (s *PostgresStore) InsertTraceEvents(ctx context.Context, events []*TraceEvent) error {
	if !s.caps.HasTraceEvents || len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO agent_trace_events (event_id, task_id, trace_id, request_id, intent_id, source, event_type, status, provider, model, provider_source, provider_path, provider_request_id, input_payload, output_payload, metadata, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW(),$17)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, e.TaskID, e.TraceID, e.RequestID, e.IntentID, e.Source, e.EventType, e.Status,
			e.Provider, e.Model, e.ProviderSource, e.ProviderPath, e.ProviderRequestID,
			[]byte(e.InputPayload), []byte(e.OutputPayload), []byte(e.Metadata), e.ExpiresAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) InsertTraceBlobs(ctx context.Context, blobs []*TraceBlob) error {
	if len(blobs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range blobs {
		batch.Queue(`
			INSERT INTO agent_io_blobs (blob_id, event_id, kind, payload, sha256, size_bytes, truncated, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),$8)
			ON CONFLICT (blob_id) DO NOTHING
		`, b.BlobID, b.EventID, b.Kind, b.Payload, b.SHA256, b.SizeBytes, b.Truncated, b.ExpiresAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range blobs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ProviderMixSince(ctx context.Context, since time.Time) (map[string]int, map[string]int, error) {
	mix := make(map[string]int)
	failures := make(map[string]int)
	if !s.caps.HasTraceEvents || !s.caps.HasProviderColumn {
		return mix, failures, nil
	}
	query := `SELECT COALESCE(provider,'unknown'), status, COUNT(*) FROM agent_trace_events WHERE created_at >= $1 GROUP BY provider, status`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return mix, failures, err
	}
	defer rows.Close()
	for rows.Next() {
		var provider, status string
		var n int
		if err := rows.Scan(&provider, &status, &n); err != nil {
			return nil, nil, err
		}
		mix[provider] += n
		if status == "error" {
			failures[provider] += n
		}
	}
	return mix, failures, nil
}

func (s *PostgresStore) ListTraceEventsByTask(ctx context.Context, taskID string) ([]*TraceEvent, error) {
	if !s.caps.HasTraceEvents {
		return nil, nil
	}
	query := `
		SELECT event_id, task_id, trace_id, request_id, intent_id, source, event_type, status, provider, model, provider_source, provider_path, provider_request_id, input_payload, output_payload, metadata, created_at, expires_at
		FROM agent_trace_events WHERE task_id = $1 ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TraceEvent
	for rows.Next() {
		var e TraceEvent
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.TraceID, &e.RequestID, &e.IntentID, &e.Source, &e.EventType, &e.Status,
			&e.Provider, &e.Model, &e.ProviderSource, &e.ProviderPath, &e.ProviderRequestID,
			&e.InputPayload, &e.OutputPayload, &e.Metadata, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	if e.EntryID == "" {
		e.EntryID = envelope.NewID()
	}
	query := `
		INSERT INTO agent_ops_audit_log (entry_id, actor, action, task_id, resource_keys, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
	`
	_, err := s.pool.Exec(ctx, query, e.EntryID, e.Actor, e.Action, e.TaskID, e.ResourceKeys, []byte(e.Detail))
	return err
}

func (s *PostgresStore) ListAuditEntriesByTask(ctx context.Context, taskID string) ([]*AuditEntry, error) {
	query := `SELECT entry_id, actor, action, task_id, resource_keys, detail, created_at FROM agent_ops_audit_log WHERE task_id = $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.EntryID, &e.Actor, &e.Action, &e.TaskID, &e.ResourceKeys, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *PostgresStore) IncrementEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) scanOneRow(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Room, &t.Task, &t.Params, &t.Status, &t.Priority, &t.RunAt, &t.Attempt,
		&t.Error, &t.RequestID, &t.TraceID, &t.DedupeKey, &t.ResourceKeys, &t.LeaseToken, &t.LeaseExpiresAt,
		&t.Result, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) scanRows(rows pgx.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Room, &t.Task, &t.Params, &t.Status, &t.Priority, &t.RunAt, &t.Attempt,
			&t.Error, &t.RequestID, &t.TraceID, &t.DedupeKey, &t.ResourceKeys, &t.LeaseToken, &t.LeaseExpiresAt,
			&t.Result, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
