// Package postgres implements the pooled PostgreSQL storage engine.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/store"
)

// Engine is a store.Engine backed by a pgx connection pool. Schema
// migrations run once at construction.
type Engine struct {
	pool *pgxpool.Pool
}

var _ store.Engine = (*Engine)(nil)

// New connects, pings, and migrates. An unreachable server reports
// ErrBackendUnavailable.
func New(ctx context.Context, dsn string, maxConns int32) (*Engine, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w: %w", domain.ErrBackendUnavailable, err)
	}

	err = Migrate(dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: %w", err)
	}

	return &Engine{pool: pool}, nil
}

func (e *Engine) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return e.run(ctx, pgx.TxOptions{}, fn)
}

func (e *Engine) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return e.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (e *Engine) run(ctx context.Context, opts pgx.TxOptions, fn func(tx store.Tx) error) error {
	pgtx, err := e.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", mapError(err))
	}
	defer pgtx.Rollback(ctx)

	if err = fn(&tx{pgtx}); err != nil {
		return err
	}

	if err = pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapError(err))
	}
	return nil
}

func (e *Engine) Close(ctx context.Context) error {
	e.pool.Close()
	return nil
}

// mapError folds driver failures onto the domain sentinels. Unique and
// other integrity violations keep their specific sentinel; connection
// failures become ErrBackendUnavailable.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %w", domain.ErrConstraint, err)
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			return fmt.Errorf("%w: %w", domain.ErrConstraint, err)
		case pgerrcode.IsConnectionException(pgErr.Code):
			return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
		}
	}
	return err
}

type tx struct {
	pgx.Tx
}

var _ store.Tx = (*tx)(nil)

func (t *tx) InsertTenantIfAbsent(ctx context.Context, row store.TenantRow) error {
	_, err := t.Exec(ctx,
		`INSERT INTO tenants (id, name, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		row.ID, row.Name, row.Status, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres.InsertTenantIfAbsent: %w", mapError(err))
	}
	return nil
}

func (t *tx) InsertSession(ctx context.Context, row store.SessionRow) error {
	_, err := t.Exec(ctx,
		`INSERT INTO sessions (app_name, user_id, session_id, tenant_id, agent_name, model_used, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.Key.AppName, row.Key.UserID, row.Key.SessionID,
		row.TenantID, row.AgentName, row.ModelUsed,
		row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("postgres.InsertSession: %w", domain.ErrDuplicateSession)
		}
		return fmt.Errorf("postgres.InsertSession: %w", mapError(err))
	}
	return nil
}

func (t *tx) GetSession(ctx context.Context, tenantID uuid.UUID, key store.SessionKey) (store.SessionRow, error) {
	row := store.SessionRow{Key: key}
	err := t.QueryRow(ctx,
		`SELECT tenant_id, agent_name, model_used, created_at, updated_at
		 FROM sessions
		 WHERE app_name = $1 AND user_id = $2 AND session_id = $3 AND tenant_id = $4`,
		key.AppName, key.UserID, key.SessionID, tenantID,
	).Scan(&row.TenantID, &row.AgentName, &row.ModelUsed, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRow{}, fmt.Errorf("postgres.GetSession: %w", domain.ErrNotFound)
		}
		return store.SessionRow{}, fmt.Errorf("postgres.GetSession: %w", mapError(err))
	}
	return row, nil
}

func (t *tx) ListSessions(ctx context.Context, tenantID uuid.UUID, appName, userID string) ([]store.SessionRow, error) {
	rows, err := t.Query(ctx,
		`SELECT app_name, user_id, session_id, tenant_id, agent_name, model_used, created_at, updated_at
		 FROM sessions
		 WHERE tenant_id = $1 AND app_name = $2 AND user_id = $3
		 ORDER BY updated_at DESC`,
		tenantID, appName, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.ListSessions: %w", mapError(err))
	}
	defer rows.Close()

	var out []store.SessionRow
	for rows.Next() {
		var r store.SessionRow
		if err := rows.Scan(
			&r.Key.AppName, &r.Key.UserID, &r.Key.SessionID,
			&r.TenantID, &r.AgentName, &r.ModelUsed,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres.ListSessions: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.ListSessions: rows: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) DeleteSession(ctx context.Context, tenantID uuid.UUID, key store.SessionKey) (bool, error) {
	tag, err := t.Exec(ctx,
		`DELETE FROM sessions
		 WHERE app_name = $1 AND user_id = $2 AND session_id = $3 AND tenant_id = $4`,
		key.AppName, key.UserID, key.SessionID, tenantID,
	)
	if err != nil {
		return false, fmt.Errorf("postgres.DeleteSession: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) TouchSession(ctx context.Context, tenantID uuid.UUID, key store.SessionKey, at time.Time) error {
	_, err := t.Exec(ctx,
		`UPDATE sessions SET updated_at = $1
		 WHERE app_name = $2 AND user_id = $3 AND session_id = $4 AND tenant_id = $5`,
		at, key.AppName, key.UserID, key.SessionID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("postgres.TouchSession: %w", mapError(err))
	}
	return nil
}

func (t *tx) InsertEventIfAbsent(ctx context.Context, row store.EventRow) (int64, bool, error) {
	var seq int64
	err := t.QueryRow(ctx,
		`INSERT INTO session_events (app_name, user_id, session_id, event_id, invocation_id, author, event_type, event_data, model_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (app_name, user_id, session_id, event_id) DO NOTHING
		 RETURNING sequence_num`,
		row.Key.AppName, row.Key.UserID, row.Key.SessionID, row.EventID,
		row.InvocationID, row.Author, row.EventType, row.Data,
		row.ModelUsed, row.CreatedAt,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("postgres.InsertEventIfAbsent: %w", mapError(err))
	}
	return seq, true, nil
}

func (t *tx) ListEvents(ctx context.Context, key store.SessionKey, recentLimit int) ([]store.EventRow, error) {
	query := `SELECT event_id, invocation_id, author, event_type, event_data, model_used, sequence_num, created_at
		 FROM session_events
		 WHERE app_name = $1 AND user_id = $2 AND session_id = $3
		 ORDER BY sequence_num ASC`
	args := []any{key.AppName, key.UserID, key.SessionID}

	if recentLimit > 0 {
		query = `SELECT event_id, invocation_id, author, event_type, event_data, model_used, sequence_num, created_at
		 FROM (
			SELECT event_id, invocation_id, author, event_type, event_data, model_used, sequence_num, created_at
			FROM session_events
			WHERE app_name = $1 AND user_id = $2 AND session_id = $3
			ORDER BY sequence_num DESC
			LIMIT $4
		 ) recent
		 ORDER BY sequence_num ASC`
		args = append(args, recentLimit)
	}

	rows, err := t.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres.ListEvents: %w", mapError(err))
	}
	defer rows.Close()

	var out []store.EventRow
	for rows.Next() {
		r := store.EventRow{Key: key}
		if err := rows.Scan(
			&r.EventID, &r.InvocationID, &r.Author, &r.EventType,
			&r.Data, &r.ModelUsed, &r.SequenceNum, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres.ListEvents: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.ListEvents: rows: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) UpsertState(ctx context.Context, row store.StateRow) error {
	_, err := t.Exec(ctx,
		`INSERT INTO session_state (app_name, user_id, session_id, state_key, state_value, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (app_name, user_id, session_id, state_key)
		 DO UPDATE SET state_value = EXCLUDED.state_value,
		               updated_by  = EXCLUDED.updated_by,
		               updated_at  = EXCLUDED.updated_at`,
		row.Key.AppName, row.Key.UserID, row.Key.SessionID,
		row.StateKey, row.Value, row.UpdatedBy, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres.UpsertState: %w", mapError(err))
	}
	return nil
}

func (t *tx) ListState(ctx context.Context, key store.SessionKey) ([]store.StateRow, error) {
	rows, err := t.Query(ctx,
		`SELECT state_key, state_value, updated_by, updated_at
		 FROM session_state
		 WHERE app_name = $1 AND user_id = $2 AND session_id = $3`,
		key.AppName, key.UserID, key.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.ListState: %w", mapError(err))
	}
	defer rows.Close()

	var out []store.StateRow
	for rows.Next() {
		r := store.StateRow{Key: key}
		if err := rows.Scan(&r.StateKey, &r.Value, &r.UpdatedBy, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres.ListState: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.ListState: rows: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) InsertUsage(ctx context.Context, row store.UsageRow) error {
	_, err := t.Exec(ctx,
		`INSERT INTO usage_tracking (id, tenant_id, user_id, session_id, event_id, app_name, model_used, latency_ms, usage_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		row.ID, row.TenantID, row.UserID, row.SessionID, row.EventID,
		row.AppName, row.ModelUsed, row.LatencyMS, row.UsageDate, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres.InsertUsage: %w", mapError(err))
	}
	return nil
}

func (t *tx) InsertAudit(ctx context.Context, row store.AuditRow) error {
	_, err := t.Exec(ctx,
		`INSERT INTO audit_log (id, tenant_id, user_id, action, resource_type, resource_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.TenantID, row.UserID, row.Action,
		row.ResourceType, row.ResourceID, row.Details, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres.InsertAudit: %w", mapError(err))
	}
	return nil
}

func (t *tx) ListAudit(ctx context.Context, tenantID uuid.UUID, limit int) ([]store.AuditRow, error) {
	rows, err := t.Query(ctx,
		`SELECT id, user_id, action, resource_type, resource_id, details, created_at
		 FROM audit_log
		 WHERE tenant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.ListAudit: %w", mapError(err))
	}
	defer rows.Close()

	var out []store.AuditRow
	for rows.Next() {
		r := store.AuditRow{TenantID: tenantID}
		if err := rows.Scan(
			&r.ID, &r.UserID, &r.Action, &r.ResourceType,
			&r.ResourceID, &r.Details, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres.ListAudit: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.ListAudit: rows: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) UpsertFeedback(ctx context.Context, row store.FeedbackRow) error {
	_, err := t.Exec(ctx,
		`INSERT INTO event_feedback (id, app_name, user_id, session_id, event_id, tenant_id, rating, feedback_type, comment, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id, event_id)
		 DO UPDATE SET rating        = EXCLUDED.rating,
		               feedback_type = EXCLUDED.feedback_type,
		               comment       = EXCLUDED.comment`,
		row.ID, row.Key.AppName, row.Key.UserID, row.Key.SessionID,
		row.EventID, row.TenantID, row.Rating, row.Type, row.Comment, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres.UpsertFeedback: %w", mapError(err))
	}
	return nil
}

func (t *tx) UpsertScore(ctx context.Context, row store.ScoreRow) error {
	_, err := t.Exec(ctx,
		`INSERT INTO evaluation_scores (id, app_name, session_id, event_id, tenant_id, metric_name, score, label, reasoning, evaluator, eval_model, eval_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (event_id, metric_name, evaluator)
		 DO UPDATE SET score     = EXCLUDED.score,
		               label     = EXCLUDED.label,
		               reasoning = EXCLUDED.reasoning,
		               eval_model = EXCLUDED.eval_model,
		               eval_type  = EXCLUDED.eval_type`,
		row.ID, row.AppName, row.SessionID, row.EventID, row.TenantID,
		row.MetricName, row.Score, row.Label, row.Reasoning,
		row.Evaluator, row.EvalModel, row.EvalType, row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres.UpsertScore: %w", mapError(err))
	}
	return nil
}

func (t *tx) ModelUsage(ctx context.Context, tenantID uuid.UUID) ([]domain.ModelUsage, error) {
	rows, err := t.Query(ctx,
		`SELECT model_used, COUNT(*), COALESCE(AVG(latency_ms), 0)
		 FROM usage_tracking
		 WHERE tenant_id = $1
		 GROUP BY model_used
		 ORDER BY COUNT(*) DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.ModelUsage: %w", mapError(err))
	}
	defer rows.Close()

	var out []domain.ModelUsage
	for rows.Next() {
		var m domain.ModelUsage
		if err := rows.Scan(&m.ModelUsed, &m.Calls, &m.AvgLatencyMS); err != nil {
			return nil, fmt.Errorf("postgres.ModelUsage: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.ModelUsage: rows: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) MetricSummaries(ctx context.Context, tenantID uuid.UUID) ([]domain.MetricSummary, error) {
	rows, err := t.Query(ctx,
		`SELECT metric_name,
		        COALESCE(AVG(score), 0),
		        COUNT(*),
		        COUNT(*) FILTER (WHERE score >= 0.7),
		        COUNT(*) FILTER (WHERE score < 0.7)
		 FROM evaluation_scores
		 WHERE tenant_id = $1
		 GROUP BY metric_name
		 ORDER BY metric_name ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres.MetricSummaries: %w", mapError(err))
	}
	defer rows.Close()

	var out []domain.MetricSummary
	for rows.Next() {
		var m domain.MetricSummary
		if err := rows.Scan(&m.MetricName, &m.AvgScore, &m.TotalEvals, &m.PassCount, &m.FailCount); err != nil {
			return nil, fmt.Errorf("postgres.MetricSummaries: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres.MetricSummaries: rows: %w", mapError(err))
	}
	return out, nil
}
