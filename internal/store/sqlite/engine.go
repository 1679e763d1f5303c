package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/chronicleworks/chronicle/internal/domain"
	"github.com/chronicleworks/chronicle/internal/store"
)

// timeFormat keeps a fixed-width fraction so lexicographic TEXT ordering
// matches chronological ordering. RFC3339Nano would strip trailing zeros.
const (
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
	dateFormat = "2006-01-02"
)

// Engine is a store.Engine backed by an embedded SQLite database. The
// schema is created on first connection; there is no separate migration
// step.
type Engine struct {
	pool *pool
}

var _ store.Engine = (*Engine)(nil)

// New opens (and creates if absent) the database at path.
func New(path string, poolSize int) (*Engine, error) {
	p, err := openPool(path, poolSize)
	if err != nil {
		return nil, fmt.Errorf("sqlite.New: %w", err)
	}
	return &Engine{pool: p}, nil
}

// WithTx runs fn inside an immediate transaction, which takes the write
// lock up front so concurrent writers queue instead of failing mid-way.
func (e *Engine) WithTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: %w: %w", domain.ErrBackendUnavailable, err)
	}
	defer e.pool.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer end(&err)

	return fn(&tx{conn: conn})
}

// View runs fn inside a deferred read transaction so every statement in
// fn sees the same snapshot, without taking the write lock.
func (e *Engine) View(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	conn, err := e.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: %w: %w", domain.ErrBackendUnavailable, err)
	}
	defer e.pool.Put(conn)

	end := sqlitex.Transaction(conn)
	defer end(&err)

	return fn(&tx{conn: conn})
}

func (e *Engine) Close(ctx context.Context) error {
	return e.pool.Close()
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
		return fmt.Errorf("%w: %w", domain.ErrConstraint, err)
	}
	return err
}

type tx struct {
	conn *sqlite.Conn
}

var _ store.Tx = (*tx)(nil)

func (t *tx) InsertTenantIfAbsent(ctx context.Context, row store.TenantRow) error {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO tenants (id, name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{
			row.ID.String(), row.Name, row.Status,
			row.CreatedAt.Format(timeFormat), row.UpdatedAt.Format(timeFormat),
		}},
	)
	if err != nil {
		return fmt.Errorf("sqlite.InsertTenantIfAbsent: %w", mapError(err))
	}
	return nil
}

func (t *tx) InsertSession(ctx context.Context, row store.SessionRow) error {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO sessions (app_name, user_id, session_id, tenant_id, agent_name, model_used, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			row.Key.AppName, row.Key.UserID, row.Key.SessionID,
			row.TenantID.String(), row.AgentName, row.ModelUsed,
			row.CreatedAt.Format(timeFormat), row.UpdatedAt.Format(timeFormat),
		}},
	)
	if err != nil {
		if sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
			return fmt.Errorf("sqlite.InsertSession: %w", domain.ErrDuplicateSession)
		}
		return fmt.Errorf("sqlite.InsertSession: %w", err)
	}
	return nil
}

func (t *tx) GetSession(ctx context.Context, tenantID uuid.UUID, key store.SessionKey) (store.SessionRow, error) {
	row := store.SessionRow{Key: key}
	found := false

	err := sqlitex.Execute(t.conn,
		`SELECT tenant_id, agent_name, model_used, created_at, updated_at
		 FROM sessions
		 WHERE app_name = ? AND user_id = ? AND session_id = ? AND tenant_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.AppName, key.UserID, key.SessionID, tenantID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var err error
				if row.TenantID, err = uuid.Parse(stmt.ColumnText(0)); err != nil {
					return err
				}
				row.AgentName = stmt.ColumnText(1)
				row.ModelUsed = stmt.ColumnText(2)
				if row.CreatedAt, err = time.Parse(timeFormat, stmt.ColumnText(3)); err != nil {
					return err
				}
				row.UpdatedAt, err = time.Parse(timeFormat, stmt.ColumnText(4))
				return err
			},
		},
	)
	if err != nil {
		return store.SessionRow{}, fmt.Errorf("sqlite.GetSession: %w", mapError(err))
	}
	if !found {
		return store.SessionRow{}, fmt.Errorf("sqlite.GetSession: %w", domain.ErrNotFound)
	}
	return row, nil
}

func (t *tx) ListSessions(ctx context.Context, tenantID uuid.UUID, appName, userID string) ([]store.SessionRow, error) {
	var out []store.SessionRow

	err := sqlitex.Execute(t.conn,
		`SELECT session_id, agent_name, model_used, created_at, updated_at
		 FROM sessions
		 WHERE tenant_id = ? AND app_name = ? AND user_id = ?
		 ORDER BY updated_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{tenantID.String(), appName, userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := store.SessionRow{
					Key:       store.SessionKey{AppName: appName, UserID: userID, SessionID: stmt.ColumnText(0)},
					TenantID:  tenantID,
					AgentName: stmt.ColumnText(1),
					ModelUsed: stmt.ColumnText(2),
				}
				var err error
				if r.CreatedAt, err = time.Parse(timeFormat, stmt.ColumnText(3)); err != nil {
					return err
				}
				if r.UpdatedAt, err = time.Parse(timeFormat, stmt.ColumnText(4)); err != nil {
					return err
				}
				out = append(out, r)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListSessions: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) DeleteSession(ctx context.Context, tenantID uuid.UUID, key store.SessionKey) (bool, error) {
	err := sqlitex.Execute(t.conn,
		`DELETE FROM sessions
		 WHERE app_name = ? AND user_id = ? AND session_id = ? AND tenant_id = ?`,
		&sqlitex.ExecOptions{Args: []any{key.AppName, key.UserID, key.SessionID, tenantID.String()}},
	)
	if err != nil {
		return false, fmt.Errorf("sqlite.DeleteSession: %w", mapError(err))
	}
	return t.conn.Changes() > 0, nil
}

func (t *tx) TouchSession(ctx context.Context, tenantID uuid.UUID, key store.SessionKey, at time.Time) error {
	err := sqlitex.Execute(t.conn,
		`UPDATE sessions SET updated_at = ?
		 WHERE app_name = ? AND user_id = ? AND session_id = ? AND tenant_id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			at.Format(timeFormat),
			key.AppName, key.UserID, key.SessionID, tenantID.String(),
		}},
	)
	if err != nil {
		return fmt.Errorf("sqlite.TouchSession: %w", mapError(err))
	}
	return nil
}

func (t *tx) InsertEventIfAbsent(ctx context.Context, row store.EventRow) (int64, bool, error) {
	err := sqlitex.Execute(t.conn,
		`INSERT OR IGNORE INTO session_events (app_name, user_id, session_id, event_id, invocation_id, author, event_type, event_data, model_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			row.Key.AppName, row.Key.UserID, row.Key.SessionID, row.EventID,
			row.InvocationID, row.Author, row.EventType, string(row.Data),
			row.ModelUsed, row.CreatedAt.Format(timeFormat),
		}},
	)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite.InsertEventIfAbsent: %w", mapError(err))
	}
	if t.conn.Changes() == 0 {
		return 0, false, nil
	}
	return t.conn.LastInsertRowID(), true, nil
}

func (t *tx) ListEvents(ctx context.Context, key store.SessionKey, recentLimit int) ([]store.EventRow, error) {
	query := `SELECT event_id, invocation_id, author, event_type, event_data, model_used, sequence_num, created_at
		 FROM session_events
		 WHERE app_name = ? AND user_id = ? AND session_id = ?
		 ORDER BY sequence_num ASC`
	args := []any{key.AppName, key.UserID, key.SessionID}

	if recentLimit > 0 {
		query = `SELECT event_id, invocation_id, author, event_type, event_data, model_used, sequence_num, created_at
		 FROM (
			SELECT event_id, invocation_id, author, event_type, event_data, model_used, sequence_num, created_at
			FROM session_events
			WHERE app_name = ? AND user_id = ? AND session_id = ?
			ORDER BY sequence_num DESC
			LIMIT ?
		 )
		 ORDER BY sequence_num ASC`
		args = append(args, recentLimit)
	}

	var out []store.EventRow
	err := sqlitex.Execute(t.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			r := store.EventRow{
				Key:          key,
				EventID:      stmt.ColumnText(0),
				InvocationID: stmt.ColumnText(1),
				Author:       stmt.ColumnText(2),
				EventType:    stmt.ColumnText(3),
				Data:         []byte(stmt.ColumnText(4)),
				ModelUsed:    stmt.ColumnText(5),
				SequenceNum:  stmt.ColumnInt64(6),
			}
			var err error
			if r.CreatedAt, err = time.Parse(timeFormat, stmt.ColumnText(7)); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListEvents: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) UpsertState(ctx context.Context, row store.StateRow) error {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO session_state (app_name, user_id, session_id, state_key, state_value, updated_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (app_name, user_id, session_id, state_key)
		 DO UPDATE SET state_value = excluded.state_value,
		               updated_by  = excluded.updated_by,
		               updated_at  = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{
			row.Key.AppName, row.Key.UserID, row.Key.SessionID,
			row.StateKey, string(row.Value), row.UpdatedBy,
			row.UpdatedAt.Format(timeFormat),
		}},
	)
	if err != nil {
		return fmt.Errorf("sqlite.UpsertState: %w", mapError(err))
	}
	return nil
}

func (t *tx) ListState(ctx context.Context, key store.SessionKey) ([]store.StateRow, error) {
	var out []store.StateRow

	err := sqlitex.Execute(t.conn,
		`SELECT state_key, state_value, updated_by, updated_at
		 FROM session_state
		 WHERE app_name = ? AND user_id = ? AND session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.AppName, key.UserID, key.SessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := store.StateRow{
					Key:       key,
					StateKey:  stmt.ColumnText(0),
					Value:     []byte(stmt.ColumnText(1)),
					UpdatedBy: stmt.ColumnText(2),
				}
				var err error
				if r.UpdatedAt, err = time.Parse(timeFormat, stmt.ColumnText(3)); err != nil {
					return err
				}
				out = append(out, r)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListState: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) InsertUsage(ctx context.Context, row store.UsageRow) error {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO usage_tracking (id, tenant_id, user_id, session_id, event_id, app_name, model_used, latency_ms, usage_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			row.ID.String(), row.TenantID.String(), row.UserID, row.SessionID,
			row.EventID, row.AppName, row.ModelUsed, row.LatencyMS,
			row.UsageDate.Format(dateFormat), row.CreatedAt.Format(timeFormat),
		}},
	)
	if err != nil {
		return fmt.Errorf("sqlite.InsertUsage: %w", mapError(err))
	}
	return nil
}

func (t *tx) InsertAudit(ctx context.Context, row store.AuditRow) error {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO audit_log (id, tenant_id, user_id, action, resource_type, resource_id, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			row.ID.String(), row.TenantID.String(), row.UserID, row.Action,
			row.ResourceType, row.ResourceID, string(row.Details),
			row.CreatedAt.Format(timeFormat),
		}},
	)
	if err != nil {
		return fmt.Errorf("sqlite.InsertAudit: %w", mapError(err))
	}
	return nil
}

func (t *tx) ListAudit(ctx context.Context, tenantID uuid.UUID, limit int) ([]store.AuditRow, error) {
	var out []store.AuditRow

	err := sqlitex.Execute(t.conn,
		`SELECT id, user_id, action, resource_type, resource_id, details, created_at
		 FROM audit_log
		 WHERE tenant_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{tenantID.String(), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r := store.AuditRow{
					TenantID:     tenantID,
					UserID:       stmt.ColumnText(1),
					Action:       stmt.ColumnText(2),
					ResourceType: stmt.ColumnText(3),
					ResourceID:   stmt.ColumnText(4),
					Details:      []byte(stmt.ColumnText(5)),
				}
				var err error
				if r.ID, err = uuid.Parse(stmt.ColumnText(0)); err != nil {
					return err
				}
				if r.CreatedAt, err = time.Parse(timeFormat, stmt.ColumnText(6)); err != nil {
					return err
				}
				out = append(out, r)
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ListAudit: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) UpsertFeedback(ctx context.Context, row store.FeedbackRow) error {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO event_feedback (id, app_name, user_id, session_id, event_id, tenant_id, rating, feedback_type, comment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, event_id)
		 DO UPDATE SET rating        = excluded.rating,
		               feedback_type = excluded.feedback_type,
		               comment       = excluded.comment`,
		&sqlitex.ExecOptions{Args: []any{
			row.ID.String(), row.Key.AppName, row.Key.UserID, row.Key.SessionID,
			row.EventID, row.TenantID.String(), row.Rating, row.Type, row.Comment,
			row.CreatedAt.Format(timeFormat),
		}},
	)
	if err != nil {
		return fmt.Errorf("sqlite.UpsertFeedback: %w", mapError(err))
	}
	return nil
}

func (t *tx) UpsertScore(ctx context.Context, row store.ScoreRow) error {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO evaluation_scores (id, app_name, session_id, event_id, tenant_id, metric_name, score, label, reasoning, evaluator, eval_model, eval_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id, metric_name, evaluator)
		 DO UPDATE SET score      = excluded.score,
		               label      = excluded.label,
		               reasoning  = excluded.reasoning,
		               eval_model = excluded.eval_model,
		               eval_type  = excluded.eval_type`,
		&sqlitex.ExecOptions{Args: []any{
			row.ID.String(), row.AppName, row.SessionID, row.EventID,
			row.TenantID.String(), row.MetricName, row.Score, row.Label,
			row.Reasoning, row.Evaluator, row.EvalModel, row.EvalType,
			row.CreatedAt.Format(timeFormat),
		}},
	)
	if err != nil {
		return fmt.Errorf("sqlite.UpsertScore: %w", mapError(err))
	}
	return nil
}

func (t *tx) ModelUsage(ctx context.Context, tenantID uuid.UUID) ([]domain.ModelUsage, error) {
	var out []domain.ModelUsage

	err := sqlitex.Execute(t.conn,
		`SELECT model_used, COUNT(*), COALESCE(AVG(latency_ms), 0)
		 FROM usage_tracking
		 WHERE tenant_id = ?
		 GROUP BY model_used
		 ORDER BY COUNT(*) DESC`,
		&sqlitex.ExecOptions{
			Args: []any{tenantID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, domain.ModelUsage{
					ModelUsed:    stmt.ColumnText(0),
					Calls:        stmt.ColumnInt64(1),
					AvgLatencyMS: stmt.ColumnFloat(2),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.ModelUsage: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) MetricSummaries(ctx context.Context, tenantID uuid.UUID) ([]domain.MetricSummary, error) {
	var out []domain.MetricSummary

	err := sqlitex.Execute(t.conn,
		`SELECT metric_name,
		        COALESCE(AVG(score), 0),
		        COUNT(*),
		        SUM(CASE WHEN score >= 0.7 THEN 1 ELSE 0 END),
		        SUM(CASE WHEN score < 0.7 THEN 1 ELSE 0 END)
		 FROM evaluation_scores
		 WHERE tenant_id = ?
		 GROUP BY metric_name
		 ORDER BY metric_name ASC`,
		&sqlitex.ExecOptions{
			Args: []any{tenantID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, domain.MetricSummary{
					MetricName: stmt.ColumnText(0),
					AvgScore:   stmt.ColumnFloat(1),
					TotalEvals: stmt.ColumnInt64(2),
					PassCount:  stmt.ColumnInt64(3),
					FailCount:  stmt.ColumnInt64(4),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite.MetricSummaries: %w", mapError(err))
	}
	return out, nil
}
