package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"callrelay-backend/internal/domain"
	"callrelay-backend/pkg/resilience"
)

// DBTX is the part of pgxpool.Pool the repository uses
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const callLogSchema = `
	CREATE TABLE IF NOT EXISTS call_logs (
		call_id     TEXT PRIMARY KEY,
		caller_id   TEXT NOT NULL,
		callee_id   TEXT NOT NULL,
		media_kind  TEXT NOT NULL,
		state       TEXT NOT NULL,
		end_reason  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		accepted_at TIMESTAMPTZ,
		ended_at    TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS call_logs_caller_idx ON call_logs (caller_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS call_logs_callee_idx ON call_logs (callee_id, created_at DESC);
`

// CallLogRepository appends terminal call sessions to call_logs
type CallLogRepository struct {
	db      DBTX
	breaker *resilience.Breaker
}

// NewCallLogRepository creates a new call log repository
func NewCallLogRepository(db DBTX) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// WithBreaker routes Record and ListForUser through b
func (r *CallLogRepository) WithBreaker(b *resilience.Breaker) *CallLogRepository {
	r.breaker = b
	return r
}

func (r *CallLogRepository) run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if r.breaker == nil {
		return fn(ctx)
	}
	return r.breaker.Execute(ctx, operation, fn)
}

// EnsureSchema creates the call_logs table if it does not exist
func (r *CallLogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, callLogSchema); err != nil {
		return fmt.Errorf("failed to create call_logs: %w", err)
	}
	return nil
}

// Record stores one terminal session. A session recorded twice keeps the
// first row.
func (r *CallLogRepository) Record(ctx context.Context, session *domain.CallSession) error {
	if !session.State.IsTerminal() {
		return fmt.Errorf("call %s is not terminal (%s)", session.ID, session.State)
	}

	query := `
		INSERT INTO call_logs (
			call_id, caller_id, callee_id, media_kind, state, end_reason,
			created_at, accepted_at, ended_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_id) DO NOTHING
	`

	err := r.run(ctx, "record", func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query,
			session.ID,
			session.CallerID,
			session.CalleeID,
			string(session.MediaKind),
			string(session.State),
			string(session.EndReason),
			session.CreatedAt,
			session.AcceptedAt,
			session.EndedAt,
			session.Duration().Milliseconds(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}

	return nil
}

// ListForUser returns the user's most recent calls, newest first
func (r *CallLogRepository) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	query := `
		SELECT call_id, caller_id, callee_id, media_kind, state, end_reason,
		       created_at, accepted_at, ended_at
		FROM call_logs
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var calls []*domain.CallSession
	err := r.run(ctx, "list", func(ctx context.Context) error {
		calls = calls[:0]
		rows, err := r.db.Query(ctx, query, userID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			s := &domain.CallSession{}
			err := rows.Scan(
				&s.ID,
				&s.CallerID,
				&s.CalleeID,
				&s.MediaKind,
				&s.State,
				&s.EndReason,
				&s.CreatedAt,
				&s.AcceptedAt,
				&s.EndedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to scan call: %w", err)
			}
			calls = append(calls, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}

	return calls, nil
}
