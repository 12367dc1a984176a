// Package cockroach archives finished call sessions to CockroachDB.
// The live document store only needs recent sessions; the archive is
// the durable system of record for history queries and analytics.
package cockroach

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fitconnect-backend/internal/domain"
	"fitconnect-backend/pkg/errors"
)

// CallLogRepository persists terminal call sessions
type CallLogRepository struct {
	pool *pgxpool.Pool
}

// NewCallLogRepository creates a CockroachDB-backed call archive
func NewCallLogRepository(pool *pgxpool.Pool) *CallLogRepository {
	return &CallLogRepository{pool: pool}
}

// EnsureSchema creates the call log table if it does not exist
func (r *CallLogRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS call_logs (
			call_id STRING PRIMARY KEY,
			caller_id UUID NOT NULL,
			caller_name STRING NOT NULL DEFAULT '',
			receiver_id UUID NOT NULL,
			receiver_name STRING NOT NULL DEFAULT '',
			call_type STRING NOT NULL,
			status STRING NOT NULL,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			duration_seconds INT8 NOT NULL DEFAULT 0,
			chat_room_id STRING NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			INDEX idx_call_logs_caller (caller_id, created_at DESC),
			INDEX idx_call_logs_receiver (receiver_id, created_at DESC)
		)`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to create call_logs table", err)
	}
	return nil
}

// Archive stores a terminal session. Upsert keyed on the call ID makes
// the write idempotent: a retried terminal transition archives once.
func (r *CallLogRepository) Archive(ctx context.Context, call *domain.CallSession) error {
	if !call.Status.IsTerminal() {
		return errors.InvalidInputError("only finished calls can be archived")
	}

	query := `
		UPSERT INTO call_logs (
			call_id, caller_id, caller_name, receiver_id, receiver_name,
			call_type, status, start_time, end_time, duration_seconds,
			chat_room_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.CallerID,
		call.CallerName,
		call.ReceiverID,
		call.ReceiverName,
		string(call.CallType),
		string(call.Status),
		call.StartTime,
		call.EndTime,
		call.Duration,
		call.ChatRoomID,
		call.CreatedAt,
	)
	if err != nil {
		return errors.WriteFailedError(err)
	}
	return nil
}

// History returns the user's archived calls, newest first
func (r *CallLogRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	query := `
		SELECT call_id, caller_id, caller_name, receiver_id, receiver_name,
		       call_type, status, start_time, end_time, duration_seconds,
		       chat_room_id, created_at
		FROM call_logs
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to query call history", err)
	}
	defer rows.Close()

	var calls []*domain.CallSession
	for rows.Next() {
		call, err := scanCallLog(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, "failed to scan call log row", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to read call history rows", err)
	}
	return calls, nil
}

func scanCallLog(row pgx.Row) (*domain.CallSession, error) {
	var (
		call      domain.CallSession
		callType  string
		status    string
		startTime *time.Time
		endTime   *time.Time
	)

	err := row.Scan(
		&call.ID,
		&call.CallerID,
		&call.CallerName,
		&call.ReceiverID,
		&call.ReceiverName,
		&callType,
		&status,
		&startTime,
		&endTime,
		&call.Duration,
		&call.ChatRoomID,
		&call.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	call.CallType = domain.CallType(callType)
	call.Status = domain.CallStatus(status)
	call.StartTime = startTime
	call.EndTime = endTime
	call.Participants = []string{call.CallerID.String(), call.ReceiverID.String()}
	call.UpdatedAt = call.CreatedAt
	if endTime != nil {
		call.UpdatedAt = *endTime
	}
	return &call, nil
}
