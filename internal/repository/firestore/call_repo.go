// Package firestore implements the call session store on Cloud
// Firestore. Firestore transactions give the re-read-before-write the
// state machine needs a real compare-and-set, so a stale transition is
// detected inside the transaction instead of in a read-then-write
// window.
package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fitconnect-backend/internal/domain"
	"fitconnect-backend/pkg/constants"
	"fitconnect-backend/pkg/errors"
	"fitconnect-backend/pkg/logger"
)

// subscriptionBuffer bounds pending snapshots per subscriber; rapid
// writes coalesce to the newest snapshot once the buffer is full
const subscriptionBuffer = 16

// CallRepository stores call sessions in a Firestore collection
type CallRepository struct {
	client *firestore.Client
}

// NewCallRepository creates a Firestore-backed call repository
func NewCallRepository(client *firestore.Client) *CallRepository {
	return &CallRepository{client: client}
}

func (r *CallRepository) calls() *firestore.CollectionRef {
	return r.client.Collection(constants.CallsCollection)
}

// Create persists a new session document and returns it with the
// store-assigned ID
func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) (*domain.CallSession, error) {
	ref := r.calls().NewDoc()

	created := call.Clone()
	created.ID = ref.ID

	if _, err := ref.Create(ctx, callToDoc(created)); err != nil {
		return nil, mapStoreError("create call", err)
	}

	return created, nil
}

// GetByID returns the current session snapshot
func (r *CallRepository) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	snap, err := r.calls().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.CallNotFoundError()
		}
		return nil, mapStoreError("get call", err)
	}
	return docToCall(snap.Ref.ID, snap.Data()), nil
}

// UpdateStatus transitions the session to target inside a transaction.
// The current status is re-read immediately before the write, so a
// concurrent transition by the other peer surfaces as STALE_TRANSITION
// instead of being silently overwritten. Requests against a terminal
// session are absorbed as no-ops.
func (r *CallRepository) UpdateStatus(ctx context.Context, id string, target domain.CallStatus) (*domain.CallSession, error) {
	ref := r.calls().Doc(id)
	var result *domain.CallSession

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return errors.CallNotFoundError()
			}
			return err
		}

		call := docToCall(snap.Ref.ID, snap.Data())
		changed, err := call.ApplyStatus(target, time.Now().UTC())
		if err != nil {
			// Legal when the caller last looked, illegal now: a
			// concurrent write won the race.
			return errors.StaleTransitionError(string(call.Status), string(target))
		}
		result = call
		if !changed {
			logger.Info("status update after terminal state ignored",
				zap.String("call_id", id),
				zap.String("status", string(call.Status)),
				zap.String("requested", string(target)))
			return nil
		}

		return tx.Set(ref, callToDoc(call))
	})
	if err != nil {
		if errors.IsAppError(err) {
			return nil, err
		}
		return nil, mapStoreError("update call status", err)
	}

	return result, nil
}

// UpdateSignaling applies a partial signaling write transactionally so
// write-once SDP fields and the terminal-state candidate cutoff hold
// under concurrent writers
func (r *CallRepository) UpdateSignaling(ctx context.Context, id string, update domain.SignalingUpdate) error {
	ref := r.calls().Doc(id)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return errors.CallNotFoundError()
			}
			return err
		}

		call := docToCall(snap.Ref.ID, snap.Data())
		if !call.ApplySignaling(update, time.Now().UTC()) {
			return nil
		}
		return tx.Set(ref, callToDoc(call))
	})
	if err != nil {
		if errors.IsAppError(err) {
			return err
		}
		return mapStoreError("update call signaling", err)
	}
	return nil
}

// Subscribe streams snapshots of one session. The current snapshot is
// delivered first; the channel closes when ctx is cancelled or the
// stream fails.
func (r *CallRepository) Subscribe(ctx context.Context, id string) (<-chan *domain.CallSession, error) {
	out := make(chan *domain.CallSession, subscriptionBuffer)
	iter := r.calls().Doc(id).Snapshots(ctx)

	go func() {
		defer close(out)
		defer iter.Stop()

		for {
			snap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					logger.Warn("call subscription stream failed",
						zap.String("call_id", id),
						zap.Error(err))
				}
				return
			}
			if !snap.Exists() {
				continue
			}
			deliver(ctx, out, docToCall(snap.Ref.ID, snap.Data()))
		}
	}()

	return out, nil
}

// SubscribeIncoming streams the sessions currently ringing for a user
func (r *CallRepository) SubscribeIncoming(ctx context.Context, userID uuid.UUID) (<-chan []*domain.CallSession, error) {
	out := make(chan []*domain.CallSession, subscriptionBuffer)

	query := r.calls().
		Where(fieldReceiverID, "==", userID.String()).
		Where(fieldStatus, "in", []string{
			string(domain.CallStatusInitiating),
			string(domain.CallStatusRinging),
		})
	iter := query.Snapshots(ctx)

	go func() {
		defer close(out)
		defer iter.Stop()

		for {
			qsnap, err := iter.Next()
			if err != nil {
				if ctx.Err() == nil && status.Code(err) != codes.Canceled {
					logger.Warn("incoming call subscription stream failed",
						zap.String("user_id", userID.String()),
						zap.Error(err))
				}
				return
			}

			docs, err := qsnap.Documents.GetAll()
			if err != nil {
				logger.Warn("failed to read incoming call snapshot",
					zap.String("user_id", userID.String()),
					zap.Error(err))
				continue
			}

			calls := make([]*domain.CallSession, 0, len(docs))
			for _, doc := range docs {
				calls = append(calls, docToCall(doc.Ref.ID, doc.Data()))
			}
			deliver(ctx, out, calls)
		}
	}()

	return out, nil
}

// History returns terminal sessions involving the user, newest first.
// Requires the composite index on participants/status/createdAt.
func (r *CallRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}

	docs, err := r.calls().
		Where(fieldParticipants, "array-contains", userID.String()).
		Where(fieldStatus, "in", []string{
			string(domain.CallStatusEnded),
			string(domain.CallStatusDeclined),
			string(domain.CallStatusMissed),
			string(domain.CallStatusFailed),
			string(domain.CallStatusBusy),
		}).
		OrderBy(fieldCreatedAt, firestore.Desc).
		Limit(limit).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, mapStoreError("query call history", err)
	}

	calls := make([]*domain.CallSession, 0, len(docs))
	for _, doc := range docs {
		calls = append(calls, docToCall(doc.Ref.ID, doc.Data()))
	}
	return calls, nil
}

// deliver pushes a snapshot without blocking; when the subscriber lags,
// the oldest buffered snapshot is dropped so newer state wins
func deliver[T any](ctx context.Context, out chan T, value T) {
	select {
	case out <- value:
		return
	case <-ctx.Done():
		return
	default:
	}

	select {
	case <-out:
	default:
	}
	select {
	case out <- value:
	case <-ctx.Done():
	}
}

// mapStoreError classifies store failures: transient unavailability is
// retryable WRITE_FAILED, anything else is surfaced as internal
func mapStoreError(operation string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return errors.WriteFailedError(err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return errors.NotAuthenticatedError()
	}
	return errors.Wrap(errors.ErrCodeInternal, operation+" failed", err)
}
