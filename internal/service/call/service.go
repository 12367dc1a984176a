// Package call implements the call lifecycle service: session creation,
// status transitions, signaling exchange, and history. It enforces the
// state machine up front against the last-known state; the store's
// compare-and-set catches races with the other peer underneath.
package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fitconnect-backend/internal/domain"
	"fitconnect-backend/internal/repository"
	"fitconnect-backend/pkg/constants"
	"fitconnect-backend/pkg/errors"
	"fitconnect-backend/pkg/logger"
	"fitconnect-backend/pkg/metrics"
	"fitconnect-backend/pkg/push"
	"fitconnect-backend/pkg/resilience"
)

// ActiveCallRegistry tracks which call each user is currently engaged
// in, for busy detection. Entries expire on their own if not refreshed.
type ActiveCallRegistry interface {
	SetActive(ctx context.Context, userID uuid.UUID, callID string) error
	ClearActive(ctx context.Context, userID uuid.UUID) error
	ActiveCall(ctx context.Context, userID uuid.UUID) (string, error)
	Refresh(ctx context.Context, userID uuid.UUID) error
}

// Archive is the durable store for finished calls
type Archive interface {
	Archive(ctx context.Context, call *domain.CallSession) error
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error)
}

// Notifier delivers incoming-call push notifications
type Notifier interface {
	SendToUser(ctx context.Context, userID uuid.UUID, notification *push.Notification) error
}

// Service orchestrates call sessions. The active registry, archive, and
// notifier are optional: a nil dependency disables that concern, the
// core lifecycle does not depend on any of them.
type Service struct {
	calls    repository.CallRepository
	active   ActiveCallRegistry
	archive  Archive
	notifier Notifier
	metrics  *metrics.Metrics

	retry resilience.RetryConfig
}

// NewService creates the call service
func NewService(calls repository.CallRepository, active ActiveCallRegistry, archive Archive, notifier Notifier, m *metrics.Metrics) *Service {
	s := &Service{
		calls:    calls,
		active:   active,
		archive:  archive,
		notifier: notifier,
		metrics:  m,
		retry: resilience.RetryConfig{
			MaxAttempts:    constants.SignalingWriteRetries,
			InitialBackoff: constants.SignalingRetryBackoff,
			MaxBackoff:     constants.SignalingRetryMaxBackoff,
		},
	}
	s.retry.OnRetry = func(operation string, attempt int) {
		s.metrics.RecordSignalingRetry(operation)
	}
	return s
}

// InitiateCall creates a new session in the initiating state and alerts
// the receiver. A receiver already engaged in a call is rejected with
// RECEIVER_BUSY before any session is created.
func (s *Service) InitiateCall(ctx context.Context, callerID uuid.UUID, callerName string, receiverID uuid.UUID, receiverName, chatRoomID string, callType domain.CallType) (*domain.CallSession, error) {
	if callType != domain.CallTypeAudio && callType != domain.CallTypeVideo {
		return nil, errors.InvalidInputError("call type must be audio or video")
	}
	if callerID == receiverID {
		return nil, errors.InvalidInputError("caller and receiver must differ")
	}

	if busy, _, err := s.IsUserBusy(ctx, receiverID); err == nil && busy {
		s.metrics.RecordBusyRejection()
		return nil, errors.ReceiverBusyError()
	}

	session := domain.NewCallSession(callerID, callerName, receiverID, receiverName, chatRoomID, callType, time.Now().UTC())

	created, err := s.calls.Create(ctx, session)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCallInitiated(string(callType))
	s.markActive(ctx, callerID, created.ID)

	logger.Info("call initiated",
		zap.String("call_id", created.ID),
		zap.String("caller_id", callerID.String()),
		zap.String("receiver_id", receiverID.String()),
		zap.String("call_type", string(callType)))

	s.notifyIncoming(created)
	return created, nil
}

// Ring moves the session to ringing: the caller does this right after
// publishing the offer, and the receiver's device acks delivery with
// the same call. An already-ringing session makes this an idempotent ack.
func (s *Service) Ring(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.authorize(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.Status == domain.CallStatusRinging {
		return call, nil
	}
	return s.transition(ctx, callID, userID, domain.CallStatusRinging)
}

// Answer accepts an incoming call; the session enters connecting while
// the peers finish media negotiation
func (s *Service) Answer(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.authorize(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.ReceiverID != userID {
		return nil, errors.InvalidInputError("only the receiver can answer a call")
	}
	updated, err := s.transition(ctx, callID, userID, domain.CallStatusConnecting)
	if err != nil {
		return nil, err
	}
	s.markActive(ctx, call.CallerID, callID)
	s.markActive(ctx, call.ReceiverID, callID)
	return updated, nil
}

// Decline rejects an incoming call
func (s *Service) Decline(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.authorize(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.ReceiverID != userID {
		return nil, errors.InvalidInputError("only the receiver can decline a call")
	}
	return s.transition(ctx, callID, userID, domain.CallStatusDeclined)
}

// End hangs up. Before the receiver has been alerted the attempt simply
// ends; once ringing, a caller hang-up counts as missed for history.
func (s *Service) End(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.authorize(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	target := domain.CallStatusEnded
	if call.Status == domain.CallStatusRinging && call.CallerID == userID {
		target = domain.CallStatusMissed
	}
	return s.transition(ctx, callID, userID, target)
}

// Cancel withdraws an outgoing call before it is answered. Same
// semantics as End; kept as a distinct operation for the call screen.
func (s *Service) Cancel(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	return s.End(ctx, callID, userID)
}

// MarkConnected records that media is flowing. The first connected
// transition stamps the session start time.
func (s *Service) MarkConnected(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.authorize(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	// The other peer may have won the race to mark connected already
	if call.Status == domain.CallStatusConnected {
		return call, nil
	}
	updated, err := s.transition(ctx, callID, userID, domain.CallStatusConnected)
	if err != nil {
		return nil, err
	}
	s.refreshActive(ctx, updated)
	return updated, nil
}

// MarkMissed records that the ring window elapsed without an answer
func (s *Service) MarkMissed(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	updated, err := s.transition(ctx, callID, userID, domain.CallStatusMissed)
	if err != nil {
		return nil, err
	}
	if updated.Status == domain.CallStatusMissed {
		s.metrics.RecordRingTimeout()
	}
	return updated, nil
}

// Fail records an unrecoverable signaling or media failure
func (s *Service) Fail(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	return s.transition(ctx, callID, userID, domain.CallStatusFailed)
}

// MarkBusy records that the receiver was engaged in another call
func (s *Service) MarkBusy(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	updated, err := s.transition(ctx, callID, userID, domain.CallStatusBusy)
	if err != nil {
		return nil, err
	}
	if updated.Status == domain.CallStatusBusy {
		s.metrics.RecordBusyRejection()
	}
	return updated, nil
}

// IsUserBusy reports whether the user is engaged in a call, and which
func (s *Service) IsUserBusy(ctx context.Context, userID uuid.UUID) (bool, string, error) {
	if s.active == nil {
		return false, "", nil
	}
	callID, err := s.active.ActiveCall(ctx, userID)
	if err != nil {
		// Busy detection degrades open: an unreachable registry must not
		// block calls.
		logger.Warn("active call lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return false, "", nil
	}
	return callID != "", callID, nil
}

// SubmitSignaling writes the user's SDP and accumulated candidate list
// into the session. Each peer may only publish its own description:
// the caller owns the offer field, the receiver the answer field.
func (s *Service) SubmitSignaling(ctx context.Context, callID string, userID uuid.UUID, update domain.SignalingUpdate) error {
	call, err := s.authorize(ctx, callID, userID)
	if err != nil {
		return err
	}

	if update.CallerSDP != nil && call.CallerID != userID {
		return errors.InvalidInputError("only the caller may publish the offer")
	}
	if update.ReceiverSDP != nil && call.ReceiverID != userID {
		return errors.InvalidInputError("only the receiver may publish the answer")
	}

	err = resilience.Retry(ctx, s.retry, "update_signaling", func() error {
		return s.calls.UpdateSignaling(ctx, callID, update)
	})
	if err != nil {
		s.metrics.RecordSignalingWrite("update_signaling", "failure")
		return err
	}

	s.metrics.RecordSignalingWrite("update_signaling", "success")
	if len(update.ICECandidates) > 0 {
		s.metrics.RecordCandidatesMerged(len(update.ICECandidates))
	}
	return nil
}

// Get returns the session, restricted to its participants
func (s *Service) Get(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	return s.authorize(ctx, callID, userID)
}

// Observe streams session snapshots to a participant
func (s *Service) Observe(ctx context.Context, callID string, userID uuid.UUID) (<-chan *domain.CallSession, error) {
	if _, err := s.authorize(ctx, callID, userID); err != nil {
		return nil, err
	}

	ch, err := s.calls.Subscribe(ctx, callID)
	if err != nil {
		return nil, err
	}
	return meter(s, ch), nil
}

// ObserveIncoming streams the user's ringing calls
func (s *Service) ObserveIncoming(ctx context.Context, userID uuid.UUID) (<-chan []*domain.CallSession, error) {
	ch, err := s.calls.SubscribeIncoming(ctx, userID)
	if err != nil {
		return nil, err
	}
	return meter(s, ch), nil
}

// History returns the user's finished calls, newest first. Served from
// the archive when one is wired, otherwise from the live store.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}

	if s.archive != nil {
		calls, err := s.archive.History(ctx, userID, limit)
		if err == nil {
			return calls, nil
		}
		logger.Warn("archive history query failed, falling back to live store",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
	return s.calls.History(ctx, userID, limit)
}

// transition applies one status change. The pre-check against the
// fetched state rejects plainly invalid requests as INVALID_TRANSITION
// without touching the store; terminal sessions absorb the request as a
// no-op; anything that slips between the check and the write surfaces
// from the store as STALE_TRANSITION.
func (s *Service) transition(ctx context.Context, callID string, userID uuid.UUID, target domain.CallStatus) (*domain.CallSession, error) {
	call, err := s.authorize(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	if call.Status.IsTerminal() {
		// Duplicate or late end/decline events are absorbed; pulling a
		// finished call back to a live state is not
		if target.IsTerminal() {
			s.metrics.RecordTransition(string(target), "noop")
			logger.Info("transition requested after terminal state",
				zap.String("call_id", callID),
				zap.String("status", string(call.Status)),
				zap.String("requested", string(target)))
			return call, nil
		}
		s.metrics.RecordTransition(string(target), "invalid")
		return nil, errors.InvalidTransitionError(string(call.Status), string(target))
	}
	if !domain.CanTransition(call.Status, target) {
		s.metrics.RecordTransition(string(target), "invalid")
		return nil, errors.InvalidTransitionError(string(call.Status), string(target))
	}

	var updated *domain.CallSession
	err = resilience.Retry(ctx, s.retry, "update_status", func() error {
		var uerr error
		updated, uerr = s.calls.UpdateStatus(ctx, callID, target)
		return uerr
	})
	if err != nil {
		switch {
		case errors.IsCode(err, errors.ErrCodeStaleTransition):
			s.metrics.RecordTransition(string(target), "stale")
		default:
			s.metrics.RecordTransition(string(target), "failed")
		}
		return nil, err
	}

	if updated.Status != target {
		// The store absorbed the write against an already-terminal session
		s.metrics.RecordTransition(string(target), "noop")
		return updated, nil
	}

	s.metrics.RecordTransition(string(target), "applied")
	logger.Info("call status changed",
		zap.String("call_id", callID),
		zap.String("status", string(updated.Status)),
		zap.String("by", userID.String()))

	if updated.Status.IsTerminal() {
		s.finalize(ctx, updated)
	}
	return updated, nil
}

// authorize fetches the session and hides it from non-participants
func (s *Service) authorize(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.Involves(userID) {
		return nil, errors.CallNotFoundError()
	}
	return call, nil
}

// finalize runs the terminal-state side effects: archive the session,
// free both participants in the busy registry, record metrics. All are
// best effort; the transition itself has already committed.
func (s *Service) finalize(ctx context.Context, call *domain.CallSession) {
	s.metrics.RecordCallTerminal(string(call.CallType), call.Duration)

	if s.archive != nil {
		if err := s.archive.Archive(ctx, call); err != nil {
			logger.Warn("failed to archive finished call",
				zap.String("call_id", call.ID),
				zap.Error(err))
		}
	}

	if s.active != nil {
		for _, id := range []uuid.UUID{call.CallerID, call.ReceiverID} {
			if err := s.active.ClearActive(ctx, id); err != nil {
				logger.Warn("failed to clear active call entry",
					zap.String("user_id", id.String()),
					zap.Error(err))
			}
		}
	}
}

func (s *Service) markActive(ctx context.Context, userID uuid.UUID, callID string) {
	if s.active == nil {
		return
	}
	if err := s.active.SetActive(ctx, userID, callID); err != nil {
		logger.Warn("failed to mark user active",
			zap.String("user_id", userID.String()),
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

func (s *Service) refreshActive(ctx context.Context, call *domain.CallSession) {
	if s.active == nil {
		return
	}
	for _, id := range []uuid.UUID{call.CallerID, call.ReceiverID} {
		if err := s.active.Refresh(ctx, id); err != nil {
			logger.Warn("failed to refresh active call entry",
				zap.String("user_id", id.String()),
				zap.Error(err))
		}
	}
}

// notifyIncoming pushes a data-only incoming-call alert to the receiver.
// Delivery is fire-and-forget: the in-store ringing document is the
// source of truth, push is only a wake-up.
func (s *Service) notifyIncoming(call *domain.CallSession) {
	if s.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cancel()

		err := s.notifier.SendToUser(ctx, call.ReceiverID, &push.Notification{
			Title: "Incoming call",
			Body:  call.CallerName + " is calling",
			Data: map[string]string{
				"type":        "incoming_call",
				"call_id":     call.ID,
				"caller_id":   call.CallerID.String(),
				"caller_name": call.CallerName,
				"call_type":   string(call.CallType),
			},
		})
		if err != nil {
			s.metrics.RecordPushNotification("failure")
			logger.Warn("failed to push incoming call alert",
				zap.String("call_id", call.ID),
				zap.Error(err))
			return
		}
		s.metrics.RecordPushNotification("success")
	}()
}

// meter wraps a subscription channel so the live-subscription gauge
// tracks its lifetime. Forwarding never blocks: a lagging or abandoned
// consumer loses the oldest buffered snapshot, matching the store's
// newer-wins coalescing contract, and the goroutine always exits once
// the source closes.
func meter[T any](s *Service, in <-chan T) <-chan T {
	out := make(chan T, 16)
	s.metrics.IncrementSubscriptions()
	go func() {
		defer close(out)
		defer s.metrics.DecrementSubscriptions()
		for v := range in {
			select {
			case out <- v:
				continue
			default:
			}
			select {
			case <-out:
			default:
			}
			select {
			case out <- v:
			default:
			}
		}
	}()
	return out
}
