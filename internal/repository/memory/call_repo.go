// Package memory implements the call session store in process memory.
// It carries the same transition and signaling semantics as the
// Firestore store and backs development mode and tests, where a mutex
// plays the role of the store transaction.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fitconnect-backend/internal/domain"
	"fitconnect-backend/pkg/constants"
	"fitconnect-backend/pkg/errors"
	"fitconnect-backend/pkg/logger"
)

const subscriptionBuffer = 16

type callSubscriber struct {
	ctx context.Context
	ch  chan *domain.CallSession
}

type incomingSubscriber struct {
	ctx    context.Context
	userID uuid.UUID
	ch     chan []*domain.CallSession
}

// CallRepository is an in-memory CallRepository implementation
type CallRepository struct {
	mu        sync.RWMutex
	calls     map[string]*domain.CallSession
	watchers  map[string][]*callSubscriber
	incomings []*incomingSubscriber
}

// NewCallRepository creates an empty in-memory call repository
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls:    make(map[string]*domain.CallSession),
		watchers: make(map[string][]*callSubscriber),
	}
}

// Create persists a new session and returns it with an assigned ID
func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := call.Clone()
	created.ID = uuid.New().String()
	r.calls[created.ID] = created

	r.notifyLocked(created)
	return created.Clone(), nil
}

// GetByID returns the current session snapshot
func (r *CallRepository) GetByID(ctx context.Context, id string) (*domain.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, errors.CallNotFoundError()
	}
	return call.Clone(), nil
}

// UpdateStatus transitions the session to target under the repository
// lock, re-reading current status before the write
func (r *CallRepository) UpdateStatus(ctx context.Context, id string, target domain.CallStatus) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, errors.CallNotFoundError()
	}

	changed, err := call.ApplyStatus(target, time.Now().UTC())
	if err != nil {
		return nil, errors.StaleTransitionError(string(call.Status), string(target))
	}
	if !changed {
		logger.Info("status update after terminal state ignored",
			zap.String("call_id", id),
			zap.String("status", string(call.Status)),
			zap.String("requested", string(target)))
		return call.Clone(), nil
	}

	r.notifyLocked(call)
	return call.Clone(), nil
}

// UpdateSignaling applies a partial signaling write under the lock
func (r *CallRepository) UpdateSignaling(ctx context.Context, id string, update domain.SignalingUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[id]
	if !ok {
		return errors.CallNotFoundError()
	}

	if call.ApplySignaling(update, time.Now().UTC()) {
		r.notifyLocked(call)
	}
	return nil
}

// Subscribe streams snapshots of one session, current state first
func (r *CallRepository) Subscribe(ctx context.Context, id string) (<-chan *domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &callSubscriber{ctx: ctx, ch: make(chan *domain.CallSession, subscriptionBuffer)}
	r.watchers[id] = append(r.watchers[id], sub)

	if call, ok := r.calls[id]; ok {
		sub.ch <- call.Clone()
	}

	go func() {
		<-ctx.Done()
		r.dropCallSubscriber(id, sub)
	}()

	return sub.ch, nil
}

// SubscribeIncoming streams the sessions ringing for a user
func (r *CallRepository) SubscribeIncoming(ctx context.Context, userID uuid.UUID) (<-chan []*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := &incomingSubscriber{ctx: ctx, userID: userID, ch: make(chan []*domain.CallSession, subscriptionBuffer)}
	r.incomings = append(r.incomings, sub)

	sub.ch <- r.incomingForLocked(userID)

	go func() {
		<-ctx.Done()
		r.dropIncomingSubscriber(sub)
	}()

	return sub.ch, nil
}

// History returns terminal sessions involving the user, newest first
func (r *CallRepository) History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = constants.DefaultHistoryLimit
	}
	if limit > constants.MaxHistoryLimit {
		limit = constants.MaxHistoryLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.CallSession
	for _, call := range r.calls {
		if call.Status.IsTerminal() && call.Involves(userID) {
			result = append(result, call.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// notifyLocked fans the updated session out to its watchers and refreshes
// every incoming-call view it affects. Caller holds the write lock.
func (r *CallRepository) notifyLocked(call *domain.CallSession) {
	for _, sub := range r.watchers[call.ID] {
		deliver(sub.ctx, sub.ch, call.Clone())
	}
	for _, sub := range r.incomings {
		if call.ReceiverID == sub.userID {
			deliver(sub.ctx, sub.ch, r.incomingForLocked(sub.userID))
		}
	}
}

func (r *CallRepository) incomingForLocked(userID uuid.UUID) []*domain.CallSession {
	var result []*domain.CallSession
	for _, call := range r.calls {
		if call.ReceiverID != userID {
			continue
		}
		if call.Status == domain.CallStatusInitiating || call.Status == domain.CallStatusRinging {
			result = append(result, call.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (r *CallRepository) dropCallSubscriber(id string, sub *callSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.watchers[id]
	for i, s := range subs {
		if s == sub {
			r.watchers[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.watchers[id]) == 0 {
		delete(r.watchers, id)
	}
	close(sub.ch)
}

func (r *CallRepository) dropIncomingSubscriber(sub *incomingSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.incomings {
		if s == sub {
			r.incomings = append(r.incomings[:i], r.incomings[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

// deliver pushes a snapshot without blocking; a lagging subscriber loses
// the oldest buffered snapshot so newer state wins
func deliver[T any](ctx context.Context, out chan T, value T) {
	if ctx.Err() != nil {
		return
	}
	select {
	case out <- value:
		return
	default:
	}

	select {
	case <-out:
	default:
	}
	select {
	case out <- value:
	default:
	}
}
