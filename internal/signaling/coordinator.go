package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fitconnect-backend/internal/domain"
	"fitconnect-backend/internal/service/call"
	"fitconnect-backend/pkg/constants"
	"fitconnect-backend/pkg/errors"
	"fitconnect-backend/pkg/logger"
)

type role int

const (
	roleCaller role = iota
	roleReceiver
)

// Coordinator runs the per-call signaling loop for peers homed on this
// node. Each active call gets one goroutine that watches the shared
// session, applies the remote peer's descriptions and candidates to the
// media engine, and publishes local candidates back.
type Coordinator struct {
	service        *call.Service
	media          MediaFactory
	ringTimeout    time.Duration
	connectTimeout time.Duration

	mu    sync.Mutex
	calls map[string]*callState
}

// callState is the node-local view of one active call
type callState struct {
	callID string
	userID uuid.UUID
	role   role
	media  MediaSession
	cancel context.CancelFunc

	// fed tracks remote candidates already handed to the media engine;
	// local tracks candidates this peer gathered. Both dedupe by content.
	fed   map[string]struct{}
	local map[string]struct{}

	// merged is the ordered union of every candidate this peer has seen,
	// resubmitted wholesale because the store replaces the list on write
	merged []string

	answerApplied bool
}

// NewCoordinator creates the signaling coordinator. Zero timeouts fall
// back to the default ring and connect windows.
func NewCoordinator(service *call.Service, media MediaFactory, ringTimeout, connectTimeout time.Duration) *Coordinator {
	if ringTimeout <= 0 {
		ringTimeout = constants.DefaultRingTimeout
	}
	if connectTimeout <= 0 {
		connectTimeout = constants.DefaultConnectTimeout
	}
	return &Coordinator{
		service:        service,
		media:          media,
		ringTimeout:    ringTimeout,
		connectTimeout: connectTimeout,
		calls:          make(map[string]*callState),
	}
}

// PlaceCall starts an outgoing call: creates the session, publishes the
// offer, moves it to ringing, and begins watching for the receiver's
// response.
func (c *Coordinator) PlaceCall(ctx context.Context, callerID uuid.UUID, callerName string, receiverID uuid.UUID, receiverName, chatRoomID string, callType domain.CallType) (*domain.CallSession, error) {
	session, err := c.service.InitiateCall(ctx, callerID, callerName, receiverID, receiverName, chatRoomID, callType)
	if err != nil {
		return nil, err
	}

	media, err := c.media.NewSession(ctx, callType)
	if err != nil {
		c.failCall(ctx, session.ID, callerID)
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to open media session", err)
	}

	offer, err := media.CreateOffer(ctx)
	if err != nil {
		media.Close()
		c.failCall(ctx, session.ID, callerID)
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to create offer", err)
	}

	// Exhausting the offer write's retries is a signaling failure, not a
	// hang-up: the session must land on failed so both sides see it.
	if err := c.service.SubmitSignaling(ctx, session.ID, callerID, domain.SignalingUpdate{CallerSDP: &offer}); err != nil {
		media.Close()
		c.failCall(ctx, session.ID, callerID)
		return nil, err
	}

	// Offer is in place, start ringing. A failure here is tolerable: the
	// receiver's device acks ringing on delivery anyway.
	ringing, err := c.service.Ring(ctx, session.ID, callerID)
	if err != nil {
		logger.Warn("failed to mark call ringing",
			zap.String("call_id", session.ID),
			zap.Error(err))
	} else {
		session = ringing
	}

	c.startWatching(session.ID, callerID, roleCaller, media)
	return session, nil
}

// AcceptIncoming answers a ringing call: if this user is already on
// another call the session is marked busy instead. On accept, the
// answer is generated from the stored offer and published.
func (c *Coordinator) AcceptIncoming(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := c.service.Get(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	if busy, activeID, _ := c.service.IsUserBusy(ctx, userID); busy && activeID != callID {
		if _, berr := c.service.MarkBusy(ctx, callID, userID); berr != nil {
			logger.Warn("failed to mark call busy",
				zap.String("call_id", callID),
				zap.Error(berr))
		}
		return nil, errors.ReceiverBusyError()
	}

	if session.CallerSDP == "" {
		return nil, errors.InvalidInputError("call has no offer yet")
	}

	session, err = c.service.Answer(ctx, callID, userID)
	if err != nil {
		return nil, err
	}

	media, err := c.media.NewSession(ctx, session.CallType)
	if err != nil {
		c.failCall(ctx, callID, userID)
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to open media session", err)
	}

	answer, err := media.CreateAnswer(ctx, session.CallerSDP)
	if err != nil {
		media.Close()
		c.failCall(ctx, callID, userID)
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to create answer", err)
	}

	if err := c.service.SubmitSignaling(ctx, callID, userID, domain.SignalingUpdate{ReceiverSDP: &answer}); err != nil {
		media.Close()
		c.failCall(ctx, callID, userID)
		return nil, err
	}

	c.startWatching(callID, userID, roleReceiver, media)
	return session, nil
}

// AcknowledgeRing marks delivery on the receiver's device, moving the
// session from initiating to ringing
func (c *Coordinator) AcknowledgeRing(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	return c.service.Ring(ctx, callID, userID)
}

// HangUp ends the call from this peer. The watch loop sees the terminal
// snapshot and tears the media session down.
func (c *Coordinator) HangUp(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	return c.service.End(ctx, callID, userID)
}

// DeclineCall rejects a ringing call without opening media
func (c *Coordinator) DeclineCall(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error) {
	return c.service.Decline(ctx, callID, userID)
}

// ActiveCalls returns the IDs of calls this node is currently driving
func (c *Coordinator) ActiveCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.calls))
	for id := range c.calls {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown tears down every active call loop without ending the calls
// in the store; peers reconnecting can resume from the shared session
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	states := make([]*callState, 0, len(c.calls))
	for _, cs := range c.calls {
		states = append(states, cs)
	}
	c.mu.Unlock()

	for _, cs := range states {
		cs.cancel()
	}
}

func (c *Coordinator) startWatching(callID string, userID uuid.UUID, r role, media MediaSession) {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &callState{
		callID: callID,
		userID: userID,
		role:   r,
		media:  media,
		cancel: cancel,
		fed:    make(map[string]struct{}),
		local:  make(map[string]struct{}),
	}

	c.mu.Lock()
	c.calls[callID] = cs
	c.mu.Unlock()

	go c.run(ctx, cs)
}

// run is the per-call loop: one goroutine owns all media interaction
// for the call, so snapshot handling and candidate publishing never
// race with each other
func (c *Coordinator) run(ctx context.Context, cs *callState) {
	defer c.teardown(cs)

	snapshots, err := c.service.Observe(ctx, cs.callID, cs.userID)
	if err != nil {
		logger.Error("failed to observe call session",
			zap.String("call_id", cs.callID),
			zap.Error(err))
		c.failCall(ctx, cs.callID, cs.userID)
		return
	}

	// Only the caller arms the ring timer; the receiver's silence is the
	// caller's problem to resolve
	var ringExpired <-chan time.Time
	var ringTimer *time.Timer
	if cs.role == roleCaller {
		ringTimer = time.NewTimer(c.ringTimeout)
		ringExpired = ringTimer.C
		defer ringTimer.Stop()
	}

	// Both sides bound connectivity establishment: the receiver from the
	// moment it answers, the caller once the answer lands. A peer whose
	// counterpart vanishes mid-negotiation fails the call instead of
	// waiting on the subscription forever.
	var connectExpired <-chan time.Time
	var connectTimer *time.Timer
	armConnect := func() {
		if connectTimer == nil {
			connectTimer = time.NewTimer(c.connectTimeout)
			connectExpired = connectTimer.C
		}
	}
	disarmConnect := func() {
		if connectTimer != nil {
			connectTimer.Stop()
			connectExpired = nil
		}
	}
	if cs.role == roleReceiver {
		armConnect()
	}
	defer func() {
		if connectTimer != nil {
			connectTimer.Stop()
		}
	}()

	candidates := cs.media.Candidates()
	connected := cs.media.Connected()
	failed := cs.media.Failed()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			// Once the receiver has answered, the ring clock no longer
			// applies and the connect clock starts
			if ringExpired != nil && snap.Status != domain.CallStatusInitiating && snap.Status != domain.CallStatusRinging {
				ringTimer.Stop()
				ringExpired = nil
				armConnect()
			}
			if snap.Status == domain.CallStatusConnected {
				disarmConnect()
			}
			if done := c.handleSnapshot(ctx, cs, snap); done {
				return
			}

		case candidate, ok := <-candidates:
			if !ok {
				candidates = nil
				continue
			}
			c.publishLocalCandidate(ctx, cs, candidate)

		case _, ok := <-connected:
			connected = nil
			if !ok {
				continue
			}
			disarmConnect()
			if _, err := c.service.MarkConnected(ctx, cs.callID, cs.userID); err != nil &&
				!errors.IsCode(err, errors.ErrCodeStaleTransition) &&
				!errors.IsCode(err, errors.ErrCodeInvalidTransition) {
				logger.Warn("failed to mark call connected",
					zap.String("call_id", cs.callID),
					zap.Error(err))
			}

		case ferr, ok := <-failed:
			if !ok {
				failed = nil
				continue
			}
			logger.Error("media engine reported connectivity failure",
				zap.String("call_id", cs.callID),
				zap.Error(ferr))
			c.failCall(ctx, cs.callID, cs.userID)
			return

		case <-connectExpired:
			logger.Warn("connect window elapsed without connectivity",
				zap.String("call_id", cs.callID))
			c.failCall(ctx, cs.callID, cs.userID)
			return

		case <-ringExpired:
			ringExpired = nil
			missed, err := c.service.MarkMissed(ctx, cs.callID, cs.userID)
			if err != nil && (errors.IsCode(err, errors.ErrCodeInvalidTransition) ||
				errors.IsCode(err, errors.ErrCodeStaleTransition)) {
				// The receiver answered as the window closed; the call
				// survives and the loop keeps driving it
				logger.Info("ring timer lost race with answer",
					zap.String("call_id", cs.callID))
				armConnect()
				continue
			}
			if err != nil {
				logger.Warn("failed to mark call missed",
					zap.String("call_id", cs.callID),
					zap.Error(err))
			} else {
				logger.Info("ring window elapsed without answer",
					zap.String("call_id", cs.callID),
					zap.String("status", string(missed.Status)))
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

// handleSnapshot reacts to one store snapshot. Returns true when the
// call reached a terminal state and the loop should exit.
func (c *Coordinator) handleSnapshot(ctx context.Context, cs *callState, snap *domain.CallSession) bool {
	if snap.Status.IsTerminal() {
		logger.Info("call finished",
			zap.String("call_id", cs.callID),
			zap.String("status", string(snap.Status)),
			zap.Int64("duration", snap.Duration))
		return true
	}

	if cs.role == roleCaller && !cs.answerApplied && snap.ReceiverSDP != "" {
		if err := cs.media.SetRemoteAnswer(ctx, snap.ReceiverSDP); err != nil {
			logger.Error("failed to apply remote answer",
				zap.String("call_id", cs.callID),
				zap.Error(err))
			c.failCall(ctx, cs.callID, cs.userID)
			return true
		}
		// Connected is not stamped here: the engine reports connectivity
		// on its own channel once negotiation actually succeeds
		cs.answerApplied = true
	}

	c.feedRemoteCandidates(ctx, cs, snap.ICECandidates)
	return false
}

// feedRemoteCandidates hands candidates from the shared list to the
// media engine. The list is a full replacement on every write, so each
// snapshot is diffed against what the engine has already been fed.
func (c *Coordinator) feedRemoteCandidates(ctx context.Context, cs *callState, list []string) {
	for _, candidate := range list {
		if _, seen := cs.fed[candidate]; seen {
			continue
		}
		cs.fed[candidate] = struct{}{}
		c.mergeCandidate(cs, candidate)

		// Skip candidates this peer gathered itself
		if _, mine := cs.local[candidate]; mine {
			continue
		}
		if err := cs.media.AddRemoteCandidate(ctx, candidate); err != nil {
			logger.Warn("failed to add remote candidate",
				zap.String("call_id", cs.callID),
				zap.Error(err))
		}
	}
}

// publishLocalCandidate merges a locally gathered candidate into the
// accumulated union and resubmits the full list. Submitting the union
// rather than just our own keeps a concurrent replacement by the other
// peer from erasing anything either side has published.
func (c *Coordinator) publishLocalCandidate(ctx context.Context, cs *callState, candidate string) {
	if _, dup := cs.local[candidate]; dup {
		return
	}
	cs.local[candidate] = struct{}{}
	cs.fed[candidate] = struct{}{}
	c.mergeCandidate(cs, candidate)

	update := domain.SignalingUpdate{ICECandidates: append([]string(nil), cs.merged...)}
	if err := c.service.SubmitSignaling(ctx, cs.callID, cs.userID, update); err != nil {
		logger.Error("failed to publish candidates, abandoning call",
			zap.String("call_id", cs.callID),
			zap.Error(err))
		c.failCall(ctx, cs.callID, cs.userID)
	}
}

func (c *Coordinator) mergeCandidate(cs *callState, candidate string) {
	for _, existing := range cs.merged {
		if existing == candidate {
			return
		}
	}
	cs.merged = append(cs.merged, candidate)
}

// failCall pushes the session to failed after an unrecoverable local
// error; races with the other peer's terminal write are absorbed
func (c *Coordinator) failCall(ctx context.Context, callID string, userID uuid.UUID) {
	if _, err := c.service.Fail(ctx, callID, userID); err != nil &&
		!errors.IsCode(err, errors.ErrCodeStaleTransition) {
		logger.Warn("failed to mark call failed",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

func (c *Coordinator) teardown(cs *callState) {
	c.mu.Lock()
	delete(c.calls, cs.callID)
	c.mu.Unlock()

	cs.cancel()
	if err := cs.media.Close(); err != nil {
		logger.Warn("failed to close media session",
			zap.String("call_id", cs.callID),
			zap.Error(err))
	}
}
