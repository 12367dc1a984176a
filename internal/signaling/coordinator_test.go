package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitconnect-backend/internal/domain"
	"fitconnect-backend/internal/repository"
	"fitconnect-backend/internal/repository/memory"
	"fitconnect-backend/internal/service/call"
	"fitconnect-backend/pkg/errors"
	"fitconnect-backend/pkg/metrics"
)

// fakeMedia is a scripted media engine. Local candidates are pushed
// through Emit, connectivity through SignalConnected/SignalFailure;
// remote state is recorded for assertions.
type fakeMedia struct {
	mu         sync.Mutex
	offer      string
	offerErr   error
	answer     string
	remote     []string
	remoteSet  map[string]int
	answerSeen string
	closed     bool
	candidates chan string
	connected  chan struct{}
	failures   chan error
}

func newFakeMedia(localSDP string) *fakeMedia {
	return &fakeMedia{
		offer:      localSDP,
		answer:     localSDP,
		remoteSet:  make(map[string]int),
		candidates: make(chan string, 8),
		connected:  make(chan struct{}, 1),
		failures:   make(chan error, 1),
	}
}

func (f *fakeMedia) CreateOffer(context.Context) (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return f.offer, nil
}

func (f *fakeMedia) CreateAnswer(_ context.Context, offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerSeen = offer
	return f.answer, nil
}

func (f *fakeMedia) SetRemoteAnswer(_ context.Context, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerSeen = answer
	return nil
}

func (f *fakeMedia) AddRemoteCandidate(_ context.Context, candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet[candidate]++
	if f.remoteSet[candidate] == 1 {
		f.remote = append(f.remote, candidate)
	}
	return nil
}

func (f *fakeMedia) Candidates() <-chan string { return f.candidates }

func (f *fakeMedia) Connected() <-chan struct{} { return f.connected }

func (f *fakeMedia) Failed() <-chan error { return f.failures }

func (f *fakeMedia) Emit(candidate string) { f.candidates <- candidate }

func (f *fakeMedia) SignalConnected() { f.connected <- struct{}{} }

func (f *fakeMedia) SignalFailure(err error) { f.failures <- err }

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.candidates)
	}
	return nil
}

func (f *fakeMedia) remoteCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.remote...)
}

func (f *fakeMedia) remoteAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answerSeen
}

func (f *fakeMedia) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory hands out pre-built sessions in order
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeMedia
}

func (f *fakeFactory) NewSession(context.Context, domain.CallType) (MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		panic("fakeFactory exhausted")
	}
	s := f.sessions[0]
	f.sessions = f.sessions[1:]
	return s, nil
}

type peerHarness struct {
	repo        *memory.CallRepository
	service     *call.Service
	coordinator *Coordinator
	factory     *fakeFactory
}

func newPeerHarness(ringTimeout, connectTimeout time.Duration, media ...*fakeMedia) *peerHarness {
	repo := memory.NewCallRepository()
	svc := call.NewService(repo, nil, nil, nil, metrics.NewMetrics("test"))
	factory := &fakeFactory{sessions: media}
	return &peerHarness{
		repo:        repo,
		service:     svc,
		coordinator: NewCoordinator(svc, factory, ringTimeout, connectTimeout),
		factory:     factory,
	}
}

// twoPeerSetup drives both peers against the same repo, the way two
// devices converge on one shared session document
func twoPeerSetup(ringTimeout time.Duration, callerMedia, receiverMedia *fakeMedia) (*peerHarness, *Coordinator) {
	h := newPeerHarness(ringTimeout, time.Minute, callerMedia, receiverMedia)
	return h, h.coordinator
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (h *peerHarness) statusIs(t *testing.T, callID string, want domain.CallStatus) func() bool {
	return func() bool {
		got, err := h.repo.GetByID(context.Background(), callID)
		require.NoError(t, err)
		return got.Status == want
	}
}

func TestCoordinator_HappyPath(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	receiverMedia := newFakeMedia("v=0 receiver")
	h, coordinator := twoPeerSetup(time.Minute, callerMedia, receiverMedia)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeVideo)
	require.NoError(t, err)

	stored, err := h.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "v=0 caller", stored.CallerSDP)

	_, err = coordinator.AcknowledgeRing(ctx, session.ID, receiver)
	require.NoError(t, err)

	_, err = coordinator.AcceptIncoming(ctx, session.ID, receiver)
	require.NoError(t, err)
	assert.Equal(t, "v=0 caller", receiverMedia.remoteAnswer())

	// The caller's watch loop applies the published answer
	waitFor(t, "answer applied", func() bool {
		return callerMedia.remoteAnswer() == "v=0 receiver"
	})

	// Connected follows the engine's connectivity signal
	callerMedia.SignalConnected()
	waitFor(t, "connected", h.statusIs(t, session.ID, domain.CallStatusConnected))

	_, err = coordinator.HangUp(ctx, session.ID, caller)
	require.NoError(t, err)

	waitFor(t, "media teardown", func() bool {
		return callerMedia.isClosed() && receiverMedia.isClosed()
	})

	final, err := h.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, final.Status)
	require.NotNil(t, final.StartTime)
	require.NotNil(t, final.EndTime)
}

func TestCoordinator_CandidateExchange(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	receiverMedia := newFakeMedia("v=0 receiver")
	h, coordinator := twoPeerSetup(time.Minute, callerMedia, receiverMedia)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = coordinator.AcknowledgeRing(ctx, session.ID, receiver)
	require.NoError(t, err)
	_, err = coordinator.AcceptIncoming(ctx, session.ID, receiver)
	require.NoError(t, err)
	receiverMedia.SignalConnected()
	waitFor(t, "connected", h.statusIs(t, session.ID, domain.CallStatusConnected))

	callerMedia.Emit("candidate:caller-1")
	receiverMedia.Emit("candidate:receiver-1")
	callerMedia.Emit("candidate:caller-2")

	// Each peer's engine ends up with the other peer's candidates, never
	// its own echoed back
	waitFor(t, "receiver candidates", func() bool {
		return len(receiverMedia.remoteCandidates()) == 2
	})
	waitFor(t, "caller candidates", func() bool {
		return len(callerMedia.remoteCandidates()) == 1
	})
	assert.ElementsMatch(t, []string{"candidate:caller-1", "candidate:caller-2"}, receiverMedia.remoteCandidates())
	assert.ElementsMatch(t, []string{"candidate:receiver-1"}, callerMedia.remoteCandidates())

	// The shared list converges to the union of both peers' candidates
	waitFor(t, "merged union", func() bool {
		stored, err := h.repo.GetByID(ctx, session.ID)
		require.NoError(t, err)
		return len(stored.ICECandidates) == 3
	})
}

func TestCoordinator_DuplicateCandidateFedOnce(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	receiverMedia := newFakeMedia("v=0 receiver")
	h, coordinator := twoPeerSetup(time.Minute, callerMedia, receiverMedia)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = coordinator.AcknowledgeRing(ctx, session.ID, receiver)
	require.NoError(t, err)
	_, err = coordinator.AcceptIncoming(ctx, session.ID, receiver)
	require.NoError(t, err)
	callerMedia.SignalConnected()
	waitFor(t, "connected", h.statusIs(t, session.ID, domain.CallStatusConnected))

	callerMedia.Emit("candidate:same")
	callerMedia.Emit("candidate:same")
	callerMedia.Emit("candidate:other")

	waitFor(t, "receiver candidates", func() bool {
		return len(receiverMedia.remoteCandidates()) == 2
	})

	receiverMedia.mu.Lock()
	fedTimes := receiverMedia.remoteSet["candidate:same"]
	receiverMedia.mu.Unlock()
	assert.Equal(t, 1, fedTimes)
}

func TestCoordinator_ConnectedWaitsForConnectivity(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	receiverMedia := newFakeMedia("v=0 receiver")
	h, coordinator := twoPeerSetup(time.Minute, callerMedia, receiverMedia)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = coordinator.AcknowledgeRing(ctx, session.ID, receiver)
	require.NoError(t, err)
	_, err = coordinator.AcceptIncoming(ctx, session.ID, receiver)
	require.NoError(t, err)

	// The answer alone does not make the call connected: without the
	// engine's connectivity signal the session stays in connecting and
	// never gets a start time
	waitFor(t, "answer applied", func() bool {
		return callerMedia.remoteAnswer() == "v=0 receiver"
	})
	stored, err := h.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnecting, stored.Status)
	assert.Nil(t, stored.StartTime)

	callerMedia.SignalConnected()
	waitFor(t, "connected", h.statusIs(t, session.ID, domain.CallStatusConnected))

	stored, err = h.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.StartTime)
}

func TestCoordinator_MediaFailureMarksFailed(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	receiverMedia := newFakeMedia("v=0 receiver")
	h, coordinator := twoPeerSetup(time.Minute, callerMedia, receiverMedia)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = coordinator.AcknowledgeRing(ctx, session.ID, receiver)
	require.NoError(t, err)
	_, err = coordinator.AcceptIncoming(ctx, session.ID, receiver)
	require.NoError(t, err)

	callerMedia.SignalFailure(assert.AnError)

	waitFor(t, "failed", h.statusIs(t, session.ID, domain.CallStatusFailed))
	waitFor(t, "media teardown", func() bool {
		return callerMedia.isClosed() && receiverMedia.isClosed()
	})

	final, err := h.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, final.StartTime)
	assert.Equal(t, int64(0), final.Duration)
}

func TestCoordinator_ConnectWindowExpiryMarksFailed(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	receiverMedia := newFakeMedia("v=0 receiver")
	h := newPeerHarness(time.Minute, 50*time.Millisecond, callerMedia, receiverMedia)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := h.coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = h.coordinator.AcceptIncoming(ctx, session.ID, receiver)
	require.NoError(t, err)

	// Neither engine ever reports connectivity; the connect window
	// bounds the wait and fails the call
	waitFor(t, "failed", h.statusIs(t, session.ID, domain.CallStatusFailed))
	waitFor(t, "media teardown", func() bool {
		return callerMedia.isClosed() && receiverMedia.isClosed()
	})
}

func TestCoordinator_OfferFailureMarksFailed(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	callerMedia.offerErr = assert.AnError
	h := newPeerHarness(time.Minute, time.Minute, callerMedia)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	_, err := h.coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.Error(t, err)

	// The session that was created lands on failed, not ended
	history, err := h.service.History(ctx, caller, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.CallStatusFailed, history[0].Status)
	assert.True(t, callerMedia.isClosed())
}

// delayedRepo defers snapshot delivery so timers can fire against
// store state the watch loop has not observed yet
type delayedRepo struct {
	repository.CallRepository
	delay time.Duration
}

func (d *delayedRepo) Subscribe(ctx context.Context, id string) (<-chan *domain.CallSession, error) {
	in, err := d.CallRepository.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(chan *domain.CallSession, 16)
	go func() {
		defer close(out)
		time.Sleep(d.delay)
		for snap := range in {
			out <- snap
		}
	}()
	return out, nil
}

func TestCoordinator_AnswerRacingRingTimerKeepsCall(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	repo := memory.NewCallRepository()
	delayed := &delayedRepo{CallRepository: repo, delay: 200 * time.Millisecond}
	svc := call.NewService(delayed, nil, nil, nil, metrics.NewMetrics("test"))
	factory := &fakeFactory{sessions: []*fakeMedia{callerMedia}}
	coordinator := NewCoordinator(svc, factory, 50*time.Millisecond, time.Minute)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)

	// The receiver answers immediately, but the caller's loop will not
	// see it before the ring timer fires
	_, err = svc.Answer(ctx, session.ID, receiver)
	require.NoError(t, err)
	answer := "v=0 receiver"
	require.NoError(t, svc.SubmitSignaling(ctx, session.ID, receiver, domain.SignalingUpdate{ReceiverSDP: &answer}))

	// Let the ring timer fire against the already-answered session: the
	// rejected missed transition must not tear the caller down
	time.Sleep(120 * time.Millisecond)
	assert.False(t, callerMedia.isClosed())
	stored, err := repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnecting, stored.Status)

	// Once snapshots flow again the same loop finishes the call
	waitFor(t, "answer applied", func() bool {
		return callerMedia.remoteAnswer() == "v=0 receiver"
	})
	callerMedia.SignalConnected()
	waitFor(t, "connected", func() bool {
		got, err := repo.GetByID(ctx, session.ID)
		require.NoError(t, err)
		return got.Status == domain.CallStatusConnected
	})
	assert.False(t, callerMedia.isClosed())
}

func TestCoordinator_DeclineTearsDownCaller(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	h, coordinator := twoPeerSetup(time.Minute, callerMedia, newFakeMedia("unused"))
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = coordinator.AcknowledgeRing(ctx, session.ID, receiver)
	require.NoError(t, err)

	_, err = coordinator.DeclineCall(ctx, session.ID, receiver)
	require.NoError(t, err)

	waitFor(t, "caller teardown", callerMedia.isClosed)

	final, err := h.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, final.Status)
	assert.Equal(t, int64(0), final.Duration)
}

func TestCoordinator_RingTimeoutMarksMissed(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	h, coordinator := twoPeerSetup(50*time.Millisecond, callerMedia, newFakeMedia("unused"))
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = coordinator.AcknowledgeRing(ctx, session.ID, receiver)
	require.NoError(t, err)

	waitFor(t, "missed", h.statusIs(t, session.ID, domain.CallStatusMissed))
	waitFor(t, "caller teardown", callerMedia.isClosed)
}

func TestCoordinator_RacingHangUps(t *testing.T) {
	callerMedia := newFakeMedia("v=0 caller")
	receiverMedia := newFakeMedia("v=0 receiver")
	h, coordinator := twoPeerSetup(time.Minute, callerMedia, receiverMedia)
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	session, err := coordinator.PlaceCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = coordinator.AcknowledgeRing(ctx, session.ID, receiver)
	require.NoError(t, err)
	_, err = coordinator.AcceptIncoming(ctx, session.ID, receiver)
	require.NoError(t, err)
	callerMedia.SignalConnected()
	waitFor(t, "connected", h.statusIs(t, session.ID, domain.CallStatusConnected))

	// Both peers hang up at once; both calls succeed, one write wins and
	// the loser is absorbed as a no-op
	var wg sync.WaitGroup
	for _, userID := range []uuid.UUID{caller, receiver} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := coordinator.HangUp(ctx, session.ID, id)
			assert.NoError(t, err)
		}(userID)
	}
	wg.Wait()

	final, err := h.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, final.Status)
	require.NotNil(t, final.EndTime)
}

func TestCoordinator_AcceptWhileBusyMarksBusy(t *testing.T) {
	h := newPeerHarness(time.Minute, time.Minute, newFakeMedia("unused"))
	ctx := context.Background()
	caller, receiver := uuid.New(), uuid.New()

	busyRegistry := &stubRegistry{active: map[uuid.UUID]string{}}
	svc := call.NewService(h.repo, busyRegistry, nil, nil, metrics.NewMetrics("test"))
	coordinator := NewCoordinator(svc, h.factory, time.Minute, time.Minute)

	session, err := svc.InitiateCall(ctx, caller, "Alice", receiver, "Bob", "room-1", domain.CallTypeAudio)
	require.NoError(t, err)
	_, err = svc.Ring(ctx, session.ID, receiver)
	require.NoError(t, err)

	// The receiver picks up a different call while this one is ringing
	busyRegistry.active[receiver] = "other-call"

	_, err = coordinator.AcceptIncoming(ctx, session.ID, receiver)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeReceiverBusy))

	final, err := h.repo.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusBusy, final.Status)
}

// stubRegistry is a fixed-answer active-call registry
type stubRegistry struct {
	active map[uuid.UUID]string
}

func (s *stubRegistry) SetActive(_ context.Context, userID uuid.UUID, callID string) error {
	s.active[userID] = callID
	return nil
}

func (s *stubRegistry) ClearActive(_ context.Context, userID uuid.UUID) error {
	delete(s.active, userID)
	return nil
}

func (s *stubRegistry) ActiveCall(_ context.Context, userID uuid.UUID) (string, error) {
	return s.active[userID], nil
}

func (s *stubRegistry) Refresh(context.Context, uuid.UUID) error { return nil }
