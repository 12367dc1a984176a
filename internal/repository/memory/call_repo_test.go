package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitconnect-backend/internal/domain"
	"fitconnect-backend/pkg/errors"
)

func newTestCall(t *testing.T, repo *CallRepository) *domain.CallSession {
	t.Helper()
	call := domain.NewCallSession(uuid.New(), "Alice", uuid.New(), "Bob", "room-1",
		domain.CallTypeAudio, time.Now().UTC())
	created, err := repo.Create(context.Background(), call)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	return created
}

func TestUpdateStatus_HappyPath(t *testing.T) {
	repo := NewCallRepository()
	call := newTestCall(t, repo)
	ctx := context.Background()

	for _, target := range []domain.CallStatus{
		domain.CallStatusRinging,
		domain.CallStatusConnecting,
		domain.CallStatusConnected,
		domain.CallStatusEnded,
	} {
		updated, err := repo.UpdateStatus(ctx, call.ID, target)
		require.NoError(t, err)
		assert.Equal(t, target, updated.Status)
	}

	final, err := repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, final.StartTime)
	require.NotNil(t, final.EndTime)
	assert.GreaterOrEqual(t, final.Duration, int64(0))
}

func TestUpdateStatus_TerminalIsNoOp(t *testing.T) {
	repo := NewCallRepository()
	call := newTestCall(t, repo)
	ctx := context.Background()

	_, err := repo.UpdateStatus(ctx, call.ID, domain.CallStatusRinging)
	require.NoError(t, err)
	declined, err := repo.UpdateStatus(ctx, call.ID, domain.CallStatusDeclined)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, declined.Status)

	// A racing END after DECLINE must not resurrect or rewrite the call
	after, err := repo.UpdateStatus(ctx, call.ID, domain.CallStatusEnded)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusDeclined, after.Status)
	assert.Equal(t, declined.EndTime, after.EndTime)
}

func TestUpdateStatus_StaleTransition(t *testing.T) {
	repo := NewCallRepository()
	call := newTestCall(t, repo)
	ctx := context.Background()

	// CONNECTED straight from INITIATING is not a legal edge
	_, err := repo.UpdateStatus(ctx, call.ID, domain.CallStatusConnected)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStaleTransition))
}

func TestUpdateStatus_NotFound(t *testing.T) {
	repo := NewCallRepository()

	_, err := repo.UpdateStatus(context.Background(), "missing", domain.CallStatusRinging)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCallNotFound))
}

func TestUpdateSignaling_SDPWriteOnceAndLateICE(t *testing.T) {
	repo := NewCallRepository()
	call := newTestCall(t, repo)
	ctx := context.Background()

	offer := "v=0 offer"
	require.NoError(t, repo.UpdateSignaling(ctx, call.ID, domain.SignalingUpdate{CallerSDP: &offer}))

	overwrite := "v=0 hijack"
	require.NoError(t, repo.UpdateSignaling(ctx, call.ID, domain.SignalingUpdate{CallerSDP: &overwrite}))

	got, err := repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, offer, got.CallerSDP)

	_, err = repo.UpdateStatus(ctx, call.ID, domain.CallStatusMissed)
	require.NoError(t, err)

	// Candidates arriving after a terminal state are discarded
	require.NoError(t, repo.UpdateSignaling(ctx, call.ID, domain.SignalingUpdate{
		ICECandidates: []string{"candidate:late"},
	}))
	got, err = repo.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ICECandidates)
}

func TestSubscribe_DeliversCurrentThenUpdates(t *testing.T) {
	repo := NewCallRepository()
	call := newTestCall(t, repo)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := repo.Subscribe(ctx, call.ID)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, domain.CallStatusInitiating, first.Status)

	_, err = repo.UpdateStatus(ctx, call.ID, domain.CallStatusRinging)
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, domain.CallStatusRinging, snap.Status)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after status update")
	}

	cancel()
	for range ch {
	}
}

func TestSubscribeIncoming_TracksRingingCalls(t *testing.T) {
	repo := NewCallRepository()
	receiverID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := repo.SubscribeIncoming(ctx, receiverID)
	require.NoError(t, err)
	assert.Empty(t, <-ch)

	call := domain.NewCallSession(uuid.New(), "Alice", receiverID, "Bob", "room-1",
		domain.CallTypeVideo, time.Now().UTC())
	created, err := repo.Create(ctx, call)
	require.NoError(t, err)

	select {
	case calls := <-ch:
		require.Len(t, calls, 1)
		assert.Equal(t, created.ID, calls[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no incoming snapshot after create")
	}

	_, err = repo.UpdateStatus(ctx, created.ID, domain.CallStatusMissed)
	require.NoError(t, err)

	select {
	case calls := <-ch:
		assert.Empty(t, calls)
	case <-time.After(time.Second):
		t.Fatal("no incoming snapshot after terminal transition")
	}
}

func TestHistory_TerminalOnlyNewestFirst(t *testing.T) {
	repo := NewCallRepository()
	ctx := context.Background()
	userID := uuid.New()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		call := domain.NewCallSession(userID, "Alice", uuid.New(), "Bob", "room-1",
			domain.CallTypeAudio, base.Add(time.Duration(i)*time.Minute))
		created, err := repo.Create(ctx, call)
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	// Two terminal, one still live
	_, err := repo.UpdateStatus(ctx, ids[0], domain.CallStatusMissed)
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, ids[1], domain.CallStatusRinging)
	require.NoError(t, err)
	_, err = repo.UpdateStatus(ctx, ids[1], domain.CallStatusDeclined)
	require.NoError(t, err)

	history, err := repo.History(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ids[1], history[0].ID)
	assert.Equal(t, ids[0], history[1].ID)

	// A stranger sees none of them
	other, err := repo.History(ctx, uuid.New(), 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
