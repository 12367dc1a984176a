// Package repository defines the call session store contract. The live
// store is Firestore; an in-memory implementation with identical
// semantics backs development mode and tests.
package repository

import (
	"context"

	"github.com/google/uuid"

	"fitconnect-backend/internal/domain"
)

// CallRepository is the store for call session documents. It is the only
// channel between the two peers of a call: all status and signaling
// exchange flows through one shared session record plus change
// notifications.
//
// Subscription channels deliver snapshots at least once, may coalesce
// rapid writes into fewer newer-only snapshots, and close when the
// passed context is cancelled or the stream fails.
type CallRepository interface {
	// Create persists a new session and returns it with the store-assigned
	// ID and timestamps filled in.
	Create(ctx context.Context, call *domain.CallSession) (*domain.CallSession, error)

	// GetByID returns the current session snapshot
	GetByID(ctx context.Context, id string) (*domain.CallSession, error)

	// UpdateStatus transitions the session to target under the store's
	// compare-and-set (status is re-read immediately before the write).
	// Start/end times and duration are stamped by the store, never by a
	// peer. Terminal sessions absorb further requests as no-ops; a
	// transition made illegal by a concurrent write fails with
	// STALE_TRANSITION. Returns the post-write session.
	UpdateStatus(ctx context.Context, id string, target domain.CallStatus) (*domain.CallSession, error)

	// UpdateSignaling applies a partial signaling write. SDP fields are
	// write-once; a non-nil candidate list replaces the stored list, and
	// candidates arriving after a terminal state are discarded.
	UpdateSignaling(ctx context.Context, id string, update domain.SignalingUpdate) error

	// Subscribe streams snapshots of one session, starting with the
	// current state.
	Subscribe(ctx context.Context, id string) (<-chan *domain.CallSession, error)

	// SubscribeIncoming streams the set of sessions ringing for the user
	// (status initiating or ringing, receiver == userID).
	SubscribeIncoming(ctx context.Context, userID uuid.UUID) (<-chan []*domain.CallSession, error)

	// History returns terminal sessions involving the user, newest first
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.CallSession, error)
}
