// Package signaling drives the peer-side call flow: it places and
// accepts calls through the call service, watches the shared session
// for the other peer's writes, and bridges session state into the
// media engine.
package signaling

import (
	"context"

	"fitconnect-backend/internal/domain"
)

// MediaSession abstracts one peer's media engine for a single call.
// Implementations wrap the platform's peer connection; this package
// only moves descriptions and candidates between the engine and the
// shared session.
type MediaSession interface {
	// CreateOffer produces the local session description for the caller
	// side and starts candidate gathering
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer produces the local description for the receiver side
	// from the caller's offer and starts candidate gathering
	CreateAnswer(ctx context.Context, offer string) (string, error)

	// SetRemoteAnswer applies the receiver's answer on the caller side
	SetRemoteAnswer(ctx context.Context, answer string) error

	// AddRemoteCandidate feeds one remote candidate into the engine.
	// Must be idempotent: the shared candidate list is re-read on every
	// snapshot and the same candidate will be offered more than once.
	AddRemoteCandidate(ctx context.Context, candidate string) error

	// Candidates streams locally gathered candidates. The channel closes
	// when gathering completes or the session is closed.
	Candidates() <-chan string

	// Connected signals when the engine has established connectivity with
	// the remote peer. Fires at most once.
	Connected() <-chan struct{}

	// Failed signals an unrecoverable connectivity or engine failure.
	// Fires at most once.
	Failed() <-chan error

	// Close releases the engine resources. Safe to call more than once.
	Close() error
}

// MediaFactory creates media sessions per call
type MediaFactory interface {
	NewSession(ctx context.Context, callType domain.CallType) (MediaSession, error)
}
