package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// CallType represents the media kind of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle state of a call session.
// Values are stored in the session document; keep them stable.
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusDeclined   CallStatus = "declined"
	CallStatusMissed     CallStatus = "missed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusBusy       CallStatus = "busy"
)

// ErrInvalidTransition is returned when a status change is not allowed
// from the session's current state. Callers decide whether the attempt
// was invalid up front or went stale under a concurrent write.
var ErrInvalidTransition = errors.New("invalid call status transition")

// transitions is the authoritative state machine table. Terminal states
// have no entry: a terminal re-request after a terminal state is
// absorbed as a no-op; a live-state request against a terminal session
// is rejected, never applied.
var transitions = map[CallStatus][]CallStatus{
	CallStatusInitiating: {CallStatusRinging, CallStatusMissed, CallStatusFailed, CallStatusBusy, CallStatusEnded},
	CallStatusRinging:    {CallStatusConnecting, CallStatusDeclined, CallStatusMissed, CallStatusFailed, CallStatusBusy},
	CallStatusConnecting: {CallStatusConnected, CallStatusDeclined, CallStatusFailed, CallStatusEnded},
	CallStatusConnected:  {CallStatusEnded, CallStatusFailed},
}

// IsTerminal reports whether no further transitions are permitted
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusDeclined, CallStatusMissed, CallStatusFailed, CallStatusBusy:
		return true
	}
	return false
}

// Valid reports whether s is a known call status
func (s CallStatus) Valid() bool {
	_, ok := transitions[s]
	return ok || s.IsTerminal()
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to CallStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CallSession is the shared call record both peers negotiate through.
// One document per call attempt; the status field is the single source
// of truth for call progress.
type CallSession struct {
	ID            string     `json:"id"`
	CallerID      uuid.UUID  `json:"caller_id"`
	CallerName    string     `json:"caller_name,omitempty"`
	ReceiverID    uuid.UUID  `json:"receiver_id"`
	ReceiverName  string     `json:"receiver_name,omitempty"`
	Participants  []string   `json:"participants"`
	CallType      CallType   `json:"call_type"`
	Status        CallStatus `json:"status"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Duration      int64      `json:"duration,omitempty"` // seconds, derived from StartTime/EndTime
	CallerSDP     string     `json:"caller_sdp,omitempty"`
	ReceiverSDP   string     `json:"receiver_sdp,omitempty"`
	ICECandidates []string   `json:"ice_candidates,omitempty"`
	ChatRoomID    string     `json:"chat_room_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SignalingUpdate is a partial write against the signaling fields of a
// session. Nil pointer / nil slice fields are left untouched. A non-nil
// ICECandidates replaces the stored list wholesale: the store has no
// atomic array-append usable by two concurrent writers, so each peer
// resubmits the full merged list it has accumulated.
type SignalingUpdate struct {
	CallerSDP     *string
	ReceiverSDP   *string
	ICECandidates []string
}

// ApplyStatus moves the session to target if the state machine allows
// it, stamping StartTime on first entry into connected and EndTime plus
// Duration on entry into a terminal state. A terminal request against
// an already-terminal session returns false with no error (duplicate or
// late end/decline events are absorbed); any attempt to move a terminal
// session back to a live state, and any move not in the table, returns
// ErrInvalidTransition.
func (c *CallSession) ApplyStatus(target CallStatus, now time.Time) (bool, error) {
	if c.Status.IsTerminal() {
		if target.IsTerminal() {
			return false, nil
		}
		return false, ErrInvalidTransition
	}
	if !CanTransition(c.Status, target) {
		return false, ErrInvalidTransition
	}

	c.Status = target
	c.UpdatedAt = now

	if target == CallStatusConnected && c.StartTime == nil {
		t := now
		c.StartTime = &t
	}
	if target.IsTerminal() && c.EndTime == nil {
		t := now
		c.EndTime = &t
		c.Duration = c.ComputeDuration()
	}
	return true, nil
}

// ApplySignaling merges a signaling update into the session. SDP fields
// are write-once: a second write to an already-set field is dropped so
// neither peer can overwrite negotiated descriptions. ICE candidates
// arriving after a terminal state are discarded.
func (c *CallSession) ApplySignaling(update SignalingUpdate, now time.Time) bool {
	changed := false

	if update.CallerSDP != nil && c.CallerSDP == "" {
		c.CallerSDP = *update.CallerSDP
		changed = true
	}
	if update.ReceiverSDP != nil && c.ReceiverSDP == "" {
		c.ReceiverSDP = *update.ReceiverSDP
		changed = true
	}
	if update.ICECandidates != nil && !c.Status.IsTerminal() {
		c.ICECandidates = append([]string(nil), update.ICECandidates...)
		changed = true
	}

	if changed {
		c.UpdatedAt = now
	}
	return changed
}

// ComputeDuration derives the call duration in seconds. Zero when the
// call never connected; never trusted from a peer.
func (c *CallSession) ComputeDuration() int64 {
	if c.StartTime == nil || c.EndTime == nil {
		return 0
	}
	d := int64(c.EndTime.Sub(*c.StartTime) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Involves reports whether the user is one of the two participants
func (c *CallSession) Involves(userID uuid.UUID) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// Clone returns a deep copy safe to hand to another goroutine
func (c *CallSession) Clone() *CallSession {
	cp := *c
	if c.StartTime != nil {
		t := *c.StartTime
		cp.StartTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		cp.EndTime = &t
	}
	cp.Participants = append([]string(nil), c.Participants...)
	cp.ICECandidates = append([]string(nil), c.ICECandidates...)
	return &cp
}

// NewCallSession builds a fresh session in the initiating state. The ID
// is assigned by the store on creation.
func NewCallSession(callerID uuid.UUID, callerName string, receiverID uuid.UUID, receiverName, chatRoomID string, callType CallType, now time.Time) *CallSession {
	return &CallSession{
		CallerID:     callerID,
		CallerName:   callerName,
		ReceiverID:   receiverID,
		ReceiverName: receiverName,
		Participants: []string{callerID.String(), receiverID.String()},
		CallType:     callType,
		Status:       CallStatusInitiating,
		ChatRoomID:   chatRoomID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
