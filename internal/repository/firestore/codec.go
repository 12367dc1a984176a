package firestore

import (
	"time"

	"github.com/google/uuid"

	"fitconnect-backend/internal/domain"
)

// Document field names are a compatibility contract with the mobile
// clients reading the same collection. Do not rename.
const (
	fieldCallerID      = "callerId"
	fieldCallerName    = "callerName"
	fieldReceiverID    = "receiverId"
	fieldReceiverName  = "receiverName"
	fieldParticipants  = "participants"
	fieldCallType      = "callType"
	fieldStatus        = "status"
	fieldStartTime     = "startTime"
	fieldEndTime       = "endTime"
	fieldDuration      = "duration"
	fieldCallerSDP     = "callerSdp"
	fieldReceiverSDP   = "receiverSdp"
	fieldICECandidates = "iceCandidates"
	fieldChatRoomID    = "chatRoomId"
	fieldCreatedAt     = "createdAt"
	fieldUpdatedAt     = "updatedAt"
)

// callToDoc serializes a session into the document field set
func callToDoc(c *domain.CallSession) map[string]interface{} {
	doc := map[string]interface{}{
		fieldCallerID:      c.CallerID.String(),
		fieldCallerName:    c.CallerName,
		fieldReceiverID:    c.ReceiverID.String(),
		fieldReceiverName:  c.ReceiverName,
		fieldParticipants:  append([]string(nil), c.Participants...),
		fieldCallType:      string(c.CallType),
		fieldStatus:        string(c.Status),
		fieldDuration:      c.Duration,
		fieldCallerSDP:     c.CallerSDP,
		fieldReceiverSDP:   c.ReceiverSDP,
		fieldICECandidates: append([]string(nil), c.ICECandidates...),
		fieldChatRoomID:    c.ChatRoomID,
		fieldCreatedAt:     c.CreatedAt,
		fieldUpdatedAt:     c.UpdatedAt,
	}
	if c.StartTime != nil {
		doc[fieldStartTime] = *c.StartTime
	}
	if c.EndTime != nil {
		doc[fieldEndTime] = *c.EndTime
	}
	return doc
}

// docToCall deserializes the document field set into a session.
// Unknown or malformed fields decode to zero values rather than errors:
// the store is shared with clients we do not control.
func docToCall(id string, data map[string]interface{}) *domain.CallSession {
	c := &domain.CallSession{
		ID:            id,
		CallerName:    asString(data[fieldCallerName]),
		ReceiverName:  asString(data[fieldReceiverName]),
		Participants:  asStringSlice(data[fieldParticipants]),
		CallType:      domain.CallType(asString(data[fieldCallType])),
		Status:        domain.CallStatus(asString(data[fieldStatus])),
		Duration:      asInt64(data[fieldDuration]),
		CallerSDP:     asString(data[fieldCallerSDP]),
		ReceiverSDP:   asString(data[fieldReceiverSDP]),
		ICECandidates: asStringSlice(data[fieldICECandidates]),
		ChatRoomID:    asString(data[fieldChatRoomID]),
		CreatedAt:     asTime(data[fieldCreatedAt]),
		UpdatedAt:     asTime(data[fieldUpdatedAt]),
	}

	if callerID, err := uuid.Parse(asString(data[fieldCallerID])); err == nil {
		c.CallerID = callerID
	}
	if receiverID, err := uuid.Parse(asString(data[fieldReceiverID])); err == nil {
		c.ReceiverID = receiverID
	}

	if t, ok := data[fieldStartTime].(time.Time); ok {
		c.StartTime = &t
	}
	if t, ok := data[fieldEndTime].(time.Time); ok {
		c.EndTime = &t
	}

	return c
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asTime(v interface{}) time.Time {
	t, _ := v.(time.Time)
	return t
}

// asStringSlice handles both []string (written by this service) and
// []interface{} (how Firestore decodes arrays)
func asStringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
