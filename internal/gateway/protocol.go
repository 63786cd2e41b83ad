package gateway

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
)

// Inbound events.
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventUpdate       = "update"
	EventSync         = "sync"
	EventPresence     = "presence"
	EventClaim        = "claim"
	EventReleaseClaim = "release-claim"
	EventPing         = "ping"
)

// Outbound events.
const (
	EventJoined       = "joined"
	EventLeft         = "left"
	EventPresenceList = "presence-list"
	EventClaimList    = "claim-list"
	EventInitialState = "initial-state"
	EventAck          = "ack"
	EventSyncResponse = "sync-response"
	EventClaimed      = "claimed"
	EventReleased     = "released"
	EventPresenceLeft = "presence-left"
	EventReset        = "reset"
	EventPong         = "pong"
	EventError        = "error"
	EventCommitFailed = "commit-failed"
)

// Ack statuses for update, claim and release-claim.
const (
	AckOK          = "ok"
	AckDuplicate   = "duplicate"
	AckOutOfOrder  = "out_of_order"
	AckInvalid     = "invalid"
	AckRateLimited = "rate_limited"
)

// Error codes carried by error events and ack reasons.
const (
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeCapacity        = "capacity"
	CodeBadRequest      = "bad_request"
	CodeNotInRoom       = "not_in_room"
	CodeReadOnly        = "read_only"
	CodePayloadTooLarge = "payload_too_large"
	CodeMalformed       = "malformed_update"
	CodeNotOwner        = "not_owner"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// Frame is the JSON envelope of every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type documentRequest struct {
	DocumentID string `json:"documentId"`
}

type updateRequest struct {
	DocumentID string `json:"documentId"`
	Update     string `json:"update"`
	MsgID      string `json:"msgId,omitempty"`
	SenderSeq  *int64 `json:"senderSeq,omitempty"`
}

type syncRequest struct {
	DocumentID string `json:"documentId"`
	Vector     string `json:"vector,omitempty"`
}

type presenceRequest struct {
	DocumentID string `json:"documentId"`
	Anchor     int    `json:"anchor"`
	Head       int    `json:"head"`
	Typing     bool   `json:"typing"`
}

type claimRequest struct {
	DocumentID string `json:"documentId"`
	From       int    `json:"from"`
	To         int    `json:"to"`
	TTLSeconds int    `json:"ttl,omitempty"`
	MsgID      string `json:"msgId,omitempty"`
}

type releaseClaimRequest struct {
	DocumentID string `json:"documentId,omitempty"`
	ClaimID    string `json:"claimId"`
	MsgID      string `json:"msgId,omitempty"`
}

// AckPayload answers update, claim and release-claim messages.
type AckPayload struct {
	DocumentID   string `json:"documentId,omitempty"`
	MsgID        string `json:"msgId,omitempty"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	ClaimID      string `json:"claimId,omitempty"`
}

// ErrorPayload reports a rejected request without closing the connection, unless the code is
// unauthorized.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
	DocumentID string `json:"documentId,omitempty"`
	Event      string `json:"event,omitempty"`
}

// StatePayload carries a full or differential state for initial-state and sync-response.
type StatePayload struct {
	DocumentID string            `json:"documentId"`
	Seq        int64             `json:"seq"`
	Update     codec.WirePayload `json:"update"`
	Vector     string            `json:"vector"`
}

// UpdatePayload is the broadcast form of a committed merged fragment.
type UpdatePayload struct {
	DocumentID string            `json:"documentId"`
	Seq        int64             `json:"seq"`
	Update     codec.WirePayload `json:"update"`
	AuthorID   string            `json:"authorId,omitempty"`
}

// ResetPayload carries the replacement state after a rollback or repair.
type ResetPayload struct {
	DocumentID string            `json:"documentId"`
	Seq        int64             `json:"seq"`
	State      codec.WirePayload `json:"state"`
}

// CommitFailedPayload tells a sender that acknowledged updates were not persisted.
type CommitFailedPayload struct {
	DocumentID string   `json:"documentId"`
	MsgIDs     []string `json:"msgIds,omitempty"`
	Reason     string   `json:"reason"`
	Retryable  bool     `json:"retryable"`
}

// ReleasedPayload announces a released claim.
type ReleasedPayload struct {
	ClaimID    string `json:"claimId"`
	DocumentID string `json:"documentId"`
	By         string `json:"by"`
}

// PresenceLeftPayload announces that a user left the room.
type PresenceLeftPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

type pongPayload struct {
	Timestamp int64  `json:"ts"`
	Redis     string `json:"redis"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: encoded})
}
