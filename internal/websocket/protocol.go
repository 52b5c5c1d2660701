package websocket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/observer/staffcall/internal/call"
	"github.com/observer/staffcall/internal/media"
)

// Event types for client -> server
const (
	EventTypeCallStart       = "call.start"
	EventTypeCallAccept      = "call.accept"
	EventTypeCallReject      = "call.reject"
	EventTypeCallEnd         = "call.end"
	EventTypeCallToggleMute  = "call.toggle_mute"
	EventTypeCallToggleVideo = "call.toggle_video"
)

// Event types for server -> client
const (
	EventTypeError           = "error"
	EventTypeSessionOpen     = "session.open"
	EventTypeCallState       = "call.state"
	EventTypeCallIncoming    = "call.incoming"
	EventTypeCallNotice      = "call.notice"
	EventTypeCallRemoteTrack = "call.remote_track"
)

// Message is the base WebSocket message envelope
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewMessage creates a message with the current timestamp
func NewMessage(eventType string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      eventType,
		Payload:   payloadBytes,
		Timestamp: time.Now(),
	}, nil
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// CallStartPayload asks the session to call another user
type CallStartPayload struct {
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name"`
	IsVideo    bool   `json:"is_video"`
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ErrorPayload for error responses
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionOpenPayload greets a new connection with the current call picture
type SessionOpenPayload struct {
	UserID     string             `json:"user_id"`
	Name       string             `json:"name"`
	State      call.State         `json:"state"`
	Incoming   *call.IncomingCall `json:"incoming"`
	ICEServers []call.ICEServer   `json:"ice_servers"`
}

// IncomingPayload carries a pending call request; Incoming is null once it is cleared
type IncomingPayload struct {
	Incoming *call.IncomingCall `json:"incoming"`
}

// CallError is a call command failure reported to the client
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// toCallError maps manager errors to protocol codes
func toCallError(err error) *CallError {
	var ce *CallError
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, call.ErrAlreadyInCall):
		return &CallError{Code: "already_in_call", Message: "Already in a call"}
	case errors.Is(err, call.ErrNoIncomingCall):
		return &CallError{Code: "no_incoming_call", Message: "No incoming call"}
	case errors.Is(err, call.ErrNotInCall):
		return &CallError{Code: "not_in_call", Message: "Not in a call"}
	case errors.Is(err, call.ErrInvalidTarget):
		return &CallError{Code: "invalid_target", Message: "Invalid call target"}
	case errors.Is(err, media.ErrMediaUnavailable):
		return &CallError{Code: "media_unavailable", Message: "Camera or microphone unavailable"}
	case errors.Is(err, call.ErrManagerClosed):
		return &CallError{Code: "session_closed", Message: "Session closed"}
	default:
		return &CallError{Code: "call_failed", Message: err.Error()}
	}
}
