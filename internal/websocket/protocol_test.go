package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/staffcall/internal/call"
	"github.com/observer/staffcall/internal/media"
)

// =============================================================================
// NewMessage Tests
// =============================================================================

func TestNewMessage_CreatesCorrectEnvelope(t *testing.T) {
	before := time.Now()
	msg, err := NewMessage("test.event", map[string]string{"key": "value"})
	after := time.Now()

	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, "test.event", msg.Type)
	assert.NotNil(t, msg.Payload)
	assert.True(t, !msg.Timestamp.Before(before) && !msg.Timestamp.After(after))
}

func TestNewMessage_NilPayload(t *testing.T) {
	msg, err := NewMessage("test.event", nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), msg.Payload)
}

func TestNewMessage_InvalidPayload(t *testing.T) {
	// Channels cannot be marshalled to JSON
	msg, err := NewMessage("test.event", make(chan int))
	assert.Error(t, err)
	assert.Nil(t, msg)
}

func TestCallStartPayload_Decode(t *testing.T) {
	raw := `{"type":"call.start","payload":{"target_id":"u-2","target_name":"Bob","is_video":true}}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, EventTypeCallStart, msg.Type)

	var p CallStartPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, CallStartPayload{TargetID: "u-2", TargetName: "Bob", IsVideo: true}, p)
}

func TestIncomingPayload_ClearedIsNull(t *testing.T) {
	data, err := json.Marshal(IncomingPayload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"incoming":null}`, string(data))
}

// =============================================================================
// Event Mapping Tests
// =============================================================================

func TestEventMessage(t *testing.T) {
	incoming := &call.IncomingCall{From: "u-1", FromName: "Alice"}
	notice := &call.Notice{Kind: call.NoticeBusy, RemoteUserID: "u-2"}
	track := &call.RemoteTrack{ID: "audio", Kind: "audio", Codec: "audio/opus"}

	tests := []struct {
		name     string
		ev       call.Event
		wantType string
		wantOK   bool
	}{
		{"state", call.Event{Kind: call.EventState, State: call.State{Status: call.StatusCalling}}, EventTypeCallState, true},
		{"incoming", call.Event{Kind: call.EventIncoming, Incoming: incoming}, EventTypeCallIncoming, true},
		{"incoming cleared", call.Event{Kind: call.EventIncoming}, EventTypeCallIncoming, true},
		{"notice", call.Event{Kind: call.EventNotice, Notice: notice}, EventTypeCallNotice, true},
		{"notice without payload", call.Event{Kind: call.EventNotice}, "", false},
		{"remote track", call.Event{Kind: call.EventRemoteTrack, Track: track}, EventTypeCallRemoteTrack, true},
		{"unknown", call.Event{Kind: "other"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eventType, payload, ok := eventMessage(tt.ev)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantType, eventType)
			if ok {
				_, err := NewMessage(eventType, payload)
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventMessage_StatePayload(t *testing.T) {
	_, payload, ok := eventMessage(call.Event{Kind: call.EventState, State: call.State{
		Status:       call.StatusConnected,
		IsMuted:      true,
		RemoteUserID: "u-2",
	}})
	require.True(t, ok)

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "connected", decoded["status"])
	assert.Equal(t, true, decoded["is_muted"])
	assert.Equal(t, "u-2", decoded["remote_user_id"])
	assert.NotContains(t, decoded, "started_at")
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestToCallError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{call.ErrAlreadyInCall, "already_in_call"},
		{call.ErrNoIncomingCall, "no_incoming_call"},
		{call.ErrNotInCall, "not_in_call"},
		{call.ErrInvalidTarget, "invalid_target"},
		{call.ErrManagerClosed, "session_closed"},
		{fmt.Errorf("start call: %w", media.ErrMediaUnavailable), "media_unavailable"},
		{&CallError{Code: "custom", Message: "custom"}, "custom"},
		{errors.New("boom"), "call_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ce := toCallError(tt.err)
			assert.Equal(t, tt.code, ce.Code)
			assert.NotEmpty(t, ce.Error())
		})
	}
}
