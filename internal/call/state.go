package call

import "time"

// Status is the call lifecycle position
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

// State is what the UI renders. The zero value is not idle; use idleState.
type State struct {
	Status         Status    `json:"status"`
	IsVideo        bool      `json:"is_video"`
	IsMuted        bool      `json:"is_muted"`
	IsVideoOff     bool      `json:"is_video_off"`
	RemoteUserID   string    `json:"remote_user_id,omitempty"`
	RemoteUserName string    `json:"remote_user_name,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
}

func idleState() State {
	return State{Status: StatusIdle}
}

// Active reports whether a call is in progress
func (s State) Active() bool {
	return s.Status != StatusIdle && s.Status != StatusEnded && s.Status != ""
}

// IncomingCall is a call request awaiting accept or reject
type IncomingCall struct {
	From       string    `json:"from"`
	FromName   string    `json:"from_name"`
	IsVideo    bool      `json:"is_video"`
	ReceivedAt time.Time `json:"received_at"`
}

// NoticeKind classifies user-facing notifications
type NoticeKind string

const (
	NoticeRejected       NoticeKind = "rejected"
	NoticeBusy           NoticeKind = "busy"
	NoticeEnded          NoticeKind = "ended"
	NoticeNoAnswer       NoticeKind = "no-answer"
	NoticeMissed         NoticeKind = "missed"
	NoticeMediaError     NoticeKind = "media-error"
	NoticeConnectionLost NoticeKind = "connection-lost"
	NoticeFailed         NoticeKind = "failed"
)

type Notice struct {
	Kind         NoticeKind `json:"kind"`
	RemoteUserID string     `json:"remote_user_id,omitempty"`
	RemoteName   string     `json:"remote_name,omitempty"`
	Detail       string     `json:"detail,omitempty"`
}

// RemoteTrack describes a track received from the peer
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec"`
}

type EventKind string

const (
	EventState       EventKind = "state"
	EventIncoming    EventKind = "incoming"
	EventNotice      EventKind = "notice"
	EventRemoteTrack EventKind = "remote-track"
)

// Event is delivered to listeners. Exactly one payload field matches Kind;
// Incoming is nil when a pending request was cleared.
type Event struct {
	Kind     EventKind
	State    State
	Incoming *IncomingCall
	Notice   *Notice
	Track    *RemoteTrack
}

// Listener observes a manager. It runs on the manager's loop and must not
// call back into the manager.
type Listener func(Event)
