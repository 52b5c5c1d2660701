// Package signaling carries call setup messages between two users over the
// pub/sub broker. Each user listens on its own topic for the lifetime of the
// session; peers publish into it.
package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidMessage is returned for signals that fail validation
var ErrInvalidMessage = errors.New("signaling: invalid message")

// Type discriminates signal messages
type Type string

const (
	TypeCallRequest  Type = "call-request"
	TypeCallAccepted Type = "call-accepted"
	TypeCallRejected Type = "call-rejected"
	TypeCallEnded    Type = "call-ended"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

// Reasons attached to call-rejected and call-ended
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
	ReasonNoAnswer = "no-answer"
	ReasonHangup   = "hangup"
	ReasonFailed   = "failed"
)

// Message is the signal exchanged between peers.
// Session and Seq are stamped by the transport and used to restore per-sender order.
type Message struct {
	Type      Type                       `json:"type"`
	From      string                     `json:"from"`
	FromName  string                     `json:"fromName"`
	To        string                     `json:"to"`
	IsVideo   bool                       `json:"isVideo"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	Session   string                     `json:"session,omitempty"`
	Seq       uint64                     `json:"seq,omitempty"`
}

// Validate checks the fields each message type depends on
func (m *Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}

	switch m.Type {
	case TypeCallRequest, TypeCallAccepted, TypeCallRejected, TypeCallEnded:
		return nil
	case TypeOffer:
		if m.SDP == nil || m.SDP.Type != webrtc.SDPTypeOffer || m.SDP.SDP == "" {
			return fmt.Errorf("%w: offer without offer description", ErrInvalidMessage)
		}
	case TypeAnswer:
		if m.SDP == nil || m.SDP.Type != webrtc.SDPTypeAnswer || m.SDP.SDP == "" {
			return fmt.Errorf("%w: answer without answer description", ErrInvalidMessage)
		}
	case TypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}
