package websocket

import (
	"github.com/observer/staffcall/internal/call"
)

// listenerFor forwards a manager's events to every connection of its user.
// It runs on the manager loop, so it only queues non-blocking sends.
func (h *Hub) listenerFor(userID string) call.Listener {
	return func(ev call.Event) {
		eventType, payload, ok := eventMessage(ev)
		if !ok {
			return
		}
		h.BroadcastToUser(userID, eventType, payload)
	}
}

// eventMessage maps a call event to its WebSocket event type and payload
func eventMessage(ev call.Event) (string, interface{}, bool) {
	switch ev.Kind {
	case call.EventState:
		return EventTypeCallState, ev.State, true
	case call.EventIncoming:
		return EventTypeCallIncoming, IncomingPayload{Incoming: ev.Incoming}, true
	case call.EventNotice:
		if ev.Notice == nil {
			return "", nil, false
		}
		return EventTypeCallNotice, ev.Notice, true
	case call.EventRemoteTrack:
		if ev.Track == nil {
			return "", nil, false
		}
		return EventTypeCallRemoteTrack, ev.Track, true
	default:
		return "", nil, false
	}
}
