package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/observer/staffcall/internal/call"
	"github.com/observer/staffcall/internal/signaling"
)

const defaultCommandTimeout = 15 * time.Second

// ManagerFactory creates an unstarted call manager for a user
type ManagerFactory func(self signaling.Identity) (*call.Manager, error)

// session is one signed-in user: a call manager shared by every open tab
type session struct {
	self        signaling.Identity
	manager     *call.Manager
	clients     map[*Client]bool
	unsubscribe func()
}

// SessionInfo describes a live session for diagnostics
type SessionInfo struct {
	UserID  string     `json:"user_id"`
	Name    string     `json:"name"`
	Clients int        `json:"clients"`
	State   call.State `json:"state"`
}

// Hub maintains the set of active sessions and their clients
type Hub struct {
	// Sessions by user ID (one user can have multiple connections)
	sessions map[string]*session

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	// Guards sessions and every session's client set
	mu sync.RWMutex

	newManager     ManagerFactory
	iceServers     []call.ICEServer
	commandTimeout time.Duration
	logger         *slog.Logger
}

// NewHub creates a new Hub. iceServers is echoed to clients on connect.
func NewHub(newManager ManagerFactory, iceServers []call.ICEServer, logger *slog.Logger) *Hub {
	return &Hub{
		sessions:       make(map[string]*session),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		newManager:     newManager,
		iceServers:     iceServers,
		commandTimeout: defaultCommandTimeout,
		logger:         logger.With("component", "hub"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-h.done:
			return
		case client := <-h.register:
			h.handleRegister(ctx, client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Close ends every session. Active calls are hung up.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		sessions := make([]*session, 0, len(h.sessions))
		for _, s := range h.sessions {
			sessions = append(sessions, s)
		}
		h.sessions = make(map[string]*session)
		h.mu.Unlock()

		for _, s := range sessions {
			for client := range s.clients {
				client.close()
			}
			h.closeSession(s)
		}
		h.logger.Info("hub closed", "sessions", len(sessions))
	})
}

func (h *Hub) handleRegister(ctx context.Context, client *Client) {
	select {
	case <-h.done:
		client.close()
		return
	default:
	}
	self := client.Identity()

	h.mu.Lock()
	s, ok := h.sessions[self.ID]
	if !ok {
		var err error
		s, err = h.openSession(ctx, self)
		if err != nil {
			h.mu.Unlock()
			h.logger.Error("failed to open call session", "user_id", self.ID, "error", err)
			client.sendError("session_failed", "Could not start call session")
			close(client.send)
			return
		}
		h.sessions[self.ID] = s
	}
	s.clients[client] = true

	msg, err := NewMessage(EventTypeSessionOpen, SessionOpenPayload{
		UserID:     s.self.ID,
		Name:       s.self.Name,
		State:      s.manager.State(),
		Incoming:   s.manager.Incoming(),
		ICEServers: h.iceServers,
	})
	if err == nil {
		_ = client.Send(msg)
	}
	h.mu.Unlock()

	h.logger.Debug("client connected", "user_id", self.ID, "new_session", !ok)
}

// openSession runs with h.mu held
func (h *Hub) openSession(ctx context.Context, self signaling.Identity) (*session, error) {
	m, err := h.newManager(self)
	if err != nil {
		return nil, err
	}
	s := &session{
		self:    self,
		manager: m,
		clients: make(map[*Client]bool),
	}
	s.unsubscribe = m.Subscribe(h.listenerFor(self.ID))
	if err := m.Start(ctx); err != nil {
		s.unsubscribe()
		_ = m.Close()
		return nil, err
	}
	h.logger.Info("call session opened", "user_id", self.ID)
	return s, nil
}

func (h *Hub) handleUnregister(client *Client) {
	userID := client.UserID()

	h.mu.Lock()
	s, ok := h.sessions[userID]
	if !ok || !s.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(s.clients, client)
	close(client.send)

	var closing *session
	if len(s.clients) == 0 {
		delete(h.sessions, userID)
		closing = s
	}
	h.mu.Unlock()

	h.logger.Debug("client disconnected", "user_id", userID)
	if closing != nil {
		h.closeSession(closing)
	}
}

// closeSession must run without h.mu; closing hangs up and emits events
func (h *Hub) closeSession(s *session) {
	s.unsubscribe()
	if err := s.manager.Close(); err != nil {
		h.logger.Warn("closing call session failed", "user_id", s.self.ID, "error", err)
	}
	h.logger.Info("call session closed", "user_id", s.self.ID)
}

func (h *Hub) managerFor(userID string) *call.Manager {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.sessions[userID]; ok {
		return s.manager
	}
	return nil
}

// HandleMessage runs a client command against the user's call manager
func (h *Hub) HandleMessage(ctx context.Context, client *Client, msg *Message) {
	m := h.managerFor(client.UserID())
	if m == nil {
		client.sendError("no_session", "No call session")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case EventTypeCallStart:
		var p CallStartPayload
		if jerr := json.Unmarshal(msg.Payload, &p); jerr != nil || p.TargetID == "" {
			client.sendError("invalid_payload", "Invalid call start payload")
			return
		}
		err = m.StartCall(ctx, p.TargetID, p.TargetName, p.IsVideo)
	case EventTypeCallAccept:
		err = m.AcceptCall(ctx)
	case EventTypeCallReject:
		err = m.RejectCall(ctx)
	case EventTypeCallEnd:
		err = m.EndCall(ctx)
	case EventTypeCallToggleMute:
		_, err = m.ToggleMute(ctx)
	case EventTypeCallToggleVideo:
		_, err = m.ToggleVideo(ctx)
	default:
		client.sendError("unknown_event", "Unknown event type: "+msg.Type)
		return
	}

	if err != nil {
		ce := toCallError(err)
		h.logger.Debug("call command failed", "user_id", client.UserID(), "type", msg.Type, "code", ce.Code, "error", err)
		client.sendError(ce.Code, ce.Message)
	}
}

// BroadcastToUser sends to all connections of a specific user
func (h *Hub) BroadcastToUser(userID string, eventType string, payload interface{}) {
	msg, err := NewMessage(eventType, payload)
	if err != nil {
		h.logger.Error("failed to create broadcast message", "error", err)
		return
	}

	// Sends are non-blocking; holding the read lock keeps send channels open
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[userID]
	if !ok {
		return
	}
	for client := range s.clients {
		_ = client.Send(msg)
	}
}

// Sessions returns the live sessions ordered by user ID
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]SessionInfo, 0, len(h.sessions))
	for id, s := range h.sessions {
		out = append(out, SessionInfo{
			UserID:  id,
			Name:    s.self.Name,
			Clients: len(s.clients),
			State:   s.manager.State(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
