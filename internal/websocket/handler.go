package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/observer/staffcall/internal/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge serves the local UI only; origin checks happen at the proxy
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const maxIdentityLen = 128

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a WebSocket handler
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
	}
}

// ServeHTTP upgrades GET /ws?user_id=..&name=.. and attaches the connection
// to that user's call session. The identity is taken as given and must be
// set by an authenticating proxy in front of this handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	self, ok := identityFromQuery(r)
	if !ok {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn, self, h.logger)

	// The request context gets cancelled when ServeHTTP returns after upgrade
	ctx, cancel := context.WithCancel(context.Background())
	client.SetCancelFunc(cancel)
	h.hub.Register(client)

	go client.WritePump(ctx)
	client.ReadPump(ctx) // Block here until client disconnects
}

func identityFromQuery(r *http.Request) (signaling.Identity, bool) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("user_id"))
	if id == "" || len(id) > maxIdentityLen {
		return signaling.Identity{}, false
	}
	name := strings.TrimSpace(q.Get("name"))
	if name == "" {
		name = id
	}
	if len(name) > maxIdentityLen {
		name = name[:maxIdentityLen]
	}
	return signaling.Identity{ID: id, Name: name}, true
}
