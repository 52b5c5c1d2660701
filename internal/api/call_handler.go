package api

import (
	"log/slog"
	"net/http"

	"github.com/observer/staffcall/internal/call"
	"github.com/observer/staffcall/internal/websocket"
)

// SessionLister reports live call sessions
type SessionLister interface {
	Sessions() []websocket.SessionInfo
}

// CallHandler handles call-related HTTP endpoints
type CallHandler struct {
	callCfg  call.Config
	sessions SessionLister
	logger   *slog.Logger
}

// NewCallHandler creates a new CallHandler
func NewCallHandler(callCfg call.Config, sessions SessionLister, logger *slog.Logger) *CallHandler {
	return &CallHandler{
		callCfg:  callCfg,
		sessions: sessions,
		logger:   logger,
	}
}

// CallConfigResponse is what a browser client needs to build its own peer connection
type CallConfigResponse struct {
	ICEServers          []call.ICEServer `json:"ice_servers"`
	CandidatePoolSize   uint8            `json:"ice_candidate_pool_size"`
	SetupTimeoutSeconds int              `json:"setup_timeout_seconds"`
}

// GetConfig godoc
// @Summary Get ICE servers and call timing
// @Tags calls
// @Produce json
// @Success 200 {object} CallConfigResponse
// @Router /calls/config [get]
func (h *CallHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CallConfigResponse{
		ICEServers:          h.callCfg.GetICEServers(),
		CandidatePoolSize:   h.callCfg.CandidatePoolSize,
		SetupTimeoutSeconds: int(h.callCfg.SetupTimeout.Seconds()),
	})
}

// ListSessions godoc
// @Summary List connected users and their call state
// @Tags calls
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /calls/sessions [get]
func (h *CallHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Sessions unavailable")
		return
	}
	sessions := h.sessions.Sessions()

	active := 0
	for _, s := range sessions {
		if s.State.Active() {
			active++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":     sessions,
		"count":        len(sessions),
		"active_calls": active,
	})
}
