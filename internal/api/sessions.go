package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"agentrouter/internal/audit"
	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/metrics"
	"agentrouter/internal/orchestrator"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// SessionService is the part of the orchestrator the HTTP API drives
type SessionService interface {
	StartSession(ctx context.Context, req orchestrator.StartRequest) (string, error)
	GetSessionStatus(id string) (*collaboration.Session, error)
	CancelSession(id string) error
	Subscribe(id string) (<-chan collaboration.Event, func(), error)
	Roles() []*role.AgentRole
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// SessionHandler serves the session and role endpoints
type SessionHandler struct {
	sessions SessionService
	audit    audit.Reader
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewSessionHandler creates the handler. reader may be nil when no queryable audit store is wired.
func NewSessionHandler(sessions SessionService, reader audit.Reader, log *logger.Logger) *SessionHandler {
	if log == nil {
		log = logger.Get()
	}
	return &SessionHandler{
		sessions: sessions,
		audit:    reader,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With("component", "session_api"),
	}
}

// Register mounts the routes on mux
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.handleStart)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.handleCancel)
	mux.HandleFunc("GET /api/v1/sessions/{id}/stream", h.handleStream)
	mux.HandleFunc("GET /api/v1/sessions/{id}/decisions", h.handleDecisions)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /api/v1/roles", h.handleRoles)
}

type startRequest struct {
	Symbols            []string                    `json:"symbols"`
	Strategy           string                      `json:"strategy"`
	Roster             []collaboration.RosterEntry `json:"roster,omitempty"`
	Budget             *decimal.Decimal            `json:"budget,omitempty"`
	MaxIterations      *int                        `json:"max_iterations,omitempty"`
	ConsensusThreshold *float64                    `json:"consensus_threshold,omitempty"`
	Complexity         string                      `json:"complexity,omitempty"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *SessionHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	id, err := h.sessions.StartSession(r.Context(), orchestrator.StartRequest{
		Symbols:            req.Symbols,
		Strategy:           collaboration.Strategy(req.Strategy),
		Roster:             req.Roster,
		Budget:             req.Budget,
		MaxIterations:      req.MaxIterations,
		ConsensusThreshold: req.ConsensusThreshold,
		Complexity:         role.Complexity(req.Complexity),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/sessions/"+id)
	writeJSON(w, http.StatusAccepted, startResponse{SessionID: id})
}

func (h *SessionHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.GetSessionStatus(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SessionHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.CancelSession(id); err != nil {
		h.writeError(w, err)
		return
	}
	s, err := h.sessions.GetSessionStatus(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *SessionHandler) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "no queryable audit store configured"})
		return
	}
	decisions, err := h.audit.RoutingDecisions(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (h *SessionHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "no queryable audit store configured"})
		return
	}
	events, err := h.audit.CollaborationEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type roleView struct {
	Name        string                     `json:"name"`
	Type        role.Type                  `json:"type"`
	Description string                     `json:"description,omitempty"`
	Preferred   []role.ModelRef            `json:"preferred"`
	Fallback    []role.ModelRef            `json:"fallback"`
	Tiers       map[role.Complexity]string `json:"tiers,omitempty"`
	Weights     role.Weights               `json:"weights"`
}

func (h *SessionHandler) handleRoles(w http.ResponseWriter, _ *http.Request) {
	roles := h.sessions.Roles()
	out := make([]roleView, 0, len(roles))
	for _, r := range roles {
		out = append(out, roleView{
			Name:        r.Name,
			Type:        r.Type,
			Description: r.Description,
			Preferred:   r.Preferred,
			Fallback:    r.Fallback,
			Tiers:       r.Tiers,
			Weights:     r.Weights,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStream upgrades to a websocket and forwards session events until the session closes
func (h *SessionHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, unsubscribe, err := h.sessions.Subscribe(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("Websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()

	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	// Reader goroutine handles pongs and notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				h.log.Debugw("Stream write failed", "session_id", id, "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *SessionHandler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errors.ErrSessionTerminal):
		code = http.StatusConflict
	case errors.Is(err, errors.ErrConfiguration), errors.Is(err, errors.ErrInvalidInput):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		h.log.Errorw("Request failed", "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
