// Package http exposes the control surface: a JSON API over the meeting
// coordinator, a Prometheus endpoint and a websocket push channel.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/errors"
	"meetbot-server/pkg/meeting"
	"meetbot-server/pkg/metrics"
)

// Coordinator is the slice of the meeting coordinator the API drives.
type Coordinator interface {
	Snapshot() []meeting.Record
	Transcript(meetingID string) []meeting.TranscriptEntry
	Join(ctx context.Context, meetingID string) error
	Leave(ctx context.Context, meetingID string) error
	LeaveAll(ctx context.Context)
	Restart(ctx context.Context, meetingID string) error
	Simulate(ctx context.Context, meetingID, speaker, text string) error
	AutoManage() bool
	SetAutoManage(enabled bool)
}

// Server is the HTTP control surface.
type Server struct {
	logger      *logrus.Logger
	coordinator Coordinator
	hub         *EventHub
	httpServer  *http.Server
}

// NewServer builds the server and its routes.
func NewServer(logger *logrus.Logger, coordinator Coordinator, hub *EventHub, port int) *Server {
	s := &Server{
		logger:      logger,
		coordinator: coordinator,
		hub:         hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/meetings", s.handleMeetings)
	mux.HandleFunc("GET /api/meetings/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("POST /api/meetings/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /api/meetings/{id}/leave", s.handleLeave)
	mux.HandleFunc("POST /api/meetings/{id}/restart", s.handleRestart)
	mux.HandleFunc("POST /api/meetings/{id}/simulate", s.handleSimulate)
	mux.HandleFunc("POST /api/leave", s.handleLeaveAll)
	mux.HandleFunc("POST /api/automanage", s.handleAutoManage)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", hub.ServeWs)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start runs the listener in the background.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrMeetingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrSessionLimit), errors.Is(err, errors.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

type meetingsResponse struct {
	Meetings   []meeting.Record `json:"meetings"`
	AutoManage bool             `json:"auto_manage"`
}

func (s *Server) handleMeetings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, meetingsResponse{
		Meetings:   s.coordinator.Snapshot(),
		AutoManage: s.coordinator.AutoManage(),
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries := s.coordinator.Transcript(r.PathValue("id"))
	if entries == nil {
		entries = []meeting.TranscriptEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Join(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "joining"})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Leave(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Restart(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (s *Server) handleLeaveAll(w http.ResponseWriter, r *http.Request) {
	s.coordinator.LeaveAll(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "left_all"})
}

type autoManageRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAutoManage(w http.ResponseWriter, r *http.Request) {
	var req autoManageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("invalid body: %w", errors.ErrInvalidInput))
		return
	}
	s.coordinator.SetAutoManage(req.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"auto_manage": req.Enabled})
}

type simulateRequest struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		s.writeError(w, fmt.Errorf("simulate requires a non-empty text field: %w", errors.ErrInvalidInput))
		return
	}
	if err := s.coordinator.Simulate(r.Context(), r.PathValue("id"), req.Speaker, req.Text); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "simulated"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"meetings": len(s.coordinator.Snapshot()),
		"time":     time.Now().UTC(),
	})
}
