// Package httpapi exposes the local REST surface: device and structure
// reads, command submission, credential installation, and a websocket feed
// of live state events.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/veldhuis/nestd/internal/core/auth"
	"github.com/veldhuis/nestd/internal/core/device"
	"github.com/veldhuis/nestd/internal/core/nest"
	"github.com/veldhuis/nestd/internal/core/state"
	"github.com/veldhuis/nestd/internal/core/stream"
)

// modelSource is the slice of the registry the API reads.
type modelSource interface {
	Device(id string) (*device.Device, bool)
	Devices() []*device.Device
	Structures() []*device.Structure
}

// syncStatus is the slice of the stream listener the API reads and pokes.
type syncStatus interface {
	Phase() stream.Phase
	LastEventAt() time.Time
	Wake()
}

// commandSender relays write requests into the sync core.
type commandSender interface {
	Send(ctx context.Context, deviceID, command string, payload map[string]any) error
}

// Server is the local HTTP API server.
type Server struct {
	model   modelSource
	sync    syncStatus
	tokens  *auth.TokenManager
	cmds    commandSender
	bus     *state.EventBus
	corsAll bool
	log     *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates the API server. Start nothing here; the caller owns the
// http.Server lifecycle.
func NewServer(
	model modelSource,
	sync syncStatus,
	tokens *auth.TokenManager,
	cmds commandSender,
	bus *state.EventBus,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		model:   model,
		sync:    sync,
		tokens:  tokens,
		cmds:    cmds,
		bus:     bus,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleGetDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/structures", s.handleGetStructures)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	s.mux.HandleFunc("POST /api/devices/{id}/command", s.handleCommand)
	s.mux.HandleFunc("POST /api/credentials", s.handleCredentials)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	Phase       stream.Phase `json:"phase"`
	Devices     int          `json:"devices"`
	LastEventAt time.Time    `json:"last_event_at"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, statusResponse{
		Phase:       s.sync.Phase(),
		Devices:     len(s.model.Devices()),
		LastEventAt: s.sync.LastEventAt(),
	})
}

func (s *Server) handleGetDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.model.Devices())
}

type deviceResponse struct {
	*device.Device
	Commands []string `json:"commands"`
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.model.Device(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	s.writeJSON(w, deviceResponse{Device: d, Commands: device.Commands(d.Type)})
}

func (s *Server) handleGetStructures(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.model.Structures())
}

type commandBody struct {
	Command string         `json:"command"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body commandBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	err := s.cmds.Send(r.Context(), r.PathValue("id"), body.Command, body.Payload)
	if err != nil {
		switch {
		case nest.IsCommandRejected(err):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case auth.IsReauthRequired(err):
			s.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			s.writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

type credentialsBody struct {
	RefreshToken string `json:"refresh_token"`
	IssueToken   string `json:"issue_token"`
	Cookies      string `json:"cookies"`
}

// handleCredentials installs a fresh credential and wakes the sync loop.
// This is the recovery path after an auth_required event.
func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	cred := auth.Credential{
		RefreshToken: body.RefreshToken,
		IssueToken:   body.IssueToken,
		Cookies:      body.Cookies,
	}
	if !cred.Valid() {
		s.writeError(w, http.StatusBadRequest, "refresh_token or issue_token+cookies required")
		return
	}

	s.tokens.SetCredential(cred)
	s.sync.Wake()

	s.log.Info("new credentials installed via API")
	s.writeJSON(w, map[string]string{"status": "ok"})
}
