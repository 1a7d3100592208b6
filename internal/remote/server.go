// Package remote exposes a world over HTTP so a capture loop in another
// process can drive it, and provides the matching client stepper.
package remote

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/san-kum/simcap/internal/world"
)

type StepRequest struct {
	Dt float64 `json:"dt"`
}

type StepResponse struct {
	Frame   uint64  `json:"frame"`
	Elapsed float64 `json:"elapsed"`
}

type Health struct {
	Status string            `json:"status"`
	Frame  uint64            `json:"frame"`
	Agents []world.AgentInfo `json:"agents"`
}

type errorBody struct {
	Error string `json:"error"`
}

type Server struct {
	world  *world.World
	logger *slog.Logger
	router *mux.Router
}

func NewServer(w *world.World, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{world: w, logger: logger.With("component", "remote")}

	r := mux.NewRouter()
	r.HandleFunc("/v1/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/step", s.step).Methods(http.MethodPost)
	s.router = r
	return s
}

// Handler wraps the router with an access log written to out.
func (s *Server) Handler(out io.Writer) http.Handler {
	if out == nil {
		return s.router
	}
	return handlers.LoggingHandler(out, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{Status: "ok", Frame: s.world.Frame(), Agents: s.world.Agents()})
}

func (s *Server) step(w http.ResponseWriter, r *http.Request) {
	var req StepRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}

	err := s.world.Step(r.Context(), req.Dt)
	switch {
	case err == nil:
	case errors.Is(err, world.ErrInvalidDt):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	case errors.Is(err, world.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	default:
		s.logger.Warn("step failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StepResponse{Frame: s.world.Frame(), Elapsed: s.world.Elapsed()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
