// Package api exposes the lifecycle workflows over HTTP. Every mutating call
// only queues work and answers 202 with the entity as it was right after the
// request was accepted; clients poll the entity for progress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/environment"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/shutdown"
	"github.com/sharma-anuradha/codespaces-in-codespaces-sub002/workflows/start"
)

type StartWorkflow interface {
	Create(ctx context.Context, req start.CreateRequest) (*environment.Environment, error)
	Resume(ctx context.Context, id string, opts start.Options) error
	Export(ctx context.Context, id string, opts start.Options) error
	Update(ctx context.Context, id string, opts start.Options) error
}

type ShutdownWorkflow interface {
	Start(ctx context.Context, id string, opts shutdown.Options) error
}

type ArchiveWorkflow interface {
	Start(ctx context.Context, id string) error
}

type Environments interface {
	Get(ctx context.Context, id string) (*environment.Environment, error)
}

type Server struct {
	start    StartWorkflow
	shutdown ShutdownWorkflow
	archive  ArchiveWorkflow
	envs     Environments
	plugins  []Plugin
	logger   *zap.Logger
}

func NewServer(
	startWF StartWorkflow,
	shutdownWF ShutdownWorkflow,
	archiveWF ArchiveWorkflow,
	envs Environments,
	logger *zap.Logger,
	plugins ...Plugin,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		start:    startWF,
		shutdown: shutdownWF,
		archive:  archiveWF,
		envs:     envs,
		plugins:  plugins,
		logger:   logger.Named("api"),
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.HandleHealth)

	// Environments
	mux.HandleFunc("POST /api/environments", s.HandleCreateEnvironment)
	mux.HandleFunc("GET /api/environments/{id}", s.HandleGetEnvironment)

	// Lifecycle actions
	mux.HandleFunc("POST /api/environments/{id}/resume", s.HandleResumeEnvironment)
	mux.HandleFunc("POST /api/environments/{id}/export", s.HandleExportEnvironment)
	mux.HandleFunc("POST /api/environments/{id}/update", s.HandleUpdateEnvironment)
	mux.HandleFunc("POST /api/environments/{id}/shutdown", s.HandleShutdownEnvironment)
	mux.HandleFunc("POST /api/environments/{id}/archive", s.HandleArchiveEnvironment)

	for _, plugin := range s.plugins {
		plugin.RegisterRoutes(mux)
		s.logger.Debug("api plugin registered",
			zap.String("plugin", plugin.Name()),
			zap.String("description", plugin.Description()))
	}

	return mux
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) HandleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if err := decodeBody(r, &req); err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)
		return
	}

	if req.SKUName == "" {
		WriteErrorResponse(w, fmt.Errorf("%w: sku_name is required", errBadRequest), http.StatusBadRequest)
		return
	}

	env, err := s.start.Create(r.Context(), start.CreateRequest{
		FriendlyName: req.FriendlyName,
		OwnerID:      req.OwnerID,
		PlanID:       req.PlanID,
		SKUName:      req.SKUName,
		Location:     req.Location,
		Variables:    req.Variables,
	})
	if err != nil {
		s.fail(w, "create environment", "", err)
		return
	}

	writeJSON(w, http.StatusAccepted, env)
}

func (s *Server) HandleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	env, err := s.envs.Get(r.Context(), id)
	if err != nil {
		s.fail(w, "get environment", id, err)
		return
	}

	writeJSON(w, http.StatusOK, env)
}

func (s *Server) HandleResumeEnvironment(w http.ResponseWriter, r *http.Request) {
	s.handleStartAction(w, r, "resume", s.start.Resume)
}

func (s *Server) HandleExportEnvironment(w http.ResponseWriter, r *http.Request) {
	s.handleStartAction(w, r, "export", s.start.Export)
}

func (s *Server) HandleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	s.handleStartAction(w, r, "update", s.start.Update)
}

func (s *Server) handleStartAction(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	run func(ctx context.Context, id string, opts start.Options) error,
) {
	id := r.PathValue("id")

	var req ActionRequest
	if err := decodeBody(r, &req); err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)
		return
	}

	if err := run(r.Context(), id, start.Options{Reason: req.Reason, Variables: req.Variables}); err != nil {
		s.fail(w, action+" environment", id, err)
		return
	}

	s.respondAccepted(w, r, id)
}

func (s *Server) HandleShutdownEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req ShutdownRequest
	if err := decodeBody(r, &req); err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)
		return
	}

	if raw := r.URL.Query().Get("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			WriteErrorResponse(w, fmt.Errorf("%w: invalid force parameter %q", errBadRequest, raw), http.StatusBadRequest)
			return
		}
		req.Force = force
	}

	if err := s.shutdown.Start(r.Context(), id, shutdown.Options{Force: req.Force, Reason: req.Reason}); err != nil {
		s.fail(w, "shutdown environment", id, err)
		return
	}

	s.respondAccepted(w, r, id)
}

func (s *Server) HandleArchiveEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.archive.Start(r.Context(), id); err != nil {
		s.fail(w, "archive environment", id, err)
		return
	}

	s.respondAccepted(w, r, id)
}

func (s *Server) respondAccepted(w http.ResponseWriter, r *http.Request, id string) {
	env, err := s.envs.Get(r.Context(), id)
	if err != nil {
		s.fail(w, "get environment", id, err)
		return
	}

	writeJSON(w, http.StatusAccepted, env)
}

func (s *Server) fail(w http.ResponseWriter, op, id string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("operation", op),
			zap.String("environment_id", id),
			zap.Error(err))
		WriteErrorResponse(w, fmt.Errorf("failed to %s: %w", op, err), status)
		return
	}

	WriteErrorResponse(w, err, status)
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
