// Package server exposes the previewhub HTTP surface: the preview lifecycle
// API and the proxy path browsers load previews through.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/craftsite/previewhub/internal/httputils"
	"github.com/craftsite/previewhub/internal/inspect"
	"github.com/craftsite/previewhub/internal/preview"
	"github.com/craftsite/previewhub/internal/proxy"
)

const startBurst = 2

// TokenVerifier validates bearer credentials.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Server routes API and proxy traffic. Routing is a hand-rolled path switch;
// the URL space is small enough that a router dependency buys nothing.
type Server struct {
	registry *preview.PreviewRegistry
	tracker  *proxy.RouteTracker
	renderer *inspect.Renderer
	gateway  *proxy.Gateway
	verifier TokenVerifier
	logger   *slog.Logger

	proxyBase string
	startRate rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	httpServer *http.Server
}

// Config holds the Server dependencies.
type Config struct {
	Registry           *preview.PreviewRegistry
	Tracker            *proxy.RouteTracker
	Renderer           *inspect.Renderer
	Gateway            *proxy.Gateway
	Verifier           TokenVerifier
	Logger             *slog.Logger
	ProxyBase          string  // e.g. "/preview"
	StartRatePerMinute float64 // Start() calls allowed per user per minute
}

// New creates a Server.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proxyBase := strings.TrimRight(config.ProxyBase, "/")
	if proxyBase == "" {
		proxyBase = "/preview"
	}
	perMinute := config.StartRatePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	return &Server{
		registry:  config.Registry,
		tracker:   config.Tracker,
		renderer:  config.Renderer,
		gateway:   config.Gateway,
		verifier:  config.Verifier,
		logger:    logger.With("component", "Server"),
		proxyBase: proxyBase,
		startRate: rate.Limit(perMinute / 60.0),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Start begins serving on listenAddr and blocks until the server is shut
// down.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      http.HandlerFunc(s.handleRequest),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("Starting previewhub server", "address", listenAddr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	// Browser traffic for preview pages; the gateway does its own auth.
	if strings.HasPrefix(r.URL.Path, s.proxyBase+"/") {
		s.gateway.ServeHTTP(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api/previews") {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	userID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/previews")
	rest = strings.Trim(rest, "/")

	switch {
	case rest == "" && r.Method == http.MethodPost:
		s.handleStart(w, r, userID)
	case rest == "" && r.Method == http.MethodGet:
		s.handleList(w, r)
	default:
		parts := strings.SplitN(rest, "/", 2)
		instanceID := parts[0]
		sub := ""
		if len(parts) == 2 {
			sub = parts[1]
		}
		switch {
		case sub == "" && r.Method == http.MethodGet:
			s.handleStatus(w, r, instanceID)
		case sub == "" && r.Method == http.MethodDelete:
			s.handleStop(w, r, instanceID)
		case sub == "route" && r.Method == http.MethodGet:
			s.handleGetRoute(w, r, instanceID)
		case sub == "route" && r.Method == http.MethodPost:
			s.handleSetRoute(w, r, instanceID)
		case sub == "inspect" && r.Method == http.MethodGet:
			s.handleInspect(w, r, instanceID)
		default:
			http.Error(w, "Not Found", http.StatusNotFound)
		}
	}
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("missing bearer token")
	}
	return s.verifier.Verify(strings.TrimPrefix(header, "Bearer "))
}

// limiterFor returns the per-user start limiter, creating it on first use.
func (s *Server) limiterFor(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(s.startRate, startBurst)
		s.limiters[userID] = limiter
	}
	return limiter
}

type startRequest struct {
	ProjectID string `json:"projectId"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, userID string) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	if !s.limiterFor(userID).Allow() {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	inst, err := s.registry.Start(r.Context(), req.ProjectID, userID)
	if err != nil {
		// Only pre-instance failures (port exhaustion) surface here.
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusServiceUnavailable)
		return
	}
	httputils.HandleAPIResponse(w, r, inst.Snapshot(), nil, http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("projectId query parameter is required"), http.StatusBadRequest)
		return
	}
	instances := s.registry.ListByProject(projectID)
	snapshots := make([]preview.Snapshot, 0, len(instances))
	for _, inst := range instances {
		snapshots = append(snapshots, inst.Snapshot())
	}
	httputils.HandleAPIResponse(w, r, snapshots, nil, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, instanceID string) {
	inst, exists := s.registry.Get(instanceID)
	if !exists {
		httputils.HandleAPIResponse(w, r, nil, preview.ErrInstanceNotFound, http.StatusNotFound)
		return
	}
	httputils.HandleAPIResponse(w, r, inst.Snapshot(), nil, http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, instanceID string) {
	err := s.registry.Stop(r.Context(), instanceID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, preview.ErrInstanceNotFound) {
			status = http.StatusNotFound
		}
		httputils.HandleAPIResponse(w, r, nil, err, status)
		return
	}
	httputils.HandleAPIResponse(w, r, map[string]string{"status": "stopped"}, nil, http.StatusOK)
}

type setRouteRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request, instanceID string) {
	var req setRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	s.tracker.Set(instanceID, req.Path)
	httputils.HandleAPIResponse(w, r, map[string]string{"path": req.Path}, nil, http.StatusOK)
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request, instanceID string) {
	httputils.HandleAPIResponse(w, r, map[string]string{"path": s.tracker.Get(instanceID)}, nil, http.StatusOK)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request, instanceID string) {
	markup, err := s.renderer.Render(r.Context(), instanceID, r.URL.Query().Get("path"))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, inspect.ErrNotRunning) {
			status = http.StatusConflict
		}
		httputils.HandleAPIResponse(w, r, nil, err, status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(markup))
}
