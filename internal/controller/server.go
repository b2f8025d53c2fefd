package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/just-every/magi/internal/comms"
	"github.com/just-every/magi/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server exposes the controller's HTTP surface: the engine and UI sockets,
// the REST endpoints, Prometheus metrics and the static output directory.
type Server struct {
	hub      *Hub
	gatherer prometheus.Gatherer
	logger   *observability.Logger
	httpSrv  *http.Server
}

// NewServer wires the routes. gatherer may be nil to use the default
// registry.
func NewServer(hub *Hub, gatherer prometheus.Gatherer, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{hub: hub, gatherer: gatherer, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/engine/", s.handleEngine)
	mux.HandleFunc("/ws/ui", s.handleUI)
	mux.HandleFunc("/api/processes", s.handleProcesses)
	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if dir := hub.cfg.OutputDir; dir != "" {
		mux.Handle("/output/", http.StripPrefix("/output/", http.FileServer(http.Dir(dir))))
	}

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", hub.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	s.logger.Info(ctx, "controller listening", "addr", s.httpSrv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleEngine(w http.ResponseWriter, r *http.Request) {
	processID := strings.TrimPrefix(r.URL.Path, "/ws/engine/")
	if processID == "" || strings.Contains(processID, "/") {
		http.Error(w, "missing process id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ec, err := s.hub.registerEngine(processID, conn)
	if err != nil {
		conn.Close()
		return
	}
	defer s.hub.unregisterEngine(ec)
	defer conn.Close()

	for {
		var frame comms.EngineFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.ProcessID == "" {
			frame.ProcessID = processID
		}
		s.hub.HandleEngineFrame(r.Context(), frame)
	}
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := &uiSession{hub: s.hub, conn: conn}
	s.hub.registerUI(session)
	session.readLoop(r.Context())
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.Processes()); err != nil {
		s.logger.Warn(r.Context(), "process list encode failed", "error", err)
	}
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := s.hub.CreateProject(r.Context(), req.ProjectID); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
