// Package admin serves the HTTP status endpoints enabled with --server.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	goruntime "runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"unicorn/internal/logging"
	"unicorn/internal/plugins"
)

// Status is the bot state reported by /status.
type Status struct {
	Name       string          `json:"name"`
	Connection string          `json:"connection"`
	User       string          `json:"user,omitempty"`
	Handle     string          `json:"handle,omitempty"`
	Attempts   int             `json:"reconnectAttempts"`
	Pending    string          `json:"pendingReconnect,omitempty"`
	Fatal      string          `json:"fatal,omitempty"`
	Dials      int             `json:"dials"`
	Plugins    int             `json:"plugins"`
	Support    map[string]bool `json:"support,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	Uptime     string          `json:"uptime"`
	Process    ProcessStats    `json:"process"`
}

// ProcessStats describes this process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Goroutines int     `json:"goroutines"`
}

// StatusSource produces the runtime part of Status.
type StatusSource interface {
	Status() Status
}

// PluginInfo is one entry of /plugins.
type PluginInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Events     []string  `json:"events"`
	Commands   []string  `json:"commands,omitempty"`
	Generation uint64    `json:"generation"`
	LoadedAt   time.Time `json:"loadedAt"`
}

// Server is the admin HTTP server.
type Server struct {
	source   StatusSource
	registry *plugins.Registry
	proc     *process.Process
	log      *zap.SugaredLogger
	srv      *http.Server
}

// NewServer creates a server; call ListenAndServe to start it.
func NewServer(source StatusSource, registry *plugins.Registry) *Server {
	s := &Server{
		source:   source,
		registry: registry,
		log:      logging.Get(logging.CategoryAdmin),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		s.log.Warnw("process stats unavailable", "error", err)
	}
	return s
}

// SetupRoutes registers the handlers on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/plugins", s.handlePlugins)
}

// Handler returns a mux with every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}
	st.Process = s.processStats(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Snapshot()
	out := make([]PluginInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, PluginInfo{
			ID:         e.ID,
			Name:       e.Module.Name,
			Events:     e.Module.Events(),
			Commands:   e.Module.Commands,
			Generation: e.Module.Generation,
			LoadedAt:   e.LoadedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) processStats(ctx context.Context) ProcessStats {
	ps := ProcessStats{PID: os.Getpid(), Goroutines: goruntime.NumGoroutine()}
	if s.proc == nil {
		return ps
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		ps.CPUPercent = cpu
	}
	return ps
}

// ListenAndServe serves on host:port until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("admin server listening", "addr", addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.srv.Shutdown(shutdownCtx)
		<-errCh
		s.log.Infow("admin server stopped")
		return err
	}
}
