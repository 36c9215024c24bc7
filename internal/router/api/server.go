// Package api exposes the router's HTTP surface to UI clients. Each
// handler validates the payload, resolves the run on disk, opens the run
// store for the duration of the request, and delegates to the pipeline
// driver or the state projection.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/oakmund/storyrouter/internal/router/moduleclient"
	"github.com/oakmund/storyrouter/internal/router/registry"
)

// Config defines the inputs for the router API server.
type Config struct {
	// GameProjectsRoot is the directory holding game project folders.
	GameProjectsRoot string
	// DefaultGameProjectID is the project new runs start from.
	DefaultGameProjectID string
	// Bindings are the environment module URLs.
	Bindings registry.Bindings
	// ModuleTimeout bounds each module RPC.
	ModuleTimeout time.Duration
}

// Server hosts the router HTTP API.
type Server struct {
	cfg    Config
	client *moduleclient.Client
}

// NewServer creates a server and its shared module client.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		client: moduleclient.New(cfg.ModuleTimeout),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/game_projects/", s.handleGameProjects)
	mux.HandleFunc("/run/start", s.handleRunStart)
	mux.HandleFunc("/run/", s.handleRunSubtree)
	mux.HandleFunc("/turn", s.handleTurn)
	mux.HandleFunc("/turn/step/start", s.handleStepStart)
	mux.HandleFunc("/turn/step/next", s.handleStepNext)
	return withRequestLog(mux)
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, port int, cfg Config) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewServer(cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", server.Addr, err)
	}
	log.Printf("router API listening on %s", listener.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(started).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
