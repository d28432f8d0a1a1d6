// Package api serves a small diagnostic HTTP surface over the tag
// runtime: library and session status, the live tag list, and a
// Server-Sent-Events stream of tag events. It is unauthenticated and
// intended for localhost use.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"taglink"
	"taglink/logging"
	"taglink/push"
)

// Server is the monitor HTTP server.
type Server struct {
	listen string
	hub    *eventHub
	http   *http.Server

	mu      sync.Mutex
	running bool
}

// NewServer creates a monitor server for the listen address.
func NewServer(listen string) *Server {
	return &Server{
		listen: listen,
		hub:    newEventHub(),
	}
}

// Notify broadcasts one tag observation to connected SSE clients. Wire
// it as a push.Publisher alongside the broker bridges.
func (s *Server) Notify(item push.Item) error {
	s.hub.broadcastItem(item)
	return nil
}

// Name implements push.Publisher.
func (s *Server) Name() string { return "monitor" }

// IsRunning implements push.Publisher.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Publish implements push.Publisher.
func (s *Server) Publish(item push.Item) error { return s.Notify(item) }

// Start launches the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.hub.start()

	r := chi.NewRouter()
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/tags", s.handleTags)
	r.Get("/api/sessions", s.handleSessions)
	r.Get("/api/events", s.handleEvents)

	s.http = &http.Server{Addr: s.listen, Handler: r}
	s.running = true

	go func() {
		logging.Info("api", "monitor listening on %s", s.listen)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("api", "monitor server: %v", err)
		}
	}()

	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.running = false
	s.mu.Unlock()

	s.hub.stop()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// StatusResponse is the JSON body of /api/status.
type StatusResponse struct {
	Version  string `json:"version"`
	TagCount int    `json:"tag_count"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusResponse{
		Version:  fmt.Sprintf("%d.%d.%d", taglink.VersionMajor, taglink.VersionMinor, taglink.VersionPatch),
		TagCount: taglink.TagCount(),
		Sessions: len(taglink.Sessions()),
	})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, taglink.Tags())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, taglink.Sessions())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
