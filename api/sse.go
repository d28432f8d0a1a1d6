package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"taglink/push"
)

// sseClient is one connected event-stream consumer.
type sseClient struct {
	events chan push.Item
	done   chan struct{}
}

// eventHub fans tag observations out to connected SSE clients.
type eventHub struct {
	mu      sync.Mutex
	clients map[*sseClient]struct{}
	running bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: map[*sseClient]struct{}{}}
}

func (h *eventHub) start() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
}

func (h *eventHub) stop() {
	h.mu.Lock()
	h.running = false
	for c := range h.clients {
		close(c.done)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *eventHub) add(c *sseClient) {
	h.mu.Lock()
	if h.running {
		h.clients[c] = struct{}{}
	} else {
		close(c.done)
	}
	h.mu.Unlock()
}

func (h *eventHub) remove(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// broadcastItem delivers one observation to every client; slow clients
// miss events rather than blocking the hub.
func (h *eventHub) broadcastItem(item push.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.events <- item:
		default:
		}
	}
}

// handleEvents streams tag events as Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &sseClient{
		events: make(chan push.Item, 64),
		done:   make(chan struct{}),
	}
	s.hub.add(client)
	defer s.hub.remove(client)

	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case item := <-client.events:
			payload, err := json.Marshal(item)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: tag\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
