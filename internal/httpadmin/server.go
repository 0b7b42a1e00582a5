// Package httpadmin exposes the broker's read-only admin surface: liveness,
// a snapshot of the routing table, Prometheus exposition, and an SSE tap for
// watching a channel during development. None of this is part of the wire
// protocol — a client never talks to it. The routing table is driven
// entirely by client subscription declarations; the admin surface only
// observes it.
package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ydl-project/ydl/broker"
	"github.com/ydl-project/ydl/internal/logger"
)

// Server is the broker's admin HTTP server.
type Server struct {
	log    *logger.Logger
	table  *broker.Table
	server *http.Server
}

// New creates an admin server bound to addr. Register it with the same
// routing table the broker's Service uses so /channels and /debug/tap
// reflect live state.
func New(addr string, table *broker.Table, log *logger.Logger) *Server {
	s := &Server{log: log, table: table}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/tap", s.handleDebugTap)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // the SSE tap holds its response open indefinitely
	}
	return s
}

// ListenAndServe blocks serving the admin surface until Close is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("admin HTTP listening on %s", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the admin server down.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.table.ListChannels())
}

// tapSubscriber implements broker.Subscriber by writing each raw frame it's
// handed as one SSE "data:" event to an HTTP response. Unlike a real wire
// subscriber it does not go through a bounded outbound queue: the debug tap
// is a development aid, not a production consumer, and a slow browser
// should not be able to disconnect itself via the same backpressure policy
// that protects the bus from a slow production subscriber.
type tapSubscriber struct {
	id      string
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func (t *tapSubscriber) ID() string { return t.id }

func (t *tapSubscriber) Enqueue(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// frame is length-prefixed wire bytes; skip the 4-byte prefix and emit
	// the JSON body directly, since SSE has its own framing.
	if len(frame) < 4 {
		return
	}
	_, _ = t.w.Write([]byte("data: "))
	_, _ = t.w.Write(frame[4:])
	_, _ = t.w.Write([]byte("\n\n"))
	if t.flusher != nil {
		t.flusher.Flush()
	}
}

func (s *Server) handleDebugTap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "missing query parameter: channel", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sub := &tapSubscriber{id: "debug-tap-" + channel, w: w, flusher: flusher}
	s.table.Subscribe(channel, sub)
	defer s.table.Unsubscribe(channel, sub)

	<-r.Context().Done()
}
