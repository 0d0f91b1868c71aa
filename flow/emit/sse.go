package emit

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/r3labs/sse/v2"
)

// SSEEmitter bridges the broadcaster onto Server-Sent Events so browser and
// CLI clients can follow a channel live.
//
// Each pub/sub channel maps to one SSE stream of the same name; streams are
// created lazily on first event or first subscriber. Mount the emitter's
// handler on an HTTP mux and connect with ?stream=execution:<id>:
//
//	emitter := emit.NewSSEEmitter()
//	broadcaster.Attach(emitter)
//	mux.HandleFunc("/events", emitter.ServeHTTP)
type SSEEmitter struct {
	server *sse.Server

	mu      sync.Mutex
	streams map[string]bool
}

// NewSSEEmitter builds an emitter with auto-replay disabled; consumers only
// see events published after they connect.
func NewSSEEmitter() *SSEEmitter {
	server := sse.New()
	server.AutoReplay = false
	server.AutoStream = true
	return &SSEEmitter{server: server, streams: map[string]bool{}}
}

// Emit publishes the event onto its channel's SSE stream as a JSON payload.
// Events without a channel are skipped.
func (s *SSEEmitter) Emit(event Event) {
	if event.Channel == "" {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("emit: sse marshal failed for %s: %v", event.Type, err)
		return
	}
	s.ensureStream(event.Channel)
	s.server.Publish(event.Channel, &sse.Event{
		Event: []byte(event.Type),
		Data:  data,
	})
}

// ServeHTTP serves the SSE endpoint. The stream query parameter selects the
// channel.
func (s *SSEEmitter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if channel := r.URL.Query().Get("stream"); channel != "" {
		s.ensureStream(channel)
	}
	s.server.ServeHTTP(w, r)
}

// Close tears down every stream and disconnects all clients.
func (s *SSEEmitter) Close() { s.server.Close() }

func (s *SSEEmitter) ensureStream(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streams[channel] {
		s.server.CreateStream(channel)
		s.streams[channel] = true
	}
}
