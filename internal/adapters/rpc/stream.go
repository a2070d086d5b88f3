package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"fair-chat/go-client/internal/notify"
)

const heartbeatInterval = 20 * time.Second

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorize(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.events == nil {
		http.Error(w, "notifications are not available", http.StatusServiceUnavailable)
		return
	}
	release, ok := s.streams.acquire(clientKey(r))
	if !ok {
		http.Error(w, "too many stream subscriptions", http.StatusTooManyRequests)
		return
	}
	defer release()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	cursor := int64(0)
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	replay, events, cancel := s.events.Subscribe(cursor)
	defer cancel()
	for _, ev := range replay {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				// dropped for falling behind; the client resumes from its last id
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notify.Event) error {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  ev.Method,
		"params": map[string]any{
			"seq":       ev.Seq,
			"timestamp": ev.Timestamp,
			"payload":   ev.Payload,
		},
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
	return err
}

// streamLimiter caps concurrent SSE subscriptions globally and per client.
type streamLimiter struct {
	maxGlobal    int
	maxPerClient int

	mu       sync.Mutex
	global   int
	byClient map[string]int
}

func newStreamLimiter(maxGlobal, maxPerClient int) *streamLimiter {
	if maxGlobal <= 0 {
		maxGlobal = 64
	}
	if maxPerClient <= 0 {
		maxPerClient = 4
	}
	return &streamLimiter{maxGlobal: maxGlobal, maxPerClient: maxPerClient, byClient: make(map[string]int)}
}

func (l *streamLimiter) acquire(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global >= l.maxGlobal || l.byClient[key] >= l.maxPerClient {
		return nil, false
	}
	l.global++
	l.byClient[key]++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.global--
			if l.byClient[key]--; l.byClient[key] <= 0 {
				delete(l.byClient, key)
			}
		})
	}, true
}
