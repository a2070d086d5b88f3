package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fair-chat/go-client/internal/notify"
	"fair-chat/go-client/internal/platform/ratelimiter"
	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/internal/session"
)

const DefaultAddr = "127.0.0.1:8787"

const tokenHeader = "X-FairChat-Token"

// ChatService is the session surface exposed over JSON-RPC.
type ChatService interface {
	Snapshot() session.Snapshot
	ListConversations(ctx context.Context) ([]int, error)
	CreateConversation(ctx context.Context) (int, error)
	SelectConversation(ctx context.Context, id int) error
	FilterConversations(term string) []int
	LoadMore(ctx context.Context) error
	Refresh(ctx context.Context) error
	Submit(ctx context.Context, prompt session.Prompt) (string, error)
	CopySettings(messageID string) (protocol.Configuration, error)
}

// EventSource replays and streams engine notifications.
type EventSource interface {
	Subscribe(fromSeq int64) ([]notify.Event, <-chan notify.Event, func())
}

type Options struct {
	Addr string
	// Token, when set, must accompany every /rpc and /rpc/stream call.
	Token               string
	RateLimit           float64
	Burst               int
	MaxStreams          int
	MaxStreamsPerClient int
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type Server struct {
	httpServer *http.Server
	chat       ChatService
	events     EventSource
	token      string
	limiter    *ratelimiter.Keyed
	streams    *streamLimiter
	log        *slog.Logger
}

func NewServer(opts Options, chat ChatService, events EventSource) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		chat:    chat,
		events:  events,
		token:   strings.TrimSpace(opts.Token),
		limiter: ratelimiter.NewKeyed(opts.RateLimit, opts.Burst, 10*time.Minute),
		streams: newStreamLimiter(opts.MaxStreams, opts.MaxStreamsPerClient),
		log:     opts.Logger.With("component", "rpc"),
	}
	if s.token == "" {
		s.log.Warn("rpc token is not set; rpc auth disabled")
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleStream)
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	return s
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	s.log.Info("rpc server listening", "addr", s.httpServer.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// applyCORS admits browser origins on loopback hosts only.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin != "" && !isLoopbackOrigin(origin) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return false
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+tokenHeader)
	return true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if extractToken(r) != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(tokenHeader)); token != "" {
		return token
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

// clientKey identifies a caller for rate and stream limits: its token when
// present, else its remote host.
func clientKey(r *http.Request) string {
	if token := extractToken(r); token != "" {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		return "ip:" + strings.TrimSpace(r.RemoteAddr)
	}
	return "ip:" + host
}

func isLoopbackOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
