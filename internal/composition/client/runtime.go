// Package client wires configuration, ledger transport, storage and the
// session engine into one runtime.
package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"fair-chat/go-client/internal/adapters/rpc"
	"fair-chat/go-client/internal/config"
	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/metrics"
	"fair-chat/go-client/internal/notify"
	"fair-chat/go-client/internal/platform/privacylog"
	"fair-chat/go-client/internal/privatemode"
	"fair-chat/go-client/internal/securestore"
	"fair-chat/go-client/internal/session"
	"fair-chat/go-client/internal/storage"
)

const (
	settingsFile      = "settings.json"
	conversationsFile = "conversations.json"
	keyFile           = "private-mode.key"
)

type Runtime struct {
	Config  config.Config
	Engine  *session.Engine
	Hub     *notify.Hub
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// Ledger is set for the mock transport.
	Ledger *ledger.MemLedger

	closers []io.Closer
}

// NewLogger builds the slog logger described by cfg with identifier
// fingerprinting applied.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		base = slog.NewJSONHandler(w, opts)
	}
	return slog.New(privacylog.WrapHandler(base))
}

// Build assembles a runtime. The caller owns it and must Close it.
func Build(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = NewLogger(cfg.Log, nil)
	}
	rt := &Runtime{
		Config:  cfg,
		Hub:     notify.NewHub(cfg.RPC.StreamBacklog),
		Metrics: metrics.NewRecorder(),
		Logger:  logger,
	}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	var (
		gateway   ledger.Gateway
		submitter ledger.Submitter
	)
	switch cfg.Transport {
	case config.TransportGraphQL:
		gateway = ledger.NewGraphQLGateway(cfg.Ledger, nil)
		submitter = ledger.NewHTTPSubmitter(cfg.Ledger.SubmitURL, nil)
	default:
		ml := ledger.NewMemLedger()
		ledger.NewEchoOperator(ml, cfg.Operator.Address, 0)
		rt.Ledger = ml
		gateway = ml
		submitter = ml.Submitter(cfg.User)
	}

	if dir := strings.TrimSpace(cfg.Storage.Dir); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	bodies, err := rt.openBodyCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	configs := storage.NewConfigStore(cfg.Session.Defaults)
	conversations := storage.NewConversationStore()
	var keys *privatemode.KeyPair
	if dir := strings.TrimSpace(cfg.Storage.Dir); dir != "" {
		if configs, err = storage.OpenConfigStore(filepath.Join(dir, settingsFile), cfg.Storage.Passphrase, cfg.Session.Defaults); err != nil {
			return nil, fmt.Errorf("open settings: %w", err)
		}
		if conversations, err = storage.OpenConversationStore(filepath.Join(dir, conversationsFile), cfg.Storage.Passphrase); err != nil {
			return nil, fmt.Errorf("open conversations: %w", err)
		}
		if keys, err = LoadOrCreateKeys(filepath.Join(dir, keyFile), cfg.Storage.Passphrase, logger); err != nil {
			return nil, fmt.Errorf("load private mode key: %w", err)
		}
	} else if keys, err = privatemode.GenerateKeyPair(); err != nil {
		return nil, err
	}

	deps := session.Deps{
		Gateway:       gateway,
		Submitter:     submitter,
		Configs:       configs,
		Conversations: conversations,
		Bodies:        bodies,
		Notifier:      rt.Hub,
		Metrics:       rt.Metrics,
		Logger:        logger,
	}
	if keys != nil {
		deps.Keys = keys
	}
	engine, err := session.New(deps, session.Options{
		User:             cfg.User,
		Solution:         cfg.Solution,
		Operator:         cfg.Operator,
		RequestPageSize:  cfg.Session.RequestPageSize,
		ResponsePageSize: cfg.Session.ResponsePageSize,
		PollInterval:     cfg.Session.PollInterval,
		TimeoutBlocks:    cfg.Session.TimeoutBlocks,
		MaxMessageSize:   cfg.Session.MaxMessageSize,
	})
	if err != nil {
		return nil, err
	}
	rt.Engine = engine
	rt.closers = append(rt.closers, engine)
	ok = true
	logger.Info("client runtime ready", "transport", cfg.Transport, "cache", cfg.Cache.Backend, "owner", cfg.User)
	return rt, nil
}

func (rt *Runtime) openBodyCache(cfg config.CacheConfig) (storage.BodyCache, error) {
	switch cfg.Backend {
	case config.CacheBolt:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(rt.Config.Storage.Dir, "bodies.db")
		}
		cache, err := storage.OpenBoltBodyCache(path)
		if err != nil {
			return nil, fmt.Errorf("open body cache: %w", err)
		}
		rt.closers = append(rt.closers, cache)
		return cache, nil
	case config.CacheRedis:
		cache, err := storage.NewRedisBodyCache(cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("open body cache: %w", err)
		}
		rt.closers = append(rt.closers, cache)
		if err := cache.Ping(); err != nil {
			return nil, fmt.Errorf("body cache unreachable: %w", err)
		}
		return cache, nil
	default:
		return storage.NewMemoryBodyCache(cfg.Entries), nil
	}
}

// Server builds the JSON-RPC surface over the runtime's engine and hub.
func (rt *Runtime) Server() *rpc.Server {
	return rpc.NewServer(rpc.Options{
		Addr:      rt.Config.RPC.Listen,
		Token:     rt.Config.RPC.Token,
		RateLimit: rt.Config.RPC.RateLimit,
		Burst:     rt.Config.RPC.Burst,
		Metrics:   rt.Metrics.Handler(),
		Logger:    rt.Logger,
	}, rt.Engine, rt.Hub)
}

// Close releases everything Build opened, newest first.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

type storedKey struct {
	PrivateKey string `json:"private_key"`
}

// LoadOrCreateKeys reads the private mode key pair from path, creating and
// persisting a new one on first use. Without a passphrase the key is written
// as plain JSON, which is logged as a warning.
func LoadOrCreateKeys(path, passphrase string, logger *slog.Logger) (*privatemode.KeyPair, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if passphrase == "" {
		logger.Warn("private mode key is stored unsealed; set storage.passphrase to encrypt it", "path", path)
	}
	file := securestore.NewFile(path, passphrase)
	var stored storedKey
	found, err := file.ReadJSON(&stored)
	if err != nil {
		return nil, err
	}
	if found && stored.PrivateKey != "" {
		return privatemode.KeyPairFromPrivate(stored.PrivateKey)
	}
	keys, err := privatemode.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := file.WriteJSON(storedKey{PrivateKey: keys.PrivateKey()}); err != nil {
		return nil, err
	}
	return keys, nil
}
