package client

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fair-chat/go-client/internal/config"
	"fair-chat/go-client/internal/session"
	"fair-chat/go-client/internal/testutil/fsperm"
	"fair-chat/go-client/pkg/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "state")
	cfg.Storage.Passphrase = "test-passphrase"
	cfg.Session.PollInterval = 20 * time.Millisecond
	return cfg
}

func TestBuildMockRuntimeRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	rt, err := Build(cfg, NewLogger(cfg.Log, &logs))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ids, err := rt.Engine.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("expected implicit conversation 1, got %v", ids)
	}
	if err := rt.Engine.SelectConversation(ctx, 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := rt.Engine.Submit(ctx, session.Prompt{Text: "hello"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for rt.Engine.Snapshot().State != models.StateSatisfied {
		if ctx.Err() != nil {
			t.Fatalf("response never arrived, state %s", rt.Engine.Snapshot().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(logs.String(), "owner_fp") {
		t.Fatalf("expected fingerprinted owner in logs: %s", logs.String())
	}
}

func TestBuildPersistsConversationsAndKeys(t *testing.T) {
	cfg := testConfig(t)
	rt, err := Build(cfg, NewLogger(cfg.Log, &bytes.Buffer{}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx := context.Background()
	created, err := rt.Engine.CreateConversation(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, cfg.Storage.Dir)
	for _, name := range []string{conversationsFile, keyFile} {
		fsperm.AssertPrivateFilePerm(t, filepath.Join(cfg.Storage.Dir, name))
	}

	// a fresh mock ledger has no start records, so the id comes from local memory
	rt2, err := Build(cfg, NewLogger(cfg.Log, &bytes.Buffer{}))
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	defer rt2.Close()
	ids, err := rt2.Engine.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == created {
			found = true
		}
	}
	if !found {
		t.Fatalf("conversation %d not remembered: %v", created, ids)
	}
}

func TestLoadOrCreateKeysIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), keyFile)
	first, err := LoadOrCreateKeys(path, "secret", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := LoadOrCreateKeys(path, "secret", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.PublicKey() != second.PublicKey() {
		t.Fatalf("key changed between loads")
	}
	if _, err := LoadOrCreateKeys(path, "wrong", nil); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestLoadOrCreateKeysWarnsWhenUnsealed(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	path := filepath.Join(t.TempDir(), keyFile)
	if _, err := LoadOrCreateKeys(path, "", logger); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "unsealed") {
		t.Fatalf("expected unsealed key warning, got %q", logs.String())
	}

	logs.Reset()
	sealed := filepath.Join(t.TempDir(), keyFile)
	if _, err := LoadOrCreateKeys(sealed, "secret", logger); err != nil {
		t.Fatalf("create sealed: %v", err)
	}
	if strings.Contains(logs.String(), "unsealed") {
		t.Fatalf("unexpected warning for sealed key: %q", logs.String())
	}
}

func TestBuildBoltCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = config.CacheBolt
	rt, err := Build(cfg, NewLogger(cfg.Log, &bytes.Buffer{}))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Storage.Dir, "bodies.db")); err != nil {
		t.Fatalf("bolt file missing: %v", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "request_id", "abc123")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected log output: %s", out)
	}
	if strings.Contains(out, "abc123") || !strings.Contains(out, "request_id_fp") {
		t.Fatalf("request id not fingerprinted: %s", out)
	}
}
