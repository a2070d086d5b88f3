package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/internal/securestore"
	"fair-chat/go-client/pkg/models"
)

func exerciseBodyCache(t *testing.T, cache BodyCache) {
	t.Helper()
	ctx := context.Background()
	if _, err := cache.Get(ctx, "tx-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
	body := models.Body{Data: []byte("hello"), FileName: "a.txt", Status: models.BodyStatusOK}
	if err := cache.Put(ctx, "tx-1", body); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cache.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text() != "hello" || got.FileName != "a.txt" || !got.OK() {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestMemoryBodyCache(t *testing.T) {
	exerciseBodyCache(t, NewMemoryBodyCache(0))
}

func TestMemoryBodyCacheEvictsOldest(t *testing.T) {
	cache := NewMemoryBodyCache(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = cache.Put(ctx, id, models.Body{Status: models.BodyStatusOK})
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}
	if _, err := cache.Get(ctx, "a"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("oldest entry must be evicted, got %v", err)
	}
}

func TestMemoryBodyCacheCopiesData(t *testing.T) {
	cache := NewMemoryBodyCache(0)
	data := []byte("abc")
	_ = cache.Put(context.Background(), "x", models.Body{Data: data, Status: models.BodyStatusOK})
	data[0] = 'z'
	got, _ := cache.Get(context.Background(), "x")
	if got.Text() != "abc" {
		t.Fatalf("cache must not alias caller data, got %q", got.Text())
	}
}

func TestBoltBodyCachePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "bodies.bolt")
	cache, err := OpenBoltBodyCache(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseBodyCache(t, cache)
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBoltBodyCache(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	got, err := reopened.Get(context.Background(), "tx-1")
	if err != nil || got.Text() != "hello" {
		t.Fatalf("expected persisted body, got %+v err=%v", got, err)
	}
}

func TestRedisBodyCache(t *testing.T) {
	url := os.Getenv("FAIRCHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FAIRCHAT_TEST_REDIS_URL not set")
	}
	cache, err := NewRedisBodyCache(url, time.Minute)
	if err != nil {
		t.Fatalf("new redis cache: %v", err)
	}
	defer func() { _ = cache.Close() }()
	if err := cache.Ping(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	id := "test-" + time.Now().Format("150405.000000000")
	if err := cache.Put(context.Background(), id, models.Body{Data: []byte("hello"), Status: models.BodyStatusOK}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cache.Get(context.Background(), id)
	if err != nil || got.Text() != "hello" {
		t.Fatalf("unexpected body %+v err=%v", got, err)
	}
}

func TestConversationStoreRemembersAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.json")
	store, err := OpenConversationStore(path, "pass")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []int{3, 1, 3} {
		if err := store.Remember("0xABC", "sol", id); err != nil {
			t.Fatalf("remember: %v", err)
		}
	}
	if got := store.IDs("0xabc", "sol"); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected [1 3], got %v", got)
	}
	if got := store.IDs("0xabc", "other"); len(got) != 0 {
		t.Fatalf("solutions must be isolated, got %v", got)
	}

	reopened, err := OpenConversationStore(path, "pass")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.IDs("0xabc", "sol"); len(got) != 2 {
		t.Fatalf("expected persisted ids, got %v", got)
	}

	data, _ := os.ReadFile(path)
	data[len(data)-3] ^= 0xFF
	_ = os.WriteFile(path, data, 0o600)
	if _, err := OpenConversationStore(path, "pass"); !errors.Is(err, securestore.ErrAuthFailed) && !errors.Is(err, securestore.ErrInvalid) {
		t.Fatalf("expected tamper detection, got %v", err)
	}
}

func TestConfigStoreDefaultsAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store, err := OpenConfigStore(path, "", protocol.Configuration{NImages: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := store.Current("sd"); got.NImages != 1 {
		t.Fatalf("expected defaults, got %+v", got)
	}
	cfg := protocol.Configuration{NImages: 4, ModelName: "sdxl", AssetNames: []string{"a"}}
	if err := store.Save("sd", cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg.AssetNames[0] = "mutated"
	got := store.Current("sd")
	if got.NImages != 4 || got.ModelName != "sdxl" || got.AssetNames[0] != "a" {
		t.Fatalf("unexpected stored settings %+v", got)
	}

	reopened, err := OpenConfigStore(path, "", protocol.Configuration{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Current("sd").NImages != 4 {
		t.Fatal("expected settings to persist")
	}
}
