package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/metrics"
	"fair-chat/go-client/internal/notify"
	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/internal/session"
)

type testEnv struct {
	server *Server
	engine *session.Engine
	hub    *notify.Hub
	ledger *ledger.MemLedger
}

func newEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ml := ledger.NewMemLedger()
	ledger.NewEchoOperator(ml, "0xop", 0)
	hub := notify.NewHub(64)
	rec := metrics.NewRecorder()
	engine, err := session.New(session.Deps{
		Gateway:   ml,
		Submitter: ml.Submitter("0xuser"),
		Notifier:  hub,
		Metrics:   rec,
	}, session.Options{
		User:         "0xuser",
		Solution:     protocol.Solution{ID: "sol-1", Output: protocol.OutputText},
		Operator:     protocol.Operator{Address: "0xop"},
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	opts.Metrics = rec.Handler()
	return &testEnv{server: NewServer(opts, engine, hub), engine: engine, hub: hub, ledger: ml}
}

func rpcCall(t *testing.T, s *Server, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(tokenHeader, token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type decoded struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) decoded {
	t.Helper()
	var resp decoded
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode rpc response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	env := newEnv(t, Options{})
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestSelectSubmitAndSnapshot(t *testing.T) {
	env := newEnv(t, Options{})
	resp := decode(t, rpcCall(t, env.server, `{"jsonrpc":"2.0","id":1,"method":"chat.selectConversation","params":[3]}`, ""))
	if resp.Error != nil {
		t.Fatalf("select failed: %+v", resp.Error)
	}
	resp = decode(t, rpcCall(t, env.server, `{"jsonrpc":"2.0","id":2,"method":"chat.submit","params":["hello"]}`, ""))
	if resp.Error != nil {
		t.Fatalf("submit failed: %+v", resp.Error)
	}
	var submitted struct {
		TxID string `json:"tx_id"`
	}
	if err := json.Unmarshal(resp.Result, &submitted); err != nil || submitted.TxID == "" {
		t.Fatalf("unexpected submit result %s", resp.Result)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp = decode(t, rpcCall(t, env.server, `{"jsonrpc":"2.0","id":3,"method":"chat.snapshot"}`, ""))
		var snap session.Snapshot
		if err := json.Unmarshal(resp.Result, &snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if snap.State == "satisfied" {
			if snap.ConversationID != 3 || len(snap.Messages) != 2 || snap.Messages[1].Body.Text() != "echo: hello" {
				t.Fatalf("unexpected snapshot %+v", snap)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("response never arrived, last state %s", snap.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDomainErrorCodes(t *testing.T) {
	env := newEnv(t, Options{})
	resp := decode(t, rpcCall(t, env.server, `{"jsonrpc":"2.0","id":1,"method":"chat.submit","params":["hi"]}`, ""))
	if resp.Error == nil || resp.Error.Code != codeNoConversation {
		t.Fatalf("expected no conversation code, got %+v", resp.Error)
	}
	rpcCall(t, env.server, `{"jsonrpc":"2.0","id":2,"method":"chat.selectConversation","params":{"conversation_id":"2"}}`, "")
	resp = decode(t, rpcCall(t, env.server, `{"jsonrpc":"2.0","id":3,"method":"chat.submit","params":{"text":"  "}}`, ""))
	if resp.Error == nil || resp.Error.Code != codeEmptyPrompt {
		t.Fatalf("expected empty prompt code, got %+v", resp.Error)
	}
	resp = decode(t, rpcCall(t, env.server, `{"jsonrpc":"2.0","id":4,"method":"chat.copySettings","params":["nope"]}`, ""))
	if resp.Error == nil || resp.Error.Code != codeUnknownMessage {
		t.Fatalf("expected unknown message code, got %+v", resp.Error)
	}
	if got := serviceError(errors.Join(errors.New("x"), ledger.ErrGateway)); got.Code != codeLedger {
		t.Fatalf("expected ledger code, got %d", got.Code)
	}
}

func TestProtocolErrors(t *testing.T) {
	env := newEnv(t, Options{})
	cases := []struct {
		name string
		body string
		code int
	}{
		{"parse", `{`, codeParseError},
		{"version", `{"jsonrpc":"1.0","id":1,"method":"chat.snapshot"}`, codeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"chat.nope"}`, codeMethodNotFound},
		{"bad id", `{"jsonrpc":"2.0","id":1,"method":"chat.selectConversation","params":[0]}`, codeInvalidParams},
		{"bad filter", `{"jsonrpc":"2.0","id":1,"method":"chat.filterConversations","params":[1]}`, codeInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := decode(t, rpcCall(t, env.server, tc.body, ""))
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("expected code %d, got %+v", tc.code, resp.Error)
			}
		})
	}
}

func TestTokenRequired(t *testing.T) {
	env := newEnv(t, Options{Token: "s3cret"})
	body := `{"jsonrpc":"2.0","id":1,"method":"health_check"}`
	if rec := rpcCall(t, env.server, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := rpcCall(t, env.server, body, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || decode(t, rec).Error != nil {
		t.Fatalf("bearer token rejected: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitPerClient(t *testing.T) {
	env := newEnv(t, Options{RateLimit: 0.001, Burst: 2})
	body := `{"jsonrpc":"2.0","id":1,"method":"health_check"}`
	for i := 0; i < 2; i++ {
		if rec := rpcCall(t, env.server, body, ""); rec.Code != http.StatusOK {
			t.Fatalf("call %d throttled", i)
		}
	}
	rec := rpcCall(t, env.server, body, "")
	if rec.Code != http.StatusTooManyRequests || decode(t, rec).Error.Code != codeRateLimited {
		t.Fatalf("expected rate limit, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRejectsForeignOrigin(t *testing.T) {
	env := newEnv(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestStreamReplaysFromCursor(t *testing.T) {
	env := newEnv(t, Options{})
	env.hub.Publish(notify.MethodState, "first")
	env.hub.Publish(notify.MethodState, "second")

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/rpc/stream?cursor=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var ids, data []string
	for len(data) < 2 && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
			if len(data) == 1 {
				env.hub.Publish(notify.MethodMessages, "live")
			}
		}
	}
	if len(ids) != 2 || ids[0] != "2" || ids[1] != "3" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if !strings.Contains(data[0], `"second"`) || !strings.Contains(data[1], `"chat.messages"`) {
		t.Fatalf("unexpected stream data %v", data)
	}
}

func TestStreamLimiter(t *testing.T) {
	l := newStreamLimiter(2, 1)
	release, ok := l.acquire("a")
	if !ok {
		t.Fatal("first stream must be admitted")
	}
	if _, ok := l.acquire("a"); ok {
		t.Fatal("second stream for the same client must be rejected")
	}
	if _, ok := l.acquire("b"); !ok {
		t.Fatal("other client must be admitted")
	}
	if _, ok := l.acquire("c"); ok {
		t.Fatal("global cap must apply")
	}
	release()
	release()
	if _, ok := l.acquire("a"); !ok {
		t.Fatal("released slot must be reusable")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, Options{})
	rpcCall(t, env.server, `{"jsonrpc":"2.0","id":1,"method":"chat.selectConversation","params":[1]}`, "")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fairchat_gateway_queries_total") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}
}
