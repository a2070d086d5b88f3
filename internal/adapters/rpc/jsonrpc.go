package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fair-chat/go-client/internal/session"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// maxBodyBytes leaves room for a base64 encoded prompt of the maximum size.
const maxBodyBytes int64 = 2 << 20

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
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
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow(clientKey(r), time.Now()) {
		w.WriteHeader(http.StatusTooManyRequests)
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeRateLimited, Message: "rate limit exceeded"}})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF || req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.log.Warn("rpc failed", "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.log.Debug("rpc served", "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

func (s *Server) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "chat.snapshot":
		return s.chat.Snapshot(), nil
	case "chat.listConversations":
		ids, err := s.chat.ListConversations(ctx)
		if err != nil {
			return nil, serviceError(err)
		}
		return map[string]any{"conversation_ids": ids}, nil
	case "chat.createConversation":
		id, err := s.chat.CreateConversation(ctx)
		if err != nil {
			return nil, serviceError(err)
		}
		return map[string]any{"conversation_id": id, "snapshot": s.chat.Snapshot()}, nil
	case "chat.selectConversation":
		id, err := decodeConversationID(raw)
		if err != nil {
			return nil, invalidParams()
		}
		return s.snapshotAfter(s.chat.SelectConversation(ctx, id))
	case "chat.filterConversations":
		term, err := decodeOptionalString(raw)
		if err != nil {
			return nil, invalidParams()
		}
		return map[string]any{"conversation_ids": s.chat.FilterConversations(term)}, nil
	case "chat.loadMore":
		return s.snapshotAfter(s.chat.LoadMore(ctx))
	case "chat.refresh":
		return s.snapshotAfter(s.chat.Refresh(ctx))
	case "chat.submit":
		prompt, err := decodePrompt(raw)
		if err != nil {
			return nil, invalidParams()
		}
		txID, err := s.chat.Submit(ctx, prompt)
		if err != nil {
			return nil, serviceError(err)
		}
		return map[string]string{"tx_id": txID}, nil
	case "chat.copySettings":
		id, err := decodeOptionalString(raw)
		if err != nil || id == "" {
			return nil, invalidParams()
		}
		cfg, err := s.chat.CopySettings(id)
		if err != nil {
			return nil, serviceError(err)
		}
		return cfg, nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
	}
}

func (s *Server) snapshotAfter(err error) (any, *rpcError) {
	if err != nil {
		return nil, serviceError(err)
	}
	return s.chat.Snapshot(), nil
}

// decodeConversationID accepts [5], ["5"] and {"conversation_id": 5}.
func decodeConversationID(raw json.RawMessage) (int, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return 0, errInvalidParams
		}
		return positiveInt(arr[0])
	}
	var obj struct {
		ConversationID json.RawMessage `json:"conversation_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.ConversationID == nil {
		return 0, errInvalidParams
	}
	return positiveInt(obj.ConversationID)
}

func positiveInt(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return n, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(str)); err == nil && n > 0 {
			return n, nil
		}
	}
	return 0, errInvalidParams
}

// decodeOptionalString accepts no params, [] or ["value"].
func decodeOptionalString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) > 1 {
		return "", errInvalidParams
	}
	if len(arr) == 0 {
		return "", nil
	}
	return strings.TrimSpace(arr[0]), nil
}

// decodePrompt accepts ["text"] or a prompt object; data is base64.
func decodePrompt(raw json.RawMessage) (session.Prompt, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) != 1 {
			return session.Prompt{}, errInvalidParams
		}
		return session.Prompt{Text: arr[0]}, nil
	}
	var prompt session.Prompt
	if err := json.Unmarshal(raw, &prompt); err != nil {
		return session.Prompt{}, errInvalidParams
	}
	return prompt, nil
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
