package rpc

import (
	"context"
	"errors"

	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/session"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeRateLimited    = -32029
	codeInternal       = -32000

	codeNoConversation  = -32010
	codeMessageTooLarge = -32011
	codeEmptyPrompt     = -32012
	codePrecondition    = -32013
	codeUnknownMessage  = -32014
	codeLedger          = -32020
	codeClosed          = -32030
)

var errInvalidParams = errors.New("invalid params")

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func invalidParams() *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
}

// serviceError maps engine errors to stable JSON-RPC codes.
func serviceError(err error) *rpcError {
	code := codeInternal
	switch {
	case errors.Is(err, session.ErrNoConversation):
		code = codeNoConversation
	case errors.Is(err, session.ErrMessageTooLarge):
		code = codeMessageTooLarge
	case errors.Is(err, session.ErrEmptyPrompt):
		code = codeEmptyPrompt
	case errors.Is(err, session.ErrNoOperator),
		errors.Is(err, session.ErrModelRequired),
		errors.Is(err, session.ErrPrivateMode):
		code = codePrecondition
	case errors.Is(err, session.ErrUnknownMessage):
		code = codeUnknownMessage
	case errors.Is(err, ledger.ErrGateway), errors.Is(err, ledger.ErrNotFound):
		code = codeLedger
	case errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled):
		code = codeClosed
	}
	return &rpcError{Code: code, Message: err.Error()}
}
