package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/pkg/models"
)

// Prompt is one user submission. Data, when set, is sent instead of Text and
// carries a file.
type Prompt struct {
	Text        string `json:"text"`
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
}

func (p Prompt) payload() []byte {
	if len(p.Data) > 0 {
		return p.Data
	}
	return []byte(p.Text)
}

type operatorPayload struct {
	Text          string `json:"text"`
	PromptHistory string `json:"promptHistory"`
}

// Submit publishes a request in the active conversation. The local echo and
// the pending correlation exist only after the submitter accepted the request.
func (e *Engine) Submit(ctx context.Context, prompt Prompt) (string, error) {
	gen, conversationID, err := e.current()
	if err != nil {
		return "", err
	}
	payload := prompt.payload()
	if len(prompt.Data) == 0 && strings.TrimSpace(prompt.Text) == "" {
		return "", ErrEmptyPrompt
	}
	if len(payload) > e.opts.MaxMessageSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(payload), e.opts.MaxMessageSize)
	}
	if e.opts.Operator.Address == "" {
		return "", ErrNoOperator
	}
	cfg := e.deps.Configs.Current(e.opts.Solution.ID)
	if e.opts.Solution.RequiresModel && cfg.ModelName == "" {
		return "", ErrModelRequired
	}
	if cfg.PrivateMode && (e.deps.Keys == nil || e.opts.Operator.PublicKey == "") {
		return "", ErrPrivateMode
	}

	var history string
	if e.opts.Solution.TextOutput() {
		history = e.promptHistory(gen)
	}

	params := protocol.RequestParams{
		Solution:       e.opts.Solution,
		Operator:       e.opts.Operator,
		ConversationID: conversationID,
		ContentType:    prompt.ContentType,
		FileName:       prompt.FileName,
		Config:         cfg,
		PromptHistory:  history,
		Now:            e.deps.Clock(),
	}
	sent := payload
	if cfg.PrivateMode {
		sent, params, err = e.sealPrivate(prompt, payload, history, params)
		if err != nil {
			return "", err
		}
	}
	tags := protocol.BuildRequestTags(params)

	txID, err := e.deps.Submitter.Submit(ctx, sent, tags)
	e.deps.Metrics.Submission(err)
	if err != nil {
		e.log.Warn("request submission failed", "conversation_id", conversationID, "error", err)
		return "", fmt.Errorf("submit request: %w", err)
	}

	fileName := prompt.FileName
	if putErr := e.deps.Bodies.Put(ctx, txID, models.Body{Data: sent, FileName: fileName, Status: models.BodyStatusOK}); putErr != nil {
		e.log.Warn("body cache write failed", "tx_id", txID, "error", putErr)
	}
	height, heightErr := e.deps.Gateway.CurrentHeight(ctx)
	if heightErr != nil || height <= 0 {
		height = models.PendingHeight
	}

	expected := protocol.ExpectedResponses(e.opts.Solution, tags)
	contentType, _ := protocol.FindTag(tags, protocol.TagContentType)
	echo := models.Message{
		ID:                txID,
		ConversationID:    conversationID,
		Direction:         models.DirectionRequest,
		From:              e.opts.User,
		To:                e.opts.Operator.Address,
		Body:              models.Body{Data: payload, FileName: fileName, Status: models.BodyStatusOK},
		ContentType:       contentType,
		BlockHeight:       models.PendingHeight,
		Timestamp:         params.Now.Unix(),
		Tags:              tags,
		ExpectedResponses: expected,
		PrivateMode:       cfg.PrivateMode,
	}
	applied := e.apply(gen, func() {
		e.requested[txID] = struct{}{}
		e.pending = &models.PendingRequest{
			RequestID:         txID,
			ConversationID:    conversationID,
			ExpectedResponses: expected,
			SubmittedAtHeight: height,
		}
		if height > 0 {
			e.height = height
		}
		e.mergeLocked([]models.Message{echo})
		if e.corr.State == models.StateAwaitingResponse {
			e.startPollLocked(txID)
		}
	})
	if !applied {
		e.log.Debug("submission landed after the selection changed", "tx_id", txID)
	} else {
		e.log.Info("request submitted", "tx_id", txID, "conversation_id", conversationID, "expected", expected)
	}
	return txID, nil
}

// sealPrivate encrypts the payload to the user's own key and the prompt plus
// history to the operator. History never travels in plain tags.
func (e *Engine) sealPrivate(prompt Prompt, payload []byte, history string, params protocol.RequestParams) ([]byte, protocol.RequestParams, error) {
	keys := e.deps.Keys
	sealed, err := keys.Encrypt(keys.PublicKey(), payload)
	if err != nil {
		return nil, params, fmt.Errorf("seal request: %w", err)
	}
	forOperator := payload
	if history != "" {
		forOperator, err = json.Marshal(operatorPayload{Text: prompt.Text, PromptHistory: history})
		if err != nil {
			return nil, params, err
		}
	}
	operatorEnvelope, err := keys.Encrypt(e.opts.Operator.PublicKey, forOperator)
	if err != nil {
		return nil, params, fmt.Errorf("seal for operator: %w", err)
	}
	params.UserPublicKey = keys.PublicKey()
	params.EncDataForOperator = string(operatorEnvelope)
	params.PromptHistory = ""
	return sealed, params, nil
}

// promptHistory returns the Prompt-History of the latest response that carries
// one, decrypted when the response is private.
func (e *Engine) promptHistory(gen uint64) string {
	var (
		raw     string
		private bool
	)
	e.apply(gen, func() {
		for i := len(e.messages) - 1; i >= 0; i-- {
			msg := e.messages[i]
			if !msg.IsResponse() {
				continue
			}
			if v, ok := msg.TagValue(protocol.TagPromptHistory); ok && v != "" {
				raw, private = v, msg.PrivateMode
				return
			}
		}
	})
	if raw == "" || !private {
		return raw
	}
	if e.deps.Keys == nil {
		return ""
	}
	plain, err := e.deps.Keys.Decrypt([]byte(raw))
	if err != nil {
		e.log.Warn("prompt history not decrypted", "error", err)
		return ""
	}
	return string(plain)
}

// CopySettings stores the settings of a request in the active conversation as
// the solution's current configuration.
func (e *Engine) CopySettings(messageID string) (protocol.Configuration, error) {
	gen, _, err := e.current()
	if err != nil {
		return protocol.Configuration{}, err
	}
	var (
		tags  []models.Tag
		found bool
	)
	e.apply(gen, func() {
		if i := indexOf(e.messages, messageID); i >= 0 && e.messages[i].IsRequest() {
			tags = append([]models.Tag(nil), e.messages[i].Tags...)
			found = true
		}
	})
	if !found {
		return protocol.Configuration{}, ErrUnknownMessage
	}
	cfg := protocol.SettingsFromTags(tags)
	if err := e.deps.Configs.Save(e.opts.Solution.ID, cfg); err != nil {
		return protocol.Configuration{}, fmt.Errorf("save settings: %w", err)
	}
	return cfg, nil
}
