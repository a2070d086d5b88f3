package session

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/notify"
	"fair-chat/go-client/internal/pagination"
	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/pkg/models"
)

// ListConversations returns the conversation ids of the user and solution,
// newest first: every Conversation Start on the index plus the ids remembered
// locally. When there are none, conversation 1 is started implicitly.
func (e *Engine) ListConversations(ctx context.Context) ([]int, error) {
	ids, err := e.listConversations(ctx, true)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (e *Engine) listConversations(ctx context.Context, implicit bool) ([]int, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	query := ledger.Query{
		Tags:   ledger.TagsToFilters(protocol.BaseTags(protocol.OperationConversationStart)),
		Owners: []string{e.opts.User},
		First:  e.opts.ResponsePageSize,
	}
	query.Tags = append(query.Tags, ledger.TagFilter{
		Name:   protocol.TagSolutionTransaction,
		Values: []string{e.opts.Solution.ID},
	})
	stream := pagination.New(e.deps.Gateway, "conversations", query, e.deps.Metrics)
	nodes, err := stream.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	set := make(map[int]struct{})
	for _, node := range nodes {
		id, err := protocol.ConversationIDFromTags(node.Tags)
		if err != nil {
			e.deps.Metrics.MalformedRecord()
			continue
		}
		set[id] = struct{}{}
	}
	for _, id := range e.deps.Conversations.IDs(e.opts.User, e.opts.Solution.ID) {
		set[id] = struct{}{}
	}

	if len(set) == 0 && implicit {
		// the first conversation is usable even if its start record never lands
		if err := e.publishStart(ctx, 1); err != nil {
			e.log.Warn("conversation start publish failed", "conversation_id", 1, "error", err)
		}
		if err := e.deps.Conversations.Remember(e.opts.User, e.opts.Solution.ID, 1); err != nil {
			e.log.Warn("conversation not remembered", "conversation_id", 1, "error", err)
		}
		set[1] = struct{}{}
	}

	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b int) int { return b - a })

	e.mu.Lock()
	if !e.closed {
		e.conversationIDs = ids
		e.publishLocked(notify.MethodConversations, map[string]any{"conversation_ids": ids})
	}
	e.mu.Unlock()
	return slices.Clone(ids), nil
}

func (e *Engine) publishStart(ctx context.Context, id int) error {
	tags := protocol.BuildConversationStartTags(e.opts.Solution, id, e.deps.Clock())
	_, err := e.deps.Submitter.Submit(ctx, []byte(strconv.Itoa(id)), tags)
	return err
}

// CreateConversation starts conversation max+1, remembers it and selects it.
func (e *Engine) CreateConversation(ctx context.Context) (int, error) {
	ids, err := e.listConversations(ctx, false)
	if err != nil {
		return 0, err
	}
	next := 1
	if len(ids) > 0 {
		next = ids[0] + 1
	}
	if err := e.publishStart(ctx, next); err != nil {
		return 0, fmt.Errorf("start conversation %d: %w", next, err)
	}
	if err := e.deps.Conversations.Remember(e.opts.User, e.opts.Solution.ID, next); err != nil {
		return 0, fmt.Errorf("remember conversation %d: %w", next, err)
	}

	e.mu.Lock()
	if !e.closed && !slices.Contains(e.conversationIDs, next) {
		e.conversationIDs = append([]int{next}, e.conversationIDs...)
		e.publishLocked(notify.MethodConversations, map[string]any{"conversation_ids": slices.Clone(e.conversationIDs)})
	}
	e.mu.Unlock()
	e.log.Info("conversation created", "conversation_id", next)

	if err := e.SelectConversation(ctx, next); err != nil {
		return next, err
	}
	return next, nil
}

// SelectConversation makes id the active conversation. Work still running for
// the previous selection is cancelled and its late results are discarded. The
// call returns after the first request page and its responses are merged.
func (e *Engine) SelectConversation(ctx context.Context, id int) error {
	if id <= 0 {
		return fmt.Errorf("select conversation: invalid id %d", id)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.gen++
	gen := e.gen
	e.poller.Stop()
	if e.selCancel != nil {
		e.selCancel()
	}
	selCtx, cancel := context.WithCancel(e.rootCtx)
	e.selCancel = cancel
	e.conversationID = id
	e.messages = nil
	e.pending = nil
	e.requests = pagination.New(e.deps.Gateway, "requests", e.requestQuery(id), e.deps.Metrics)
	e.batches = nil
	e.requested = make(map[string]struct{})
	e.requestErr = nil
	e.responseErr = nil
	e.loading = 0
	e.recomputeLocked()
	e.publishLocked(notify.MethodMessages, map[string]any{
		"conversation_id": id,
		"messages":        []models.Message{},
	})
	e.mu.Unlock()
	e.log.Debug("conversation selected", "conversation_id", id)

	// the load belongs to the selection; the caller's ctx only bounds the wait
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.runPipeline(selCtx, gen, true)
		e.resumePolling(gen)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.requestError(gen)
}

// ActiveConversation returns the selected conversation id, zero when none.
func (e *Engine) ActiveConversation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// FilterConversations matches term against the known conversation ids. An empty
// term returns them all.
func (e *Engine) FilterConversations(term string) []int {
	e.mu.Lock()
	ids := slices.Clone(e.conversationIDs)
	e.mu.Unlock()

	term = strings.TrimSpace(term)
	if term == "" {
		return ids
	}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if strings.Contains(strconv.Itoa(id), term) {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
