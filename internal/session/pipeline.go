package session

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"fair-chat/go-client/internal/correlate"
	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/pagination"
	"fair-chat/go-client/internal/poller"
	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/pkg/models"
)

func (e *Engine) requestQuery(conversationID int) ledger.Query {
	tags := protocol.BaseTags(protocol.OperationInferenceRequest)
	tags = append(tags,
		models.Tag{Name: protocol.TagSolutionTransaction, Value: e.opts.Solution.ID},
		models.Tag{Name: protocol.TagConversationIdentifier, Value: strconv.Itoa(conversationID)},
	)
	return ledger.Query{
		Tags:   ledger.TagsToFilters(tags),
		Owners: []string{e.opts.User},
		First:  e.opts.RequestPageSize,
	}
}

// responseQuery scopes responses to the requests, their conversation and the
// operators the requests were addressed to.
func (e *Engine) responseQuery(conversationID int, requestIDs, operators []string) ledger.Query {
	filters := ledger.TagsToFilters(protocol.BaseTags(protocol.OperationInferenceResponse))
	filters = append(filters,
		ledger.TagFilter{Name: protocol.TagRequestTransaction, Values: append([]string(nil), requestIDs...)},
		ledger.TagFilter{Name: protocol.TagConversationIdentifier, Values: []string{strconv.Itoa(conversationID)}},
	)
	return ledger.Query{Tags: filters, Owners: operators, First: e.opts.ResponsePageSize}
}

// operatorsLocked lists the operators addressed by the given requests, falling
// back to the configured operator for requests not loaded or without one.
func (e *Engine) operatorsLocked(requestIDs []string) []string {
	var out []string
	add := func(addr string) {
		if addr != "" && !slices.ContainsFunc(out, func(v string) bool { return strings.EqualFold(v, addr) }) {
			out = append(out, addr)
		}
	}
	for _, id := range requestIDs {
		if i := indexOf(e.messages, id); i >= 0 && e.messages[i].To != "" {
			add(e.messages[i].To)
			continue
		}
		add(e.opts.Operator.Address)
	}
	return out
}

// runPipeline loads the first request pages of the selection and drains the
// responses of every request it finds. Request paging and response draining
// run concurrently; results land through apply in completion order.
func (e *Engine) runPipeline(ctx context.Context, gen uint64, autoAdvance bool) {
	if !e.apply(gen, func() { e.loading++ }) {
		return
	}
	defer e.apply(gen, func() { e.loading-- })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.refreshHeight(gctx, gen)
		return nil
	})
	g.Go(func() error {
		e.pageRequests(gctx, gen, autoAdvance, func(ids []string) {
			g.Go(func() error {
				e.drainResponses(gctx, gen, ids)
				return nil
			})
		})
		return nil
	})
	_ = g.Wait()
}

// pageRequests fetches request pages. With autoAdvance it keeps paging while
// fewer than a page of requests is loaded and the index has more.
func (e *Engine) pageRequests(ctx context.Context, gen uint64, autoAdvance bool, onRequests func([]string)) {
	var stream *pagination.Stream
	if !e.apply(gen, func() { stream = e.requests }) || stream == nil {
		return
	}
	for stream.HasMore() {
		nodes, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Warn("request page fetch failed", "error", err)
			}
			e.apply(gen, func() { e.requestErr = err })
			return
		}
		msgs, ok := e.normalizeNew(ctx, gen, nodes)
		if !ok {
			return
		}
		var fresh []string
		var loaded int
		if !e.apply(gen, func() {
			e.requestErr = nil
			e.mergeLocked(msgs)
			fresh = e.claimRequestsLocked(msgs)
			loaded = len(correlate.RequestIDs(e.messages))
		}) {
			return
		}
		if len(fresh) > 0 {
			onRequests(fresh)
		}
		if !autoAdvance || loaded >= e.opts.RequestPageSize {
			return
		}
	}
}

// claimRequestsLocked returns request ids in msgs that have no response query yet.
func (e *Engine) claimRequestsLocked(msgs []models.Message) []string {
	var out []string
	for _, msg := range msgs {
		if !msg.IsRequest() {
			continue
		}
		if _, ok := e.requested[msg.ID]; ok {
			continue
		}
		e.requested[msg.ID] = struct{}{}
		out = append(out, msg.ID)
	}
	return out
}

func (e *Engine) drainResponses(ctx context.Context, gen uint64, requestIDs []string) {
	batch := &responseBatch{requestIDs: requestIDs}
	if !e.apply(gen, func() {
		query := e.responseQuery(e.conversationID, requestIDs, e.operatorsLocked(requestIDs))
		batch.stream = pagination.New(e.deps.Gateway, "responses", query, e.deps.Metrics)
		e.batches = append(e.batches, batch)
	}) {
		return
	}
	e.drainBatch(ctx, gen, batch)
}

func (e *Engine) drainBatch(ctx context.Context, gen uint64, batch *responseBatch) {
	nodes, err := batch.stream.Drain(ctx)
	msgs, ok := e.normalizeNew(ctx, gen, nodes)
	if !ok {
		return
	}
	if err != nil && ctx.Err() == nil {
		e.log.Warn("response page fetch failed", "requests", len(batch.requestIDs), "error", err)
	}
	e.apply(gen, func() {
		e.mergeLocked(msgs)
		e.responseErr = e.batchErrorLocked()
	})
}

func (e *Engine) batchErrorLocked() error {
	for _, b := range e.batches {
		if err := b.stream.Err(); err != nil {
			return err
		}
	}
	return nil
}

// normalizeNew drops nodes of other conversations and of messages that are
// already settled, then normalizes the rest. ok is false when the selection
// changed meanwhile.
func (e *Engine) normalizeNew(ctx context.Context, gen uint64, nodes []ledger.Node) ([]models.Message, bool) {
	var filtered []ledger.Node
	if !e.apply(gen, func() {
		filtered = correlate.FilterNodes(nodes, e.conversationID, settled(e.messages))
	}) {
		return nil, false
	}
	if len(filtered) == 0 {
		return nil, true
	}
	msgs, err := e.normalizer.NormalizeAll(ctx, filtered)
	if err != nil {
		return nil, false
	}
	return msgs, true
}

func (e *Engine) refreshHeight(ctx context.Context, gen uint64) {
	height, err := e.deps.Gateway.CurrentHeight(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Debug("current height unavailable", "error", err)
		}
		return
	}
	e.apply(gen, func() {
		e.setHeightLocked(height)
		e.recomputeLocked()
	})
}

// pollTick queries responses of one request. A tick that completes after the
// selection changed is discarded.
func (e *Engine) pollTick(gen uint64) poller.TickFunc {
	return func(ctx context.Context, requestID string) poller.Result {
		var query ledger.Query
		if !e.apply(gen, func() {
			query = e.responseQuery(e.conversationID, []string{requestID}, e.operatorsLocked([]string{requestID}))
		}) {
			return poller.Done
		}
		height, heightErr := e.deps.Gateway.CurrentHeight(ctx)
		stream := pagination.New(e.deps.Gateway, "poll", query, e.deps.Metrics)
		nodes, err := stream.Drain(ctx)
		if ctx.Err() != nil {
			return poller.Done
		}
		msgs, ok := e.normalizeNew(ctx, gen, nodes)
		if !ok {
			return poller.Done
		}
		if err != nil {
			e.log.Warn("poll tick failed", "request_id", requestID, "error", err)
		}

		result := poller.Continue
		applied := e.apply(gen, func() {
			if heightErr == nil {
				e.setHeightLocked(height)
			}
			e.mergeLocked(msgs)
			if e.corr.RequestID != requestID {
				result = poller.Done
				return
			}
			switch e.corr.State {
			case models.StateSatisfied:
				result = poller.Done
			case models.StateTimedOut:
				result = poller.TimedOut
			}
		})
		if !applied {
			return poller.Done
		}
		e.deps.Metrics.PollTick(result.String())
		if result == poller.TimedOut {
			e.log.Info("request timed out", "request_id", requestID)
		}
		return result
	}
}

// startPollLocked replaces any running poll loop with one for requestID.
func (e *Engine) startPollLocked(requestID string) {
	e.poller.Start(e.rootCtx, requestID, e.pollTick(e.gen))
}

// resumePolling restarts the poll loop when the latest request still waits for
// responses and no loop is watching it.
func (e *Engine) resumePolling(gen uint64) {
	e.apply(gen, func() {
		if e.corr.State != models.StateAwaitingResponse || e.corr.RequestID == "" {
			return
		}
		if active, ok := e.poller.Active(); ok && active == e.corr.RequestID {
			return
		}
		e.startPollLocked(e.corr.RequestID)
	})
}

// LoadMore fetches the next request page of the active conversation and the
// responses of the requests on it.
func (e *Engine) LoadMore(ctx context.Context) error {
	gen, _, err := e.current()
	if err != nil {
		return err
	}
	if !e.apply(gen, func() { e.loading++ }) {
		return ErrClosed
	}
	defer e.apply(gen, func() { e.loading-- })

	g, gctx := errgroup.WithContext(ctx)
	e.pageRequests(gctx, gen, false, func(ids []string) {
		g.Go(func() error {
			e.drainResponses(gctx, gen, ids)
			return nil
		})
	})
	_ = g.Wait()
	e.resumePolling(gen)
	return e.requestError(gen)
}

// Refresh retries failed streams, picks up requests published since the
// selection from the head of the index, re-drains responses of unsatisfied
// requests and resumes polling. Accumulated messages are kept.
func (e *Engine) Refresh(ctx context.Context) error {
	gen, conversationID, err := e.current()
	if err != nil {
		return err
	}
	var (
		stream  *pagination.Stream
		failed  []*responseBatch
		waiting []string
	)
	if !e.apply(gen, func() {
		e.loading++
		stream = e.requests
		for _, b := range e.batches {
			if b.stream.Err() != nil {
				failed = append(failed, b)
			}
		}
		for _, id := range correlate.RequestIDs(e.messages) {
			msg := e.messages[indexOf(e.messages, id)]
			if correlate.CountResponses(e.messages, id) < max(msg.ExpectedResponses, 1) {
				waiting = append(waiting, id)
			}
		}
	}) {
		return ErrClosed
	}
	defer e.apply(gen, func() { e.loading-- })

	g, gctx := errgroup.WithContext(ctx)
	spawn := func(ids []string) {
		g.Go(func() error {
			e.drainResponses(gctx, gen, ids)
			return nil
		})
	}
	g.Go(func() error {
		e.refreshHeight(gctx, gen)
		return nil
	})
	g.Go(func() error {
		if stream != nil && stream.Err() != nil {
			e.pageRequests(gctx, gen, true, spawn)
		}
		head := pagination.New(e.deps.Gateway, "requests", e.requestQuery(conversationID), e.deps.Metrics)
		nodes, err := head.Next(gctx)
		if err != nil {
			e.apply(gen, func() { e.requestErr = err })
			return nil
		}
		msgs, ok := e.normalizeNew(gctx, gen, nodes)
		if !ok {
			return nil
		}
		var fresh []string
		e.apply(gen, func() {
			e.requestErr = nil
			e.mergeLocked(msgs)
			fresh = e.claimRequestsLocked(msgs)
		})
		if len(fresh) > 0 {
			spawn(fresh)
		}
		return nil
	})
	for _, b := range failed {
		b := b
		g.Go(func() error {
			e.drainBatch(gctx, gen, b)
			return nil
		})
	}
	if len(waiting) > 0 {
		spawn(waiting)
	}
	_ = g.Wait()
	e.resumePolling(gen)
	return e.requestError(gen)
}

func (e *Engine) requestError(gen uint64) error {
	var err error
	if !e.apply(gen, func() { err = e.requestErr }) {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// settled indexes messages a later observation cannot improve. Pending echoes
// and failed bodies stay eligible for re-normalization.
func settled(messages []models.Message) map[string]struct{} {
	out := make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		if !msg.Pending() && msg.Body.OK() {
			out[msg.ID] = struct{}{}
		}
	}
	return out
}

func indexOf(messages []models.Message, id string) int {
	for i, msg := range messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}
