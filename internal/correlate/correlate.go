// Package correlate merges observed ledger records into a conversation timeline
// and derives the waiting state from it. Everything here is a pure function of
// its inputs so the result can be recomputed after every observation.
package correlate

import (
	"sort"
	"strings"

	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/pkg/models"
)

// DefaultTimeoutBlocks is the number of confirmations after which a request with
// no response is considered timed out.
const DefaultTimeoutBlocks int64 = 7

// FilterNodes keeps nodes that belong to conversationID and are not yet known.
// Nodes without a parseable conversation id are dropped.
func FilterNodes(nodes []ledger.Node, conversationID int, known map[string]struct{}) []ledger.Node {
	out := make([]ledger.Node, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		if node.ID == "" {
			continue
		}
		if _, ok := known[node.ID]; ok {
			continue
		}
		if _, ok := seen[node.ID]; ok {
			continue
		}
		id, err := protocol.ConversationIDFromTags(node.Tags)
		if err != nil || id != conversationID {
			continue
		}
		seen[node.ID] = struct{}{}
		out = append(out, node)
	}
	return out
}

// Merge unions incoming into current, keeps only conversationID, dedupes by id
// and returns the sorted result. current is not modified. A known message is
// replaced only by a more complete observation of the same transaction.
func Merge(current, incoming []models.Message, conversationID int) []models.Message {
	byID := make(map[string]int, len(current)+len(incoming))
	out := make([]models.Message, 0, len(current)+len(incoming))
	add := func(msg models.Message) {
		if msg.ConversationID != conversationID || msg.ID == "" {
			return
		}
		if i, ok := byID[msg.ID]; ok {
			if improves(out[i], msg) {
				if _, ok := protocol.UnixTimeFromTags(msg.Tags); !ok && msg.Pending() {
					// an unconfirmed record without Unix-Time keeps its first observation time
					msg.Timestamp = out[i].Timestamp
				}
				out[i] = msg
			}
			return
		}
		byID[msg.ID] = len(out)
		out = append(out, msg)
	}
	for _, msg := range current {
		add(msg)
	}
	for _, msg := range incoming {
		add(msg)
	}
	out = dropForeignResponses(out)
	Sort(out)
	return out
}

// dropForeignResponses removes responses published by anyone other than the
// operator their request was addressed to.
func dropForeignResponses(messages []models.Message) []models.Message {
	operators := make(map[string]string)
	for _, msg := range messages {
		if msg.IsRequest() {
			operators[msg.ID] = msg.To
		}
	}
	kept := messages[:0]
	for _, msg := range messages {
		if msg.IsResponse() {
			if to, ok := operators[msg.RequestID]; ok && !answeredBy(to, msg) {
				continue
			}
		}
		kept = append(kept, msg)
	}
	return kept
}

// answeredBy reports whether resp comes from operator. A request without an
// operator accepts any responder.
func answeredBy(operator string, resp models.Message) bool {
	return operator == "" || strings.EqualFold(operator, resp.From)
}

// improves reports whether next carries information old lacks: a confirmation
// or a body that old failed to resolve.
func improves(old, next models.Message) bool {
	if old.Pending() && !next.Pending() {
		return true
	}
	if !old.Body.OK() && next.Body.OK() {
		return true
	}
	return false
}

// Sort orders by timestamp, then requests before responses, then id.
func Sort(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.Direction.Rank() != b.Direction.Rank() {
			return a.Direction.Rank() < b.Direction.Rank()
		}
		return a.ID < b.ID
	})
}

// Known indexes message ids.
func Known(messages []models.Message) map[string]struct{} {
	out := make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		out[msg.ID] = struct{}{}
	}
	return out
}

// RequestIDs lists request ids in timeline order.
func RequestIDs(messages []models.Message) []string {
	var out []string
	for _, msg := range messages {
		if msg.IsRequest() {
			out = append(out, msg.ID)
		}
	}
	return out
}

// LatestRequest returns the most recent request of a sorted timeline.
func LatestRequest(messages []models.Message) (models.Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].IsRequest() {
			return messages[i], true
		}
	}
	return models.Message{}, false
}

// CountResponses counts responses that reference requestID and come from the
// operator the request was addressed to.
func CountResponses(messages []models.Message, requestID string) int {
	var operator string
	for _, msg := range messages {
		if msg.IsRequest() && msg.ID == requestID {
			operator = msg.To
			break
		}
	}
	n := 0
	for _, msg := range messages {
		if msg.IsResponse() && msg.RequestID == requestID && answeredBy(operator, msg) {
			n++
		}
	}
	return n
}

// Evaluate derives the waiting state of a timeline. pending is the outstanding
// submission, if any; it takes precedence over the latest loaded request.
// currentHeight <= 0 means the height is unknown, in which case nothing times out.
func Evaluate(messages []models.Message, pending *models.PendingRequest, currentHeight, timeoutBlocks int64) models.Correlation {
	if timeoutBlocks <= 0 {
		timeoutBlocks = DefaultTimeoutBlocks
	}
	corr := models.Correlation{State: models.StateIdle}
	if currentHeight > 0 {
		corr.Height = currentHeight
	}

	var (
		requestID   string
		expected    int
		submittedAt = models.PendingHeight
	)
	if pending != nil {
		requestID = pending.RequestID
		expected = pending.ExpectedResponses
		submittedAt = pending.SubmittedAtHeight
	} else if req, ok := LatestRequest(messages); ok {
		requestID = req.ID
		expected = req.ExpectedResponses
		submittedAt = req.BlockHeight
	} else {
		return corr
	}
	if expected <= 0 {
		expected = 1
	}

	corr.RequestID = requestID
	corr.Expected = expected
	corr.Observed = CountResponses(messages, requestID)

	switch {
	case corr.Observed >= expected:
		corr.State = models.StateSatisfied
	case corr.Observed == 0 && TimedOut(submittedAt, currentHeight, timeoutBlocks):
		corr.State = models.StateTimedOut
	default:
		corr.State = models.StateAwaitingResponse
	}
	return corr
}

// TimedOut reports whether more than timeoutBlocks blocks were produced since
// submittedAt. Unknown heights never time out.
func TimedOut(submittedAt, currentHeight, timeoutBlocks int64) bool {
	if submittedAt < 0 || currentHeight <= 0 {
		return false
	}
	return currentHeight-submittedAt > timeoutBlocks
}
