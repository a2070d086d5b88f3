package ledger

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/pkg/models"
)

// EchoOperator answers inference requests addressed to it on a MemLedger. The mock
// transport uses it so a local session has a counterparty.
type EchoOperator struct {
	ledger  *MemLedger
	address string
	delay   time.Duration
	now     func() time.Time
}

func NewEchoOperator(l *MemLedger, address string, delay time.Duration) *EchoOperator {
	op := &EchoOperator{ledger: l, address: address, delay: delay, now: time.Now}
	l.OnSubmit(op.handle)
	return op
}

func (o *EchoOperator) handle(rec Record) {
	if protocolTag(rec.Tags, protocol.TagOperationName) != protocol.OperationInferenceRequest {
		return
	}
	if to := protocolTag(rec.Tags, protocol.TagSolutionOperator); to != "" && to != o.address {
		return
	}
	if o.delay <= 0 {
		o.respond(rec)
		return
	}
	time.AfterFunc(o.delay, func() { o.respond(rec) })
}

func (o *EchoOperator) respond(req Record) {
	count := 1
	if raw := protocolTag(req.Tags, protocol.TagNImages); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			count = n
		}
	}
	submitter := o.ledger.Submitter(o.address)
	for i := 0; i < count; i++ {
		tags := append(protocol.BaseTags(protocol.OperationInferenceResponse),
			models.Tag{Name: protocol.TagRequestTransaction, Value: req.ID},
			models.Tag{Name: protocol.TagConversationIdentifier, Value: protocolTag(req.Tags, protocol.TagConversationIdentifier)},
			models.Tag{Name: protocol.TagUnixTime, Value: strconv.FormatInt(o.now().Unix(), 10)},
			models.Tag{Name: protocol.TagContentType, Value: "text/plain"},
		)
		payload := append([]byte("echo: "), req.Payload...)
		if _, err := submitter.Submit(context.Background(), payload, tags); err != nil {
			slog.Default().Warn("echo operator respond failed", "request_id", req.ID, "error", err)
			return
		}
	}
	o.ledger.Mine(1)
}

func protocolTag(tags []models.Tag, name string) string {
	v, _ := protocol.FindTag(tags, name)
	return v
}
