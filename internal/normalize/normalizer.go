// Package normalize turns raw index nodes into timeline messages.
package normalize

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/metrics"
	"fair-chat/go-client/internal/privatemode"
	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/internal/storage"
	"fair-chat/go-client/pkg/models"
)

const defaultConcurrency = 8

var errNoDecrypter = errors.New("private record without a decryption key")

type Options struct {
	// User is the wallet address of the local user; responses are addressed to it.
	User        string
	Solution    protocol.Solution
	Cache       storage.BodyCache
	Decrypter   privatemode.Decrypter
	Metrics     *metrics.Recorder
	Concurrency int
	Now         func() time.Time
	Logger      *slog.Logger
}

type Normalizer struct {
	gateway ledger.Gateway
	opts    Options
	// fetches collapses concurrent body fetches of one transaction.
	fetches singleflight.Group
}

func New(gateway ledger.Gateway, opts Options) *Normalizer {
	if opts.Cache == nil {
		opts.Cache = storage.NewMemoryBodyCache(0)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Normalizer{gateway: gateway, opts: opts}
}

// Normalize converts one node. Records that are not chat records, or that lack a
// usable conversation id, fail with protocol.ErrMalformedRecord. Body failures
// never fail the record.
func (n *Normalizer) Normalize(ctx context.Context, node ledger.Node) (models.Message, error) {
	direction, err := protocol.DirectionFromTags(node.Tags)
	if err != nil {
		return models.Message{}, err
	}
	conversationID, err := protocol.ConversationIDFromTags(node.Tags)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:             node.ID,
		ConversationID: conversationID,
		Direction:      direction,
		ContentType:    "text/plain",
		BlockHeight:    models.PendingHeight,
		Tags:           append([]models.Tag(nil), node.Tags...),
		PrivateMode:    protocol.IsPrivate(node.Tags),
	}
	if ct, ok := protocol.FindTag(node.Tags, protocol.TagContentType); ok && ct != "" {
		msg.ContentType = ct
	}
	if node.Block != nil {
		msg.BlockHeight = node.Block.Height
	}
	msg.Timestamp = n.timestamp(node)

	switch direction {
	case models.DirectionRequest:
		msg.From = firstNonEmpty(node.Address, n.opts.User)
		msg.To, _ = protocol.FindTag(node.Tags, protocol.TagSolutionOperator)
		msg.ExpectedResponses = protocol.ExpectedResponses(n.opts.Solution, node.Tags)
	case models.DirectionResponse:
		msg.From = node.Address
		msg.To = n.opts.User
		msg.RequestID, _ = protocol.FindTag(node.Tags, protocol.TagRequestTransaction)
	}

	msg.Body = n.resolveBody(ctx, node)
	return msg, nil
}

// NormalizeAll converts nodes concurrently and returns the usable messages in
// input order. Malformed records are dropped. Only context cancellation is
// returned as an error.
func (n *Normalizer) NormalizeAll(ctx context.Context, nodes []ledger.Node) ([]models.Message, error) {
	results := make([]models.Message, len(nodes))
	ok := make([]bool, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.opts.Concurrency)
	for i := range nodes {
		i := i
		g.Go(func() error {
			msg, err := n.Normalize(gctx, nodes[i])
			if err != nil {
				n.opts.Metrics.MalformedRecord()
				n.opts.Logger.Debug("dropping malformed ledger record", "tx_id", nodes[i].ID, "error", err)
				return nil
			}
			results[i] = msg
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(nodes))
	for i, msg := range results {
		if ok[i] {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (n *Normalizer) timestamp(node ledger.Node) int64 {
	if ts, ok := protocol.UnixTimeFromTags(node.Tags); ok {
		return ts
	}
	if node.Block != nil && node.Block.Timestamp > 0 {
		return node.Block.Timestamp
	}
	return n.opts.Now().Unix()
}

// resolveBody reads the payload once per id. Successful fetches are cached as
// stored on the ledger; private payloads are decrypted on every read so the
// cache never holds plaintext.
func (n *Normalizer) resolveBody(ctx context.Context, node ledger.Node) models.Body {
	fileName, _ := protocol.FindTag(node.Tags, protocol.TagFileName)

	body, err := n.opts.Cache.Get(ctx, node.ID)
	switch {
	case err == nil:
		n.opts.Metrics.BodyResolved("cache")
	default:
		if !errors.Is(err, storage.ErrCacheMiss) {
			n.opts.Logger.Warn("body cache read failed", "tx_id", node.ID, "error", err)
		}
		v, fetchErr, _ := n.fetches.Do(node.ID, func() (any, error) {
			return n.fetchBody(ctx, node.ID, fileName)
		})
		if fetchErr != nil {
			n.opts.Logger.Debug("body fetch failed", "tx_id", node.ID, "error", fetchErr)
			return models.Body{FileName: fileName, Status: models.BodyStatusFetchFailed, Error: fetchErr.Error()}
		}
		body = cloneBody(v.(models.Body))
	}

	if !protocol.IsPrivate(node.Tags) {
		return body
	}
	if n.opts.Decrypter == nil {
		body.Status = models.BodyStatusDecryptFailed
		body.Error = errNoDecrypter.Error()
		return body
	}
	plain, err := n.opts.Decrypter.Decrypt(body.Data)
	if err != nil {
		body.Status = models.BodyStatusDecryptFailed
		body.Error = err.Error()
		return body
	}
	body.Data = plain
	return body
}

// fetchBody runs once per transaction at a time. A caller that lost the race
// to an earlier fetch finds the body in the cache.
func (n *Normalizer) fetchBody(ctx context.Context, id, fileName string) (models.Body, error) {
	if body, err := n.opts.Cache.Get(ctx, id); err == nil {
		n.opts.Metrics.BodyResolved("cache")
		return body, nil
	}
	data, err := n.gateway.FetchData(ctx, id)
	if err != nil {
		n.opts.Metrics.BodyResolved("failed")
		return models.Body{}, err
	}
	n.opts.Metrics.BodyResolved("fetch")
	body := models.Body{Data: data, FileName: fileName, Status: models.BodyStatusOK}
	if putErr := n.opts.Cache.Put(ctx, id, body); putErr != nil {
		n.opts.Logger.Warn("body cache write failed", "tx_id", id, "error", putErr)
	}
	return body, nil
}

func cloneBody(b models.Body) models.Body {
	b.Data = append([]byte(nil), b.Data...)
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
