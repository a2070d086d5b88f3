// Package pagination walks cursor-paginated index queries.
package pagination

import (
	"context"
	"sync"
	"time"

	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/metrics"
)

// Stream pages through one index query. Each node id is returned at most once
// even when the index repeats edges across pages. Calls to Next are serialized.
type Stream struct {
	gateway ledger.Gateway
	query   ledger.Query
	name    string
	metrics *metrics.Recorder

	fetchMu sync.Mutex

	mu      sync.RWMutex
	cursor  string
	started bool
	hasMore bool
	seen    map[string]struct{}
	err     error
}

func New(gateway ledger.Gateway, name string, query ledger.Query, rec *metrics.Recorder) *Stream {
	return &Stream{
		gateway: gateway,
		query:   query,
		name:    name,
		metrics: rec,
		seen:    make(map[string]struct{}),
	}
}

// Next fetches the page after the last seen cursor and returns the nodes not
// returned before. A failed fetch keeps the cursor so a later call retries the
// same page.
func (s *Stream) Next(ctx context.Context) ([]ledger.Node, error) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	s.mu.RLock()
	if s.started && !s.hasMore {
		s.mu.RUnlock()
		return nil, nil
	}
	q := s.query.WithAfter(s.cursor)
	s.mu.RUnlock()

	started := time.Now()
	page, err := s.gateway.Query(ctx, q)
	s.metrics.GatewayQuery(s.name, started, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = err
		return nil, err
	}
	s.err = nil
	s.started = true

	next := page.LastCursor()
	if len(page.Edges) == 0 || next == "" || next == s.cursor {
		s.hasMore = false
	} else {
		s.cursor = next
		s.hasMore = page.HasNextPage
	}

	nodes := make([]ledger.Node, 0, len(page.Edges))
	for _, edge := range page.Edges {
		if _, dup := s.seen[edge.Node.ID]; dup {
			continue
		}
		s.seen[edge.Node.ID] = struct{}{}
		nodes = append(nodes, edge.Node)
	}
	return nodes, nil
}

// Drain pages until the index reports no further pages. Nodes gathered before
// an error are returned with it.
func (s *Stream) Drain(ctx context.Context) ([]ledger.Node, error) {
	var out []ledger.Node
	for s.HasMore() {
		nodes, err := s.Next(ctx)
		out = append(out, nodes...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// HasMore is true before the first page and afterwards while the index
// reports a next page.
func (s *Stream) HasMore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.started || s.hasMore
}

// Err returns the error of the last fetch, cleared by the next successful one.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Stream) Name() string {
	return s.name
}

// Seen reports how many distinct nodes the stream has returned.
func (s *Stream) Seen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
