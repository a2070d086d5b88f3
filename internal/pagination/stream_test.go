package pagination

import (
	"context"
	"errors"
	"testing"

	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/protocol"
)

type scriptedGateway struct {
	ledger.Gateway
	pages []ledger.Page
	errs  []error
	calls []ledger.Query
}

func (g *scriptedGateway) Query(_ context.Context, q ledger.Query) (ledger.Page, error) {
	g.calls = append(g.calls, q)
	i := len(g.calls) - 1
	if i < len(g.errs) && g.errs[i] != nil {
		return ledger.Page{}, g.errs[i]
	}
	if i >= len(g.pages) {
		return ledger.Page{}, nil
	}
	return g.pages[i], nil
}

func edges(ids ...string) []ledger.Edge {
	out := make([]ledger.Edge, 0, len(ids))
	for _, id := range ids {
		out = append(out, ledger.Edge{Cursor: "c-" + id, Node: ledger.Node{ID: id}})
	}
	return out
}

func TestStreamFollowsCursorAndDedupes(t *testing.T) {
	gw := &scriptedGateway{pages: []ledger.Page{
		{Edges: edges("a", "b"), HasNextPage: true},
		{Edges: edges("b", "c"), HasNextPage: false},
	}}
	s := New(gw, "requests", ledger.Query{First: 2}, nil)

	if !s.HasMore() {
		t.Fatal("a fresh stream must report more pages")
	}
	first, err := s.Next(context.Background())
	if err != nil || len(first) != 2 {
		t.Fatalf("unexpected first page %v err=%v", first, err)
	}
	second, err := s.Next(context.Background())
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second) != 1 || second[0].ID != "c" {
		t.Fatalf("expected only the unseen node c, got %v", second)
	}
	if gw.calls[0].After != "" || gw.calls[1].After != "c-b" {
		t.Fatalf("unexpected cursors %q %q", gw.calls[0].After, gw.calls[1].After)
	}
	if s.HasMore() {
		t.Fatal("expected exhausted stream")
	}
	if nodes, err := s.Next(context.Background()); nodes != nil || err != nil || len(gw.calls) != 2 {
		t.Fatalf("exhausted stream must not query, got %v %v calls=%d", nodes, err, len(gw.calls))
	}
	if s.Seen() != 3 {
		t.Fatalf("expected 3 seen, got %d", s.Seen())
	}
}

func TestStreamStopsOnEmptyPage(t *testing.T) {
	gw := &scriptedGateway{pages: []ledger.Page{{HasNextPage: true}}}
	s := New(gw, "responses", ledger.Query{}, nil)
	nodes, err := s.Drain(context.Background())
	if err != nil || len(nodes) != 0 {
		t.Fatalf("expected empty drain, got %v err=%v", nodes, err)
	}
	if s.HasMore() || len(gw.calls) != 1 {
		t.Fatalf("empty page must stop paging, calls=%d", len(gw.calls))
	}
}

func TestStreamErrorKeepsCursorForRetry(t *testing.T) {
	boom := errors.New("boom")
	gw := &scriptedGateway{
		pages: []ledger.Page{
			{Edges: edges("a"), HasNextPage: true},
			{},
			{Edges: edges("b"), HasNextPage: false},
		},
		errs: []error{nil, boom},
	}
	s := New(gw, "requests", ledger.Query{}, nil)
	nodes, err := s.Drain(context.Background())
	if !errors.Is(err, boom) || len(nodes) != 1 {
		t.Fatalf("expected partial drain with boom, got %v %v", nodes, err)
	}
	if !errors.Is(s.Err(), boom) || !s.HasMore() {
		t.Fatal("failed stream must keep its error flag and remain resumable")
	}
	nodes, err = s.Drain(context.Background())
	if err != nil || len(nodes) != 1 || nodes[0].ID != "b" {
		t.Fatalf("expected retry to resume, got %v err=%v", nodes, err)
	}
	if gw.calls[2].After != "c-a" {
		t.Fatalf("retry must reuse the last good cursor, got %q", gw.calls[2].After)
	}
	if s.Err() != nil {
		t.Fatalf("successful fetch must clear the error, got %v", s.Err())
	}
}

func TestStreamAgainstMemLedger(t *testing.T) {
	l := ledger.NewMemLedger()
	tags := protocol.BaseTags(protocol.OperationInferenceRequest)
	for i := 0; i < 7; i++ {
		l.Put(ledger.Record{Owner: "u", Tags: tags})
	}
	s := New(l, "requests", ledger.Query{Tags: ledger.TagsToFilters(tags), First: 3}, nil)
	nodes, err := s.Drain(context.Background())
	if err != nil || len(nodes) != 7 {
		t.Fatalf("expected 7 nodes, got %d err=%v", len(nodes), err)
	}
	if l.QueryCount() != 3 {
		t.Fatalf("expected 3 queries, got %d", l.QueryCount())
	}
}
