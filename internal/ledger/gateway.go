// Package ledger queries the permanent ledger index and publishes records to it.
package ledger

import (
	"context"
	"errors"

	"fair-chat/go-client/pkg/models"
)

const (
	TransportMock    = "mock"
	TransportGraphQL = "graphql"
)

var (
	ErrNotFound = errors.New("ledger transaction not found")
	ErrGateway  = errors.New("ledger gateway error")
)

type TagFilter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type Query struct {
	Tags       []TagFilter `json:"tags"`
	Owners     []string    `json:"owners,omitempty"`
	Recipients []string    `json:"recipients,omitempty"`
	First      int         `json:"first"`
	After      string      `json:"after,omitempty"`
}

// WithAfter returns a copy of q that continues after cursor.
func (q Query) WithAfter(cursor string) Query {
	next := q
	next.Tags = append([]TagFilter(nil), q.Tags...)
	next.Owners = append([]string(nil), q.Owners...)
	next.Recipients = append([]string(nil), q.Recipients...)
	next.After = cursor
	return next
}

type Block struct {
	Height    int64 `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

type Node struct {
	ID       string       `json:"id"`
	Tags     []models.Tag `json:"tags"`
	Address  string       `json:"address"`
	Block    *Block       `json:"block,omitempty"`
	Quantity string       `json:"quantity,omitempty"`
}

type Edge struct {
	Cursor string `json:"cursor"`
	Node   Node   `json:"node"`
}

type Page struct {
	Edges       []Edge `json:"edges"`
	HasNextPage bool   `json:"has_next_page"`
}

// LastCursor returns the cursor of the final edge, or "" for an empty page.
func (p Page) LastCursor() string {
	if len(p.Edges) == 0 {
		return ""
	}
	return p.Edges[len(p.Edges)-1].Cursor
}

// Gateway is the read side of the ledger index. Implementations never mutate the ledger.
type Gateway interface {
	Query(ctx context.Context, q Query) (Page, error)
	FetchData(ctx context.Context, id string) ([]byte, error)
	CurrentHeight(ctx context.Context) (int64, error)
}

// Submitter publishes a signed transaction. Failures are surfaced, not retried.
type Submitter interface {
	Submit(ctx context.Context, payload []byte, tags []models.Tag) (string, error)
}

func TagsToFilters(tags []models.Tag) []TagFilter {
	out := make([]TagFilter, 0, len(tags))
	for _, tag := range tags {
		out = append(out, TagFilter{Name: tag.Name, Values: []string{tag.Value}})
	}
	return out
}
