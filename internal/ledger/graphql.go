package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"fair-chat/go-client/pkg/models"
)

const transactionsQuery = `query transactions($tags: [TagFilter!], $owners: [String!], $recipients: [String!], $first: Int, $after: String) {
  transactions(tags: $tags, owners: $owners, recipients: $recipients, first: $first, after: $after, sort: HEIGHT_DESC) {
    edges {
      cursor
      node {
        id
        tags { name value }
        address
        quantity { winston }
        block { height timestamp }
      }
    }
    pageInfo { hasNextPage }
  }
}`

const maxDataBytes int64 = 32 << 20

type GraphQLConfig struct {
	GraphQLURL       string        `yaml:"graphqlURL"`
	DataURL          string        `yaml:"dataURL"`
	InfoURL          string        `yaml:"infoURL"`
	SubmitURL        string        `yaml:"submitURL"`
	QueriesPerSecond float64       `yaml:"queriesPerSecond"`
	Burst            int           `yaml:"burst"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
}

func DefaultGraphQLConfig() GraphQLConfig {
	return GraphQLConfig{
		GraphQLURL:       "https://arweave.net/graphql",
		DataURL:          "https://arweave.net",
		InfoURL:          "https://arweave.net/info",
		QueriesPerSecond: 5,
		Burst:            10,
		RequestTimeout:   15 * time.Second,
	}
}

// GraphQLGateway reads the ledger index over HTTP. All outgoing calls share one
// token bucket so page streams, poll ticks and body fetches stay within the
// gateway quota together.
type GraphQLGateway struct {
	cfg     GraphQLConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewGraphQLGateway(cfg GraphQLConfig, client *http.Client) *GraphQLGateway {
	def := DefaultGraphQLConfig()
	if cfg.QueriesPerSecond <= 0 {
		cfg.QueriesPerSecond = def.QueriesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &GraphQLGateway{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), cfg.Burst),
	}
}

func (g *GraphQLGateway) Query(ctx context.Context, q Query) (Page, error) {
	vars := map[string]any{
		"tags":  q.Tags,
		"first": q.First,
	}
	if len(q.Owners) > 0 {
		vars["owners"] = q.Owners
	}
	if len(q.Recipients) > 0 {
		vars["recipients"] = q.Recipients
	}
	if q.After != "" {
		vars["after"] = q.After
	}
	body, err := json.Marshal(map[string]any{
		"query":     transactionsQuery,
		"variables": vars,
	})
	if err != nil {
		return Page{}, err
	}
	raw, err := g.do(ctx, http.MethodPost, g.cfg.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return Page{}, err
	}
	return decodePage(raw)
}

func (g *GraphQLGateway) FetchData(ctx context.Context, id string) ([]byte, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	return g.do(ctx, http.MethodGet, strings.TrimRight(g.cfg.DataURL, "/")+"/"+id, nil)
}

func (g *GraphQLGateway) CurrentHeight(ctx context.Context) (int64, error) {
	raw, err := g.do(ctx, http.MethodGet, g.cfg.InfoURL, nil)
	if err != nil {
		return 0, err
	}
	height := gjson.GetBytes(raw, "height")
	if !height.Exists() {
		return 0, fmt.Errorf("%w: info response without height", ErrGateway)
	}
	return height.Int(), nil
}

func (g *GraphQLGateway) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	started := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDataBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrGateway, err)
	}
	slog.Default().Debug("ledger gateway call", "method", method, "status", resp.StatusCode, "latency_ms", time.Since(started).Milliseconds())
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrGateway, resp.StatusCode)
	}
	return raw, nil
}

func decodePage(raw []byte) (Page, error) {
	if !gjson.ValidBytes(raw) {
		return Page{}, fmt.Errorf("%w: invalid json", ErrGateway)
	}
	parsed := gjson.ParseBytes(raw)
	if errs := parsed.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		return Page{}, fmt.Errorf("%w: %s", ErrGateway, errs.Array()[0].Get("message").String())
	}
	txs := parsed.Get("data.transactions")
	if !txs.Exists() {
		return Page{}, fmt.Errorf("%w: missing transactions", ErrGateway)
	}
	page := Page{HasNextPage: txs.Get("pageInfo.hasNextPage").Bool()}
	txs.Get("edges").ForEach(func(_, edge gjson.Result) bool {
		node := edge.Get("node")
		n := Node{
			ID:       node.Get("id").String(),
			Address:  firstNonEmpty(node.Get("address").String(), node.Get("owner.address").String()),
			Quantity: node.Get("quantity.winston").String(),
		}
		node.Get("tags").ForEach(func(_, tag gjson.Result) bool {
			n.Tags = append(n.Tags, models.Tag{Name: tag.Get("name").String(), Value: tag.Get("value").String()})
			return true
		})
		if block := node.Get("block"); block.Exists() && block.Type != gjson.Null {
			n.Block = &Block{Height: block.Get("height").Int(), Timestamp: block.Get("timestamp").Int()}
		}
		page.Edges = append(page.Edges, Edge{Cursor: edge.Get("cursor").String(), Node: n})
		return true
	})
	return page, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// HTTPSubmitter hands payloads to an external signing service which owns the
// wallet and fee settlement.
type HTTPSubmitter struct {
	url    string
	client *http.Client
}

func NewHTTPSubmitter(url string, client *http.Client) *HTTPSubmitter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSubmitter{url: url, client: client}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, payload []byte, tags []models.Tag) (string, error) {
	if strings.TrimSpace(s.url) == "" {
		return "", fmt.Errorf("%w: submit url is not configured", ErrGateway)
	}
	body, err := json.Marshal(map[string]any{
		"data": base64.StdEncoding.EncodeToString(payload),
		"tags": tags,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: submit status %d: %s", ErrGateway, resp.StatusCode, gjson.GetBytes(raw, "error").String())
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return "", fmt.Errorf("%w: submit response without id", ErrGateway)
	}
	return id, nil
}
