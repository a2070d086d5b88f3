package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fair-chat/go-client/pkg/models"
)

const defaultPageSize = 10

// Record is one transaction held by MemLedger.
type Record struct {
	ID      string
	Owner   string
	Payload []byte
	Tags    []models.Tag
	// Block is nil while the transaction is pending.
	Block *Block

	seq int
}

// MemLedger is an in-process ledger with an index, used by the mock transport
// and by tests. Transactions stay pending until Mine confirms them.
type MemLedger struct {
	mu        sync.Mutex
	records   map[string]*Record
	nextSeq   int
	height    int64
	now       func() time.Time
	failData  map[string]error
	failQuery []error
	queries   int
	onSubmit  []func(Record)
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		records:  make(map[string]*Record),
		height:   1,
		now:      time.Now,
		failData: make(map[string]error),
	}
}

// SetClock replaces the clock used to stamp confirmed blocks.
func (l *MemLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
}

// OnSubmit registers a hook that runs after every Submit, outside the lock.
func (l *MemLedger) OnSubmit(fn func(Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSubmit = append(l.onSubmit, fn)
}

// Put inserts a transaction as-is. An empty ID is generated.
func (l *MemLedger) Put(rec Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.putLocked(rec)
}

func (l *MemLedger) putLocked(rec Record) Record {
	l.nextSeq++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("mem-%08d", l.nextSeq)
	}
	rec.seq = l.nextSeq
	rec.Payload = append([]byte(nil), rec.Payload...)
	rec.Tags = append([]models.Tag(nil), rec.Tags...)
	stored := rec
	l.records[rec.ID] = &stored
	return stored
}

// Submitter returns a Submitter that publishes as owner.
func (l *MemLedger) Submitter(owner string) Submitter {
	return memSubmitter{ledger: l, owner: owner}
}

type memSubmitter struct {
	ledger *MemLedger
	owner  string
}

func (s memSubmitter) Submit(ctx context.Context, payload []byte, tags []models.Tag) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l := s.ledger
	l.mu.Lock()
	rec := l.putLocked(Record{Owner: s.owner, Payload: payload, Tags: tags})
	hooks := append(([]func(Record))(nil), l.onSubmit...)
	l.mu.Unlock()

	for _, hook := range hooks {
		hook(rec)
	}
	return rec.ID, nil
}

// Mine advances the height by n blocks and confirms every pending transaction in
// the first new block.
func (l *MemLedger) Mine(n int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return l.height
	}
	l.height++
	block := Block{Height: l.height, Timestamp: l.now().Unix()}
	for _, rec := range l.records {
		if rec.Block == nil {
			b := block
			rec.Block = &b
		}
	}
	l.height += int64(n - 1)
	return l.height
}

// FailNextQueries makes the next len(errs) queries fail in order.
func (l *MemLedger) FailNextQueries(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failQuery = append(l.failQuery, errs...)
}

// FailData makes FetchData fail for id until cleared with a nil error.
func (l *MemLedger) FailData(id string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failData, id)
		return
	}
	l.failData[id] = err
}

func (l *MemLedger) QueryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queries
}

func (l *MemLedger) Query(ctx context.Context, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries++
	if len(l.failQuery) > 0 {
		err := l.failQuery[0]
		l.failQuery = l.failQuery[1:]
		if err == nil {
			err = ErrGateway
		}
		return Page{}, err
	}

	matched := make([]*Record, 0)
	for _, rec := range l.records {
		if recordMatches(rec, q) {
			matched = append(matched, rec)
		}
	}
	// newest first: pending, then by height, then by insertion order
	sort.Slice(matched, func(i, j int) bool {
		hi, hj := recordHeight(matched[i]), recordHeight(matched[j])
		if hi != hj {
			return hi > hj
		}
		return matched[i].seq > matched[j].seq
	})

	start := 0
	if q.After != "" {
		start = len(matched)
		for i, rec := range matched {
			if rec.ID == q.After {
				start = i + 1
				break
			}
		}
	}
	first := q.First
	if first <= 0 {
		first = defaultPageSize
	}
	end := start + first
	if end > len(matched) {
		end = len(matched)
	}
	page := Page{HasNextPage: end < len(matched)}
	for _, rec := range matched[start:end] {
		page.Edges = append(page.Edges, Edge{Cursor: rec.ID, Node: rec.node()})
	}
	return page, nil
}

func (l *MemLedger) FetchData(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.failData[id]; ok {
		return nil, err
	}
	rec, ok := l.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), rec.Payload...), nil
}

func (l *MemLedger) CurrentHeight(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

func (l *MemLedger) Get(id string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (r *Record) node() Node {
	n := Node{
		ID:      r.ID,
		Tags:    append([]models.Tag(nil), r.Tags...),
		Address: r.Owner,
	}
	if r.Block != nil {
		b := *r.Block
		n.Block = &b
	}
	return n
}

func recordHeight(r *Record) int64 {
	if r.Block == nil {
		return 1 << 62
	}
	return r.Block.Height
}

func recordMatches(rec *Record, q Query) bool {
	if len(q.Owners) > 0 && !containsString(q.Owners, rec.Owner) {
		return false
	}
	for _, filter := range q.Tags {
		if len(filter.Values) == 0 {
			continue
		}
		found := false
		for _, tag := range rec.Tags {
			if tag.Name == filter.Name && containsExact(filter.Values, tag.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsExact(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// containsString compares addresses, which are case-insensitive hex.
func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(candidate, v) {
			return true
		}
	}
	return false
}
