// Package session owns the active conversation view: its timeline, waiting
// state and poll loop. Every mutation goes through Engine.apply, which drops
// results that belong to an earlier selection.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fair-chat/go-client/internal/correlate"
	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/metrics"
	"fair-chat/go-client/internal/normalize"
	"fair-chat/go-client/internal/notify"
	"fair-chat/go-client/internal/pagination"
	"fair-chat/go-client/internal/poller"
	"fair-chat/go-client/internal/privatemode"
	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/internal/storage"
	"fair-chat/go-client/pkg/models"
)

const (
	DefaultRequestPageSize  = 10
	DefaultResponsePageSize = 100
	DefaultMaxMessageSize   = 1 << 20
)

var (
	ErrNoConversation  = errors.New("no conversation selected")
	ErrMessageTooLarge = errors.New("message exceeds the maximum size")
	ErrEmptyPrompt     = errors.New("prompt is empty")
	ErrClosed          = errors.New("session engine is closed")
	ErrNoOperator      = errors.New("solution has no operator")
	ErrModelRequired   = errors.New("solution requires a model name")
	ErrPrivateMode     = errors.New("private mode requires encryption keys and an operator public key")
	ErrUnknownMessage  = errors.New("message not found in the active conversation")
)

// ConfigSource provides the request settings of a solution at submit time.
type ConfigSource interface {
	Current(solutionID string) protocol.Configuration
	Save(solutionID string, cfg protocol.Configuration) error
}

// ConversationMemory remembers conversation ids created locally.
type ConversationMemory interface {
	Remember(owner, solution string, id int) error
	IDs(owner, solution string) []int
}

// Keyring is the user's private mode identity.
type Keyring interface {
	privatemode.Encrypter
	privatemode.Decrypter
	PublicKey() string
}

type Deps struct {
	Gateway       ledger.Gateway
	Submitter     ledger.Submitter
	Configs       ConfigSource
	Conversations ConversationMemory
	Bodies        storage.BodyCache
	Keys          Keyring
	Notifier      notify.Publisher
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
	Clock         func() time.Time
}

type Options struct {
	User             string
	Solution         protocol.Solution
	Operator         protocol.Operator
	RequestPageSize  int
	ResponsePageSize int
	PollInterval     time.Duration
	TimeoutBlocks    int64
	MaxMessageSize   int
}

// Snapshot is a consistent copy of the engine state for the UI.
type Snapshot struct {
	ConversationID  int                 `json:"conversation_id"`
	Messages        []models.Message    `json:"messages"`
	State           models.WaitingState `json:"state"`
	Correlation     models.Correlation  `json:"correlation"`
	HasMoreRequests bool                `json:"has_more_requests"`
	ConversationIDs []int               `json:"conversation_ids"`
	RequestErr      string              `json:"request_error,omitempty"`
	ResponseErr     string              `json:"response_error,omitempty"`
	Loading         bool                `json:"loading"`
}

type responseBatch struct {
	requestIDs []string
	stream     *pagination.Stream
}

type Engine struct {
	deps       Deps
	opts       Options
	log        *slog.Logger
	normalizer *normalize.Normalizer
	poller     *poller.Poller

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu              sync.Mutex
	closed          bool
	gen             uint64
	selCancel       context.CancelFunc
	conversationID  int
	conversationIDs []int
	messages        []models.Message
	pending         *models.PendingRequest
	corr            models.Correlation
	height          int64
	requests        *pagination.Stream
	batches         []*responseBatch
	requested       map[string]struct{}
	requestErr      error
	responseErr     error
	loading         int
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Gateway == nil || deps.Submitter == nil {
		return nil, errors.New("session: gateway and submitter are required")
	}
	if opts.User == "" || opts.Solution.ID == "" {
		return nil, errors.New("session: user and solution are required")
	}
	if deps.Configs == nil {
		deps.Configs = storage.NewConfigStore(protocol.Configuration{})
	}
	if deps.Conversations == nil {
		deps.Conversations = storage.NewConversationStore()
	}
	if deps.Bodies == nil {
		deps.Bodies = storage.NewMemoryBodyCache(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if opts.RequestPageSize <= 0 {
		opts.RequestPageSize = DefaultRequestPageSize
	}
	if opts.ResponsePageSize <= 0 {
		opts.ResponsePageSize = DefaultResponsePageSize
	}
	if opts.TimeoutBlocks <= 0 {
		opts.TimeoutBlocks = correlate.DefaultTimeoutBlocks
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}

	var decrypter privatemode.Decrypter
	if deps.Keys != nil {
		decrypter = deps.Keys
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		deps: deps,
		opts: opts,
		log:  deps.Logger.With("solution", opts.Solution.ID),
		normalizer: normalize.New(deps.Gateway, normalize.Options{
			User:      opts.User,
			Solution:  opts.Solution,
			Cache:     deps.Bodies,
			Decrypter: decrypter,
			Metrics:   deps.Metrics,
			Now:       deps.Clock,
			Logger:    deps.Logger,
		}),
		poller:     poller.New(opts.PollInterval),
		rootCtx:    ctx,
		rootCancel: cancel,
		requested:  make(map[string]struct{}),
		corr:       models.Correlation{State: models.StateIdle},
	}
	return e, nil
}

// apply runs fn under the engine lock when gen still identifies the active
// selection. It reports whether fn ran.
func (e *Engine) apply(gen uint64, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.gen {
		return false
	}
	fn()
	return true
}

// current returns the active generation and conversation.
func (e *Engine) current() (uint64, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, 0, ErrClosed
	}
	if e.conversationID == 0 {
		return e.gen, 0, ErrNoConversation
	}
	return e.gen, e.conversationID, nil
}

func (e *Engine) mergeLocked(incoming []models.Message) {
	before := len(e.messages)
	e.messages = correlate.Merge(e.messages, incoming, e.conversationID)
	e.deps.Metrics.Merged(len(e.messages))
	if len(e.messages) != before || len(incoming) > 0 {
		e.publishLocked(notify.MethodMessages, map[string]any{
			"conversation_id": e.conversationID,
			"messages":        models.CloneMessages(e.messages),
		})
	}
	e.recomputeLocked()
}

func (e *Engine) setHeightLocked(height int64) {
	if height <= 0 {
		return
	}
	e.height = height
	if e.pending != nil && e.pending.SubmittedAtHeight < 0 {
		e.pending.SubmittedAtHeight = height
	}
}

func (e *Engine) recomputeLocked() {
	next := correlate.Evaluate(e.messages, e.pending, e.height, e.opts.TimeoutBlocks)
	prev := e.corr
	e.corr = next
	switch next.State {
	case models.StateSatisfied:
		e.pending = nil
		e.poller.Stop()
	case models.StateTimedOut:
		e.poller.Stop()
	}
	if prev.State != next.State || prev.RequestID != next.RequestID || prev.Observed != next.Observed {
		if prev.State != next.State {
			e.deps.Metrics.StateChanged(string(next.State))
			e.log.Info("waiting state changed", "conversation_id", e.conversationID, "from", prev.State, "to", next.State, "request_id", next.RequestID)
		}
		e.publishLocked(notify.MethodState, map[string]any{
			"conversation_id": e.conversationID,
			"correlation":     next,
		})
	}
}

func (e *Engine) publishLocked(method string, payload any) {
	if e.deps.Notifier == nil {
		return
	}
	e.deps.Notifier.Publish(method, payload)
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		ConversationID:  e.conversationID,
		Messages:        models.CloneMessages(e.messages),
		State:           e.corr.State,
		Correlation:     e.corr,
		ConversationIDs: append([]int(nil), e.conversationIDs...),
		Loading:         e.loading > 0,
	}
	if snap.Messages == nil {
		snap.Messages = []models.Message{}
	}
	if e.requests != nil {
		snap.HasMoreRequests = e.requests.HasMore()
	}
	if e.requestErr != nil {
		snap.RequestErr = e.requestErr.Error()
	}
	if e.responseErr != nil {
		snap.ResponseErr = e.responseErr.Error()
	}
	return snap
}

// Close stops polling and cancels in-flight work. It is safe to call twice.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.gen++
	e.poller.Stop()
	if e.selCancel != nil {
		e.selCancel()
	}
	e.rootCancel()
	return nil
}

// PollingRequest returns the request id the poll loop is watching.
func (e *Engine) PollingRequest() (string, bool) {
	return e.poller.Active()
}
