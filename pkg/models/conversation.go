package models

type WaitingState string

const (
	StateIdle             WaitingState = "idle"
	StateAwaitingResponse WaitingState = "awaiting_response"
	StateSatisfied        WaitingState = "satisfied"
	StateTimedOut         WaitingState = "timed_out"
)

// Waiting reports whether the UI should show a response indicator.
func (s WaitingState) Waiting() bool {
	return s == StateAwaitingResponse
}

type Conversation struct {
	ID       int    `json:"id"`
	Owner    string `json:"owner"`
	Solution string `json:"solution"`
}

// PendingRequest is the outstanding correlation created by a successful submission.
type PendingRequest struct {
	RequestID         string `json:"request_id"`
	ConversationID    int    `json:"conversation_id"`
	ExpectedResponses int    `json:"expected_responses"`
	SubmittedAtHeight int64  `json:"submitted_at_height"`
}

type Correlation struct {
	State     WaitingState `json:"state"`
	RequestID string       `json:"request_id,omitempty"`
	Observed  int          `json:"observed"`
	Expected  int          `json:"expected"`
	// Height is the last block height the evaluation saw; zero when unknown.
	Height int64 `json:"height,omitempty"`
}
