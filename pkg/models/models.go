package models

// PendingHeight marks a transaction that the index has not confirmed in a block yet.
const PendingHeight int64 = -1

type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Rank orders directions at equal timestamps: requests first.
func (d Direction) Rank() int {
	switch d {
	case DirectionRequest:
		return 0
	case DirectionResponse:
		return 1
	default:
		return 2
	}
}

type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type BodyStatus string

const (
	BodyStatusOK            BodyStatus = "ok"
	BodyStatusFetchFailed   BodyStatus = "fetch_failed"
	BodyStatusDecryptFailed BodyStatus = "decrypt_failed"
)

type Body struct {
	Data     []byte     `json:"data,omitempty"`
	FileName string     `json:"file_name,omitempty"`
	Status   BodyStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

func (b Body) OK() bool {
	return b.Status == BodyStatusOK
}

func (b Body) Text() string {
	return string(b.Data)
}

type Message struct {
	ID                string    `json:"id"`
	ConversationID    int       `json:"conversation_id"`
	Direction         Direction `json:"direction"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Body              Body      `json:"body"`
	ContentType       string    `json:"content_type"`
	BlockHeight       int64     `json:"block_height"`
	Timestamp         int64     `json:"timestamp"`
	Tags              []Tag     `json:"tags"`
	RequestID         string    `json:"request_id,omitempty"`
	ExpectedResponses int       `json:"expected_responses,omitempty"`
	PrivateMode       bool      `json:"private_mode,omitempty"`
}

func (m Message) IsRequest() bool {
	return m.Direction == DirectionRequest
}

func (m Message) IsResponse() bool {
	return m.Direction == DirectionResponse
}

func (m Message) Pending() bool {
	return m.BlockHeight == PendingHeight
}

// TagValue returns the first value of the named tag.
func (m Message) TagValue(name string) (string, bool) {
	for _, tag := range m.Tags {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}

func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
