package correlate

import (
	"math/rand"
	"reflect"
	"testing"

	"fair-chat/go-client/internal/ledger"
	"fair-chat/go-client/internal/protocol"
	"fair-chat/go-client/pkg/models"
)

func request(id string, conv int, ts int64, expected int) models.Message {
	return models.Message{
		ID: id, ConversationID: conv, Direction: models.DirectionRequest,
		Timestamp: ts, BlockHeight: 10, ExpectedResponses: expected,
		Body: models.Body{Status: models.BodyStatusOK},
	}
}

func response(id string, conv int, ts int64, requestID string) models.Message {
	return models.Message{
		ID: id, ConversationID: conv, Direction: models.DirectionResponse,
		Timestamp: ts, BlockHeight: 11, RequestID: requestID,
		Body: models.Body{Status: models.BodyStatusOK},
	}
}

func ids(messages []models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func TestMergeIsIdempotent(t *testing.T) {
	page := []models.Message{request("r1", 1, 100, 1), response("s1", 1, 105, "r1"), response("s1", 1, 105, "r1")}
	once := Merge(nil, page, 1)
	twice := Merge(once, page, 1)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("merge not idempotent: %v vs %v", ids(once), ids(twice))
	}
	if len(once) != 2 {
		t.Fatalf("expected dedupe to 2 messages, got %v", ids(once))
	}
}

func TestOrderingIsDeterministic(t *testing.T) {
	msgs := []models.Message{
		response("b", 1, 100, "x"),
		request("z", 1, 100, 1),
		response("a", 1, 100, "x"),
		request("y", 1, 50, 1),
	}
	want := []string{"y", "z", "a", "b"}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.Message(nil), msgs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := ids(Merge(nil, shuffled, 1))
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestConversationIsolation(t *testing.T) {
	mixed := []models.Message{request("r1", 1, 1, 1), request("r2", 2, 2, 1), response("s2", 2, 3, "r2")}
	got := Merge(nil, mixed, 1)
	for _, m := range got {
		if m.ConversationID != 1 {
			t.Fatalf("message %s from conversation %d leaked into 1", m.ID, m.ConversationID)
		}
	}
	got = Merge(got, []models.Message{response("s3", 2, 4, "r1")}, 1)
	if len(got) != 1 {
		t.Fatalf("expected only r1, got %v", ids(got))
	}
}

func TestMergePrefersConfirmedObservation(t *testing.T) {
	echo := request("r1", 1, 100, 1)
	echo.BlockHeight = models.PendingHeight
	confirmed := request("r1", 1, 100, 1)
	got := Merge([]models.Message{echo}, []models.Message{confirmed}, 1)
	if len(got) != 1 || got[0].BlockHeight != 10 {
		t.Fatalf("expected confirmed record to replace echo, got %+v", got)
	}
	got = Merge(got, []models.Message{echo}, 1)
	if got[0].BlockHeight != 10 {
		t.Fatal("a pending observation must not replace a confirmed one")
	}
}

func TestPendingRecordKeepsFirstObservationTime(t *testing.T) {
	first := request("r1", 1, 100, 1)
	first.BlockHeight = models.PendingHeight
	first.Body = models.Body{Status: models.BodyStatusFetchFailed}
	later := request("r1", 1, 250, 1)
	later.BlockHeight = models.PendingHeight

	got := Merge([]models.Message{first}, []models.Message{later}, 1)
	if len(got) != 1 || !got[0].Body.OK() || got[0].Timestamp != 100 {
		t.Fatalf("expected recovered body at the first observed time, got %+v", got)
	}

	tagged := later
	tagged.Tags = []models.Tag{{Name: protocol.TagUnixTime, Value: "250"}}
	got = Merge([]models.Message{first}, []models.Message{tagged}, 1)
	if got[0].Timestamp != 250 {
		t.Fatalf("an explicit Unix-Time must win, got %d", got[0].Timestamp)
	}
}

func TestResponsesFromOtherAddressesAreIgnored(t *testing.T) {
	req := request("r1", 1, 100, 1)
	req.To = "0xOperator"
	forged := response("x1", 1, 101, "r1")
	forged.From = "0xstranger"
	genuine := response("s1", 1, 102, "r1")
	genuine.From = "0xoperator"

	timeline := Merge(nil, []models.Message{req, forged}, 1)
	if !reflect.DeepEqual(ids(timeline), []string{"r1"}) {
		t.Fatalf("forged response must not enter the timeline, got %v", ids(timeline))
	}
	if got := CountResponses([]models.Message{req, forged}, "r1"); got != 0 {
		t.Fatalf("forged response counted: %d", got)
	}
	if got := Evaluate(timeline, nil, 0, 0); got.State != models.StateAwaitingResponse {
		t.Fatalf("expected awaiting response, got %+v", got)
	}

	timeline = Merge(timeline, []models.Message{genuine}, 1)
	if got := Evaluate(timeline, nil, 0, 0); got.State != models.StateSatisfied || got.Observed != 1 {
		t.Fatalf("expected satisfied by the operator, got %+v", got)
	}
}

func TestFilterNodes(t *testing.T) {
	conv := func(v string) []models.Tag {
		return []models.Tag{{Name: protocol.TagConversationIdentifier, Value: v}}
	}
	nodes := []ledger.Node{
		{ID: "a", Tags: conv("5")},
		{ID: "b", Tags: conv("script-5")},
		{ID: "f", Tags: conv("aB3-xY_9-5")},
		{ID: "c", Tags: conv("6")},
		{ID: "d", Tags: conv("x")},
		{ID: "e"},
		{ID: "a", Tags: conv("5")},
		{ID: "known", Tags: conv("5")},
	}
	got := FilterNodes(nodes, 5, map[string]struct{}{"known": {}})
	var gotIDs []string
	for _, n := range got {
		gotIDs = append(gotIDs, n.ID)
	}
	if !reflect.DeepEqual(gotIDs, []string{"a", "b", "f"}) {
		t.Fatalf("expected [a b f], got %v", gotIDs)
	}
}

func TestSatisfactionInAnyArrivalOrder(t *testing.T) {
	req := request("r", 1, 100, 3)
	responses := []models.Message{response("s1", 1, 101, "r"), response("s2", 1, 102, "r"), response("s3", 1, 103, "r")}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}
	for _, order := range orders {
		timeline := Merge(nil, []models.Message{req}, 1)
		for _, idx := range order {
			timeline = Merge(timeline, []models.Message{responses[idx]}, 1)
		}
		if got := Evaluate(timeline, nil, 0, 0); got.State != models.StateSatisfied || got.Observed != 3 {
			t.Fatalf("order %v: expected satisfied 3/3, got %+v", order, got)
		}
	}
}

func TestTimeoutFiring(t *testing.T) {
	req := request("r", 1, 100, 2)
	pending := &models.PendingRequest{RequestID: "r", ConversationID: 1, ExpectedResponses: 2, SubmittedAtHeight: 100}
	timeline := []models.Message{req}

	if got := Evaluate(timeline, pending, 107, 7); got.State != models.StateAwaitingResponse {
		t.Fatalf("gap of exactly 7 blocks must not time out, got %s", got.State)
	}
	if got := Evaluate(timeline, pending, 108, 7); got.State != models.StateTimedOut {
		t.Fatalf("expected timed out, got %s", got.State)
	}

	timeline = Merge(timeline, []models.Message{response("s1", 1, 101, "r")}, 1)
	if got := Evaluate(timeline, pending, 500, 7); got.State != models.StateAwaitingResponse {
		t.Fatalf("a request with a response never times out, got %s", got.State)
	}
	timeline = Merge(timeline, []models.Message{response("s2", 1, 102, "r")}, 1)
	if got := Evaluate(timeline, pending, 500, 7); got.State != models.StateSatisfied {
		t.Fatalf("expected satisfied, got %s", got.State)
	}
}

func TestEvaluateIdleAndUnknownHeights(t *testing.T) {
	if got := Evaluate(nil, nil, 100, 7); got.State != models.StateIdle {
		t.Fatalf("empty conversation must be idle, got %s", got.State)
	}
	req := request("r", 1, 100, 1)
	req.BlockHeight = models.PendingHeight
	if got := Evaluate([]models.Message{req}, nil, 1000, 7); got.State != models.StateAwaitingResponse {
		t.Fatalf("unconfirmed request cannot time out, got %s", got.State)
	}
	pending := &models.PendingRequest{RequestID: "r", ExpectedResponses: 1, SubmittedAtHeight: 10}
	if got := Evaluate([]models.Message{req}, pending, 0, 7); got.State != models.StateAwaitingResponse {
		t.Fatalf("unknown current height cannot time out, got %s", got.State)
	}
}

func TestEvaluateTracksLatestRequestOnly(t *testing.T) {
	timeline := Merge(nil, []models.Message{
		request("r1", 1, 100, 1),
		response("s1", 1, 101, "r1"),
		request("r2", 1, 200, 4),
		response("s2", 1, 201, "r2"),
	}, 1)
	got := Evaluate(timeline, nil, 0, 7)
	if got.RequestID != "r2" || got.Observed != 1 || got.Expected != 4 || got.State != models.StateAwaitingResponse {
		t.Fatalf("unexpected correlation %+v", got)
	}
	if reqs := RequestIDs(timeline); !reflect.DeepEqual(reqs, []string{"r1", "r2"}) {
		t.Fatalf("unexpected request ids %v", reqs)
	}
}
