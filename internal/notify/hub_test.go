package notify

import "testing"

func TestHubReplayFromSequence(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(MethodState, i)
	}
	if h.BacklogSize() != 3 {
		t.Fatalf("expected backlog 3, got %d", h.BacklogSize())
	}
	replay, _, cancel := h.Subscribe(3)
	defer cancel()
	if len(replay) != 2 || replay[0].Seq != 4 || replay[1].Seq != 5 {
		t.Fatalf("unexpected replay %+v", replay)
	}
}

func TestHubDeliversAndCancels(t *testing.T) {
	h := NewHub(10)
	_, events, cancel := h.Subscribe(0)
	ev := h.Publish(MethodMessages, "x")
	got := <-events
	if got.Seq != ev.Seq || got.Method != MethodMessages {
		t.Fatalf("unexpected event %+v", got)
	}
	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatal("expected closed channel after cancel")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Subscribers())
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := NewHub(1)
	_, events, cancel := h.Subscribe(0)
	defer cancel()
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Publish(MethodState, i)
	}
	if h.Subscribers() != 0 {
		t.Fatal("slow subscriber must be dropped")
	}
	n := 0
	for range events {
		n++
	}
	if n != subscriberBuffer {
		t.Fatalf("expected %d buffered events, got %d", subscriberBuffer, n)
	}
}
