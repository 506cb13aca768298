package broadcast

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ChatBridge/internal/protocol"
	"ChatBridge/internal/session"
)

type queueSub struct {
	id string
	ch chan protocol.Outbound
}

func (q *queueSub) ID() string { return q.id }

func (q *queueSub) Enqueue(out protocol.Outbound) bool {
	select {
	case q.ch <- out:
		return true
	default:
		return false
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanOutInOrder(t *testing.T) {
	b := New(quietLogger(), nil)
	a := &queueSub{id: "a", ch: make(chan protocol.Outbound, 8)}
	c := &queueSub{id: "c", ch: make(chan protocol.Outbound, 8)}
	b.Register(a)
	b.Register(c)

	events := make(chan session.Event, 4)
	events <- session.QR{Code: "2@q"}
	events <- session.Authenticated{}
	events <- session.Ready{}
	close(events)

	b.Run(context.Background(), events)

	for _, sub := range []*queueSub{a, c} {
		want := []string{"qr", "authenticated", "ready"}
		for _, name := range want {
			got := <-sub.ch
			if got.Type != protocol.TypeEvent || got.Event != name {
				t.Fatalf("%s: expected %s, got %+v", sub.id, name, got)
			}
		}
	}
}

func TestSlowSubscriberSkipped(t *testing.T) {
	b := New(quietLogger(), nil)
	slow := &queueSub{id: "slow", ch: make(chan protocol.Outbound)}
	fast := &queueSub{id: "fast", ch: make(chan protocol.Outbound, 1)}
	b.Register(slow)
	b.Register(fast)

	done := make(chan int, 1)
	go func() { done <- b.Publish(context.Background(), session.Ready{}) }()

	select {
	case n := <-done:
		if n != 1 {
			t.Fatalf("expected one delivery, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	if got := <-fast.ch; got.Event != "ready" {
		t.Fatalf("fast subscriber missed the event: %+v", got)
	}
}

func TestUnregisteredStopsReceiving(t *testing.T) {
	b := New(quietLogger(), nil)
	s := &queueSub{id: "s", ch: make(chan protocol.Outbound, 1)}
	b.Register(s)
	b.Unregister("s")
	b.Unregister("never-registered")

	if n := b.Publish(context.Background(), session.Ready{}); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
	if b.Count() != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestObserversSeeEventsFirst(t *testing.T) {
	b := New(quietLogger(), nil)
	var mu sync.Mutex
	var seen []string
	b.Observe(func(ev session.Event) {
		mu.Lock()
		seen = append(seen, ev.Name())
		mu.Unlock()
	})

	b.Publish(context.Background(), session.MessageReceived{Message: session.Message{ID: "m"}})
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "message" {
		t.Fatalf("observer not called: %v", seen)
	}
}

func TestFrameData(t *testing.T) {
	f := Frame(session.Disconnected{Reason: "LOGOUT"})
	data, ok := f.Data.(map[string]any)
	if !ok || data["reason"] != "LOGOUT" || f.Event != "disconnected" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f.ID != "" {
		t.Fatalf("events carry no id")
	}
}
