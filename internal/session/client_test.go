package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"ChatBridge/internal/upstream"
)

type sendCall struct {
	chatID  string
	content upstream.Content
	opts    upstream.SendOptions
}

type fakeDriver struct {
	events chan upstream.Event

	mu        sync.Mutex
	sends     []sendCall
	failSends int // fail this many sends before succeeding
	initErr   error
	panicOn   string
	messages  []upstream.Message
	destroyed bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan upstream.Event, 16)}
}

func (f *fakeDriver) Initialize(ctx context.Context) error {
	if f.panicOn == "initialize" {
		panic("boom")
	}
	return f.initErr
}

func (f *fakeDriver) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) GetContacts(ctx context.Context) ([]upstream.Contact, error) {
	if f.panicOn == "contacts" {
		panic("nil map")
	}
	return []upstream.Contact{
		{ID: "1@c.us", Name: "Ana", Number: "1"},
		{ID: "2@c.us", Pushname: "Bo", Number: "2"},
		{ID: "3@c.us", Number: "3"},
	}, nil
}

func (f *fakeDriver) GetChats(ctx context.Context) ([]upstream.Chat, error) {
	return []upstream.Chat{{ID: "1@c.us", Name: "Ana", Timestamp: 0}}, nil
}

func (f *fakeDriver) FetchMessages(ctx context.Context, chatID string, limit int) ([]upstream.Message, error) {
	if chatID == "missing@c.us" {
		return nil, upstream.ErrChatNotFound
	}
	return f.messages, nil
}

func (f *fakeDriver) SendMessage(ctx context.Context, chatID string, content upstream.Content, opts upstream.SendOptions) (upstream.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{chatID: chatID, content: content, opts: opts})
	if f.failSends > 0 {
		f.failSends--
		return upstream.Message{}, errors.New("evaluation failed")
	}
	return upstream.Message{ID: "sent", From: "me@c.us", To: chatID, Body: content.Text, FromMe: true, Timestamp: 1700000000}, nil
}

func (f *fakeDriver) Events() <-chan upstream.Event {
	return f.events
}

func (f *fakeDriver) calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.sends...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for session event")
	}
	return nil
}

func readyClient(t *testing.T) (*Client, *fakeDriver) {
	t.Helper()
	d := newFakeDriver()
	c := New(d, testLogger())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	d.events <- upstream.Event{Type: upstream.EventReady}
	if _, ok := nextEvent(t, c).(Ready); !ok {
		t.Fatalf("expected ready event")
	}
	t.Cleanup(func() { c.Destroy(context.Background()) })
	return c, d
}

func TestStateMachine(t *testing.T) {
	d := newFakeDriver()
	c := New(d, testLogger())
	if c.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", c.State())
	}

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if c.State() != StateAwaitingAuth {
		t.Fatalf("expected awaiting_auth, got %s", c.State())
	}

	d.events <- upstream.Event{Type: upstream.EventQR, QR: "2@xyz"}
	if qr, ok := nextEvent(t, c).(QR); !ok || qr.Code != "2@xyz" {
		t.Fatalf("expected qr event")
	}

	d.events <- upstream.Event{Type: upstream.EventAuthenticated}
	if _, ok := nextEvent(t, c).(Authenticated); !ok {
		t.Fatalf("expected authenticated event")
	}
	if c.State() != StateAuthenticated || c.IsReady() {
		t.Fatalf("expected authenticated and not ready, got %s", c.State())
	}

	d.events <- upstream.Event{Type: upstream.EventReady}
	nextEvent(t, c)
	if !c.IsReady() {
		t.Fatalf("expected ready")
	}

	d.events <- upstream.Event{Type: upstream.EventDisconnected, Reason: "NAVIGATION"}
	if ev, ok := nextEvent(t, c).(Disconnected); !ok || ev.Reason != "NAVIGATION" {
		t.Fatalf("expected disconnected event")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}

	// Destroy from disconnected still reaches destroyed.
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if c.State() != StateDestroyed {
		t.Fatalf("expected destroyed, got %s", c.State())
	}
	if !d.destroyed {
		t.Fatalf("driver destroy not called")
	}
	if _, ok := <-c.Events(); ok {
		t.Fatalf("expected closed event stream")
	}
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
}

func TestQRLeavesStateAlone(t *testing.T) {
	c, d := readyClient(t)

	d.events <- upstream.Event{Type: upstream.EventQR, QR: "2@late"}
	if qr, ok := nextEvent(t, c).(QR); !ok || qr.Code != "2@late" {
		t.Fatalf("expected qr event")
	}
	if !c.IsReady() || c.State() != StateReady {
		t.Fatalf("qr while ready changed state to %s", c.State())
	}

	d2 := newFakeDriver()
	c2 := New(d2, testLogger())
	defer c2.Destroy(context.Background())
	if err := c2.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	d2.events <- upstream.Event{Type: upstream.EventAuthenticated}
	nextEvent(t, c2)
	d2.events <- upstream.Event{Type: upstream.EventQR, QR: "2@again"}
	if _, ok := nextEvent(t, c2).(QR); !ok {
		t.Fatalf("expected qr event")
	}
	if c2.State() != StateAuthenticated {
		t.Fatalf("qr while authenticated changed state to %s", c2.State())
	}
}

func TestAuthFailureDisconnects(t *testing.T) {
	d := newFakeDriver()
	c := New(d, testLogger())
	defer c.Destroy(context.Background())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	d.events <- upstream.Event{Type: upstream.EventAuthFailure, Reason: "bad creds"}
	if ev, ok := nextEvent(t, c).(AuthFailure); !ok || ev.Message != "bad creds" {
		t.Fatalf("expected auth failure event")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
}

func TestCommandsRequireReady(t *testing.T) {
	d := newFakeDriver()
	c := New(d, testLogger())
	defer c.Destroy(context.Background())
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	ctx := context.Background()
	if _, err := c.ListContacts(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("contacts: expected ErrNotReady, got %v", err)
	}
	if _, err := c.ListChats(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("chats: expected ErrNotReady, got %v", err)
	}
	if _, err := c.FetchHistory(ctx, "1@c.us", 5); !errors.Is(err, ErrNotReady) {
		t.Fatalf("history: expected ErrNotReady, got %v", err)
	}
	if _, err := c.SendText(ctx, "1@c.us", "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("send: expected ErrNotReady, got %v", err)
	}
	if len(d.calls()) != 0 {
		t.Fatalf("driver must not be called before ready")
	}
}

func TestNilDriver(t *testing.T) {
	c := New(nil, testLogger())
	if err := c.Initialize(context.Background()); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if err := c.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
}

func TestDriverPanicBecomesUpstreamError(t *testing.T) {
	c, d := readyClient(t)
	d.panicOn = "contacts"
	if _, err := c.ListContacts(context.Background()); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestInitializeFailure(t *testing.T) {
	d := newFakeDriver()
	d.initErr = errors.New("browser crashed")
	c := New(d, testLogger())
	defer c.Destroy(context.Background())

	if err := c.Initialize(context.Background()); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if _, ok := nextEvent(t, c).(Disconnected); !ok {
		t.Fatalf("expected disconnected event")
	}
}

func TestListContactsNameFallback(t *testing.T) {
	c, _ := readyClient(t)
	contacts, err := c.ListContacts(context.Background())
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	want := []string{"Ana", "Bo", ""}
	for i, name := range want {
		if contacts[i].Name != name {
			t.Fatalf("contact %d: expected name %q, got %q", i, name, contacts[i].Name)
		}
	}
}

func TestFetchHistory(t *testing.T) {
	c, d := readyClient(t)
	d.messages = []upstream.Message{
		{ID: "a", From: "1@c.us", Body: "old", Timestamp: 100},
		{ID: "b", From: "1@c.us", Body: "new", Timestamp: 300},
		{ID: "c", From: "1@c.us", Body: "mid", Timestamp: 200},
	}

	msgs, err := c.FetchHistory(context.Background(), "1@c.us", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "b" || msgs[1].ID != "c" {
		t.Fatalf("expected newest first and truncated, got %+v", msgs)
	}

	if _, err := c.FetchHistory(context.Background(), "missing@c.us", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSendText(t *testing.T) {
	c, d := readyClient(t)
	msg, err := c.SendText(context.Background(), "1@c.us", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ChatID != "1@c.us" || msg.Content != "hello" || !msg.FromMe {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if calls := d.calls(); len(calls) != 1 || calls[0].content.Text != "hello" {
		t.Fatalf("unexpected driver calls: %+v", calls)
	}
}

func TestSendPayloadSizeBounds(t *testing.T) {
	c, d := readyClient(t)
	ctx := context.Background()

	cases := []struct {
		size int
		want error
	}{
		{MinPayloadSize - 1, ErrCorruptPayload},
		{MinPayloadSize, nil},
		{MaxPayloadSize, nil},
		{MaxPayloadSize + 1, ErrPayloadTooLarge},
	}
	for _, tc := range cases {
		_, err := c.SendPayload(ctx, Payload{ChatID: "1@c.us", Data: make([]byte, tc.size), Filename: "f.pdf"})
		if tc.want == nil && err != nil {
			t.Fatalf("size %d: unexpected error %v", tc.size, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("size %d: expected %v, got %v", tc.size, tc.want, err)
		}
	}
	if got := len(d.calls()); got != 2 {
		t.Fatalf("expected 2 sends for in-range payloads, got %d", got)
	}
}

func TestImageFallsBackOnce(t *testing.T) {
	c, d := readyClient(t)
	d.failSends = 1

	msg, err := c.SendPayload(context.Background(), Payload{ChatID: "1@c.us", Data: make([]byte, 500), Filename: "cat.PNG", Caption: "cat"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !msg.HasMedia || msg.MediaType != "image" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	calls := d.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(calls))
	}
	if calls[0].content.Media.Mimetype != "image/png" || calls[0].opts.SendMediaAsDocument {
		t.Fatalf("unexpected primary attempt: %+v", calls[0])
	}
	if calls[1].content.Media.Mimetype != "application/octet-stream" || !calls[1].opts.SendMediaAsDocument {
		t.Fatalf("unexpected fallback attempt: %+v", calls[1])
	}
	if calls[1].opts.Caption != "cat" {
		t.Fatalf("caption lost on fallback")
	}
}

func TestImageFallbackFailure(t *testing.T) {
	c, d := readyClient(t)
	d.failSends = 2

	_, err := c.SendPayload(context.Background(), Payload{ChatID: "1@c.us", Data: make([]byte, 500), Filename: "cat.jpg"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if !strings.Contains(err.Error(), "fallback") {
		t.Fatalf("expected fallback in error, got %v", err)
	}
	if got := len(d.calls()); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestNonImageNeverFallsBack(t *testing.T) {
	for _, name := range []string{"clip.mp4", "note.ogg", "report.pdf"} {
		c, d := readyClient(t)
		d.failSends = 1
		if _, err := c.SendPayload(context.Background(), Payload{ChatID: "1@c.us", Data: make([]byte, 500), Filename: name}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if got := len(d.calls()); got != 1 {
			t.Fatalf("%s: expected 1 attempt, got %d", name, got)
		}
	}
}

func TestMessageEventTranslated(t *testing.T) {
	c, d := readyClient(t)
	d.events <- upstream.Event{Type: upstream.EventMessage, Message: &upstream.Message{
		ID: "m1", From: "123@g.us", Author: "9@c.us", NotifyName: "Zed", Body: "yo", Timestamp: 1700000000,
	}}
	ev, ok := nextEvent(t, c).(MessageReceived)
	if !ok {
		t.Fatalf("expected message event")
	}
	m := ev.Message
	if m.ChatID != "123@g.us" || !m.IsGroup || m.Sender.ID != "9@c.us" || m.Sender.Name != "Zed" {
		t.Fatalf("unexpected translation: %+v", m)
	}
}
