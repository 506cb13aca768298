package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ChatBridge/internal/upstream"
)

// DefaultHistoryLimit applies when a history fetch gives no positive limit.
const DefaultHistoryLimit = 50

const eventBuffer = 64

// Driver is the upstream automation service as the session sees it.
// *upstream.Client implements it.
type Driver interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	GetContacts(ctx context.Context) ([]upstream.Contact, error)
	GetChats(ctx context.Context) ([]upstream.Chat, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]upstream.Message, error)
	SendMessage(ctx context.Context, chatID string, content upstream.Content, opts upstream.SendOptions) (upstream.Message, error)
	Events() <-chan upstream.Event
}

// Payload is a media send request after transport decoding.
type Payload struct {
	ChatID   string
	Data     []byte
	Filename string
	Caption  string
	Kind     MediaKind // empty means infer from Filename
}

// Client owns the single upstream session: its state machine, its event
// stream and the operations served to the router.
type Client struct {
	driver Driver
	logger *slog.Logger

	mu      sync.RWMutex
	state   State
	started bool

	// sends are serialised; listings run concurrently
	sendSem chan struct{}

	events       chan Event
	emitMu       sync.RWMutex
	eventsClosed bool
	destroyed    chan struct{}
	pumpDone     chan struct{}
	destroyOnce  sync.Once
}

// New creates a client in the uninitialized state. A nil driver is allowed;
// every upstream call then fails with ErrUpstream.
func New(driver Driver, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		driver:    driver,
		logger:    logger,
		state:     StateUninitialized,
		sendSem:   make(chan struct{}, 1),
		events:    make(chan Event, eventBuffer),
		destroyed: make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsReady reports whether commands can be served.
func (c *Client) IsReady() bool {
	return c.State() == StateReady
}

// Events is the session event stream. It has exactly one reader and is
// closed by Destroy.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Initialize starts the upstream session. Events begin to flow as soon as
// the driver produces them; the state moves on through those events.
func (c *Client) Initialize(ctx context.Context) error {
	if c.driver == nil {
		return fmt.Errorf("%w: no upstream driver configured", ErrUpstream)
	}

	c.mu.Lock()
	if c.state != StateUninitialized {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("session: cannot initialize from state %s", st)
	}
	c.state = StateAwaitingAuth
	c.started = true
	c.mu.Unlock()

	go c.pump(c.driver.Events())

	c.logger.Info("initializing session")
	err := guard(c, "initialize", func() error { return c.driver.Initialize(ctx) })
	if err != nil {
		reason := fmt.Sprintf("initialize failed: %v", err)
		if c.transition(StateDisconnected) {
			c.emit(Disconnected{Reason: reason})
		}
		return c.classify("initialize", err)
	}
	return nil
}

// Destroy tears the session down. It is idempotent and runs from any state.
func (c *Client) Destroy(ctx context.Context) error {
	var err error
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		started := c.started
		c.state = StateDestroyed
		c.mu.Unlock()
		close(c.destroyed)

		if c.driver != nil {
			if derr := guard(c, "destroy", func() error { return c.driver.Destroy(ctx) }); derr != nil {
				err = c.classify("destroy", derr)
			}
		}
		if started {
			<-c.pumpDone
		}
		c.emitMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.emitMu.Unlock()
		c.logger.Info("session destroyed", "previous_state", prev.String())
	})
	return err
}

// ListContacts returns the translated contact list.
func (c *Client) ListContacts(ctx context.Context) ([]Contact, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	native, err := guarded(c, "get contacts", func() ([]upstream.Contact, error) { return c.driver.GetContacts(ctx) })
	if err != nil {
		return nil, c.classify("get contacts", err)
	}
	contacts := make([]Contact, 0, len(native))
	for _, n := range native {
		contacts = append(contacts, translateContact(n))
	}
	return contacts, nil
}

// ListChats returns the translated conversation list.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	native, err := guarded(c, "get chats", func() ([]upstream.Chat, error) { return c.driver.GetChats(ctx) })
	if err != nil {
		return nil, c.classify("get chats", err)
	}
	chats := make([]Chat, 0, len(native))
	for _, n := range native {
		chats = append(chats, translateChat(n))
	}
	return chats, nil
}

// FetchHistory returns at most limit messages of a chat, newest first.
func (c *Client) FetchHistory(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	native, err := guarded(c, "fetch messages", func() ([]upstream.Message, error) {
		return c.driver.FetchMessages(ctx, chatID, limit)
	})
	if err != nil {
		return nil, c.classify("fetch messages", err)
	}

	messages := make([]Message, 0, len(native))
	for _, n := range native {
		messages = append(messages, translateMessage(n))
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].At().After(messages[j].At())
	})
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// SendText sends a text message.
func (c *Client) SendText(ctx context.Context, chatID, text string) (Message, error) {
	if err := c.ready(); err != nil {
		return Message{}, err
	}
	if err := c.acquire(ctx); err != nil {
		return Message{}, err
	}
	defer c.release()

	native, err := guarded(c, "send message", func() (upstream.Message, error) {
		return c.driver.SendMessage(ctx, chatID, upstream.Content{Text: text}, upstream.SendOptions{})
	})
	if err != nil {
		return Message{}, c.classify("send message", err)
	}
	return c.sent(native, chatID), nil
}

// SendPayload validates and delivers a media payload following its
// Delivery plan.
func (c *Client) SendPayload(ctx context.Context, p Payload) (Message, error) {
	if err := c.ready(); err != nil {
		return Message{}, err
	}
	if err := CheckPayloadSize(len(p.Data)); err != nil {
		return Message{}, err
	}

	plan := PlanDelivery(p.Filename, p.Kind, len(p.Data))
	encoded := base64.StdEncoding.EncodeToString(p.Data)

	if err := c.acquire(ctx); err != nil {
		return Message{}, err
	}
	defer c.release()

	c.logger.Info("sending media", "chat_id", p.ChatID, "kind", string(plan.Kind), "bytes", len(p.Data), "timeout", plan.Timeout)

	native, err := plan.Run(ctx, func(ctx context.Context, a Attempt) (upstream.Message, error) {
		if a.AsDocument {
			c.logger.Warn("retrying media as document", "chat_id", p.ChatID, "filename", p.Filename)
		}
		return guarded(c, "send media", func() (upstream.Message, error) {
			content := upstream.Content{Media: &upstream.Media{Mimetype: a.Mimetype, Data: encoded, Filename: p.Filename}}
			opts := upstream.SendOptions{Caption: p.Caption, SendMediaAsDocument: a.AsDocument}
			return c.driver.SendMessage(ctx, p.ChatID, content, opts)
		})
	})
	if err != nil {
		return Message{}, c.classify("send media", err)
	}

	msg := c.sent(native, p.ChatID)
	msg.HasMedia = true
	if msg.MediaType == "" {
		msg.MediaType = string(plan.Kind)
	}
	return msg, nil
}

func (c *Client) sent(native upstream.Message, chatID string) Message {
	msg := translateMessage(native)
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	return msg
}

func (c *Client) ready() error {
	if st := c.State(); st != StateReady {
		return fmt.Errorf("%w (state %s)", ErrNotReady, st)
	}
	return nil
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sendSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sendSem
}

// classify maps a driver error onto the session sentinels.
func (c *Client) classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrUpstream):
		return err
	case errors.Is(err, upstream.ErrChatNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	}
	c.logger.Error("upstream operation failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}

func (c *Client) pump(src <-chan upstream.Event) {
	defer close(c.pumpDone)
	for {
		select {
		case ev, ok := <-src:
			if !ok {
				if c.transition(StateDisconnected) {
					c.emit(Disconnected{Reason: "upstream event stream closed"})
				}
				return
			}
			c.apply(ev)
		case <-c.destroyed:
			return
		}
	}
}

func (c *Client) apply(ev upstream.Event) {
	switch ev.Type {
	case upstream.EventQR:
		// a pairing code never moves the state
		if c.State() == StateDestroyed {
			return
		}
		c.emit(QR{Code: ev.QR})
	case upstream.EventAuthenticated:
		if c.transition(StateAuthenticated) {
			c.emit(Authenticated{})
		}
	case upstream.EventReady:
		if c.transition(StateReady) {
			c.emit(Ready{})
		}
	case upstream.EventAuthFailure:
		if c.transition(StateDisconnected) {
			c.emit(AuthFailure{Message: ev.Reason})
		}
	case upstream.EventDisconnected:
		if c.transition(StateDisconnected) {
			c.emit(Disconnected{Reason: ev.Reason})
		}
	case upstream.EventMessage:
		if ev.Message == nil || c.State() == StateDestroyed {
			return
		}
		c.emit(MessageReceived{Message: translateMessage(*ev.Message)})
	default:
		c.logger.Debug("ignoring upstream event", "type", string(ev.Type))
	}
}

// transition moves to the given state unless the session is destroyed.
// A repeated disconnect is not a transition.
func (c *Client) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return false
	}
	if c.state == to && to == StateDisconnected {
		return false
	}
	if c.state != to {
		c.logger.Info("session state changed", "from", c.state.String(), "to", to.String())
	}
	c.state = to
	return true
}

func (c *Client) emit(ev Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.destroyed:
	}
}

// guard runs a driver call, turning a panic into ErrUpstream.
func guard(c *Client, op string, fn func() error) error {
	_, err := guarded(c, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func guarded[T any](c *Client, op string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("upstream driver panicked", "op", op, "panic", r)
			err = fmt.Errorf("%w: %s panicked: %v", ErrUpstream, op, r)
		}
	}()
	return fn()
}
