package upstream

import "errors"

var (
	// ErrChatNotFound is returned when the sidecar does not know a chat id.
	ErrChatNotFound = errors.New("upstream: chat not found")
	// ErrClosed is returned for calls made after the transport went away.
	ErrClosed = errors.New("upstream: transport closed")
)

// Contact is the sidecar's contact record, before translation.
type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Pushname    string `json:"pushname,omitempty"`
	Number      string `json:"number,omitempty"`
	IsGroup     bool   `json:"isGroup"`
	IsMyContact bool   `json:"isMyContact"`
	IsBusiness  bool   `json:"isBusiness"`
}

// Chat is the sidecar's conversation summary.
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	IsGroup     bool   `json:"isGroup"`
	UnreadCount int    `json:"unreadCount"`
	Timestamp   int64  `json:"timestamp"` // epoch seconds, 0 when unknown
	Archived    bool   `json:"archived"`
	Pinned      bool   `json:"pinned"`
	IsMuted     bool   `json:"isMuted"`
}

// Message is the sidecar's message record.
type Message struct {
	ID           string   `json:"id"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Author       string   `json:"author,omitempty"`
	Body         string   `json:"body"`
	Timestamp    int64    `json:"timestamp"` // epoch seconds, 0 when unknown
	HasMedia     bool     `json:"hasMedia"`
	IsForwarded  bool     `json:"isForwarded"`
	MentionedIDs []string `json:"mentionedIds,omitempty"`
	FromMe       bool     `json:"fromMe"`
	Type         string   `json:"type,omitempty"`
	NotifyName   string   `json:"notifyName,omitempty"`
}

// Media is an attachment as the sidecar expects it: base64 data plus metadata.
type Media struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// Content is what gets sent: either text or media.
type Content struct {
	Text  string
	Media *Media
}

// SendOptions tunes a send.
type SendOptions struct {
	Caption             string `json:"caption,omitempty"`
	SendMediaAsDocument bool   `json:"sendMediaAsDocument,omitempty"`
}

// EventType names a sidecar event.
type EventType string

const (
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventAuthFailure   EventType = "auth_failure"
	EventDisconnected  EventType = "disconnected"
	EventMessage       EventType = "message"
)

// Event is a decoded sidecar notification. Only the fields relevant to Type are set.
type Event struct {
	Type    EventType
	QR      string
	Reason  string
	Message *Message
}
