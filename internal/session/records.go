package session

import "time"

// Contact represents an address-book entry
type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Number      string `json:"number"`
	IsGroup     bool   `json:"isGroup"`
	IsMyContact bool   `json:"isMyContact"`
	IsBusiness  bool   `json:"isBusiness"`
}

// Chat represents a conversation summary
type Chat struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	IsGroup     bool       `json:"isGroup"`
	UnreadCount int        `json:"unreadCount"`
	Timestamp   *time.Time `json:"timestamp"`
	Archived    bool       `json:"archived"`
	Pinned      bool       `json:"pinned"`
	Muted       bool       `json:"muted"`
}

// Sender identifies who wrote a message
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message represents a single chat message
type Message struct {
	ID           string     `json:"id"`
	ChatID       string     `json:"chatId"`
	Content      string     `json:"content"`
	Timestamp    *time.Time `json:"timestamp"`
	Sender       Sender     `json:"sender"`
	FromMe       bool       `json:"fromMe"`
	HasMedia     bool       `json:"hasMedia"`
	IsGroup      bool       `json:"isGroup"`
	IsForwarded  bool       `json:"isForwarded"`
	MentionedIDs []string   `json:"mentionedIds"`
	MediaType    string     `json:"mediaType,omitempty"`
}

// At returns the message time, or the zero time when unknown.
func (m Message) At() time.Time {
	if m.Timestamp == nil {
		return time.Time{}
	}
	return *m.Timestamp
}
