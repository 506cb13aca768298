package session

import (
	"strings"
	"time"

	"ChatBridge/internal/upstream"
)

const groupSuffix = "@g.us"

func epoch(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func translateContact(c upstream.Contact) Contact {
	name := c.Name
	if name == "" {
		name = c.Pushname
	}
	return Contact{
		ID:          c.ID,
		Name:        name,
		Number:      c.Number,
		IsGroup:     c.IsGroup,
		IsMyContact: c.IsMyContact,
		IsBusiness:  c.IsBusiness,
	}
}

func translateChat(c upstream.Chat) Chat {
	return Chat{
		ID:          c.ID,
		Name:        c.Name,
		IsGroup:     c.IsGroup,
		UnreadCount: c.UnreadCount,
		Timestamp:   epoch(c.Timestamp),
		Archived:    c.Archived,
		Pinned:      c.Pinned,
		Muted:       c.IsMuted,
	}
}

// translateMessage maps a native message. In groups the author is the
// sender; own messages belong to the chat they were sent to.
func translateMessage(m upstream.Message) Message {
	chatID := m.From
	if m.FromMe {
		chatID = m.To
	}
	senderID := m.From
	if m.Author != "" {
		senderID = m.Author
	}
	mentioned := m.MentionedIDs
	if mentioned == nil {
		mentioned = []string{}
	}

	msg := Message{
		ID:           m.ID,
		ChatID:       chatID,
		Content:      m.Body,
		Timestamp:    epoch(m.Timestamp),
		Sender:       Sender{ID: senderID, Name: m.NotifyName},
		FromMe:       m.FromMe,
		HasMedia:     m.HasMedia,
		IsGroup:      strings.HasSuffix(chatID, groupSuffix),
		IsForwarded:  m.IsForwarded,
		MentionedIDs: mentioned,
	}
	if m.HasMedia {
		msg.MediaType = m.Type
	}
	return msg
}
