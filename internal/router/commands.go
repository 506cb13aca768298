package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"ChatBridge/internal/cache"
	"ChatBridge/internal/protocol"
	"ChatBridge/internal/session"
)

const (
	defaultSearchLimit = 50
	searchChats        = 10
)

type listRequest struct {
	Query string `json:"query"`
}

type historyRequest struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit"`
	Query  string `json:"query"`
}

type sendRequest struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

type mediaRequest struct {
	ChatID    string `json:"chatId"`
	Media     string `json:"media"`
	Filename  string `json:"filename"`
	Caption   string `json:"caption"`
	MediaType string `json:"mediaType"`
}

type searchRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit"`
}

// getQRCode returns the pairing code held for late joiners.
func (r *Router) getQRCode(ctx context.Context, data json.RawMessage) (any, error) {
	if r.cache != nil {
		if code, ok := cache.Lookup[string](r.cache, cache.KeyQR); ok {
			return map[string]any{"qr": code}, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending QR code", session.ErrNotFound)
}

func (r *Router) getContacts(ctx context.Context, data json.RawMessage) (any, error) {
	var req listRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}

	contacts, err := readThrough(r, cache.KeyContacts, func() ([]session.Contact, error) {
		return r.session.ListContacts(ctx)
	})
	if err != nil {
		return nil, err
	}
	if req.Query != "" {
		contacts = filterContacts(contacts, req.Query)
	}
	return map[string]any{"contacts": nonNil(contacts)}, nil
}

func (r *Router) getChats(ctx context.Context, data json.RawMessage) (any, error) {
	var req listRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}

	chats, err := readThrough(r, cache.KeyChats, func() ([]session.Chat, error) {
		return r.session.ListChats(ctx)
	})
	if err != nil {
		return nil, err
	}
	if req.Query != "" {
		chats = filterChats(chats, req.Query)
	}
	return map[string]any{"chats": nonNil(chats)}, nil
}

func (r *Router) getChatMessages(ctx context.Context, data json.RawMessage) (any, error) {
	var req historyRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}

	messages, err := r.history(ctx, req.ChatID, req.Limit)
	if err != nil {
		return nil, err
	}
	if req.Query != "" {
		messages = filterMessages(messages, req.Query)
	}
	return map[string]any{"messages": nonNil(messages)}, nil
}

func (r *Router) history(ctx context.Context, chatID string, limit int) ([]session.Message, error) {
	if limit <= 0 {
		limit = session.DefaultHistoryLimit
	}
	return readThrough(r, cache.MessagesKey(chatID, limit), func() ([]session.Message, error) {
		return r.session.FetchHistory(ctx, chatID, limit)
	})
}

func (r *Router) sendMessage(ctx context.Context, data json.RawMessage) (any, error) {
	var req sendRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}

	msg, err := r.session.SendText(ctx, req.ChatID, req.Content)
	if err != nil {
		return nil, err
	}
	r.invalidateChat(req.ChatID)
	return map[string]any{"message": msg}, nil
}

func (r *Router) sendMedia(ctx context.Context, data json.RawMessage) (any, error) {
	var req mediaRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	kind, err := session.ParseMediaKind(req.MediaType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
	}
	payload, err := protocol.DecodeMedia(req.Media)
	if err != nil {
		return nil, err
	}

	msg, err := r.session.SendPayload(ctx, session.Payload{
		ChatID:   req.ChatID,
		Data:     payload,
		Filename: req.Filename,
		Caption:  req.Caption,
		Kind:     kind,
	})
	if err != nil {
		return nil, err
	}
	r.invalidateChat(req.ChatID)
	return map[string]any{"message": msg}, nil
}

// mediaTimeout gives sendMedia the full delivery budget, fallback included.
func mediaTimeout(data json.RawMessage) time.Duration {
	var req mediaRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return 0
	}
	kind, err := session.ParseMediaKind(req.MediaType)
	if err != nil {
		return 0
	}
	size := base64Size(req.Media)
	return session.PlanDelivery(req.Filename, kind, size).Budget()
}

// base64Size estimates the decoded size of a (possibly data-URL) payload.
func base64Size(s string) int {
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	return len(s) * 3 / 4
}

func (r *Router) searchMessages(ctx context.Context, data json.RawMessage) (any, error) {
	var req searchRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	if req.ChatID != "" {
		messages, err := r.history(ctx, req.ChatID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": nonNil(filterMessages(messages, req.Query))}, nil
	}

	chats, err := readThrough(r, cache.KeyChats, func() ([]session.Chat, error) {
		return r.session.ListChats(ctx)
	})
	if err != nil {
		return nil, err
	}
	chats = append([]session.Chat(nil), chats...)
	sort.SliceStable(chats, func(i, j int) bool {
		return chatTime(chats[i]).After(chatTime(chats[j]))
	})
	if len(chats) > searchChats {
		chats = chats[:searchChats]
	}

	perChat := limit / searchChats
	if perChat < 1 {
		perChat = 1
	}

	var results []session.Message
	for _, chat := range chats {
		messages, err := r.history(ctx, chat.ID, perChat)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("skipping chat in search", "chat_id", chat.ID, "error", err)
			continue
		}
		results = append(results, filterMessages(messages, req.Query)...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].At().After(results[j].At())
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return map[string]any{"messages": nonNil(results)}, nil
}

func chatTime(c session.Chat) time.Time {
	if c.Timestamp == nil {
		return time.Time{}
	}
	return *c.Timestamp
}

func contains(s, query string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(query))
}

func filterContacts(in []session.Contact, query string) []session.Contact {
	out := make([]session.Contact, 0, len(in))
	for _, c := range in {
		if contains(c.Name, query) || contains(c.Number, query) {
			out = append(out, c)
		}
	}
	return out
}

func filterChats(in []session.Chat, query string) []session.Chat {
	out := make([]session.Chat, 0, len(in))
	for _, c := range in {
		if contains(c.Name, query) {
			out = append(out, c)
		}
	}
	return out
}

func filterMessages(in []session.Message, query string) []session.Message {
	out := make([]session.Message, 0, len(in))
	for _, m := range in {
		if contains(m.Content, query) {
			out = append(out, m)
		}
	}
	return out
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
