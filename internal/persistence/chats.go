package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Chat rows use camelCase columns and millisecond epochs; they are read by
// the desktop frontend directly.
type Chat struct {
	ID          string
	Type        string
	Name        string
	Avatar      string
	AgentID     *string
	LastMsg     string
	LastMsgTime int64
	Unread      int
	Pinned      bool
	Muted       bool
	Ext         Ext

	Members  []*Member
	Messages []*Message
}

func (c *Chat) fields() []field {
	return []field{
		{"id", &c.ID}, {"type", &c.Type}, {"name", &c.Name}, {"avatar", &c.Avatar},
		{"agent_id", &c.AgentID}, {"lastMsg", &c.LastMsg}, {"lastMsgTime", &c.LastMsgTime},
		{"unread", &c.Unread}, {"pinned", &c.Pinned}, {"muted", &c.Muted}, {"ext", &c.Ext},
	}
}

func (c *Chat) TableName() string { return TableChats }
func (c *Chat) Columns() []string { return columnsOf(c.fields()) }
func (c *Chat) Values() []any     { return pointersOf(c.fields()) }
func (c *Chat) Pointers() []any   { return pointersOf(c.fields()) }
func (c *Chat) GetID() string     { return c.ID }
func (c *Chat) SetID(id string)   { c.ID = id }
func (c *Chat) Stamp(time.Time)   {}

func (c *Chat) ToMap(deep bool) map[string]any {
	m := map[string]any{
		"id":          c.ID,
		"type":        c.Type,
		"name":        c.Name,
		"avatar":      c.Avatar,
		"agent_id":    nullableString(c.AgentID),
		"lastMsg":     c.LastMsg,
		"lastMsgTime": c.LastMsgTime,
		"unread":      c.Unread,
		"pinned":      c.Pinned,
		"muted":       c.Muted,
		"ext":         extOrEmpty(c.Ext),
	}
	if deep {
		m["members"] = MapAll(c.Members, false)
		m["messages"] = MapAll(c.Messages, true)
	}
	return m
}

type Member struct {
	ID     string
	ChatID string
	UserID string
	Role   string
	Name   string
	Avatar string
	Status string
	Ext    Ext
}

func (m *Member) fields() []field {
	return []field{
		{"id", &m.ID}, {"chatId", &m.ChatID}, {"userId", &m.UserID}, {"role", &m.Role},
		{"name", &m.Name}, {"avatar", &m.Avatar}, {"status", &m.Status}, {"ext", &m.Ext},
	}
}

func (m *Member) TableName() string { return TableMembers }
func (m *Member) Columns() []string { return columnsOf(m.fields()) }
func (m *Member) Values() []any     { return pointersOf(m.fields()) }
func (m *Member) Pointers() []any   { return pointersOf(m.fields()) }
func (m *Member) GetID() string     { return m.ID }
func (m *Member) SetID(id string)   { m.ID = id }

func (m *Member) Stamp(time.Time) {
	if m.Role == "" {
		m.Role = "user"
	}
	if m.Status == "" {
		m.Status = "active"
	}
}

func (m *Member) ToMap(bool) map[string]any {
	return map[string]any{
		"id":     m.ID,
		"chatId": m.ChatID,
		"userId": m.UserID,
		"role":   m.Role,
		"name":   m.Name,
		"avatar": m.Avatar,
		"status": m.Status,
		"ext":    extOrEmpty(m.Ext),
	}
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	ID         string
	ChatID     string
	Role       string
	Content    JSON
	SenderID   string
	SenderName string
	CreateAt   int64
	Status     string
	IsRead     bool
	ReadAt     *int64
	Ext        Ext

	Attachments []*Attachment
}

func (m *Message) fields() []field {
	return []field{
		{"id", &m.ID}, {"chatId", &m.ChatID}, {"role", &m.Role}, {"content", &m.Content},
		{"senderId", &m.SenderID}, {"senderName", &m.SenderName}, {"createAt", &m.CreateAt},
		{"status", &m.Status}, {"isRead", &m.IsRead}, {"readAt", &m.ReadAt}, {"ext", &m.Ext},
	}
}

func (m *Message) TableName() string { return TableMessages }
func (m *Message) Columns() []string { return columnsOf(m.fields()) }
func (m *Message) Values() []any     { return pointersOf(m.fields()) }
func (m *Message) Pointers() []any   { return pointersOf(m.fields()) }
func (m *Message) GetID() string     { return m.ID }
func (m *Message) SetID(id string)   { m.ID = id }

func (m *Message) Stamp(now time.Time) {
	if m.CreateAt == 0 {
		m.CreateAt = now.UnixMilli()
	}
	if m.Status == "" {
		m.Status = "complete"
	}
}

func (m *Message) ToMap(deep bool) map[string]any {
	out := map[string]any{
		"id":         m.ID,
		"chatId":     m.ChatID,
		"role":       m.Role,
		"content":    m.Content.Any(),
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"createAt":   m.CreateAt,
		"status":     m.Status,
		"isRead":     m.IsRead,
		"readAt":     nil,
		"ext":        extOrEmpty(m.Ext),
	}
	if m.ReadAt != nil {
		out["readAt"] = *m.ReadAt
	}
	if deep {
		out["attachments"] = MapAll(m.Attachments, false)
	}
	return out
}

type Attachment struct {
	ID        string
	MessageID string
	Name      string
	URL       string
	Size      int64
	Type      string
	Ext       Ext
}

func (a *Attachment) fields() []field {
	return []field{
		{"id", &a.ID}, {"messageId", &a.MessageID}, {"name", &a.Name}, {"url", &a.URL},
		{"size", &a.Size}, {"type", &a.Type}, {"ext", &a.Ext},
	}
}

func (a *Attachment) TableName() string { return TableAttachments }
func (a *Attachment) Columns() []string { return columnsOf(a.fields()) }
func (a *Attachment) Values() []any     { return pointersOf(a.fields()) }
func (a *Attachment) Pointers() []any   { return pointersOf(a.fields()) }
func (a *Attachment) GetID() string     { return a.ID }
func (a *Attachment) SetID(id string)   { a.ID = id }
func (a *Attachment) Stamp(time.Time)   {}

func (a *Attachment) ToMap(bool) map[string]any {
	return map[string]any{
		"id":        a.ID,
		"messageId": a.MessageID,
		"name":      a.Name,
		"url":       a.URL,
		"size":      a.Size,
		"type":      a.Type,
		"ext":       extOrEmpty(a.Ext),
	}
}

// ChatNotification is a system event shown inside a chat.
type ChatNotification struct {
	ID        string
	ChatID    string
	UID       string
	Content   JSON
	Timestamp int64
	IsRead    bool
}

func (n *ChatNotification) fields() []field {
	return []field{
		{"id", &n.ID}, {"chatId", &n.ChatID}, {"uid", &n.UID}, {"content", &n.Content},
		{"timestamp", &n.Timestamp}, {"isRead", &n.IsRead},
	}
}

func (n *ChatNotification) TableName() string { return TableChatNotifications }
func (n *ChatNotification) Columns() []string { return columnsOf(n.fields()) }
func (n *ChatNotification) Values() []any     { return pointersOf(n.fields()) }
func (n *ChatNotification) Pointers() []any   { return pointersOf(n.fields()) }
func (n *ChatNotification) GetID() string     { return n.ID }
func (n *ChatNotification) SetID(id string)   { n.ID = id }

func (n *ChatNotification) Stamp(now time.Time) {
	if n.Timestamp == 0 {
		n.Timestamp = now.UnixMilli()
	}
}

func (n *ChatNotification) ToMap(bool) map[string]any {
	return map[string]any{
		"id":        n.ID,
		"chatId":    n.ChatID,
		"uid":       n.UID,
		"content":   n.Content.Any(),
		"timestamp": n.Timestamp,
		"isRead":    n.IsRead,
	}
}

func extOrEmpty(e Ext) map[string]any {
	if e == nil {
		return map[string]any{}
	}
	return e
}

// ChatMembers is one chat's member user ids.
type ChatMembers struct {
	ChatID  string
	UserIDs []string
}

// ChatMemberIDs returns the member user ids of every chat of the given type,
// oldest chat first.
func ChatMemberIDs(ctx context.Context, q Querier, chatType string) ([]ChatMembers, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT m."chatId", m."userId" FROM members m JOIN chats c ON c."id" = m."chatId"
		 WHERE c."type" = ? ORDER BY c.rowid, m.rowid`, chatType)
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	defer rows.Close()
	var out []ChatMembers
	for rows.Next() {
		var chatID, userID string
		if err := rows.Scan(&chatID, &userID); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].ChatID == chatID {
			out[n-1].UserIDs = append(out[n-1].UserIDs, userID)
			continue
		}
		out = append(out, ChatMembers{ChatID: chatID, UserIDs: []string{userID}})
	}
	return out, rows.Err()
}

// LoadChatMembers fills c.Members.
func LoadChatMembers(ctx context.Context, q Querier, c *Chat) error {
	var err error
	c.Members, err = List[Member](ctx, q, `WHERE "chatId" = ? ORDER BY "rowid"`, c.ID)
	return err
}

// LoadMessageAttachments fills Attachments for every message in msgs.
func LoadMessageAttachments(ctx context.Context, q Querier, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		args = append(args, m.ID)
	}
	atts, err := List[Attachment](ctx, q,
		`WHERE "messageId" IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return err
	}
	for _, a := range atts {
		if m := byID[a.MessageID]; m != nil {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return nil
}

// SameMembers reports whether a and b hold the same set of ids.
func SameMembers(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[strings.TrimSpace(id)] = struct{}{}
	}
	other := make(map[string]struct{}, len(b))
	for _, id := range b {
		other[strings.TrimSpace(id)] = struct{}{}
	}
	if len(set) != len(other) {
		return false
	}
	for id := range other {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
