package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/service"
	"github.com/basket/agentcore/internal/shared"
)

// AttachmentInput describes a file sent with a message.
type AttachmentInput struct {
	ID   string         `json:"uid"`
	Name string         `json:"name"`
	URL  string         `json:"url"`
	Size int64          `json:"size"`
	Type string         `json:"type"`
	Ext  map[string]any `json:"ext"`
}

// MessageInput is one message to store. Content must satisfy the content
// union; CreateAt defaults to now in epoch ms and Status to complete.
type MessageInput struct {
	ID          string
	Role        string
	Content     map[string]any
	SenderID    string
	SenderName  string
	CreateAt    int64
	Status      string
	Ext         map[string]any
	Attachments []AttachmentInput
}

// AddMessage stores a message, moves the chat's last message forward and
// bumps unread for anything the user did not send, all in one transaction.
func (s *Service) AddMessage(ctx context.Context, chatID string, in MessageInput) service.Result {
	res := s.run.Run(ctx, "add_message", func(tx *sql.Tx) (service.Result, error) {
		m, err := addMessage(ctx, tx, chatID, in)
		if err != nil {
			return service.Result{}, err
		}
		return service.OK(m.ID, m.ToMap(true)), nil
	})
	if res.Success {
		s.metrics.RecordChatMessage(ctx, in.Role)
	}
	return res
}

func addMessage(ctx context.Context, tx *sql.Tx, chatID string, in MessageInput) (*persistence.Message, error) {
	if in.Role == "" {
		return nil, shared.Validation("message role is required")
	}
	if err := ValidateContent(in.Content); err != nil {
		return nil, err
	}
	c, err := persistence.GetByID[persistence.Chat](ctx, tx, chatID)
	if err != nil {
		return nil, err
	}
	body, err := persistence.ToJSON(in.Content)
	if err != nil {
		return nil, shared.Validation("message content: %v", err)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	m := &persistence.Message{
		ID: id, ChatID: chatID, Role: in.Role, Content: body,
		SenderID: in.SenderID, SenderName: in.SenderName, CreateAt: in.CreateAt,
		Status: in.Status, Ext: in.Ext,
	}
	if err := persistence.Insert(ctx, tx, m); err != nil {
		if shared.KindOf(err) == shared.KindIntegrity {
			return nil, shared.Conflict("message %s already exists", id)
		}
		return nil, err
	}
	for _, a := range in.Attachments {
		att := &persistence.Attachment{
			ID: a.ID, MessageID: id, Name: a.Name, URL: a.URL, Size: a.Size, Type: a.Type, Ext: a.Ext,
		}
		if err := persistence.Insert(ctx, tx, att); err != nil {
			return nil, err
		}
		m.Attachments = append(m.Attachments, att)
	}

	fields := map[string]any{}
	if m.CreateAt >= c.LastMsgTime {
		fields["lastMsg"] = string(body)
		fields["lastMsgTime"] = m.CreateAt
	}
	if m.Role != persistence.RoleUser {
		fields["unread"] = c.Unread + 1
	}
	if err := persistence.UpdateFields[persistence.Chat](ctx, tx, chatID, fields); err != nil {
		return nil, err
	}
	return m, nil
}

// DispatchAddMessage stores a message described by a loose argument map, the
// shape front ends and agents send. content.type picks the body:
//   - text keeps only the text
//   - form keeps text and form
//   - notification is stored as a system message with title and content
//   - other typed bodies are stored as given and must be valid
//
// Anything without a type is stringified into a text message.
func (s *Service) DispatchAddMessage(ctx context.Context, chatID string, args map[string]any) service.Result {
	if chatID == "" {
		chatID = scalarString(args["chatId"])
	}
	in := MessageInput{
		ID:         scalarString(args["id"]),
		Role:       scalarString(args["role"]),
		SenderID:   scalarString(args["senderId"]),
		SenderName: scalarString(args["senderName"]),
		Status:     scalarString(args["status"]),
		CreateAt:   scalarInt(args["createAt"]),
	}
	if ext, ok := args["ext"].(map[string]any); ok {
		in.Ext = ext
	}
	if raw, ok := args["attachments"]; ok && raw != nil {
		if err := remarshal(raw, &in.Attachments); err != nil {
			return service.Fail(shared.Validation("attachments: %v", err))
		}
	}
	if in.CreateAt == 0 {
		in.CreateAt = time.Now().UnixMilli()
	}

	content, _ := args["content"].(map[string]any)
	typ, _ := content["type"].(string)
	switch {
	case content == nil || typ == "":
		in.Content = TextContent(stringify(args["content"]))
	case typ == ContentText:
		in.Content = TextContent(scalarString(content["text"]))
	case typ == ContentForm:
		form, _ := content["form"].(map[string]any)
		in.Content = FormContent(scalarString(content["text"]), form)
	case typ == ContentNotification:
		n, _ := content["notification"].(map[string]any)
		in.Content = NotificationContent(scalarString(n["title"]), scalarString(n["content"]))
		in.Role = persistence.RoleSystem
		if in.SenderID == "" {
			in.SenderID = persistence.RoleSystem
		}
	default:
		in.Content = content
	}
	if in.SenderID == "" {
		in.SenderID = in.Role
	}
	return s.AddMessage(ctx, chatID, in)
}

// scalarString reads a string argument. Callers sometimes wrap scalars in a
// one-element list.
func scalarString(v any) string {
	if l, ok := v.([]any); ok {
		if len(l) == 0 {
			return ""
		}
		v = l[0]
	}
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func scalarInt(v any) int64 {
	if l, ok := v.([]any); ok {
		if len(l) == 0 {
			return 0
		}
		v = l[0]
	}
	switch x := v.(type) {
	case int:
		return int64(x)
	case int64:
		return x
	case float64:
		return int64(x)
	case json.Number:
		n, _ := x.Int64()
		return n
	}
	return 0
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func remarshal(from, to any) error {
	b, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, to)
}

// Page selects a window of a chat's history.
type Page struct {
	Limit   int
	Offset  int
	Reverse bool
}

func (p Page) clause(orderCol string) (string, []any) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset := max(p.Offset, 0)
	dir := "ASC"
	if p.Reverse {
		dir = "DESC"
	}
	return fmt.Sprintf(` ORDER BY %q %s, rowid %s LIMIT ? OFFSET ?`, orderCol, dir, dir), []any{limit, offset}
}

// QueryMessages pages through a chat's messages by creation time, oldest
// first unless p.Reverse.
func (s *Service) QueryMessages(ctx context.Context, chatID string, p Page) service.Result {
	return s.run.Read(ctx, "query_messages", func(q persistence.Querier) (service.Result, error) {
		if chatID == "" {
			return service.Result{}, shared.Validation("chatId is required")
		}
		if _, err := persistence.GetByID[persistence.Chat](ctx, q, chatID); err != nil {
			return service.Result{}, err
		}
		order, args := p.clause("createAt")
		msgs, err := persistence.List[persistence.Message](ctx, q, `WHERE "chatId" = ?`+order,
			append([]any{chatID}, args...)...)
		if err != nil {
			return service.Result{}, err
		}
		if err := persistence.LoadMessageAttachments(ctx, q, msgs); err != nil {
			return service.Result{}, err
		}
		return service.OK(chatID, persistence.MapAll(msgs, true)), nil
	})
}

// ReadReceipt reports what MarkMessagesRead changed: the ids that were
// unread, and per chat how much unread dropped.
type ReadReceipt struct {
	UpdatedIDs  []string       `json:"updated_ids"`
	ChatUpdates map[string]int `json:"chat_updates"`
}

// MarkMessagesRead marks the unread messages among ids as read. Each
// affected chat's unread falls by its count of newly read messages, never
// below zero. Unknown ids are skipped.
func (s *Service) MarkMessagesRead(ctx context.Context, ids []string, userID string) service.Result {
	var receipt ReadReceipt
	res := s.run.Run(ctx, "mark_read", func(tx *sql.Tx) (service.Result, error) {
		if len(ids) == 0 || userID == "" {
			return service.Result{}, shared.Validation("message ids and user id are required")
		}
		receipt = ReadReceipt{UpdatedIDs: []string{}, ChatUpdates: map[string]int{}}
		now := time.Now().UnixMilli()
		for _, id := range ids {
			m, err := persistence.GetByID[persistence.Message](ctx, tx, id)
			if shared.KindOf(err) == shared.KindNotFound {
				continue
			}
			if err != nil {
				return service.Result{}, err
			}
			if m.IsRead {
				continue
			}
			if err := persistence.UpdateFields[persistence.Message](ctx, tx, id,
				map[string]any{"isRead": true, "readAt": now}); err != nil {
				return service.Result{}, err
			}
			receipt.UpdatedIDs = append(receipt.UpdatedIDs, id)
			receipt.ChatUpdates[m.ChatID]++
		}
		for chatID, n := range receipt.ChatUpdates {
			if _, err := tx.ExecContext(ctx,
				`UPDATE chats SET "unread" = MAX(0, "unread" - ?) WHERE "id" = ?`, n, chatID); err != nil {
				return service.Result{}, fmt.Errorf("decrease unread: %w", err)
			}
		}
		return service.OK("", receipt), nil
	})
	if res.Success && len(receipt.UpdatedIDs) > 0 {
		s.logger.Info("messages marked read", "user_id", userID,
			"messages", len(receipt.UpdatedIDs), "chats", len(receipt.ChatUpdates))
		if s.delivery != nil {
			if err := s.delivery.PushRead(ctx, userID, receipt.UpdatedIDs, receipt.ChatUpdates); err != nil {
				s.logger.Warn("read receipt delivery failed", "user_id", userID, "error", err)
			}
		}
	}
	return res
}

// SubmitForm replaces the form of a form message with the submitted data.
func (s *Service) SubmitForm(ctx context.Context, chatID, messageID, formID string, formData map[string]any) service.Result {
	return s.run.Run(ctx, "submit_form", func(tx *sql.Tx) (service.Result, error) {
		if chatID == "" || messageID == "" || formID == "" || formData == nil {
			return service.Result{}, shared.Validation("chatId, messageId, formId and formData are required")
		}
		m, err := persistence.GetByID[persistence.Message](ctx, tx, messageID)
		if err != nil {
			return service.Result{}, err
		}
		if m.ChatID != chatID {
			return service.Result{}, shared.NotFound("message %s does not belong to chat %s", messageID, chatID)
		}
		var content map[string]any
		if err := m.Content.Decode(&content); err != nil {
			return service.Result{}, shared.DataErr("message %s content: %v", messageID, err)
		}
		if content["type"] != ContentForm {
			return service.Result{}, shared.Validation("message %s is not a form", messageID)
		}
		content["form"] = formData
		if m.Content, err = persistence.ToJSON(content); err != nil {
			return service.Result{}, shared.Validation("form data: %v", err)
		}
		if err := persistence.UpdateFields[persistence.Message](ctx, tx, messageID,
			map[string]any{"content": m.Content}); err != nil {
			return service.Result{}, err
		}
		if err := persistence.LoadMessageAttachments(ctx, tx, []*persistence.Message{m}); err != nil {
			return service.Result{}, err
		}
		s.logger.Info("form submitted", "chat_id", chatID, "message_id", messageID, "form_id", formID)
		return service.OK(messageID, m.ToMap(true)), nil
	})
}

// DeleteMessage removes a message and its attachments. The chat's last
// message falls back to the newest remaining one, and an unread message
// no longer counts toward unread.
func (s *Service) DeleteMessage(ctx context.Context, chatID, messageID string) service.Result {
	return s.run.Run(ctx, "delete_message", func(tx *sql.Tx) (service.Result, error) {
		if chatID == "" || messageID == "" {
			return service.Result{}, shared.Validation("chatId and messageId are required")
		}
		rows, err := persistence.List[persistence.Message](ctx, tx,
			`WHERE "id" = ? AND "chatId" = ?`, messageID, chatID)
		if err != nil {
			return service.Result{}, err
		}
		if len(rows) == 0 {
			return service.Result{}, shared.NotFound("message %s not found in chat %s", messageID, chatID)
		}
		m := rows[0]
		if err := persistence.LoadMessageAttachments(ctx, tx, rows); err != nil {
			return service.Result{}, err
		}
		data := m.ToMap(true)

		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE "messageId" = ?`, messageID); err != nil {
			return service.Result{}, fmt.Errorf("delete attachments: %w", err)
		}
		if err := persistence.DeleteByID[persistence.Message](ctx, tx, messageID); err != nil {
			return service.Result{}, err
		}

		c, err := persistence.GetByID[persistence.Chat](ctx, tx, chatID)
		if err != nil {
			return service.Result{}, err
		}
		fields := map[string]any{}
		if !m.IsRead && m.Role != persistence.RoleUser && c.Unread > 0 {
			fields["unread"] = c.Unread - 1
		}
		latest, err := persistence.List[persistence.Message](ctx, tx,
			`WHERE "chatId" = ? ORDER BY "createAt" DESC, rowid DESC LIMIT 1`, chatID)
		if err != nil {
			return service.Result{}, err
		}
		if len(latest) == 0 {
			fields["lastMsg"], fields["lastMsgTime"] = "", int64(0)
		} else {
			fields["lastMsg"], fields["lastMsgTime"] = string(latest[0].Content), latest[0].CreateAt
		}
		if err := persistence.UpdateFields[persistence.Chat](ctx, tx, chatID, fields); err != nil {
			return service.Result{}, err
		}
		return service.OK(messageID, data), nil
	})
}

// AddChatNotification stores a notification shown inside a chat and hands
// it to the delivery once committed. uid defaults to a new uuid and
// timestamp to now.
func (s *Service) AddChatNotification(ctx context.Context, chatID string, content map[string]any, timestamp int64, isRead bool, uid string) service.Result {
	res := s.run.Run(ctx, "add_notification", func(tx *sql.Tx) (service.Result, error) {
		if chatID == "" || content == nil {
			return service.Result{}, shared.Validation("chatId and content are required")
		}
		if _, err := persistence.GetByID[persistence.Chat](ctx, tx, chatID); err != nil {
			return service.Result{}, err
		}
		body, err := persistence.ToJSON(content)
		if err != nil {
			return service.Result{}, shared.Validation("notification content: %v", err)
		}
		if uid == "" {
			uid = uuid.NewString()
		}
		n := &persistence.ChatNotification{ChatID: chatID, UID: uid, Content: body, Timestamp: timestamp, IsRead: isRead}
		if err := persistence.Insert(ctx, tx, n); err != nil {
			return service.Result{}, err
		}
		return service.OK(uid, n.ToMap(false)), nil
	})
	if res.Success && s.delivery != nil {
		if err := s.delivery.PushNotification(ctx, chatID, res.ID, res.Data.(map[string]any)); err != nil {
			s.logger.Warn("notification delivery failed", "chat_id", chatID, "uid", res.ID, "error", err)
		}
	}
	return res
}

// QueryChatNotifications pages through a chat's notifications by timestamp.
func (s *Service) QueryChatNotifications(ctx context.Context, chatID string, p Page) service.Result {
	return s.run.Read(ctx, "query_notifications", func(q persistence.Querier) (service.Result, error) {
		if chatID == "" {
			return service.Result{}, shared.Validation("chatId is required")
		}
		order, args := p.clause("timestamp")
		rows, err := persistence.List[persistence.ChatNotification](ctx, q, `WHERE "chatId" = ?`+order,
			append([]any{chatID}, args...)...)
		if err != nil {
			return service.Result{}, err
		}
		return service.OK(chatID, persistence.MapAll(rows, false)), nil
	})
}

// PushMessageToChat stores the message and, once committed, delivers the
// stored form. A delivery failure is logged; the message stays stored.
func (s *Service) PushMessageToChat(ctx context.Context, chatID string, msg map[string]any) service.Result {
	res := s.DispatchAddMessage(ctx, chatID, msg)
	if !res.Success {
		s.logger.Error("chat push not stored", "chat_id", chatID, "error", res.Error)
		return res
	}
	if s.delivery != nil {
		if err := s.delivery.PushMessage(ctx, chatID, res.Data.(map[string]any)); err != nil {
			s.logger.Warn("chat message delivery failed", "chat_id", chatID, "message_id", res.ID, "error", err)
		}
	}
	return res
}

// PushNotificationToChat stores a notification stamped now and delivers it.
func (s *Service) PushNotificationToChat(ctx context.Context, chatID string, notif map[string]any) service.Result {
	return s.AddChatNotification(ctx, chatID, notif, time.Now().UnixMilli(), false, "")
}
