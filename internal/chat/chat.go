// Package chat stores conversations between users and agents: chats, their
// members, messages with attachments, and in-chat notifications. Writes
// that users should see are handed to a Delivery after they commit.
package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/audit"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/service"
	"github.com/basket/agentcore/internal/shared"
)

// DefaultChatType is used when CreateChat is given no type.
const DefaultChatType = "user-agent"

// DefaultPageSize bounds message and notification queries.
const DefaultPageSize = 20

// Delivery carries committed chat writes to whoever displays them.
type Delivery interface {
	PushMessage(ctx context.Context, chatID string, msg map[string]any) error
	PushNotification(ctx context.Context, chatID, uid string, notif map[string]any) error
	PushRead(ctx context.Context, userID string, updatedIDs []string, chatUpdates map[string]int) error
}

type Options struct {
	Logger   *slog.Logger
	Metrics  *otelpkg.Metrics
	Delivery Delivery
}

// Service implements the chat operations. Every operation answers with a
// service.Result.
type Service struct {
	run      service.Runner
	logger   *slog.Logger
	metrics  *otelpkg.Metrics
	delivery Delivery
}

func New(store *persistence.Store, opts Options) *Service {
	r := service.NewRunner(service.Deps{Store: store, Logger: opts.Logger, Metrics: opts.Metrics}, "chat")
	return &Service{run: r, logger: r.Logger(), metrics: opts.Metrics, delivery: opts.Delivery}
}

// MemberInput describes one member of a new chat.
type MemberInput struct {
	UserID string         `json:"userId"`
	Role   string         `json:"role"`
	Name   string         `json:"name"`
	Avatar string         `json:"avatar"`
	Status string         `json:"status"`
	Ext    map[string]any `json:"ext"`
}

// CreateChatRequest describes a new chat. ID defaults to chat-<6 digits>.
type CreateChatRequest struct {
	ID          string
	Type        string
	Name        string
	Avatar      string
	AgentID     string
	LastMsg     string
	LastMsgTime int64
	Unread      int
	Pinned      bool
	Muted       bool
	Ext         map[string]any
	Members     []MemberInput
}

// CreateChat inserts a chat with its members. When a chat of the same type
// already has exactly the requested member set, nothing is inserted and the
// existing chat is returned with Success false.
func (s *Service) CreateChat(ctx context.Context, req CreateChatRequest) service.Result {
	return s.run.Run(ctx, "create_chat", func(tx *sql.Tx) (service.Result, error) {
		if len(req.Members) == 0 {
			return service.Result{}, shared.Validation("chat members are required")
		}
		if strings.TrimSpace(req.Name) == "" {
			return service.Result{}, shared.Validation("chat name is required")
		}
		typ := req.Type
		if typ == "" {
			typ = DefaultChatType
		}
		want := make([]string, 0, len(req.Members))
		for _, m := range req.Members {
			if strings.TrimSpace(m.UserID) == "" {
				return service.Result{}, shared.Validation("every member needs a userId")
			}
			want = append(want, m.UserID)
		}

		existing, err := persistence.ChatMemberIDs(ctx, tx, typ)
		if err != nil {
			return service.Result{}, err
		}
		for _, ex := range existing {
			if !persistence.SameMembers(ex.UserIDs, want) {
				continue
			}
			chatID := ex.ChatID
			c, err := loadChat(ctx, tx, chatID, true)
			if err != nil {
				return service.Result{}, err
			}
			s.logger.Info("duplicate chat requested", "chat_id", chatID, "type", typ)
			return service.Result{
				ID:    chatID,
				Data:  c.ToMap(true),
				Error: fmt.Sprintf("Chat with same members already exists: %s", chatID),
				Kind:  shared.KindConflict,
			}, nil
		}

		id := req.ID
		if id == "" {
			if id, err = newChatID(ctx, tx); err != nil {
				return service.Result{}, err
			}
		}
		c := &persistence.Chat{
			ID: id, Type: typ, Name: req.Name, Avatar: req.Avatar,
			AgentID: persistence.OptString(req.AgentID), LastMsg: req.LastMsg, LastMsgTime: req.LastMsgTime,
			Unread: req.Unread, Pinned: req.Pinned, Muted: req.Muted, Ext: req.Ext,
		}
		if err := persistence.Insert(ctx, tx, c); err != nil {
			if shared.KindOf(err) == shared.KindIntegrity {
				return service.Result{}, shared.Conflict("chat %s already exists", id)
			}
			return service.Result{}, err
		}
		for _, in := range req.Members {
			m := &persistence.Member{
				ChatID: id, UserID: in.UserID, Role: in.Role, Name: in.Name,
				Avatar: in.Avatar, Status: in.Status, Ext: in.Ext,
			}
			if err := persistence.Insert(ctx, tx, m); err != nil {
				return service.Result{}, err
			}
			c.Members = append(c.Members, m)
		}
		return service.OK(id, c.ToMap(true)), nil
	})
}

// newChatID derives chat-<last 6 digits of the epoch ms>, stepping forward
// past ids already taken.
func newChatID(ctx context.Context, q persistence.Querier) (string, error) {
	base := time.Now().UnixMilli()
	for i := int64(0); i < 100; i++ {
		id := fmt.Sprintf("chat-%06d", (base+i)%1_000_000)
		n, err := persistence.Count(ctx, q, persistence.TableChats, `"id" = ?`, id)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return id, nil
		}
	}
	return "chat-" + uuid.NewString(), nil
}

func loadChat(ctx context.Context, q persistence.Querier, id string, deep bool) (*persistence.Chat, error) {
	c, err := persistence.GetByID[persistence.Chat](ctx, q, id)
	if err != nil {
		return nil, err
	}
	if !deep {
		return c, nil
	}
	if err := persistence.LoadChatMembers(ctx, q, c); err != nil {
		return nil, err
	}
	if c.Messages, err = persistence.List[persistence.Message](ctx, q,
		`WHERE "chatId" = ? ORDER BY "createAt", rowid`, id); err != nil {
		return nil, err
	}
	if err := persistence.LoadMessageAttachments(ctx, q, c.Messages); err != nil {
		return nil, err
	}
	return c, nil
}

// GetChat loads one chat; deep adds members and messages.
func (s *Service) GetChat(ctx context.Context, id string, deep bool) service.Result {
	return s.run.Read(ctx, "get_chat", func(q persistence.Querier) (service.Result, error) {
		if id == "" {
			return service.Result{}, shared.Validation("chat id is required")
		}
		c, err := loadChat(ctx, q, id, deep)
		if err != nil {
			return service.Result{}, err
		}
		return service.OK(id, c.ToMap(deep)), nil
	})
}

func userChats(ctx context.Context, q persistence.Querier, userID string, deep bool) ([]*persistence.Chat, error) {
	chats, err := persistence.Query[persistence.Chat](ctx, q,
		persistence.SelectSQLAs(&persistence.Chat{}, "c")+`
		JOIN members m ON m."chatId" = c."id"
		WHERE m."userId" = ?
		ORDER BY c."pinned" DESC, c."lastMsgTime" DESC, c.rowid`, userID)
	if err != nil {
		return nil, err
	}
	if deep {
		for i, c := range chats {
			if chats[i], err = loadChat(ctx, q, c.ID, true); err != nil {
				return nil, err
			}
		}
	}
	return chats, nil
}

// QueryChatsByUser lists the chats userID is a member of, pinned first and
// then by most recent message.
func (s *Service) QueryChatsByUser(ctx context.Context, userID string, deep bool) service.Result {
	return s.run.Read(ctx, "query_chats_by_user", func(q persistence.Querier) (service.Result, error) {
		if userID == "" {
			return service.Result{}, shared.Validation("userId is required")
		}
		chats, err := userChats(ctx, q, userID, deep)
		if err != nil {
			return service.Result{}, err
		}
		return service.OK("", persistence.MapAll(chats, deep)), nil
	})
}

// SearchChatsByMessageContent lists the user's chats holding at least one
// message whose searchable text contains text, ignoring case. Blank text
// lists every chat of the user.
func (s *Service) SearchChatsByMessageContent(ctx context.Context, userID, text string, deep bool) service.Result {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return s.QueryChatsByUser(ctx, userID, deep)
	}
	return s.run.Read(ctx, "search_chats", func(q persistence.Querier) (service.Result, error) {
		if userID == "" {
			return service.Result{}, shared.Validation("userId is required")
		}
		chats, err := userChats(ctx, q, userID, false)
		if err != nil {
			return service.Result{}, err
		}
		var hits []*persistence.Chat
		for _, c := range chats {
			msgs, err := persistence.List[persistence.Message](ctx, q, `WHERE "chatId" = ?`, c.ID)
			if err != nil {
				return service.Result{}, err
			}
			for _, m := range msgs {
				if strings.Contains(strings.ToLower(SearchableText(m.Content.Any())), needle) {
					hits = append(hits, c)
					break
				}
			}
		}
		if deep {
			for i, c := range hits {
				if hits[i], err = loadChat(ctx, q, c.ID, true); err != nil {
					return service.Result{}, err
				}
			}
		}
		s.logger.Debug("chat search", "user_id", userID, "matches", len(hits), "of", len(chats))
		return service.OK("", persistence.MapAll(hits, deep)), nil
	})
}

// DeleteChat removes a chat with its members, messages, attachments and
// notifications.
func (s *Service) DeleteChat(ctx context.Context, id string) service.Result {
	res := s.run.Run(ctx, "delete_chat", func(tx *sql.Tx) (service.Result, error) {
		if id == "" {
			return service.Result{}, shared.Validation("chat id is required")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_notifications WHERE "chatId" = ?`, id); err != nil {
			return service.Result{}, fmt.Errorf("delete chat notifications: %w", err)
		}
		if err := persistence.DeleteByID[persistence.Chat](ctx, tx, id); err != nil {
			return service.Result{}, err
		}
		return service.OK(id, nil), nil
	})
	audit.Record(ctx, "chat:"+id, "chat.delete", audit.Outcome(res.Err()), res.Error)
	return res
}

// SetChatUnread overwrites the unread counter.
func (s *Service) SetChatUnread(ctx context.Context, id string, unread int) service.Result {
	return s.run.Run(ctx, "set_chat_unread", func(tx *sql.Tx) (service.Result, error) {
		if unread < 0 {
			return service.Result{}, shared.Validation("unread must not be negative")
		}
		if err := persistence.UpdateFields[persistence.Chat](ctx, tx, id, map[string]any{"unread": unread}); err != nil {
			return service.Result{}, err
		}
		c, err := persistence.GetByID[persistence.Chat](ctx, tx, id)
		if err != nil {
			return service.Result{}, err
		}
		return service.OK(id, c.ToMap(false)), nil
	})
}
