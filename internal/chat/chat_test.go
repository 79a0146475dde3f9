package chat_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/agentcore/internal/chat"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

type recordedPush struct {
	kind   string
	chatID string
	data   map[string]any
}

type fakeDelivery struct {
	mu     sync.Mutex
	pushes []recordedPush
	reads  []map[string]int
}

func (f *fakeDelivery) PushMessage(_ context.Context, chatID string, msg map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, recordedPush{"message", chatID, msg})
	return nil
}

func (f *fakeDelivery) PushNotification(_ context.Context, chatID, _ string, n map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, recordedPush{"notification", chatID, n})
	return nil
}

func (f *fakeDelivery) PushRead(_ context.Context, _ string, _ []string, updates map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, updates)
	return nil
}

func newChatService(t *testing.T) (*chat.Service, *persistence.Store, *fakeDelivery) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentcore.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := persistence.CreateTables(context.Background(), store.DB()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	d := &fakeDelivery{}
	return chat.New(store, chat.Options{Delivery: d}), store, d
}

func createChat(t *testing.T, svc *chat.Service, id string, users ...string) {
	t.Helper()
	var members []chat.MemberInput
	for _, u := range users {
		members = append(members, chat.MemberInput{UserID: u, Role: "user", Name: u})
	}
	res := svc.CreateChat(context.Background(), chat.CreateChatRequest{ID: id, Name: id, Members: members})
	if !res.Success {
		t.Fatalf("create chat %s: %s", id, res.Error)
	}
}

func loadChat(t *testing.T, store *persistence.Store, id string) *persistence.Chat {
	t.Helper()
	c, err := persistence.GetByID[persistence.Chat](context.Background(), store.DB(), id)
	if err != nil {
		t.Fatalf("load chat %s: %v", id, err)
	}
	return c
}

func TestService_CreateChatRejectsDuplicateMemberSet(t *testing.T) {
	svc, store, _ := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "chat-1", "u1", "a1")

	res := svc.CreateChat(ctx, chat.CreateChatRequest{
		Name: "X", Type: "user-agent",
		Members: []chat.MemberInput{{UserID: "a1"}, {UserID: "u1"}},
	})
	if res.Success || res.ID != "chat-1" || !strings.Contains(res.Error, "already exists") {
		t.Fatalf("duplicate create = %+v", res)
	}
	if res.Data.(map[string]any)["id"] != "chat-1" {
		t.Fatalf("existing chat not returned: %v", res.Data)
	}
	if n, _ := persistence.Count(ctx, store.DB(), persistence.TableChats, ""); n != 1 {
		t.Fatalf("chats = %d", n)
	}

	// Same members under another type is a different chat.
	other := svc.CreateChat(ctx, chat.CreateChatRequest{
		Name: "group", Type: "group",
		Members: []chat.MemberInput{{UserID: "a1"}, {UserID: "u1"}},
	})
	if !other.Success || !strings.HasPrefix(other.ID, "chat-") {
		t.Fatalf("group create = %+v", other)
	}
}

func TestService_CreateChatDuplicateReturnsOldestMatch(t *testing.T) {
	svc, store, _ := newChatService(t)
	ctx := context.Background()
	db := store.DB()

	// chat-z is created first, so id order would pick the newer chat.
	for _, id := range []string{"chat-z", "chat-a"} {
		if err := persistence.Insert(ctx, db, &persistence.Chat{ID: id, Type: chat.DefaultChatType, Name: id}); err != nil {
			t.Fatal(err)
		}
		for _, u := range []string{"u1", "a1"} {
			if err := persistence.Insert(ctx, db, &persistence.Member{ChatID: id, UserID: u, Role: "user"}); err != nil {
				t.Fatal(err)
			}
		}
	}

	for i := 0; i < 20; i++ {
		res := svc.CreateChat(ctx, chat.CreateChatRequest{
			Name: "again", Members: []chat.MemberInput{{UserID: "a1"}, {UserID: "u1"}},
		})
		if res.Success || res.ID != "chat-z" {
			t.Fatalf("attempt %d: duplicate resolved to %q, want chat-z", i, res.ID)
		}
	}
}

func TestService_UnreadAccounting(t *testing.T) {
	svc, store, d := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")

	assistant := svc.DispatchAddMessage(ctx, "c1", map[string]any{
		"role": "assistant", "senderId": "a1", "createAt": 1000,
		"content": map[string]any{"type": "text", "text": "hello"},
	})
	if !assistant.Success {
		t.Fatalf("assistant message: %s", assistant.Error)
	}
	if got := loadChat(t, store, "c1").Unread; got != 1 {
		t.Fatalf("unread after assistant = %d", got)
	}

	user := svc.DispatchAddMessage(ctx, "c1", map[string]any{
		"role": "user", "senderId": "u1", "createAt": 2000, "content": "hi back",
	})
	if !user.Success {
		t.Fatalf("user message: %s", user.Error)
	}
	c := loadChat(t, store, "c1")
	if c.Unread != 1 {
		t.Fatalf("unread after user = %d", c.Unread)
	}
	if c.LastMsgTime != 2000 || !strings.Contains(c.LastMsg, "hi back") {
		t.Fatalf("last message = %q at %d", c.LastMsg, c.LastMsgTime)
	}

	res := svc.MarkMessagesRead(ctx, []string{assistant.ID, "missing"}, "u1")
	if !res.Success {
		t.Fatalf("mark read: %s", res.Error)
	}
	receipt := res.Data.(chat.ReadReceipt)
	if len(receipt.UpdatedIDs) != 1 || receipt.UpdatedIDs[0] != assistant.ID || receipt.ChatUpdates["c1"] != 1 {
		t.Fatalf("receipt = %+v", receipt)
	}
	if got := loadChat(t, store, "c1").Unread; got != 0 {
		t.Fatalf("unread after read = %d", got)
	}
	if len(d.reads) != 1 {
		t.Fatalf("read deliveries = %d", len(d.reads))
	}

	again := svc.MarkMessagesRead(ctx, []string{assistant.ID}, "u1").Data.(chat.ReadReceipt)
	if len(again.UpdatedIDs) != 0 || len(again.ChatUpdates) != 0 {
		t.Fatalf("second read changed state: %+v", again)
	}
}

func TestService_MarkReadClampsAtZero(t *testing.T) {
	svc, store, _ := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")

	var ids []string
	for i := 0; i < 3; i++ {
		res := svc.AddMessage(ctx, "c1", chat.MessageInput{Role: "assistant", Content: chat.TextContent("m")})
		if !res.Success {
			t.Fatal(res.Error)
		}
		ids = append(ids, res.ID)
	}
	if res := svc.SetChatUnread(ctx, "c1", 1); !res.Success {
		t.Fatal(res.Error)
	}
	receipt := svc.MarkMessagesRead(ctx, ids, "u1").Data.(chat.ReadReceipt)
	if receipt.ChatUpdates["c1"] != 3 || len(receipt.UpdatedIDs) != 3 {
		t.Fatalf("receipt = %+v", receipt)
	}
	if got := loadChat(t, store, "c1").Unread; got != 0 {
		t.Fatalf("unread = %d, want clamp to 0", got)
	}
}

func TestService_SearchFindsFormLeaves(t *testing.T) {
	svc, _, _ := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")
	createChat(t, svc, "c2", "u1", "a2")
	createChat(t, svc, "c3", "u2", "a1")

	form := svc.DispatchAddMessage(ctx, "c1", map[string]any{
		"role": "assistant",
		"content": map[string]any{
			"type": "form", "text": "Order",
			"form": map[string]any{"customer": "Alice", "items": []any{"widget"}},
		},
	})
	if !form.Success {
		t.Fatalf("form message: %s", form.Error)
	}
	svc.DispatchAddMessage(ctx, "c2", map[string]any{"role": "assistant", "content": "nothing here"})
	svc.DispatchAddMessage(ctx, "c3", map[string]any{"role": "assistant", "content": "widget for someone else"})

	res := svc.SearchChatsByMessageContent(ctx, "u1", "WIDGET", false)
	if !res.Success {
		t.Fatal(res.Error)
	}
	chats := res.Data.([]map[string]any)
	if len(chats) != 1 || chats[0]["id"] != "c1" {
		t.Fatalf("search = %v", chats)
	}

	all := svc.SearchChatsByMessageContent(ctx, "u1", "  ", false).Data.([]map[string]any)
	if len(all) != 2 {
		t.Fatalf("blank search = %d chats", len(all))
	}
}

func TestService_DispatchValidatesContent(t *testing.T) {
	svc, store, _ := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")

	bad := svc.DispatchAddMessage(ctx, "c1", map[string]any{
		"role": "assistant", "content": map[string]any{"type": "code", "code": map[string]any{"lang": "go"}},
	})
	if bad.Success || bad.Kind != shared.KindValidation {
		t.Fatalf("invalid code message = %+v", bad)
	}
	if c := loadChat(t, store, "c1"); c.Unread != 0 || c.LastMsg != "" {
		t.Fatalf("rejected message touched the chat: %+v", c)
	}

	n := svc.DispatchAddMessage(ctx, "c1", map[string]any{
		"role": "assistant", "content": map[string]any{"type": "notification", "notification": map[string]any{"content": "done"}},
	})
	if !n.Success {
		t.Fatal(n.Error)
	}
	data := n.Data.(map[string]any)
	if data["role"] != "system" || data["senderId"] != "system" {
		t.Fatalf("notification message = %v", data)
	}
	if title := data["content"].(map[string]any)["notification"].(map[string]any)["title"]; title != "Notification" {
		t.Fatalf("title = %v", title)
	}
}

func TestService_LastMessageTracksNewest(t *testing.T) {
	svc, store, _ := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")

	newest := svc.AddMessage(ctx, "c1", chat.MessageInput{Role: "user", CreateAt: 5000, Content: chat.TextContent("late")})
	svc.AddMessage(ctx, "c1", chat.MessageInput{Role: "user", CreateAt: 3000, Content: chat.TextContent("early")})
	if got := loadChat(t, store, "c1").LastMsgTime; got != 5000 {
		t.Fatalf("lastMsgTime = %d", got)
	}

	if res := svc.DeleteMessage(ctx, "c1", newest.ID); !res.Success {
		t.Fatal(res.Error)
	}
	c := loadChat(t, store, "c1")
	if c.LastMsgTime != 3000 || !strings.Contains(c.LastMsg, "early") {
		t.Fatalf("after delete: %q at %d", c.LastMsg, c.LastMsgTime)
	}
}

func TestService_SubmitFormReplacesForm(t *testing.T) {
	svc, _, _ := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")
	msg := svc.AddMessage(ctx, "c1", chat.MessageInput{
		Role: "assistant", Content: chat.FormContent("Pick one", map[string]any{"choice": ""}),
	})
	text := svc.AddMessage(ctx, "c1", chat.MessageInput{Role: "assistant", Content: chat.TextContent("plain")})

	res := svc.SubmitForm(ctx, "c1", msg.ID, "f1", map[string]any{"choice": "b"})
	if !res.Success {
		t.Fatal(res.Error)
	}
	form := res.Data.(map[string]any)["content"].(map[string]any)["form"].(map[string]any)
	if form["choice"] != "b" {
		t.Fatalf("form = %v", form)
	}
	if r := svc.SubmitForm(ctx, "c1", text.ID, "f1", map[string]any{}); r.Success {
		t.Fatal("submitting to a text message succeeded")
	}
	if r := svc.SubmitForm(ctx, "c2", msg.ID, "f1", map[string]any{}); r.Kind != shared.KindNotFound {
		t.Fatalf("wrong chat = %+v", r)
	}
}

func TestService_QueryMessagesPages(t *testing.T) {
	svc, _, _ := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")
	for i, text := range []string{"one", "two", "three"} {
		svc.AddMessage(ctx, "c1", chat.MessageInput{Role: "user", CreateAt: int64(i + 1), Content: chat.TextContent(text)})
	}

	page := svc.QueryMessages(ctx, "c1", chat.Page{Limit: 2, Reverse: true}).Data.([]map[string]any)
	if len(page) != 2 || page[0]["content"].(map[string]any)["text"] != "three" {
		t.Fatalf("newest page = %v", page)
	}
	rest := svc.QueryMessages(ctx, "c1", chat.Page{Limit: 2, Offset: 2}).Data.([]map[string]any)
	if len(rest) != 1 || rest[0]["content"].(map[string]any)["text"] != "three" {
		t.Fatalf("second page = %v", rest)
	}
	if r := svc.QueryMessages(ctx, "nope", chat.Page{}); r.Kind != shared.KindNotFound {
		t.Fatalf("missing chat = %+v", r)
	}
}

func TestService_PushDeliversAfterStore(t *testing.T) {
	svc, _, d := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")

	msg := svc.PushMessageToChat(ctx, "c1", map[string]any{"role": "assistant", "content": "ready"})
	if !msg.Success {
		t.Fatal(msg.Error)
	}
	n := svc.PushNotificationToChat(ctx, "c1", map[string]any{"title": "build", "status": "ok"})
	if !n.Success {
		t.Fatal(n.Error)
	}
	if failed := svc.PushMessageToChat(ctx, "missing", map[string]any{"role": "assistant", "content": "x"}); failed.Success {
		t.Fatal("push into missing chat succeeded")
	}

	if len(d.pushes) != 2 || d.pushes[0].kind != "message" || d.pushes[1].kind != "notification" {
		t.Fatalf("pushes = %+v", d.pushes)
	}
	if d.pushes[0].data["id"] != msg.ID {
		t.Fatalf("pushed message id = %v", d.pushes[0].data["id"])
	}

	list := svc.QueryChatNotifications(ctx, "c1", chat.Page{}).Data.([]map[string]any)
	if len(list) != 1 || list[0]["uid"] != n.ID {
		t.Fatalf("notifications = %v", list)
	}
}

func TestService_DeleteChatRemovesEverything(t *testing.T) {
	svc, store, _ := newChatService(t)
	ctx := context.Background()
	createChat(t, svc, "c1", "u1", "a1")
	svc.AddMessage(ctx, "c1", chat.MessageInput{
		Role: "user", Content: chat.TextContent("file"),
		Attachments: []chat.AttachmentInput{{Name: "a.txt", Size: 3}},
	})
	svc.AddChatNotification(ctx, "c1", map[string]any{"x": 1}, 10, false, "")

	if res := svc.DeleteChat(ctx, "c1"); !res.Success {
		t.Fatal(res.Error)
	}
	for _, table := range []string{
		persistence.TableChats, persistence.TableMembers, persistence.TableMessages,
		persistence.TableAttachments, persistence.TableChatNotifications,
	} {
		if n, _ := persistence.Count(ctx, store.DB(), table, ""); n != 0 {
			t.Fatalf("%s rows = %d", table, n)
		}
	}
}

func TestSearchableText_RecursesIntoForms(t *testing.T) {
	got := chat.SearchableText(map[string]any{
		"type": "form", "text": "Order",
		"form": map[string]any{"b": []any{"widget", 2.0}, "a": map[string]any{"name": "Alice"}},
	})
	for _, want := range []string{"Order", "Alice", "widget", "2"} {
		if !strings.Contains(got, want) {
			t.Fatalf("%q missing %q", got, want)
		}
	}
}
