package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// scriptedSocket plays the server side of /ws/chat: onConnect runs after the upgrade and respond
// answers every client frame. Both run on the connection's only writer goroutine.
type scriptedSocket struct {
	onConnect func(conn *websocket.Conn)
	respond   func(conn *websocket.Conn, event string, data json.RawMessage)
}

func newScriptedServer(t *testing.T, script scriptedSocket) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/chat" || r.URL.Query().Get("token") == "" {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if script.onConnect != nil {
			script.onConnect(conn)
		}
		for {
			var frame inFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if script.respond != nil {
				script.respond(conn, frame.Event, frame.Data)
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func push(conn *websocket.Conn, event string, data any) {
	_ = conn.WriteJSON(outFrame{Event: event, Data: data})
}

func connectChat(t *testing.T, server *httptest.Server, me uuid.UUID) (*ChatClient, <-chan string) {
	t.Helper()

	events := make(chan string, 64)
	chat := NewChatClient(ChatConfig{
		BaseURL: server.URL,
		OnEvent: func(event string) { events <- event },
	})
	if err := chat.Connect(context.Background(), Session{AccessToken: testToken(t, me)}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = chat.Close() })
	return chat, events
}

func waitEvent(t *testing.T, events <-chan string, prefix string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if strings.HasPrefix(event, prefix) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", prefix)
		}
	}
}

func TestChatClientConnectionStates(t *testing.T) {
	server := newScriptedServer(t, scriptedSocket{})
	chat := NewChatClient(ChatConfig{BaseURL: server.URL})

	if chat.State() != Disconnected {
		t.Fatalf("new client should be disconnected, got %s", chat.State())
	}
	if _, err := chat.SendMessage(context.Background(), uuid.New(), "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	sess := Session{AccessToken: testToken(t, uuid.New())}
	if err := chat.Connect(context.Background(), sess); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if chat.State() != Connected {
		t.Fatalf("expected connected, got %s", chat.State())
	}
	if err := chat.Connect(context.Background(), sess); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}

	if err := chat.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if chat.State() != Disconnected {
		t.Fatalf("expected disconnected after close, got %s", chat.State())
	}
}

func TestChatClientRejectedHandshakeIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED", "message": "invalid access token"})
	}))
	defer server.Close()

	chat := NewChatClient(ChatConfig{BaseURL: server.URL})
	err := chat.Connect(context.Background(), Session{AccessToken: testToken(t, uuid.New())})

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "UNAUTHORIZED" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if chat.State() != Disconnected {
		t.Fatalf("failed connect must end disconnected, got %s", chat.State())
	}
}

func TestSendMessageWaitsForMatchingEcho(t *testing.T) {
	me, buddy, chatID := uuid.New(), uuid.New(), uuid.New()

	server := newScriptedServer(t, scriptedSocket{
		respond: func(conn *websocket.Conn, event string, data json.RawMessage) {
			if event != "sendMessage" {
				return
			}
			var in struct {
				ChatBuddy uuid.UUID `json:"chatBuddy"`
				Message   string    `json:"message"`
				ClientID  string    `json:"clientId"`
			}
			_ = json.Unmarshal(data, &in)

			// An echo for another send must not resolve this one.
			push(conn, "messageSent:"+chatID.String(), sentEcho{
				ChatID:   chatID,
				ClientID: "someone-else",
				Message:  Message{ID: uuid.New(), ChatID: chatID, SenderID: me, Body: "earlier", Seq: 1},
			})
			push(conn, "messageSent:"+chatID.String(), sentEcho{
				ChatID:   chatID,
				ClientID: in.ClientID,
				Message:  Message{ID: uuid.New(), ChatID: chatID, SenderID: me, Body: in.Message, Seq: 2, CreatedAt: time.Now().UTC()},
			})
		},
	})
	chat, _ := connectChat(t, server, me)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := chat.SendMessage(ctx, buddy, "hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.Body != "hello" || msg.Seq != 2 {
		t.Fatalf("resolved with the wrong echo: %+v", msg)
	}

	list := chat.Messages(buddy)
	if list.ChatID == nil || *list.ChatID != chatID {
		t.Fatalf("chat id not recorded: %+v", list)
	}
	if n := len(list.Messages); n == 0 || list.Messages[n-1].Body != "hello" {
		t.Fatalf("sent message not appended: %+v", list.Messages)
	}
}

func TestSendMessageSurfacesErrorFrame(t *testing.T) {
	server := newScriptedServer(t, scriptedSocket{
		respond: func(conn *websocket.Conn, event string, data json.RawMessage) {
			var in struct {
				ClientID string `json:"clientId"`
			}
			_ = json.Unmarshal(data, &in)
			push(conn, "error", socketError{Event: event, Code: "VALIDATION_ERROR", Message: "message is a required field", ClientID: in.ClientID})
		},
	})
	chat, _ := connectChat(t, server, uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := chat.SendMessage(ctx, uuid.New(), "   ")

	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation api error, got %v", err)
	}
}

func TestSendMessageStopsOnContextCancel(t *testing.T) {
	server := newScriptedServer(t, scriptedSocket{})
	chat, _ := connectChat(t, server, uuid.New())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := chat.SendMessage(ctx, uuid.New(), "nobody answers"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestChatListStaysOrderedByLastMessage(t *testing.T) {
	me := uuid.New()
	older, newer, empty := uuid.New(), uuid.New(), uuid.New()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := base.Add(d); return &v }

	server := newScriptedServer(t, scriptedSocket{
		respond: func(conn *websocket.Conn, event string, _ json.RawMessage) {
			if event != "retrieveChats" {
				return
			}
			push(conn, "chatsRetrieved:"+me.String(), map[string]any{"chats": []ChatSummary{
				{ChatID: empty, Buddy: uuid.New()},
				{ChatID: older, Buddy: uuid.New(), LastMessageAt: at(time.Minute)},
				{ChatID: newer, Buddy: uuid.New(), LastMessageAt: at(time.Hour)},
			}})
			push(conn, "recentChatRetrieved:"+me.String(), ChatSummary{ChatID: older, Buddy: uuid.New(), LastMessageAt: at(2 * time.Hour), Unread: 1})
		},
	})
	chat, events := connectChat(t, server, me)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chats, err := chat.RetrieveChats(ctx, 1, 20)
	if err != nil {
		t.Fatalf("retrieve chats: %v", err)
	}
	assertChatOrder(t, chats, newer, older, empty)

	waitEvent(t, events, "recentChatRetrieved:")
	chats = chat.Chats()
	assertChatOrder(t, chats, older, newer, empty)
	if chats[0].Unread != 1 {
		t.Fatalf("summary not replaced: %+v", chats[0])
	}
}

func TestRetrieveChatsMatchesRepliesToRequests(t *testing.T) {
	me := uuid.New()
	firstChat, secondChat := uuid.New(), uuid.New()
	firstArrived := make(chan struct{})

	var firstID string
	server := newScriptedServer(t, scriptedSocket{
		respond: func(conn *websocket.Conn, event string, data json.RawMessage) {
			if event != "retrieveChats" {
				return
			}
			var req retrieveChatsRequest
			_ = json.Unmarshal(data, &req)
			if req.Page == 1 {
				firstID = req.RequestID
				close(firstArrived)
				return
			}
			// Answer the second request before the first one.
			push(conn, "chatsRetrieved:"+me.String(), chatsPage{RequestID: req.RequestID, Chats: []ChatSummary{{ChatID: secondChat, Buddy: uuid.New()}}})
			push(conn, "chatsRetrieved:"+me.String(), chatsPage{RequestID: firstID, Chats: []ChatSummary{{ChatID: firstChat, Buddy: uuid.New()}}})
		},
	})
	chat, _ := connectChat(t, server, me)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		chats []ChatSummary
		err   error
	}
	first := make(chan result, 1)
	go func() {
		chats, err := chat.RetrieveChats(ctx, 1, 20)
		first <- result{chats: chats, err: err}
	}()
	select {
	case <-firstArrived:
	case <-ctx.Done():
		t.Fatal("first request never reached the server")
	}

	second, err := chat.RetrieveChats(ctx, 2, 20)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second) != 1 || second[0].ChatID != secondChat {
		t.Fatalf("second page answered with %+v", second)
	}

	got := <-first
	if got.err != nil {
		t.Fatalf("first page: %v", got.err)
	}
	if len(got.chats) != 2 {
		t.Fatalf("first page must wait for its own reply, got %+v", got.chats)
	}
}

func TestChatsErrorOnlyFailsItsRequest(t *testing.T) {
	chat := NewChatClient(ChatConfig{})
	chat.me = uuid.New()
	failed, pending := make(chan chatsReply, 1), make(chan chatsReply, 1)
	chat.chatWait["a"] = failed
	chat.chatWait["b"] = pending

	chat.handleForTest(t, "error", socketError{Event: "retrieveChats", Code: "INTERNAL_ERROR", Message: "boom", RequestID: "a"})

	select {
	case reply := <-failed:
		var apiErr *APIError
		if !errors.As(reply.err, &apiErr) || apiErr.Code != "INTERNAL_ERROR" {
			t.Fatalf("unexpected reply %+v", reply)
		}
	default:
		t.Fatal("request a was not answered")
	}
	select {
	case reply := <-pending:
		t.Fatalf("request b answered by another request's error: %+v", reply)
	default:
	}
	if _, ok := chat.chatWait["b"]; !ok {
		t.Fatal("request b must still be waiting")
	}
}

func TestRetrieveMessagesPrependsOlderAndAppendsNew(t *testing.T) {
	me, buddy, chatID := uuid.New(), uuid.New(), uuid.New()
	msgs := make([]Message, 0, 5)
	for i := 1; i <= 5; i++ {
		msgs = append(msgs, Message{ID: uuid.New(), ChatID: chatID, SenderID: buddy, Body: "m", Seq: int64(i)})
	}

	server := newScriptedServer(t, scriptedSocket{
		respond: func(conn *websocket.Conn, event string, data json.RawMessage) {
			if event != "retrieveMessages" {
				return
			}
			var in struct {
				Before *uuid.UUID `json:"before"`
			}
			_ = json.Unmarshal(data, &in)

			page := messagesPage{ChatID: &chatID, ChatBuddy: buddy, Messages: msgs[2:4], HasMore: true}
			if in.Before != nil {
				page = messagesPage{ChatID: &chatID, ChatBuddy: buddy, Messages: msgs[0:2], HasMore: false}
			}
			push(conn, "messagesRetrieved:"+me.String(), page)
			if in.Before != nil {
				push(conn, "messageSent:"+chatID.String(), sentEcho{ChatID: chatID, Message: msgs[4]})
			}
		},
	})
	chat, events := connectChat(t, server, me)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	list, err := chat.RetrieveMessages(ctx, buddy, nil, 2)
	if err != nil {
		t.Fatalf("retrieve messages: %v", err)
	}
	if list.State != ListLoaded || !list.HasMore || len(list.Messages) != 2 || list.Messages[0].Seq != 3 {
		t.Fatalf("unexpected first page %+v", list)
	}

	list, err = chat.LoadOlder(ctx, buddy, 2)
	if err != nil {
		t.Fatalf("load older: %v", err)
	}
	assertSeqs(t, list.Messages, 1, 2, 3, 4)
	if list.HasMore {
		t.Fatalf("oldest page must clear HasMore")
	}

	// The live message pushed after the older page lands at the end.
	waitEvent(t, events, "messageSent:")
	assertSeqs(t, chat.Messages(buddy).Messages, 1, 2, 3, 4, 5)
}

func TestPresenceTracksOnlineUsers(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	server := newScriptedServer(t, scriptedSocket{
		onConnect: func(conn *websocket.Conn) {
			push(conn, "userOnline", presenceChange{UserID: alice})
			push(conn, "userOnline", presenceChange{UserID: bob})
			push(conn, "userOffline", presenceChange{UserID: alice})
		},
	})
	chat, events := connectChat(t, server, uuid.New())

	waitEvent(t, events, "userOnline")
	waitEvent(t, events, "userOnline")
	waitEvent(t, events, "userOffline")

	online := chat.Online()
	if len(online) != 1 || online[0] != bob {
		t.Fatalf("unexpected online set %v", online)
	}
	if chat.IsOnline(alice) {
		t.Fatalf("alice went offline")
	}
}

func TestMessageStatusUpdateMarksBuddyMessagesRead(t *testing.T) {
	me, buddy, chatID := uuid.New(), uuid.New(), uuid.New()
	chat := NewChatClient(ChatConfig{})
	chat.me = me

	first := Message{ID: uuid.New(), ChatID: chatID, SenderID: buddy, Status: "sent", Seq: 1}
	mine := Message{ID: uuid.New(), ChatID: chatID, SenderID: me, Status: "sent", Seq: 2}
	last := Message{ID: uuid.New(), ChatID: chatID, SenderID: buddy, Status: "sent", Seq: 3}
	chat.handleForTest(t, "recentChatRetrieved:"+me.String(), ChatSummary{ChatID: chatID, Buddy: buddy, Unread: 2})
	for _, msg := range []Message{first, mine, last} {
		chat.handleForTest(t, "messageSent:"+chatID.String(), sentEcho{ChatID: chatID, Message: msg})
	}

	chat.handleForTest(t, "messageStatusUpdated:"+chatID.String(), statusUpdate{ChatID: chatID, ReaderID: me, UpTo: mine.ID})

	got := chat.Messages(buddy).Messages
	if got[0].Status != "read" || got[1].Status != "sent" || got[2].Status != "sent" {
		t.Fatalf("unexpected statuses %+v", got)
	}
	if chat.Chats()[0].Unread != 0 {
		t.Fatalf("reader's unread counter must reset")
	}
}

func TestStatusUpdateMarksReadBySeqWhenTargetNotLoaded(t *testing.T) {
	me, buddy, chatID := uuid.New(), uuid.New(), uuid.New()
	chat := NewChatClient(ChatConfig{})
	chat.me = me

	chat.handleForTest(t, "recentChatRetrieved:"+me.String(), ChatSummary{ChatID: chatID, Buddy: buddy})
	chat.handleForTest(t, "messagesRetrieved:"+me.String(), messagesPage{ChatID: &chatID, ChatBuddy: buddy, Messages: []Message{
		{ID: uuid.New(), ChatID: chatID, SenderID: me, Status: "sent", Seq: 4},
		{ID: uuid.New(), ChatID: chatID, SenderID: me, Status: "sent", Seq: 5},
		{ID: uuid.New(), ChatID: chatID, SenderID: me, Status: "sent", Seq: 7},
	}})

	// The buddy read up to seq 6, a message this client never loaded.
	chat.handleForTest(t, "messageStatusUpdated:"+chatID.String(), statusUpdate{ChatID: chatID, ReaderID: buddy, UpTo: uuid.New(), UpToSeq: 6})

	got := chat.Messages(buddy).Messages
	if got[0].Status != "read" || got[1].Status != "read" || got[2].Status != "sent" {
		t.Fatalf("unexpected statuses %+v", got)
	}
}

func (c *ChatClient) handleForTest(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	if err := c.handle(inFrame{Event: event, Data: raw}); err != nil {
		t.Fatalf("handle %s: %v", event, err)
	}
}

func assertChatOrder(t *testing.T, chats []ChatSummary, want ...uuid.UUID) {
	t.Helper()
	if len(chats) != len(want) {
		t.Fatalf("unexpected chat count: got %d want %d", len(chats), len(want))
	}
	for i, id := range want {
		if chats[i].ChatID != id {
			t.Fatalf("position %d: got %s want %s", i, chats[i].ChatID, id)
		}
	}
}

func assertSeqs(t *testing.T, msgs []Message, want ...int64) {
	t.Helper()
	if len(msgs) != len(want) {
		t.Fatalf("unexpected message count: got %d want %d", len(msgs), len(want))
	}
	for i, seq := range want {
		if msgs[i].Seq != seq {
			t.Fatalf("position %d: got seq %d want %d", i, msgs[i].Seq, seq)
		}
	}
}
