package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	chatWriteWait      = 10 * time.Second
	defaultChatsLimit  = 20
	defaultPageLimit   = 30
	messageStatusRead  = "read"
	chatEventSeparator = ":"
)

var (
	ErrNotConnected     = errors.New("client: chat socket is not connected")
	ErrAlreadyConnected = errors.New("client: chat socket is already connected")
	ErrConnectionClosed = errors.New("client: chat socket closed")
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type ListState string

const (
	ListLoading ListState = "loading"
	ListLoaded  ListState = "loaded"
)

type Message struct {
	ID        uuid.UUID  `json:"id"`
	ChatID    uuid.UUID  `json:"chat_id"`
	SenderID  uuid.UUID  `json:"sender_id"`
	Body      string     `json:"message"`
	Status    string     `json:"status"`
	Seq       int64      `json:"seq"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

type ChatSummary struct {
	ChatID        uuid.UUID  `json:"chat_id"`
	Buddy         uuid.UUID  `json:"chat_buddy"`
	BuddyName     string     `json:"chat_buddy_name"`
	LastMessage   *Message   `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Unread        int        `json:"unread"`
}

// MessageList is the conversation with one buddy, oldest message first.
type MessageList struct {
	ChatID   *uuid.UUID
	State    ListState
	Messages []Message
	HasMore  bool
}

type ChatConfig struct {
	// BaseURL is the API root; http and https are turned into ws and wss.
	BaseURL string
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
	// OnEvent runs after every handled server frame, outside the client's lock.
	OnEvent func(event string)
}

type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type sentEcho struct {
	ChatID   uuid.UUID `json:"chatId"`
	Message  Message   `json:"message"`
	ClientID string    `json:"clientId,omitempty"`
}

type chatsPage struct {
	Chats     []ChatSummary `json:"chats"`
	RequestID string        `json:"requestId,omitempty"`
}

type messagesPage struct {
	ChatID    *uuid.UUID `json:"chatId,omitempty"`
	ChatBuddy uuid.UUID  `json:"chatBuddy"`
	Messages  []Message  `json:"messages"`
	HasMore   bool       `json:"hasMore"`
}

type statusUpdate struct {
	ChatID   uuid.UUID `json:"chatId"`
	ReaderID uuid.UUID `json:"readerId"`
	UpTo     uuid.UUID `json:"upTo"`
	UpToSeq  int64     `json:"upToSeq"`
}

type presenceChange struct {
	UserID uuid.UUID `json:"userId"`
}

type socketError struct {
	Event     string `json:"event,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientID  string `json:"clientId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type pendingSend struct {
	buddy  uuid.UUID
	result chan sendResult
}

type sendResult struct {
	msg Message
	err error
}

// Replies carry the state as of the frame that answered the request.
type chatsReply struct {
	chats []ChatSummary
	err   error
}

type listReply struct {
	list MessageList
	err  error
}

// ChatClient keeps one chat socket and the state derived from it: the chat list ordered by last
// message, one message list per buddy and the set of online users.
type ChatClient struct {
	url     string
	dialer  *websocket.Dialer
	log     *zap.Logger
	onEvent func(string)

	writeMu sync.Mutex

	mu        sync.Mutex
	state     ConnState
	conn      *websocket.Conn
	done      chan struct{}
	me        uuid.UUID
	chats     []ChatSummary
	lists     map[uuid.UUID]*MessageList
	chatBuddy map[uuid.UUID]uuid.UUID
	online    map[uuid.UUID]struct{}
	sends     map[string]pendingSend
	chatWait  map[string]chan chatsReply
	listWait  map[uuid.UUID][]chan listReply
}

func NewChatClient(cfg ChatConfig) *ChatClient {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatClient{
		url:       socketURL(cfg.BaseURL),
		dialer:    dialer,
		log:       log,
		onEvent:   cfg.OnEvent,
		lists:     make(map[uuid.UUID]*MessageList),
		chatBuddy: make(map[uuid.UUID]uuid.UUID),
		online:    make(map[uuid.UUID]struct{}),
		sends:     make(map[string]pendingSend),
		chatWait:  make(map[string]chan chatsReply),
		listWait:  make(map[uuid.UUID][]chan listReply),
	}
}

func socketURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/chat"
}

func (c *ChatClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect moves disconnected → connecting → connected. A failed handshake goes back to
// disconnected; a rejection by the server comes back as *APIError.
func (c *ChatClient) Connect(ctx context.Context, sess Session) error {
	me, err := sess.UserID()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()

	endpoint := c.url + "?" + url.Values{"token": {sess.AccessToken}}.Encode()
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return handshakeError(resp)
		}
		return fmt.Errorf("dial chat socket: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.me = me
	c.state = Connected
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

func handshakeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if resp.Body != nil {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = json.Unmarshal(raw, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// Close sends a normal closure and waits for the read loop to stop.
func (c *ChatClient) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(chatWriteWait),
	)
	c.writeMu.Unlock()
	_ = conn.Close()
	<-done
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close chat socket: %w", err)
	}
	return nil
}

// SendMessage returns once the server echoes the message back on messageSent:<chatId>, an error
// frame for it arrives, ctx ends or the socket closes.
func (c *ChatClient) SendMessage(ctx context.Context, buddy uuid.UUID, body string) (Message, error) {
	clientID := uuid.NewString()
	result := make(chan sendResult, 1)

	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	c.sends[clientID] = pendingSend{buddy: buddy, result: result}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.sends, clientID)
		c.mu.Unlock()
	}()

	if err := c.write(conn, "sendMessage", map[string]any{
		"chatBuddy": buddy,
		"message":   body,
		"clientId":  clientID,
	}); err != nil {
		return Message{}, err
	}

	select {
	case res := <-result:
		return res.msg, res.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-done:
		return Message{}, ErrConnectionClosed
	}
}

// RetrieveChats loads one page of the chat list and returns the merged, ordered list.
func (c *ChatClient) RetrieveChats(ctx context.Context, page, limit int) ([]ChatSummary, error) {
	if limit <= 0 {
		limit = defaultChatsLimit
	}
	wait := make(chan chatsReply, 1)

	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	requestID := uuid.NewString()
	c.chatWait[requestID] = wait
	c.mu.Unlock()
	defer c.dropChatWait(requestID)

	if err := c.write(conn, "retrieveChats", retrieveChatsRequest{Page: page, Limit: limit, RequestID: requestID}); err != nil {
		return nil, err
	}
	select {
	case reply := <-wait:
		return reply.chats, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrConnectionClosed
	}
}

type retrieveChatsRequest struct {
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
	RequestID string `json:"requestId"`
}

func (c *ChatClient) dropChatWait(requestID string) {
	c.mu.Lock()
	delete(c.chatWait, requestID)
	c.mu.Unlock()
}

// resolveChats answers the waiter registered under requestID. A frame without an id cannot be
// attributed, so it answers every waiter.
func (c *ChatClient) resolveChats(requestID string, reply func() chatsReply) {
	if requestID != "" {
		if wait, ok := c.chatWait[requestID]; ok {
			wait <- reply()
			delete(c.chatWait, requestID)
		}
		return
	}
	for id, wait := range c.chatWait {
		wait <- reply()
		delete(c.chatWait, id)
	}
}

// RetrieveMessages loads the latest page of the conversation with buddy, or the page before the
// given message. Older pages are prepended; messages that arrive later are appended.
func (c *ChatClient) RetrieveMessages(ctx context.Context, buddy uuid.UUID, before *uuid.UUID, limit int) (MessageList, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	wait := make(chan listReply, 1)

	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.mu.Unlock()
		return MessageList{}, ErrNotConnected
	}
	c.listFor(buddy).State = ListLoading
	c.listWait[buddy] = append(c.listWait[buddy], wait)
	c.mu.Unlock()

	data := map[string]any{"chatBuddy": buddy, "limit": limit}
	if before != nil {
		data["before"] = *before
	}
	if err := c.write(conn, "retrieveMessages", data); err != nil {
		return MessageList{}, err
	}
	select {
	case reply := <-wait:
		return reply.list, reply.err
	case <-ctx.Done():
		return MessageList{}, ctx.Err()
	case <-done:
		return MessageList{}, ErrConnectionClosed
	}
}

// LoadOlder fetches the page before the oldest loaded message.
func (c *ChatClient) LoadOlder(ctx context.Context, buddy uuid.UUID, limit int) (MessageList, error) {
	current := c.Messages(buddy)
	if len(current.Messages) == 0 {
		return c.RetrieveMessages(ctx, buddy, nil, limit)
	}
	oldest := current.Messages[0].ID
	return c.RetrieveMessages(ctx, buddy, &oldest, limit)
}

// MarkRead asks the server to mark the buddy's messages up to upTo as read. The local state
// changes when messageStatusUpdated comes back.
func (c *ChatClient) MarkRead(chatID, upTo uuid.UUID) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, "updateMessageStatus", map[string]uuid.UUID{"chatId": chatID, "upTo": upTo})
}

func (c *ChatClient) Ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, "ping", nil)
}

func (c *ChatClient) Chats() []ChatSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatSummary, len(c.chats))
	copy(out, c.chats)
	return out
}

func (c *ChatClient) Messages(buddy uuid.UUID) MessageList {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(buddy)
}

func (c *ChatClient) snapshot(buddy uuid.UUID) MessageList {
	list, ok := c.lists[buddy]
	if !ok {
		return MessageList{State: ListLoaded}
	}
	out := *list
	out.Messages = append([]Message(nil), list.Messages...)
	return out
}

func (c *ChatClient) Online() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.online))
	for id := range c.online {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (c *ChatClient) IsOnline(userID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.online[userID]
	return ok
}

func (c *ChatClient) write(conn *websocket.Conn, event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
	if err := conn.WriteJSON(outFrame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *ChatClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.state = Disconnected
			for _, list := range c.lists {
				list.State = ListLoaded
			}
		}
		c.mu.Unlock()
		close(done)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("chat socket read failed", zap.Error(err))
			}
			return
		}
		var frame inFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Debug("drop undecodable chat frame", zap.Error(err))
			continue
		}
		if err := c.handle(frame); err != nil {
			c.log.Debug("handle chat frame", zap.String("event", frame.Event), zap.Error(err))
			continue
		}
		if c.onEvent != nil {
			c.onEvent(frame.Event)
		}
	}
}

func (c *ChatClient) handle(frame inFrame) error {
	name, _, _ := strings.Cut(frame.Event, chatEventSeparator)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch name {
	case "messageSent":
		var echo sentEcho
		if err := json.Unmarshal(frame.Data, &echo); err != nil {
			return err
		}
		c.applySent(echo)

	case "recentChatRetrieved":
		var summary ChatSummary
		if err := json.Unmarshal(frame.Data, &summary); err != nil {
			return err
		}
		c.upsertChat(summary)
		c.sortChats()

	case "chatsRetrieved":
		var page chatsPage
		if err := json.Unmarshal(frame.Data, &page); err != nil {
			return err
		}
		for _, summary := range page.Chats {
			c.upsertChat(summary)
		}
		c.sortChats()
		c.resolveChats(page.RequestID, func() chatsReply {
			return chatsReply{chats: append([]ChatSummary(nil), c.chats...)}
		})

	case "messagesRetrieved":
		var page messagesPage
		if err := json.Unmarshal(frame.Data, &page); err != nil {
			return err
		}
		c.applyPage(page)
		for _, wait := range c.listWait[page.ChatBuddy] {
			wait <- listReply{list: c.snapshot(page.ChatBuddy)}
		}
		delete(c.listWait, page.ChatBuddy)

	case "messageStatusUpdated":
		var update statusUpdate
		if err := json.Unmarshal(frame.Data, &update); err != nil {
			return err
		}
		c.applyStatus(update)

	case "userOnline", "userOffline":
		var change presenceChange
		if err := json.Unmarshal(frame.Data, &change); err != nil {
			return err
		}
		if name == "userOnline" {
			c.online[change.UserID] = struct{}{}
		} else {
			delete(c.online, change.UserID)
		}

	case "error":
		var serr socketError
		if err := json.Unmarshal(frame.Data, &serr); err != nil {
			return err
		}
		c.applyError(serr)
	}
	return nil
}

// applySent appends an echoed message to its conversation and resolves the matching send.
func (c *ChatClient) applySent(echo sentEcho) {
	pending, mine := c.sends[echo.ClientID]

	buddy, known := c.chatBuddy[echo.ChatID]
	switch {
	case mine && echo.ClientID != "":
		buddy, known = pending.buddy, true
	case !known && echo.Message.SenderID != c.me:
		buddy, known = echo.Message.SenderID, true
	}
	if known {
		c.chatBuddy[echo.ChatID] = buddy
		list := c.listFor(buddy)
		chatID := echo.ChatID
		list.ChatID = &chatID
		list.Messages = mergeMessages(list.Messages, []Message{echo.Message})
	}

	for i := range c.chats {
		if c.chats[i].ChatID == echo.ChatID {
			msg := echo.Message
			at := msg.CreatedAt
			c.chats[i].LastMessage = &msg
			c.chats[i].LastMessageAt = &at
			c.sortChats()
			break
		}
	}

	if mine && echo.ClientID != "" {
		pending.result <- sendResult{msg: echo.Message}
		delete(c.sends, echo.ClientID)
	}
}

func (c *ChatClient) applyPage(page messagesPage) {
	list := c.listFor(page.ChatBuddy)
	if page.ChatID != nil {
		chatID := *page.ChatID
		list.ChatID = &chatID
		c.chatBuddy[chatID] = page.ChatBuddy
	}
	// The page reaches back at least as far as what is loaded, so it decides whether more exist.
	if len(list.Messages) == 0 || (len(page.Messages) > 0 && page.Messages[0].Seq <= list.Messages[0].Seq) {
		list.HasMore = page.HasMore
	}
	list.Messages = mergeMessages(list.Messages, page.Messages)
	list.State = ListLoaded
}

func (c *ChatClient) applyStatus(update statusUpdate) {
	buddy, ok := c.chatBuddy[update.ChatID]
	if !ok {
		return
	}
	list := c.lists[buddy]
	if list != nil {
		upToSeq := update.UpToSeq
		if upToSeq <= 0 {
			// Older servers only name the message; its seq is known only when it is loaded.
			upToSeq = -1
			for _, msg := range list.Messages {
				if msg.ID == update.UpTo {
					upToSeq = msg.Seq
					break
				}
			}
		}
		for i := range list.Messages {
			msg := &list.Messages[i]
			if msg.SenderID != update.ReaderID && msg.Seq <= upToSeq {
				msg.Status = messageStatusRead
			}
		}
	}
	if update.ReaderID == c.me {
		for i := range c.chats {
			if c.chats[i].ChatID == update.ChatID {
				c.chats[i].Unread = 0
			}
		}
	}
}

func (c *ChatClient) applyError(serr socketError) {
	apiErr := &APIError{Code: serr.Code, Message: serr.Message}

	if pending, ok := c.sends[serr.ClientID]; ok && serr.ClientID != "" {
		pending.result <- sendResult{err: apiErr}
		delete(c.sends, serr.ClientID)
		return
	}

	switch serr.Event {
	case "retrieveChats":
		c.resolveChats(serr.RequestID, func() chatsReply { return chatsReply{err: apiErr} })
	case "retrieveMessages":
		// Error frames do not name the buddy, so every outstanding page request fails.
		for buddy, waits := range c.listWait {
			for _, wait := range waits {
				wait <- listReply{err: apiErr}
			}
			if list, ok := c.lists[buddy]; ok {
				list.State = ListLoaded
			}
		}
		c.listWait = make(map[uuid.UUID][]chan listReply)
	}
}

func (c *ChatClient) listFor(buddy uuid.UUID) *MessageList {
	list, ok := c.lists[buddy]
	if !ok {
		list = &MessageList{State: ListLoaded}
		c.lists[buddy] = list
	}
	return list
}

func (c *ChatClient) upsertChat(summary ChatSummary) {
	c.chatBuddy[summary.ChatID] = summary.Buddy
	for i := range c.chats {
		if c.chats[i].ChatID == summary.ChatID {
			c.chats[i] = summary
			return
		}
	}
	c.chats = append(c.chats, summary)
}

func (c *ChatClient) sortChats() {
	SortChats(c.chats)
}

// SortChats orders chats by last message time, newest first. Chats without messages go last and
// ties fall back to the chat id.
func SortChats(chats []ChatSummary) {
	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i].LastMessageAt, chats[j].LastMessageAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return chats[i].ChatID.String() < chats[j].ChatID.String()
	})
}

// mergeMessages adds incoming to existing without duplicates, keeping sequence order.
func mergeMessages(existing, incoming []Message) []Message {
	seen := make(map[uuid.UUID]int, len(existing))
	out := make([]Message, 0, len(existing)+len(incoming))
	for _, msg := range existing {
		seen[msg.ID] = len(out)
		out = append(out, msg)
	}
	for _, msg := range incoming {
		if idx, ok := seen[msg.ID]; ok {
			out[idx] = msg
			continue
		}
		seen[msg.ID] = len(out)
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
