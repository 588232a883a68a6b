package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
)

// Client events.
const (
	EventRetrieveChats       = "retrieveChats"
	EventRetrieveMessages    = "retrieveMessages"
	EventSendMessage         = "sendMessage"
	EventUpdateMessageStatus = "updateMessageStatus"
	EventPing                = "ping"
)

// Server events. Most of them are suffixed with a user or chat id, see UserEvent and ChatEvent.
const (
	EventChatsRetrieved       = "chatsRetrieved"
	EventMessagesRetrieved    = "messagesRetrieved"
	EventMessageSent          = "messageSent"
	EventRecentChatRetrieved  = "recentChatRetrieved"
	EventMessageStatusUpdated = "messageStatusUpdated"
	EventUserOnline           = "userOnline"
	EventUserOffline          = "userOffline"
	EventPong                 = "pong"
	EventError                = "error"
)

const (
	maxMessageRunes      = 4000
	defaultMessagesLimit = 30
	maxMessagesLimit     = 100
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrBuddyNotFound   = errors.New("chat buddy not found")
	ErrSelfChat        = errors.New("cannot chat with yourself")
)

func UserEvent(event string, userID uuid.UUID) string {
	return event + ":" + userID.String()
}

func ChatEvent(event string, chatID uuid.UUID) string {
	return event + ":" + chatID.String()
}

type Store interface {
	Find(ctx context.Context, userA, userB uuid.UUID) (model.Chat, error)
	AppendMessage(ctx context.Context, senderID, recipientID uuid.UUID, body string, now time.Time) (model.Chat, model.Message, error)
	ListMessages(ctx context.Context, chatID uuid.UUID, beforeSeq int64, limit int) ([]model.Message, error)
	MessageSeq(ctx context.Context, chatID, messageID uuid.UUID) (int64, error)
	MarkRead(ctx context.Context, chatID, readerID uuid.UUID, upToSeq int64, now time.Time) (int64, error)
	ListSummaries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.ChatSummary, int64, error)
	Summary(ctx context.Context, chatID, userID uuid.UUID) (model.ChatSummary, error)
}

type Presence interface {
	Connect(ctx context.Context, userID uuid.UUID) (bool, error)
	Disconnect(ctx context.Context, userID uuid.UUID) (bool, error)
	Online(ctx context.Context) ([]uuid.UUID, error)
}

type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
}

type Emitter interface {
	Emit(userID uuid.UUID, event string, data any)
	Broadcast(event string, data any)
}

type Dependencies struct {
	Chats    Store
	Presence Presence
	Users    UserLookup
	Emitter  Emitter
	Logger   *zap.Logger
}

type Service struct {
	chats    Store
	presence Presence
	users    UserLookup
	emitter  Emitter
	log      *zap.Logger
	now      func() time.Time
}

type RetrieveMessagesInput struct {
	ChatBuddy uuid.UUID  `json:"chatBuddy"`
	Before    *uuid.UUID `json:"before,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

type SendMessageInput struct {
	ChatBuddy uuid.UUID `json:"chatBuddy"`
	Message   string    `json:"message"`
	ClientID  string    `json:"clientId,omitempty"`
}

type UpdateStatusInput struct {
	ChatID uuid.UUID `json:"chatId"`
	UpTo   uuid.UUID `json:"upTo"`
}

type ChatsPage struct {
	Chats []model.ChatSummary `json:"chats"`
	Meta  pagination.Meta     `json:"meta"`
	// RequestID echoes the retrieveChats request this page answers.
	RequestID string `json:"requestId,omitempty"`
}

type MessagesPage struct {
	ChatID    *uuid.UUID      `json:"chatId,omitempty"`
	ChatBuddy uuid.UUID       `json:"chatBuddy"`
	Messages  []model.Message `json:"messages"`
	HasMore   bool            `json:"hasMore"`
}

// SentMessage is the messageSent payload. ClientID lets the sender match the echo to its
// optimistic copy.
type SentMessage struct {
	ChatID   uuid.UUID     `json:"chatId"`
	Message  model.Message `json:"message"`
	ClientID string        `json:"clientId,omitempty"`
}

// StatusUpdate marks every message up to and including UpToSeq as read by ReaderID.
type StatusUpdate struct {
	ChatID   uuid.UUID `json:"chatId"`
	ReaderID uuid.UUID `json:"readerId"`
	UpTo     uuid.UUID `json:"upTo"`
	UpToSeq  int64     `json:"upToSeq"`
	Marked   int64     `json:"marked"`
}

type PresenceChange struct {
	UserID uuid.UUID `json:"userId"`
}

func NewService(deps Dependencies) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		chats:    deps.Chats,
		presence: deps.Presence,
		users:    deps.Users,
		emitter:  deps.Emitter,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) ListChats(ctx context.Context, userID uuid.UUID, page pagination.Params) (ChatsPage, error) {
	out, total, err := s.chats.ListSummaries(ctx, userID, page.Limit, page.Offset())
	if err != nil {
		return ChatsPage{}, fmt.Errorf("list chats: %w", err)
	}
	if out == nil {
		out = []model.ChatSummary{}
	}
	return ChatsPage{Chats: out, Meta: page.Meta(total)}, nil
}

// Messages pages backwards through the conversation with buddy. No chat yet means an empty page.
func (s *Service) Messages(ctx context.Context, userID uuid.UUID, in RetrieveMessagesInput) (MessagesPage, error) {
	if in.ChatBuddy == uuid.Nil {
		return MessagesPage{}, fieldError("chatBuddy", "chatBuddy is a required field")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultMessagesLimit
	}
	if limit > maxMessagesLimit {
		limit = maxMessagesLimit
	}

	page := MessagesPage{ChatBuddy: in.ChatBuddy, Messages: []model.Message{}}
	c, err := s.chats.Find(ctx, userID, in.ChatBuddy)
	if err != nil {
		if errors.Is(err, pgrepo.ErrChatNotFound) {
			return page, nil
		}
		return MessagesPage{}, fmt.Errorf("find chat: %w", err)
	}
	chatID := c.ID
	page.ChatID = &chatID

	var before int64
	if in.Before != nil {
		before, err = s.chats.MessageSeq(ctx, c.ID, *in.Before)
		if err != nil {
			return MessagesPage{}, mapStoreErr(err)
		}
	}

	// One extra row tells whether an older page exists.
	msgs, err := s.chats.ListMessages(ctx, c.ID, before, limit+1)
	if err != nil {
		return MessagesPage{}, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) > limit {
		page.HasMore = true
		msgs = msgs[len(msgs)-limit:]
	}
	page.Messages = msgs
	return page, nil
}

// Send appends a message and pushes it to both participants, followed by each side's updated
// chat summary.
func (s *Service) Send(ctx context.Context, senderID uuid.UUID, in SendMessageInput) (SentMessage, error) {
	body := strings.TrimSpace(in.Message)
	switch {
	case in.ChatBuddy == uuid.Nil:
		return SentMessage{}, fieldError("chatBuddy", "chatBuddy is a required field")
	case in.ChatBuddy == senderID:
		return SentMessage{}, ErrSelfChat
	case body == "":
		return SentMessage{}, fieldError("message", "message is a required field")
	case utf8.RuneCountInString(body) > maxMessageRunes:
		return SentMessage{}, fieldError("message", fmt.Sprintf("message must be a maximum of %d characters in length", maxMessageRunes))
	}

	if s.users != nil {
		if _, err := s.users.GetByID(ctx, in.ChatBuddy); err != nil {
			if errors.Is(err, pgrepo.ErrUserNotFound) {
				return SentMessage{}, ErrBuddyNotFound
			}
			return SentMessage{}, fmt.Errorf("load chat buddy: %w", err)
		}
	}

	c, msg, err := s.chats.AppendMessage(ctx, senderID, in.ChatBuddy, body, s.now().UTC())
	if err != nil {
		return SentMessage{}, fmt.Errorf("append message: %w", err)
	}

	sent := SentMessage{ChatID: c.ID, Message: msg, ClientID: in.ClientID}
	if s.emitter != nil {
		for _, participant := range []uuid.UUID{c.ParticipantA, c.ParticipantB} {
			s.emitter.Emit(participant, ChatEvent(EventMessageSent, c.ID), sent)
		}
		for _, participant := range []uuid.UUID{c.ParticipantA, c.ParticipantB} {
			s.pushSummary(ctx, c.ID, participant)
		}
	}
	return sent, nil
}

// MarkRead marks the buddy's messages up to in.UpTo as read for the reader.
func (s *Service) MarkRead(ctx context.Context, readerID uuid.UUID, in UpdateStatusInput) (StatusUpdate, error) {
	if in.ChatID == uuid.Nil || in.UpTo == uuid.Nil {
		return StatusUpdate{}, &validate.Error{Fields: map[string]string{
			"chatId": "chatId and upTo are required",
		}}
	}

	summary, err := s.chats.Summary(ctx, in.ChatID, readerID)
	if err != nil {
		return StatusUpdate{}, mapStoreErr(err)
	}
	seq, err := s.chats.MessageSeq(ctx, in.ChatID, in.UpTo)
	if err != nil {
		return StatusUpdate{}, mapStoreErr(err)
	}
	marked, err := s.chats.MarkRead(ctx, in.ChatID, readerID, seq, s.now().UTC())
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("mark read: %w", err)
	}

	update := StatusUpdate{ChatID: in.ChatID, ReaderID: readerID, UpTo: in.UpTo, UpToSeq: seq, Marked: marked}
	if s.emitter != nil {
		for _, participant := range []uuid.UUID{readerID, summary.Buddy} {
			s.emitter.Emit(participant, ChatEvent(EventMessageStatusUpdated, in.ChatID), update)
		}
		s.pushSummary(ctx, in.ChatID, readerID)
	}
	return update, nil
}

// Connected registers a socket. The first socket of a user announces them online.
func (s *Service) Connected(ctx context.Context, userID uuid.UUID) {
	if s.presence == nil {
		return
	}
	first, err := s.presence.Connect(ctx, userID)
	if err != nil {
		s.log.Warn("presence connect", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	if first && s.emitter != nil {
		s.emitter.Broadcast(EventUserOnline, PresenceChange{UserID: userID})
	}
}

func (s *Service) Disconnected(ctx context.Context, userID uuid.UUID) {
	if s.presence == nil {
		return
	}
	last, err := s.presence.Disconnect(ctx, userID)
	if err != nil {
		s.log.Warn("presence disconnect", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	if last && s.emitter != nil {
		s.emitter.Broadcast(EventUserOffline, PresenceChange{UserID: userID})
	}
}

func (s *Service) Online(ctx context.Context) ([]uuid.UUID, error) {
	if s.presence == nil {
		return []uuid.UUID{}, nil
	}
	ids, err := s.presence.Online(ctx)
	if err != nil {
		return nil, fmt.Errorf("online users: %w", err)
	}
	return ids, nil
}

func (s *Service) pushSummary(ctx context.Context, chatID, userID uuid.UUID) {
	summary, err := s.chats.Summary(ctx, chatID, userID)
	if err != nil {
		s.log.Warn("load chat summary", zap.String("chat_id", chatID.String()), zap.Error(err))
		return
	}
	s.emitter.Emit(userID, UserEvent(EventRecentChatRetrieved, userID), summary)
}

func fieldError(field, msg string) error {
	return &validate.Error{Fields: map[string]string{field: msg}}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, pgrepo.ErrChatNotFound):
		return ErrChatNotFound
	case errors.Is(err, pgrepo.ErrMessageNotFound):
		return ErrMessageNotFound
	default:
		return fmt.Errorf("chat store: %w", err)
	}
}
