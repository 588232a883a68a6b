package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
	chatsvc "github.com/doexcess/business-api/internal/services/chat"
)

const (
	socketWriteWait      = 10 * time.Second
	socketPongWait       = 60 * time.Second
	socketPingPeriod     = socketPongWait * 9 / 10
	socketMaxFrameBytes  = 64 << 10
	socketSendBuffer     = 64
	socketRequestTimeout = 10 * time.Second
)

type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, accessToken string) (authsvc.AccessClaims, error)
}

// ChatSocketHandler upgrades /ws/chat and runs one read and one write pump per connection. Only
// the write pump touches the connection for writing; everything else goes through the hub.
type ChatSocketHandler struct {
	auth     TokenValidator
	chats    *chatsvc.Service
	hub      *chatsvc.Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type retrieveChatsData struct {
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
	RequestID string `json:"requestId,omitempty"`
}

type socketError struct {
	Event     string `json:"event,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientID  string `json:"clientId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func NewChatSocketHandler(auth TokenValidator, chats *chatsvc.Service, hub *chatsvc.Hub, allowedOrigins []string, log *zap.Logger) *ChatSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatSocketHandler{
		auth:  auth,
		chats: chats,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func (h *ChatSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		if bearer, ok := bearerToken(r.Header.Get("Authorization")); ok {
			token = bearer
		}
	}
	if token == "" {
		writeUnauthorized(w, "UNAUTHORIZED", "missing token")
		return
	}
	claims, err := h.auth.ValidateAccessToken(r.Context(), token)
	if err != nil {
		writeUnauthorized(w, "UNAUTHORIZED", "invalid access token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("chat socket upgrade failed", zap.Error(err))
		return
	}

	// Presence cleanup has to run even when the server cancels the request context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	client := chatsvc.NewClient(claims.UserID, socketSendBuffer)
	h.hub.Add(client)
	h.chats.Connected(ctx, claims.UserID)
	h.sendOnlineUsers(ctx, client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, client)
	}()

	h.readPump(ctx, conn, client)

	h.hub.Remove(client)
	<-done
	h.chats.Disconnected(ctx, claims.UserID)
}

func (h *ChatSocketHandler) sendOnlineUsers(ctx context.Context, client *chatsvc.Client) {
	online, err := h.chats.Online(ctx)
	if err != nil {
		h.log.Warn("list online users", zap.Error(err))
		return
	}
	for _, id := range online {
		if id == client.UserID() {
			continue
		}
		h.hub.Reply(client, chatsvc.EventUserOnline, chatsvc.PresenceChange{UserID: id})
	}
}

func (h *ChatSocketHandler) readPump(ctx context.Context, conn *websocket.Conn, client *chatsvc.Client) {
	conn.SetReadLimit(socketMaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("chat socket closed", zap.String("user_id", client.UserID().String()), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			h.replyError(client, "", "INVALID_FRAME", "frames must be {\"event\", \"data\"} objects", "")
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, socketRequestTimeout)
		h.dispatch(reqCtx, client, frame)
		cancel()
	}
}

func (h *ChatSocketHandler) dispatch(ctx context.Context, client *chatsvc.Client, frame inboundFrame) {
	userID := client.UserID()

	switch frame.Event {
	case chatsvc.EventPing:
		h.hub.Reply(client, chatsvc.EventPong, nil)

	case chatsvc.EventRetrieveChats:
		var in retrieveChatsData
		if !h.decodeData(client, frame, &in) {
			return
		}
		page, err := h.chats.ListChats(ctx, userID, pagination.Normalize(in.Page, in.Limit))
		if err != nil {
			h.replyServiceErrorFor(client, frame.Event, err, "", in.RequestID)
			return
		}
		page.RequestID = in.RequestID
		h.hub.Reply(client, chatsvc.UserEvent(chatsvc.EventChatsRetrieved, userID), page)

	case chatsvc.EventRetrieveMessages:
		var in chatsvc.RetrieveMessagesInput
		if !h.decodeData(client, frame, &in) {
			return
		}
		page, err := h.chats.Messages(ctx, userID, in)
		if err != nil {
			h.replyServiceError(client, frame.Event, err, "")
			return
		}
		h.hub.Reply(client, chatsvc.UserEvent(chatsvc.EventMessagesRetrieved, userID), page)

	case chatsvc.EventSendMessage:
		var in chatsvc.SendMessageInput
		if !h.decodeData(client, frame, &in) {
			return
		}
		// The echo to both participants is emitted by the service.
		if _, err := h.chats.Send(ctx, userID, in); err != nil {
			h.replyServiceError(client, frame.Event, err, in.ClientID)
		}

	case chatsvc.EventUpdateMessageStatus:
		var in chatsvc.UpdateStatusInput
		if !h.decodeData(client, frame, &in) {
			return
		}
		if _, err := h.chats.MarkRead(ctx, userID, in); err != nil {
			h.replyServiceError(client, frame.Event, err, "")
		}

	default:
		h.replyError(client, frame.Event, "UNKNOWN_EVENT", "unknown event "+frame.Event, "")
	}
}

func (h *ChatSocketHandler) decodeData(client *chatsvc.Client, frame inboundFrame, target any) bool {
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		h.replyError(client, frame.Event, "INVALID_REQUEST", "invalid event data", "")
		return false
	}
	return true
}

func (h *ChatSocketHandler) replyServiceError(client *chatsvc.Client, event string, err error, clientID string) {
	h.replyServiceErrorFor(client, event, err, clientID, "")
}

func (h *ChatSocketHandler) replyServiceErrorFor(client *chatsvc.Client, event string, err error, clientID, requestID string) {
	reply := func(code, message string) {
		h.hub.Reply(client, chatsvc.EventError, socketError{
			Event:     event,
			Code:      code,
			Message:   message,
			ClientID:  clientID,
			RequestID: requestID,
		})
	}

	var verr *validate.Error
	switch {
	case errors.As(err, &verr):
		reply("VALIDATION_ERROR", verr.Error())
	case errors.Is(err, chatsvc.ErrChatNotFound),
		errors.Is(err, chatsvc.ErrMessageNotFound),
		errors.Is(err, chatsvc.ErrBuddyNotFound):
		reply("NOT_FOUND", err.Error())
	case errors.Is(err, chatsvc.ErrSelfChat):
		reply("SELF_CHAT", err.Error())
	default:
		h.log.Error("chat socket event failed",
			zap.String("event", event),
			zap.String("user_id", client.UserID().String()),
			zap.Error(err),
		)
		reply("INTERNAL_ERROR", "internal server error")
	}
}

func (h *ChatSocketHandler) replyError(client *chatsvc.Client, event, code, message, clientID string) {
	h.hub.Reply(client, chatsvc.EventError, socketError{Event: event, Code: code, Message: message, ClientID: clientID})
}

func (h *ChatSocketHandler) writePump(conn *websocket.Conn, client *chatsvc.Client) {
	ticker := time.NewTicker(socketPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case raw := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(socketWriteWait),
			)
			return
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func bearerToken(value string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}
