package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/pkg/pagination"
	chatsvc "github.com/doexcess/business-api/internal/services/chat"
)

// ChatHandler is the REST mirror of the chat socket reads.
type ChatHandler struct {
	service *chatsvc.Service
}

func NewChatHandler(service *chatsvc.Service) *ChatHandler {
	return &ChatHandler{service: service}
}

func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	page, err := h.service.ListChats(r.Context(), identity.UserID, pagination.FromRequest(r))
	if err != nil {
		handleChatError(w, err)
		return
	}
	writeOK(w, page)
}

func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	buddyID, ok := uuidParam(w, r, "buddyId")
	if !ok {
		return
	}

	in := chatsvc.RetrieveMessagesInput{ChatBuddy: buddyID}
	q := r.URL.Query()
	if raw := q.Get("before"); raw != "" {
		before, err := uuid.Parse(raw)
		if err != nil {
			writeBadRequest(w, "INVALID_ID", "before must be a valid uuid")
			return
		}
		in.Before = &before
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "INVALID_LIMIT", "limit must be a number")
			return
		}
		in.Limit = limit
	}

	page, err := h.service.Messages(r.Context(), identity.UserID, in)
	if err != nil {
		handleChatError(w, err)
		return
	}
	writeOK(w, page)
}

func handleChatError(w http.ResponseWriter, err error) {
	if writeValidation(w, err) {
		return
	}
	switch {
	case errors.Is(err, chatsvc.ErrChatNotFound),
		errors.Is(err, chatsvc.ErrMessageNotFound),
		errors.Is(err, chatsvc.ErrBuddyNotFound):
		writeNotFound(w, "NOT_FOUND", err.Error())
	case errors.Is(err, chatsvc.ErrSelfChat):
		writeBadRequest(w, "SELF_CHAT", err.Error())
	default:
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
	}
}
