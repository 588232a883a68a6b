package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type Chat struct {
	ID            uuid.UUID  `json:"id"`
	ParticipantA  uuid.UUID  `json:"participant_a"`
	ParticipantB  uuid.UUID  `json:"participant_b"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// OrderParticipants returns the pair in the canonical order chats are stored with.
func OrderParticipants(x, y uuid.UUID) (uuid.UUID, uuid.UUID) {
	if x.String() <= y.String() {
		return x, y
	}
	return y, x
}

func (c Chat) Buddy(userID uuid.UUID) uuid.UUID {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

func (c Chat) HasParticipant(userID uuid.UUID) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

type Message struct {
	ID        uuid.UUID           `json:"id"`
	ChatID    uuid.UUID           `json:"chat_id"`
	SenderID  uuid.UUID           `json:"sender_id"`
	Body      string              `json:"message"`
	Status    enums.MessageStatus `json:"status"`
	Seq       int64               `json:"seq"`
	CreatedAt time.Time           `json:"created_at"`
	ReadAt    *time.Time          `json:"read_at,omitempty"`
}

// ChatSummary is one entry of a user's chat list.
type ChatSummary struct {
	ChatID        uuid.UUID  `json:"chat_id"`
	Buddy         uuid.UUID  `json:"chat_buddy"`
	BuddyName     string     `json:"chat_buddy_name"`
	LastMessage   *Message   `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Unread        int        `json:"unread"`
}
