package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/doexcess/business-api/internal/domain/enums"
)

type Business struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerID   uuid.UUID `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BusinessMembership is a business as seen by one of its members.
type BusinessMembership struct {
	Business
	Role enums.MemberRole `json:"role"`
}

type Member struct {
	BusinessID uuid.UUID        `json:"business_id"`
	UserID     uuid.UUID        `json:"user_id"`
	Email      string           `json:"email"`
	Name       string           `json:"name"`
	Role       enums.MemberRole `json:"role"`
	JoinedAt   time.Time        `json:"joined_at"`
}

type Invitation struct {
	ID         uuid.UUID              `json:"id"`
	BusinessID uuid.UUID              `json:"business_id"`
	Email      string                 `json:"email"`
	Role       enums.MemberRole       `json:"role"`
	TokenHash  string                 `json:"-"`
	Status     enums.InvitationStatus `json:"status"`
	InvitedBy  uuid.UUID              `json:"invited_by"`
	ExpiresAt  time.Time              `json:"expires_at"`
	AcceptedAt *time.Time             `json:"accepted_at,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
