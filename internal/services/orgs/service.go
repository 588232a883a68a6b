package orgs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
	"github.com/doexcess/business-api/internal/infra/sendgrid"
	"github.com/doexcess/business-api/internal/pkg/pagination"
	"github.com/doexcess/business-api/internal/pkg/validate"
	pgrepo "github.com/doexcess/business-api/internal/repo/postgres"
	authsvc "github.com/doexcess/business-api/internal/services/auth"
)

const defaultInvitationTTL = 7 * 24 * time.Hour

var (
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrInvitationUsed       = errors.New("invitation is no longer pending")
	ErrInvitationExpired    = errors.New("invitation expired")
	ErrInvitationForAnother = errors.New("invitation was sent to another email")
)

type BusinessStore interface {
	Create(ctx context.Context, business model.Business) (model.Business, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Business, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]model.BusinessMembership, error)
	MemberRole(ctx context.Context, businessID, userID uuid.UUID) (enums.MemberRole, error)
	ListMembers(ctx context.Context, businessID uuid.UUID) ([]model.Member, error)
}

type InvitationStore interface {
	Create(ctx context.Context, inv model.Invitation) (model.Invitation, error)
	List(ctx context.Context, businessID uuid.UUID, limit, offset int) ([]model.Invitation, int64, error)
	Revoke(ctx context.Context, businessID, id uuid.UUID) (model.Invitation, error)
	Accept(ctx context.Context, tokenHash string, userID uuid.UUID, email string, now time.Time) (model.Invitation, error)
}

type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
}

type Mailer interface {
	Enabled() bool
	Send(ctx context.Context, msg sendgrid.Message) error
}

type Dependencies struct {
	Businesses    BusinessStore
	Invitations   InvitationStore
	Users         UserLookup
	Mailer        Mailer
	InvitationTTL time.Duration
	WebsiteURL    string
	Logger        *zap.Logger
}

type Service struct {
	businesses    BusinessStore
	invitations   InvitationStore
	users         UserLookup
	mailer        Mailer
	invitationTTL time.Duration
	websiteURL    string
	log           *zap.Logger
	now           func() time.Time
}

type CreateBusinessInput struct {
	Name string `json:"name" validate:"required,max=120"`
}

type InviteInput struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=admin member"`
}

type InviteResult struct {
	Invitation model.Invitation
	// Token is only ever returned here; the store keeps its hash.
	Token string
}

func NewService(deps Dependencies) *Service {
	ttl := deps.InvitationTTL
	if ttl <= 0 {
		ttl = defaultInvitationTTL
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Service{
		businesses:    deps.Businesses,
		invitations:   deps.Invitations,
		users:         deps.Users,
		mailer:        deps.Mailer,
		invitationTTL: ttl,
		websiteURL:    strings.TrimRight(strings.TrimSpace(deps.WebsiteURL), "/"),
		log:           log,
		now:           time.Now,
	}
}

func (s *Service) CreateBusiness(ctx context.Context, ownerID uuid.UUID, in CreateBusinessInput) (model.Business, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(in); err != nil {
		return model.Business{}, err
	}

	business, err := s.businesses.Create(ctx, model.Business{Name: in.Name, OwnerID: ownerID})
	if err != nil {
		return model.Business{}, fmt.Errorf("create business: %w", err)
	}
	return business, nil
}

func (s *Service) ListMine(ctx context.Context, userID uuid.UUID) ([]model.BusinessMembership, error) {
	out, err := s.businesses.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list businesses: %w", err)
	}
	return out, nil
}

func (s *Service) Business(ctx context.Context, id uuid.UUID) (model.Business, error) {
	business, err := s.businesses.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgrepo.ErrBusinessNotFound) {
			return model.Business{}, ErrNotFound
		}
		return model.Business{}, fmt.Errorf("get business: %w", err)
	}
	return business, nil
}

// Authorize returns the caller's role in the business. With no roles given any membership is
// enough.
func (s *Service) Authorize(ctx context.Context, businessID, userID uuid.UUID, roles ...enums.MemberRole) (enums.MemberRole, error) {
	role, err := s.businesses.MemberRole(ctx, businessID, userID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrNotMember) {
			return "", ErrForbidden
		}
		return "", fmt.Errorf("get member role: %w", err)
	}
	if len(roles) == 0 {
		return role, nil
	}
	for _, allowed := range roles {
		if role == allowed {
			return role, nil
		}
	}
	return "", ErrForbidden
}

func (s *Service) Members(ctx context.Context, businessID uuid.UUID) ([]model.Member, error) {
	out, err := s.businesses.ListMembers(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return out, nil
}

func (s *Service) Invite(ctx context.Context, businessID, inviterID uuid.UUID, in InviteInput) (InviteResult, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	if err := validate.Struct(in); err != nil {
		return InviteResult{}, err
	}
	role, ok := enums.ParseInvitableRole(in.Role)
	if !ok {
		return InviteResult{}, &validate.Error{Fields: map[string]string{"role": "role must be one of [admin member]"}}
	}

	token, err := authsvc.NewOpaqueToken(32)
	if err != nil {
		return InviteResult{}, fmt.Errorf("generate invitation token: %w", err)
	}

	inv, err := s.invitations.Create(ctx, model.Invitation{
		BusinessID: businessID,
		Email:      in.Email,
		Role:       role,
		TokenHash:  hashToken(token),
		InvitedBy:  inviterID,
		ExpiresAt:  s.now().Add(s.invitationTTL).UTC(),
	})
	if err != nil {
		return InviteResult{}, fmt.Errorf("create invitation: %w", err)
	}

	s.sendInvitationEmail(ctx, businessID, inv, token)

	return InviteResult{Invitation: inv, Token: token}, nil
}

func (s *Service) ListInvitations(ctx context.Context, businessID uuid.UUID, page pagination.Params) ([]model.Invitation, int64, error) {
	out, total, err := s.invitations.List(ctx, businessID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list invitations: %w", err)
	}
	return out, total, nil
}

func (s *Service) Revoke(ctx context.Context, businessID, invitationID uuid.UUID) (model.Invitation, error) {
	inv, err := s.invitations.Revoke(ctx, businessID, invitationID)
	if err != nil {
		return model.Invitation{}, mapInvitationErr(err)
	}
	return inv, nil
}

func (s *Service) Accept(ctx context.Context, userID uuid.UUID, token string) (model.Invitation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Invitation{}, &validate.Error{Fields: map[string]string{"token": "token is a required field"}}
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return model.Invitation{}, fmt.Errorf("get user: %w", err)
	}

	inv, err := s.invitations.Accept(ctx, hashToken(token), userID, user.Email, s.now().UTC())
	if err != nil {
		return model.Invitation{}, mapInvitationErr(err)
	}
	return inv, nil
}

func (s *Service) sendInvitationEmail(ctx context.Context, businessID uuid.UUID, inv model.Invitation, token string) {
	if s.mailer == nil || !s.mailer.Enabled() || s.websiteURL == "" {
		return
	}

	businessName := "a business"
	if business, err := s.businesses.GetByID(ctx, businessID); err == nil {
		businessName = business.Name
	}
	link := s.websiteURL + "/invitations/accept?token=" + url.QueryEscape(token)

	err := s.mailer.Send(ctx, sendgrid.Message{
		ToEmail: inv.Email,
		Subject: "You have been invited to " + businessName,
		Text: fmt.Sprintf("You were invited to join %s as %s.\n\nAccept the invitation: %s\n\nThe link expires on %s.",
			businessName, inv.Role, link, inv.ExpiresAt.Format(time.RFC1123)),
	})
	if err != nil {
		s.log.Warn("send invitation email failed",
			zap.String("invitation_id", inv.ID.String()),
			zap.Error(err),
		)
	}
}

func mapInvitationErr(err error) error {
	switch {
	case errors.Is(err, pgrepo.ErrInvitationNotFound):
		return ErrNotFound
	case errors.Is(err, pgrepo.ErrInvitationNotPending):
		return ErrInvitationUsed
	case errors.Is(err, pgrepo.ErrInvitationExpired):
		return ErrInvitationExpired
	case errors.Is(err, pgrepo.ErrInvitationEmailMismatch):
		return ErrInvitationForAnother
	default:
		return fmt.Errorf("invitation: %w", err)
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
