package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
)

var (
	ErrBusinessNotFound = errors.New("business not found")
	ErrNotMember        = errors.New("user is not a member of the business")
)

type BusinessRepo struct {
	db DB
}

func NewBusinessRepo(db DB) *BusinessRepo {
	return &BusinessRepo{db: db}
}

// Create inserts the business and makes its creator the owner in one transaction.
func (r *BusinessRepo) Create(ctx context.Context, business model.Business) (model.Business, error) {
	if r.db == nil {
		return model.Business{}, errNilDB
	}
	if business.ID == uuid.Nil {
		business.ID = uuid.New()
	}

	var out model.Business
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		if err := tx.QueryRow(txCtx, `
INSERT INTO businesses (id, name, owner_id, created_at)
VALUES ($1, $2, $3, NOW())
RETURNING id, name, owner_id, created_at
`, business.ID, strings.TrimSpace(business.Name), business.OwnerID).Scan(&out.ID, &out.Name, &out.OwnerID, &out.CreatedAt); err != nil {
			return fmt.Errorf("insert business: %w", err)
		}

		if _, err := tx.Exec(txCtx, `
INSERT INTO business_members (business_id, user_id, role, joined_at)
VALUES ($1, $2, $3, NOW())
`, out.ID, out.OwnerID, string(enums.MemberRoleOwner)); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Business{}, err
	}
	return out, nil
}

func (r *BusinessRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Business, error) {
	if r.db == nil {
		return model.Business{}, errNilDB
	}

	var out model.Business
	err := r.db.QueryRow(ctx, `
SELECT id, name, owner_id, created_at
FROM businesses
WHERE id = $1
`, id).Scan(&out.ID, &out.Name, &out.OwnerID, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Business{}, ErrBusinessNotFound
		}
		return model.Business{}, fmt.Errorf("get business: %w", err)
	}
	return out, nil
}

func (r *BusinessRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.BusinessMembership, error) {
	if r.db == nil {
		return nil, errNilDB
	}

	rows, err := r.db.Query(ctx, `
SELECT b.id, b.name, b.owner_id, b.created_at, m.role
FROM business_members m
JOIN businesses b ON b.id = m.business_id
WHERE m.user_id = $1
ORDER BY b.created_at ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list businesses for user: %w", err)
	}
	defer rows.Close()

	out := make([]model.BusinessMembership, 0)
	for rows.Next() {
		var (
			item model.BusinessMembership
			role string
		)
		if err := rows.Scan(&item.ID, &item.Name, &item.OwnerID, &item.CreatedAt, &role); err != nil {
			return nil, fmt.Errorf("scan business membership: %w", err)
		}
		item.Role = enums.MemberRole(role)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate business memberships: %w", err)
	}
	return out, nil
}

func (r *BusinessRepo) MemberRole(ctx context.Context, businessID, userID uuid.UUID) (enums.MemberRole, error) {
	if r.db == nil {
		return "", errNilDB
	}

	var role string
	err := r.db.QueryRow(ctx, `
SELECT role
FROM business_members
WHERE business_id = $1
  AND user_id = $2
`, businessID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotMember
		}
		return "", fmt.Errorf("get member role: %w", err)
	}
	return enums.MemberRole(role), nil
}

func (r *BusinessRepo) ListMembers(ctx context.Context, businessID uuid.UUID) ([]model.Member, error) {
	if r.db == nil {
		return nil, errNilDB
	}

	rows, err := r.db.Query(ctx, `
SELECT m.business_id, m.user_id, u.email, u.name, m.role, m.joined_at
FROM business_members m
JOIN users u ON u.id = m.user_id
WHERE m.business_id = $1
ORDER BY m.joined_at ASC
`, businessID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	out := make([]model.Member, 0)
	for rows.Next() {
		var (
			member model.Member
			role   string
		)
		if err := rows.Scan(&member.BusinessID, &member.UserID, &member.Email, &member.Name, &role, &member.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		member.Role = enums.MemberRole(role)
		out = append(out, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return out, nil
}

// ListMemberIDs returns owner, admins and members of the business.
func (r *BusinessRepo) ListMemberIDs(ctx context.Context, businessID uuid.UUID) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
SELECT user_id
FROM business_members
WHERE business_id = $1
`, businessID)
}

// ListCustomerIDs returns every user with at least one successful payment to the business.
func (r *BusinessRepo) ListCustomerIDs(ctx context.Context, businessID uuid.UUID) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
SELECT DISTINCT user_id
FROM payments
WHERE business_id = $1
  AND status = 'SUCCESS'
`, businessID)
}

func (r *BusinessRepo) listIDs(ctx context.Context, query string, businessID uuid.UUID) ([]uuid.UUID, error) {
	if r.db == nil {
		return nil, errNilDB
	}

	rows, err := r.db.Query(ctx, query, businessID)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	out := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return out, nil
}

var (
	ErrInvitationNotFound      = errors.New("invitation not found")
	ErrInvitationNotPending    = errors.New("invitation is no longer pending")
	ErrInvitationExpired       = errors.New("invitation expired")
	ErrInvitationEmailMismatch = errors.New("invitation was sent to another email")
)

const invitationColumns = `id, business_id, email, role, token_hash, status, invited_by, expires_at, accepted_at, created_at`

type InvitationRepo struct {
	db DB
}

func NewInvitationRepo(db DB) *InvitationRepo {
	return &InvitationRepo{db: db}
}

func (r *InvitationRepo) Create(ctx context.Context, inv model.Invitation) (model.Invitation, error) {
	if r.db == nil {
		return model.Invitation{}, errNilDB
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}

	out, err := scanInvitation(r.db.QueryRow(ctx, `
INSERT INTO invitations (id, business_id, email, role, token_hash, status, invited_by, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, NOW())
RETURNING `+invitationColumns,
		inv.ID, inv.BusinessID, strings.ToLower(strings.TrimSpace(inv.Email)), string(inv.Role), inv.TokenHash, inv.InvitedBy, inv.ExpiresAt))
	if err != nil {
		return model.Invitation{}, fmt.Errorf("insert invitation: %w", err)
	}
	return out, nil
}

func (r *InvitationRepo) List(ctx context.Context, businessID uuid.UUID, limit, offset int) ([]model.Invitation, int64, error) {
	if r.db == nil {
		return nil, 0, errNilDB
	}

	var total int64
	if err := r.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM invitations
WHERE business_id = $1
`, businessID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invitations: %w", err)
	}

	rows, err := r.db.Query(ctx, `
SELECT `+invitationColumns+`
FROM invitations
WHERE business_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`, businessID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	out := make([]model.Invitation, 0, limit)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invitation: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate invitations: %w", err)
	}
	return out, total, nil
}

func (r *InvitationRepo) Revoke(ctx context.Context, businessID, id uuid.UUID) (model.Invitation, error) {
	if r.db == nil {
		return model.Invitation{}, errNilDB
	}

	out, err := scanInvitation(r.db.QueryRow(ctx, `
UPDATE invitations
SET status = 'revoked'
WHERE id = $1
  AND business_id = $2
  AND status = 'pending'
RETURNING `+invitationColumns, id, businessID))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Invitation{}, fmt.Errorf("revoke invitation: %w", err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM invitations WHERE id = $1 AND business_id = $2)
`, id, businessID).Scan(&exists); err != nil {
		return model.Invitation{}, fmt.Errorf("check invitation: %w", err)
	}
	if !exists {
		return model.Invitation{}, ErrInvitationNotFound
	}
	return model.Invitation{}, ErrInvitationNotPending
}

// Accept consumes a pending invitation and adds the user as a member. Tokens are single use.
func (r *InvitationRepo) Accept(ctx context.Context, tokenHash string, userID uuid.UUID, email string, now time.Time) (model.Invitation, error) {
	if r.db == nil {
		return model.Invitation{}, errNilDB
	}

	var out model.Invitation
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		inv, err := scanInvitation(tx.QueryRow(txCtx, `
SELECT `+invitationColumns+`
FROM invitations
WHERE token_hash = $1
FOR UPDATE
`, tokenHash))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvitationNotFound
			}
			return fmt.Errorf("lock invitation: %w", err)
		}

		if inv.Status != enums.InvitationStatusPending {
			return ErrInvitationNotPending
		}
		if !now.Before(inv.ExpiresAt) {
			return ErrInvitationExpired
		}
		if !strings.EqualFold(strings.TrimSpace(email), inv.Email) {
			return ErrInvitationEmailMismatch
		}

		if _, err := tx.Exec(txCtx, `
INSERT INTO business_members (business_id, user_id, role, joined_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (business_id, user_id) DO NOTHING
`, inv.BusinessID, userID, string(inv.Role), now); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}

		out, err = scanInvitation(tx.QueryRow(txCtx, `
UPDATE invitations
SET status = 'accepted', accepted_at = $2
WHERE id = $1
RETURNING `+invitationColumns, inv.ID, now))
		if err != nil {
			return fmt.Errorf("mark invitation accepted: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Invitation{}, err
	}
	return out, nil
}

func (r *InvitationRepo) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	if r.db == nil {
		return 0, errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE invitations
SET status = 'expired'
WHERE status = 'pending'
  AND expires_at <= $1
`, now)
	if err != nil {
		return 0, fmt.Errorf("expire invitations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanInvitation(row pgx.Row) (model.Invitation, error) {
	var (
		inv    model.Invitation
		role   string
		status string
	)
	if err := row.Scan(
		&inv.ID,
		&inv.BusinessID,
		&inv.Email,
		&role,
		&inv.TokenHash,
		&status,
		&inv.InvitedBy,
		&inv.ExpiresAt,
		&inv.AcceptedAt,
		&inv.CreatedAt,
	); err != nil {
		return model.Invitation{}, err
	}
	inv.Role = enums.MemberRole(role)
	inv.Status = enums.InvitationStatus(status)
	return inv, nil
}
