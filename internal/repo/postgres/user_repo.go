package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

type UserRepo struct {
	db DB
}

func NewUserRepo(db DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, email, name, password_hash, role, totp_secret, totp_enabled, telegram_chat_id, created_at, updated_at`

func (r *UserRepo) Create(ctx context.Context, user model.User) (model.User, error) {
	if r.db == nil {
		return model.User{}, errNilDB
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = enums.UserRoleUser
	}

	out, err := scanUser(r.db.QueryRow(ctx, `
INSERT INTO users (id, email, name, password_hash, role, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
RETURNING `+userColumns, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.Name, user.PasswordHash, string(user.Role)))
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return out, nil
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	if r.db == nil {
		return model.User{}, errNilDB
	}

	user, err := scanUser(r.db.QueryRow(ctx, `
SELECT `+userColumns+`
FROM users
WHERE LOWER(email) = LOWER($1)
`, strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	if r.db == nil {
		return model.User{}, errNilDB
	}

	user, err := scanUser(r.db.QueryRow(ctx, `
SELECT `+userColumns+`
FROM users
WHERE id = $1
`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

func (r *UserRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]model.User, error) {
	if r.db == nil {
		return nil, errNilDB
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
SELECT `+userColumns+`
FROM users
WHERE id = ANY($1)
`, ids)
	if err != nil {
		return nil, fmt.Errorf("list users by ids: %w", err)
	}
	defer rows.Close()

	out := make([]model.User, 0, len(ids))
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// SetTOTP stores an already sealed secret.
func (r *UserRepo) SetTOTP(ctx context.Context, id uuid.UUID, sealedSecret string, enabled bool) error {
	if r.db == nil {
		return errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE users
SET totp_secret = $2, totp_enabled = $3, updated_at = NOW()
WHERE id = $1
`, id, sealedSecret, enabled)
	if err != nil {
		return fmt.Errorf("update totp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepo) SetTelegramChatID(ctx context.Context, id uuid.UUID, chatID int64) error {
	if r.db == nil {
		return errNilDB
	}

	tag, err := r.db.Exec(ctx, `
UPDATE users
SET telegram_chat_id = $2, updated_at = NOW()
WHERE id = $1
`, id, chatID)
	if err != nil {
		return fmt.Errorf("update telegram chat id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (model.User, error) {
	var (
		user model.User
		role string
	)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&role,
		&user.TOTPSecret,
		&user.TOTPEnabled,
		&user.TelegramChatID,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return model.User{}, err
	}
	user.Role = enums.UserRole(role)
	return user, nil
}
