package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/doexcess/business-api/internal/domain/enums"
	"github.com/doexcess/business-api/internal/domain/model"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
)

const messageColumns = `id, chat_id, sender_id, body, status, seq, created_at, read_at`

type ChatRepo struct {
	db DB
}

func NewChatRepo(db DB) *ChatRepo {
	return &ChatRepo{db: db}
}

func (r *ChatRepo) Find(ctx context.Context, userA, userB uuid.UUID) (model.Chat, error) {
	if r.db == nil {
		return model.Chat{}, errNilDB
	}
	a, b := model.OrderParticipants(userA, userB)

	var chat model.Chat
	err := r.db.QueryRow(ctx, `
SELECT id, participant_a, participant_b, last_message_at, created_at
FROM chats
WHERE participant_a = $1
  AND participant_b = $2
`, a, b).Scan(&chat.ID, &chat.ParticipantA, &chat.ParticipantB, &chat.LastMessageAt, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Chat{}, ErrChatNotFound
		}
		return model.Chat{}, fmt.Errorf("find chat: %w", err)
	}
	return chat, nil
}

// AppendMessage stores a message, creating the chat on the first one, and bumps the
// recipient's unread counter.
func (r *ChatRepo) AppendMessage(ctx context.Context, senderID, recipientID uuid.UUID, body string, now time.Time) (model.Chat, model.Message, error) {
	if r.db == nil {
		return model.Chat{}, model.Message{}, errNilDB
	}
	a, b := model.OrderParticipants(senderID, recipientID)

	var (
		chat model.Chat
		msg  model.Message
	)
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		if err := tx.QueryRow(txCtx, `
INSERT INTO chats (id, participant_a, participant_b, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (participant_a, participant_b) DO UPDATE SET participant_a = EXCLUDED.participant_a
RETURNING id, participant_a, participant_b, last_message_at, created_at
`, uuid.New(), a, b, now).Scan(&chat.ID, &chat.ParticipantA, &chat.ParticipantB, &chat.LastMessageAt, &chat.CreatedAt); err != nil {
			return fmt.Errorf("upsert chat: %w", err)
		}

		var err error
		msg, err = scanMessage(tx.QueryRow(txCtx, `
INSERT INTO messages (id, chat_id, sender_id, body, status, created_at)
VALUES ($1, $2, $3, $4, 'sent', $5)
RETURNING `+messageColumns, uuid.New(), chat.ID, senderID, body, now))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.Exec(txCtx, `
UPDATE chats
SET last_message_at = $2,
	unread_a = unread_a + CASE WHEN participant_a <> $3 THEN 1 ELSE 0 END,
	unread_b = unread_b + CASE WHEN participant_b <> $3 THEN 1 ELSE 0 END
WHERE id = $1
`, chat.ID, msg.CreatedAt, senderID); err != nil {
			return fmt.Errorf("bump chat: %w", err)
		}
		chat.LastMessageAt = &msg.CreatedAt
		return nil
	})
	if err != nil {
		return model.Chat{}, model.Message{}, err
	}
	return chat, msg, nil
}

// ListMessages pages backwards from beforeSeq (0 means newest) and returns the page in
// ascending order.
func (r *ChatRepo) ListMessages(ctx context.Context, chatID uuid.UUID, beforeSeq int64, limit int) ([]model.Message, error) {
	if r.db == nil {
		return nil, errNilDB
	}

	rows, err := r.db.Query(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE chat_id = $1
  AND ($2 = 0 OR seq < $2)
ORDER BY seq DESC
LIMIT $3
`, chatID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *ChatRepo) MessageSeq(ctx context.Context, chatID, messageID uuid.UUID) (int64, error) {
	if r.db == nil {
		return 0, errNilDB
	}

	var seq int64
	err := r.db.QueryRow(ctx, `
SELECT seq
FROM messages
WHERE chat_id = $1
  AND id = $2
`, chatID, messageID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrMessageNotFound
		}
		return 0, fmt.Errorf("get message seq: %w", err)
	}
	return seq, nil
}

// MarkRead marks the buddy's messages up to and including upToSeq as read and resets the
// reader's unread counter.
func (r *ChatRepo) MarkRead(ctx context.Context, chatID, readerID uuid.UUID, upToSeq int64, now time.Time) (int64, error) {
	if r.db == nil {
		return 0, errNilDB
	}

	var marked int64
	err := WithTx(ctx, r.db, func(txCtx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(txCtx, `
UPDATE messages
SET status = 'read', read_at = $4
WHERE chat_id = $1
  AND sender_id <> $2
  AND seq <= $3
  AND status = 'sent'
`, chatID, readerID, upToSeq, now)
		if err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		marked = tag.RowsAffected()

		var remaining int
		if err := tx.QueryRow(txCtx, `
SELECT COUNT(*)
FROM messages
WHERE chat_id = $1
  AND sender_id <> $2
  AND status = 'sent'
`, chatID, readerID).Scan(&remaining); err != nil {
			return fmt.Errorf("count unread: %w", err)
		}

		if _, err := tx.Exec(txCtx, `
UPDATE chats
SET unread_a = CASE WHEN participant_a = $2 THEN $3 ELSE unread_a END,
	unread_b = CASE WHEN participant_b = $2 THEN $3 ELSE unread_b END
WHERE id = $1
`, chatID, readerID, remaining); err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

const chatSummarySelect = `
SELECT c.id,
	CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END AS buddy,
	COALESCE(u.name, ''),
	c.last_message_at,
	CASE WHEN c.participant_a = $1 THEN c.unread_a ELSE c.unread_b END,
	m.id, m.chat_id, m.sender_id, m.body, m.status, m.seq, m.created_at, m.read_at
FROM chats c
LEFT JOIN users u ON u.id = CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END
LEFT JOIN LATERAL (
	SELECT id, chat_id, sender_id, body, status, seq, created_at, read_at
	FROM messages
	WHERE chat_id = c.id
	ORDER BY seq DESC
	LIMIT 1
) m ON TRUE`

// ListSummaries orders chats by latest message first, ties broken by chat id.
func (r *ChatRepo) ListSummaries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.ChatSummary, int64, error) {
	if r.db == nil {
		return nil, 0, errNilDB
	}

	var total int64
	if err := r.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM chats
WHERE participant_a = $1
   OR participant_b = $1
`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count chats: %w", err)
	}

	rows, err := r.db.Query(ctx, chatSummarySelect+`
WHERE c.participant_a = $1
   OR c.participant_b = $1
ORDER BY c.last_message_at DESC NULLS LAST, c.id
LIMIT $2 OFFSET $3
`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]model.ChatSummary, 0, limit)
	for rows.Next() {
		summary, err := scanChatSummary(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan chat summary: %w", err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate chats: %w", err)
	}
	return out, total, nil
}

func (r *ChatRepo) Summary(ctx context.Context, chatID, userID uuid.UUID) (model.ChatSummary, error) {
	if r.db == nil {
		return model.ChatSummary{}, errNilDB
	}

	summary, err := scanChatSummary(r.db.QueryRow(ctx, chatSummarySelect+`
WHERE c.id = $2
  AND (c.participant_a = $1 OR c.participant_b = $1)
`, userID, chatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ChatSummary{}, ErrChatNotFound
		}
		return model.ChatSummary{}, fmt.Errorf("get chat summary: %w", err)
	}
	return summary, nil
}

func scanChatSummary(row pgx.Row) (model.ChatSummary, error) {
	var (
		s         model.ChatSummary
		msgID     *uuid.UUID
		msgChat   *uuid.UUID
		msgSender *uuid.UUID
		msgBody   *string
		msgStatus *string
		msgSeq    *int64
		msgAt     *time.Time
		msgRead   *time.Time
	)
	if err := row.Scan(
		&s.ChatID,
		&s.Buddy,
		&s.BuddyName,
		&s.LastMessageAt,
		&s.Unread,
		&msgID,
		&msgChat,
		&msgSender,
		&msgBody,
		&msgStatus,
		&msgSeq,
		&msgAt,
		&msgRead,
	); err != nil {
		return model.ChatSummary{}, err
	}

	if msgID != nil {
		s.LastMessage = &model.Message{
			ID:        *msgID,
			ChatID:    *msgChat,
			SenderID:  *msgSender,
			Body:      *msgBody,
			Status:    enums.MessageStatus(*msgStatus),
			Seq:       *msgSeq,
			CreatedAt: *msgAt,
			ReadAt:    msgRead,
		}
	}
	return s, nil
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		msg    model.Message
		status string
	)
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Body, &status, &msg.Seq, &msg.CreatedAt, &msg.ReadAt); err != nil {
		return model.Message{}, err
	}
	msg.Status = enums.MessageStatus(status)
	return msg, nil
}
