package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
)

// Conversation loads one conversation by id.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	conv := new(Conversation)
	if err := s.db.NewSelect().Model(conv).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return conv, nil
}

// AppendMessage stores a message. Empty content is skipped and yields nil.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, direction Direction, content string, status MessageStatus) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	if status == "" {
		status = MessageSent
	}

	msg := &Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Direction:      direction,
		Content:        content,
		Status:         status,
		CreatedAt:      s.clock(),
	}
	if _, err := s.db.NewInsert().Model(msg).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// History returns the conversation oldest first, trimmed to the newest limit entries when limit > 0.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	q := s.db.NewSelect().
		Model((*Message)(nil)).
		Where("conversation_id = ?", conversationID)
	return s.scanMessages(ctx, q, limit)
}

// RecentForUser returns the newest messages across the user's conversations, oldest first.
func (s *Store) RecentForUser(ctx context.Context, userID string, limit int) ([]Message, error) {
	owned := s.db.NewSelect().
		Model((*ThoughtProcess)(nil)).
		Column("conversation_id").
		Where("user_id = ?", userID)

	q := s.db.NewSelect().
		Model((*Message)(nil)).
		Where("conversation_id IN (?)", owned)
	return s.scanMessages(ctx, q, limit)
}

func (s *Store) scanMessages(ctx context.Context, q *bun.SelectQuery, limit int) ([]Message, error) {
	var msgs []Message
	if limit > 0 {
		q = q.Order("created_at DESC", "id DESC").Limit(limit)
	} else {
		q = q.Order("created_at ASC", "id ASC")
	}
	if err := q.Scan(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if limit > 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// Archive closes a conversation for good. Archiving twice is a no-op.
func (s *Store) Archive(ctx context.Context, conversationID string) error {
	res, err := s.db.NewUpdate().
		Model((*Conversation)(nil)).
		Set("status = ?", ConversationArchived).
		Set("updated_at = ?", s.clock()).
		Where("id = ?", conversationID).
		Where("status <> ?", ConversationArchived).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("archive conversation %s: %w", conversationID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := s.Conversation(ctx, conversationID); err != nil {
		return err
	}
	return nil
}
