package state

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Migrate creates the state tables and the single-active-process index.
func Migrate(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*Conversation)(nil),
		(*ThoughtProcess)(nil),
		(*Message)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	if _, err := db.NewCreateIndex().
		Model((*ThoughtProcess)(nil)).
		Index("ux_thought_processes_active_user").
		Unique().
		Column("user_id").
		Where("status NOT IN ('FINISHED', 'FAILED')").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create active process index: %w", err)
	}

	if _, err := db.NewCreateIndex().
		Model((*Message)(nil)).
		Index("idx_messages_conversation_created").
		Column("conversation_id", "created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create message index: %w", err)
	}
	return nil
}
