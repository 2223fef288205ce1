package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

// Record is one write-once token usage entry.
type Record struct {
	bun.BaseModel `bun:"table:usage_records,alias:ur"`

	ID           string              `bun:"id,pk" json:"id"`
	PayerKind    contractx.PayerKind `bun:"payer_kind,notnull" json:"payer_kind"`
	PayerID      string              `bun:"payer_id,notnull" json:"payer_id"`
	UserID       string              `bun:"user_id,notnull" json:"user_id"`
	ActionVerb   string              `bun:"action_verb,notnull" json:"action_verb"`
	Model        string              `bun:"model,notnull" json:"model"`
	InputTokens  int                 `bun:"input_tokens,notnull" json:"input_tokens"`
	OutputTokens int                 `bun:"output_tokens,notnull" json:"output_tokens"`
	Billed       bool                `bun:"billed,notnull" json:"billed"`
	MessageID    string              `bun:"message_id,nullzero" json:"message_id,omitempty"`
	CreatedAt    time.Time           `bun:"created_at,notnull" json:"created_at"`
}

// Entry is what the orchestrator knows when a mission's model work is done.
type Entry struct {
	Action    contractx.Action
	User      contractx.User
	Tenant    *contractx.Tenant
	Model     string
	Usage     contractx.TokenUsage
	MessageID string
}

// Ledger writes usage records and aggregates them.
type Ledger struct {
	db     bun.IDB
	gate   contractx.BalanceGate
	now    func() time.Time
	logger zerolog.Logger
}

type LedgerOption func(*Ledger)

func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) LedgerOption {
	return func(l *Ledger) {
		l.logger = logger.With().Str("component", "usage_ledger").Logger()
	}
}

func NewLedger(db bun.IDB, gate contractx.BalanceGate, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:     db,
		gate:   gate,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Record stores one entry. Billed actions re-check funds first, since the balance may have
// changed while the model was running.
func (l *Ledger) Record(ctx context.Context, e Entry) (*Record, error) {
	if strings.TrimSpace(e.User.ID) == "" {
		return nil, fmt.Errorf("%w: usage entry has no user", contractx.ErrValidation)
	}
	payer := contractx.ResolvePayer(e.User, e.Tenant)

	if e.Action.IsBilled() {
		ok, err := l.gate.HasFunds(ctx, e.Action, payer)
		if err != nil {
			return nil, fmt.Errorf("recheck funds: %w", err)
		}
		if !ok {
			return nil, contractx.NewInsufficientFundsError(
				fmt.Sprintf("Insufficient balance to run the action: %s.", e.Action.Name))
		}
	}

	rec := &Record{
		ID:           newID(),
		PayerKind:    payer.Kind(),
		PayerID:      payer.ID(),
		UserID:       e.User.ID,
		ActionVerb:   e.Action.Verb,
		Model:        e.Model,
		InputTokens:  e.Usage.InputTokens,
		OutputTokens: e.Usage.OutputTokens,
		MessageID:    e.MessageID,
		CreatedAt:    l.now().UTC(),
	}
	if _, err := l.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert usage record: %w", err)
	}

	l.logger.Info().
		Str("payer", payer.String()).
		Str("verb", rec.ActionVerb).
		Str("model", rec.Model).
		Int("input_tokens", rec.InputTokens).
		Int("output_tokens", rec.OutputTokens).
		Msg("usage recorded")
	return rec, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func Migrate(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().Model((*Record)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create usage_records table: %w", err)
	}
	if _, err := db.NewCreateIndex().
		Model((*Record)(nil)).
		Index("idx_usage_records_created").
		Column("created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create usage index: %w", err)
	}
	return nil
}
