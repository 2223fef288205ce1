package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

// Wallet is the read side of a payer's balance, in minor currency units.
type Wallet struct {
	bun.BaseModel `bun:"table:wallets,alias:w"`

	OwnerKind contractx.PayerKind `bun:"owner_kind,pk" json:"owner_kind"`
	OwnerID   string              `bun:"owner_id,pk" json:"owner_id"`
	Balance   int64               `bun:"balance,notnull" json:"balance"`
	UpdatedAt time.Time           `bun:"updated_at,notnull" json:"updated_at"`
}

// WalletReader looks up a payer's wallet.
type WalletReader interface {
	Wallet(ctx context.Context, payer contractx.Payer) (Wallet, bool, error)
}

var _ contractx.BalanceGate = (*Gate)(nil)

// Gate decides whether a payer may run a billed action.
type Gate struct {
	wallets WalletReader
	logger  zerolog.Logger
}

func NewGate(wallets WalletReader, logger zerolog.Logger) *Gate {
	return &Gate{
		wallets: wallets,
		logger:  logger.With().Str("component", "balance_gate").Logger(),
	}
}

func (g *Gate) HasFunds(ctx context.Context, action contractx.Action, payer contractx.Payer) (bool, error) {
	if !action.IsBilled() {
		return true, nil
	}
	if !payer.Valid() {
		return false, fmt.Errorf("%w: payer is not set", contractx.ErrValidation)
	}

	wallet, ok, err := g.wallets.Wallet(ctx, payer)
	if err != nil {
		return false, fmt.Errorf("read wallet of %s: %w", payer, err)
	}
	if !ok || wallet.Balance <= 0 {
		g.logger.Warn().
			Str("payer", payer.String()).
			Str("verb", action.Verb).
			Bool("wallet_found", ok).
			Msg("payer has no funds for billed action")
		return false, nil
	}
	return true, nil
}

// Store reads and seeds wallets in the database.
type Store struct {
	db bun.IDB
}

var _ WalletReader = (*Store)(nil)

func NewStore(db bun.IDB) *Store {
	return &Store{db: db}
}

func (s *Store) Wallet(ctx context.Context, payer contractx.Payer) (Wallet, bool, error) {
	var w Wallet
	err := s.db.NewSelect().
		Model(&w).
		Where("owner_kind = ?", payer.Kind()).
		Where("owner_id = ?", payer.ID()).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Wallet{}, false, nil
	}
	if err != nil {
		return Wallet{}, false, err
	}
	return w, true, nil
}

// SetBalance creates or overwrites a wallet. Used for seeding and local operation.
func (s *Store) SetBalance(ctx context.Context, payer contractx.Payer, balance int64) error {
	w := &Wallet{
		OwnerKind: payer.Kind(),
		OwnerID:   payer.ID(),
		Balance:   balance,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(w).
		On("CONFLICT (owner_kind, owner_id) DO UPDATE").
		Set("balance = EXCLUDED.balance").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set balance of %s: %w", payer, err)
	}
	return nil
}

func Migrate(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().Model((*Wallet)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create wallets table: %w", err)
	}
	return nil
}
