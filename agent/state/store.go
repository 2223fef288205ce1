package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

// Store persists thought processes, conversations and messages.
type Store struct {
	db     *bun.DB
	locker Locker
	now    func() time.Time
}

// StoreOption customizes Store.
type StoreOption func(*Store)

func WithLocker(locker Locker) StoreOption {
	return func(s *Store) {
		if locker != nil {
			s.locker = locker
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(db *bun.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		locker: NewKeyedMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// NewProcess describes the process Create should open.
type NewProcess struct {
	User   contractx.User
	Action contractx.Action
	Tenant *contractx.Tenant
}

// FindActive fails the user's expired processes, then returns the newest active one.
func (s *Store) FindActive(ctx context.Context, userID string) (*ThoughtProcess, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, false, fmt.Errorf("%w: user id is empty", contractx.ErrValidation)
	}

	var active *ThoughtProcess
	err := s.withUserLock(ctx, userID, func(ctx context.Context, tx bun.Tx) error {
		found, err := s.sweepAndRead(ctx, tx, userID, s.clock())
		active = found
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return active, active != nil, nil
}

// Create opens a conversation and a process for the user unless an active one
// appeared since FindActive; in that case the existing pair is returned with created=false.
func (s *Store) Create(ctx context.Context, in NewProcess) (*ThoughtProcess, *Conversation, bool, error) {
	if strings.TrimSpace(in.User.ID) == "" {
		return nil, nil, false, fmt.Errorf("%w: user id is empty", contractx.ErrValidation)
	}
	if strings.TrimSpace(in.Action.Verb) == "" {
		return nil, nil, false, fmt.Errorf("%w: action verb is empty", contractx.ErrValidation)
	}

	var (
		tp      *ThoughtProcess
		conv    *Conversation
		created bool
	)
	err := s.withUserLock(ctx, in.User.ID, func(ctx context.Context, tx bun.Tx) error {
		now := s.clock()
		existing, err := s.sweepAndRead(ctx, tx, in.User.ID, now)
		if err != nil {
			return err
		}
		if existing != nil {
			tp = existing
			conv = new(Conversation)
			if err := tx.NewSelect().Model(conv).Where("id = ?", existing.ConversationID).Scan(ctx); err != nil {
				return fmt.Errorf("load conversation %s: %w", existing.ConversationID, err)
			}
			return nil
		}

		payer := contractx.ResolvePayer(in.User, in.Tenant)
		conv = &Conversation{
			ID:            NewID(),
			OwnerKind:     payer.Kind(),
			OwnerID:       payer.ID(),
			InitialAction: in.Action.Verb,
			Status:        ConversationActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err := tx.NewInsert().Model(conv).Exec(ctx); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		tp = &ThoughtProcess{
			ID:                NewID(),
			UserID:            in.User.ID,
			ActionVerb:        in.Action.Verb,
			ConversationID:    conv.ID,
			Status:            StatusPendingExecution,
			ExpirationSeconds: int64(in.Action.DefaultExpiration / time.Second),
			ExpiresAt:         in.Action.ExpiresAt(now),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if in.Tenant != nil {
			tp.TenantID = in.Tenant.ID
		}
		if _, err := tx.NewInsert().Model(tp).Exec(ctx); err != nil {
			return fmt.Errorf("insert thought process: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return tp, conv, created, nil
}

// Save persists process and conversation status. Terminal rows are never overwritten.
func (s *Store) Save(ctx context.Context, tp *ThoughtProcess, conv *Conversation) error {
	if tp == nil {
		return fmt.Errorf("%w: nil thought process", contractx.ErrValidation)
	}

	now := s.clock()
	tp.UpdatedAt = now
	if !tp.Status.Terminal() && tp.ExpirationSeconds > 0 {
		tp.ExpiresAt = now.Add(time.Duration(tp.ExpirationSeconds) * time.Second)
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model(tp).
			Column("status", "finished_at", "expires_at", "updated_at").
			WherePK().
			Where("status NOT IN (?)", bun.In(terminalStatuses)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update thought process %s: %w", tp.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			exists, err := tx.NewSelect().Model((*ThoughtProcess)(nil)).Where("id = ?", tp.ID).Exists(ctx)
			if err != nil {
				return fmt.Errorf("check thought process %s: %w", tp.ID, err)
			}
			if !exists {
				return fmt.Errorf("%w: %s", ErrProcessNotFound, tp.ID)
			}
			return fmt.Errorf("%w: %s", ErrProcessClosed, tp.ID)
		}

		if conv == nil {
			return nil
		}
		conv.UpdatedAt = now
		if _, err := tx.NewUpdate().
			Model(conv).
			Column("status", "updated_at").
			WherePK().
			Where("status <> ?", ConversationArchived).
			Exec(ctx); err != nil {
			return fmt.Errorf("update conversation %s: %w", conv.ID, err)
		}
		return nil
	})
}

// SweepExpired fails every expired non-terminal process.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var open []ThoughtProcess
	if err := s.db.NewSelect().
		Model(&open).
		Where("status NOT IN (?)", bun.In(terminalStatuses)).
		Scan(ctx); err != nil {
		return 0, fmt.Errorf("list open thought processes: %w", err)
	}

	swept := 0
	for i := range open {
		tp := &open[i]
		if !tp.Expired(now) {
			continue
		}
		ok, err := s.fail(ctx, s.db, tp, now)
		if err != nil {
			return swept, err
		}
		if ok {
			swept++
		}
	}
	return swept, nil
}

// Process loads one process by id.
func (s *Store) Process(ctx context.Context, id string) (*ThoughtProcess, error) {
	tp := new(ThoughtProcess)
	if err := s.db.NewSelect().Model(tp).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
		}
		return nil, fmt.Errorf("load thought process %s: %w", id, err)
	}
	return tp, nil
}

func (s *Store) withUserLock(ctx context.Context, userID string, fn func(ctx context.Context, tx bun.Tx) error) error {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer unlock()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if s.db.Dialect().Name() == dialect.PG {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", userID); err != nil {
				return fmt.Errorf("advisory lock user %s: %w", userID, err)
			}
		}
		return fn(ctx, tx)
	})
}

func (s *Store) sweepAndRead(ctx context.Context, tx bun.IDB, userID string, now time.Time) (*ThoughtProcess, error) {
	var open []ThoughtProcess
	if err := tx.NewSelect().
		Model(&open).
		Where("user_id = ?", userID).
		Where("status NOT IN (?)", bun.In(terminalStatuses)).
		Order("created_at DESC", "id DESC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list open thought processes: %w", err)
	}

	var active *ThoughtProcess
	for i := range open {
		tp := &open[i]
		if tp.Expired(now) {
			if _, err := s.fail(ctx, tx, tp, now); err != nil {
				return nil, err
			}
			continue
		}
		if active == nil {
			active = tp
		}
	}
	return active, nil
}

func (s *Store) fail(ctx context.Context, db bun.IDB, tp *ThoughtProcess, now time.Time) (bool, error) {
	if err := tp.Advance(StatusFailed, now); err != nil {
		return false, err
	}
	res, err := db.NewUpdate().
		Model(tp).
		Column("status", "finished_at", "updated_at").
		WherePK().
		Where("status NOT IN (?)", bun.In(terminalStatuses)).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("expire thought process %s: %w", tp.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return true, nil
	}
	return n > 0, nil
}
