package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"github.com/tanpawarit/mission-engine/agent/agents/orchestrator"
	routerx "github.com/tanpawarit/mission-engine/agent/agents/router"
	balancex "github.com/tanpawarit/mission-engine/agent/balance"
	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	"github.com/tanpawarit/mission-engine/agent/directory"
	dispatchx "github.com/tanpawarit/mission-engine/agent/dispatch"
	llmx "github.com/tanpawarit/mission-engine/agent/llm"
	promptx "github.com/tanpawarit/mission-engine/agent/prompt"
	statex "github.com/tanpawarit/mission-engine/agent/state"
	toolx "github.com/tanpawarit/mission-engine/agent/tool"
	usagex "github.com/tanpawarit/mission-engine/agent/usage"
	workerx "github.com/tanpawarit/mission-engine/agent/worker"
	configx "github.com/tanpawarit/mission-engine/pkg/config"
	"github.com/tanpawarit/mission-engine/pkg/database"
	logx "github.com/tanpawarit/mission-engine/pkg/logger"
	qstashx "github.com/tanpawarit/mission-engine/pkg/qstash"
)

type AppConfig struct {
	DirectoryFile   string        `split_words:"true" default:"directory.yaml"`
	ListenAddr      string        `split_words:"true" default:":8080"`
	SweepInterval   time.Duration `split_words:"true" default:"1m"`
	ShutdownTimeout time.Duration `split_words:"true" default:"15s"`
	MaxRetries      int           `split_words:"true" default:"0"`
	RetryBackoff    time.Duration `split_words:"true" default:"500ms"`

	workerx.Config
	Dispatch dispatchx.Config
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.DirectoryFile) == "" {
		return fmt.Errorf("%w: MISSION_DIRECTORY_FILE is required", contractx.ErrValidation)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: MISSION_MAX_RETRIES must not be negative", contractx.ErrValidation)
	}
	return c.Dispatch.Validate()
}

// app holds the long-lived collaborators shared by every command.
type app struct {
	cfg    AppConfig
	qstash qstashx.Config
	logger zerolog.Logger

	db        *bun.DB
	directory *directory.Directory
	store     *statex.Store
	wallets   *balancex.Store
	gate      *balancex.Gate
	ledger    *usagex.Ledger
}

func newApp(ctx context.Context) (*app, error) {
	appCfg, err := configx.New[AppConfig]("MISSION")
	if err != nil {
		return nil, err
	}
	dbCfg, err := configx.New[database.Config]("DATABASE")
	if err != nil {
		return nil, err
	}
	qstashCfg, err := configx.New[qstashx.Config]("QSTASH")
	if err != nil {
		return nil, err
	}
	lockCfg, err := configx.New[statex.UpstashRedisConfig]("UPSTASH_REDIS")
	if err != nil {
		return nil, err
	}

	logger := logx.Component("app")

	dir, err := directory.Load(appCfg.DirectoryFile)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, *dbCfg)
	if err != nil {
		return nil, err
	}

	storeOpts := []statex.StoreOption{}
	if lockCfg.Enabled() {
		locker, err := statex.NewUpstashLocker(*lockCfg,
			statex.WithLease(lockCfg.Lease),
			statex.WithLockLogger(logx.Component("lock")),
		)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("upstash locker: %w", err)
		}
		storeOpts = append(storeOpts, statex.WithLocker(locker))
		logger.Info().Msg("using upstash redis for per-user locking")
	}

	wallets := balancex.NewStore(db)
	gate := balancex.NewGate(wallets, log.Logger)

	return &app{
		cfg:       *appCfg,
		qstash:    *qstashCfg,
		logger:    logger,
		db:        db,
		directory: dir,
		store:     statex.NewStore(db, storeOpts...),
		wallets:   wallets,
		gate:      gate,
		ledger:    usagex.NewLedger(db, gate, usagex.WithLogger(log.Logger)),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close database")
	}
}

// migrate creates every table and seeds the wallets declared in the directory file.
func (a *app) migrate(ctx context.Context) (int, error) {
	if err := database.Migrate(ctx, a.db, statex.Migrate, balancex.Migrate, usagex.Migrate); err != nil {
		return 0, err
	}

	seeded := 0
	for _, w := range a.directory.Wallets() {
		var payer contractx.Payer
		switch w.OwnerKind {
		case contractx.PayerUser:
			payer = contractx.UserPayer(contractx.User{ID: w.OwnerID})
		case contractx.PayerTenant:
			payer = contractx.TenantPayer(contractx.Tenant{ID: w.OwnerID})
		default:
			return seeded, fmt.Errorf("%w: wallet owner kind %q", contractx.ErrValidation, w.OwnerKind)
		}
		if err := a.wallets.SetBalance(ctx, payer, w.Balance); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

func (a *app) newOrchestrator() (*orchestrator.Orchestrator, error) {
	llmCfg, err := configx.New[llmx.Config]("LLM")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(llmCfg.APIKey) == "" {
		return nil, errors.New("LLM_API_KEY is required to run missions")
	}

	prompts, err := promptx.LoadPromptSet()
	if err != nil {
		return nil, err
	}
	gateway := llmx.NewOpenAIGateway(*llmCfg, llmx.WithLogger(logx.Component("llm")))

	router, err := routerx.New(a.directory, a.directory, gateway, prompts,
		routerx.WithFallbackModel(llmCfg.RouterModel),
		routerx.WithLogger(log.Logger),
	)
	if err != nil {
		return nil, err
	}

	tools, err := toolx.NewRegistry(log.Logger, toolx.Builtins(a.directory)...)
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatchx.New(a.cfg.Dispatch, a.qstash, log.Logger)
	if err != nil {
		return nil, err
	}

	return orchestrator.New(orchestrator.Deps{
		Users:         a.directory,
		Capabilities:  a.directory,
		Models:        a.directory,
		Profiles:      a.directory,
		Funds:         a.gate,
		Registry:      a.store,
		Conversations: a.store,
		Router:        router,
		Generator:     gateway,
		Tools:         tools,
		Usage:         a.ledger,
		Dispatcher:    dispatcher,
		Prompts:       prompts,
	}, orchestrator.Config{
		DefaultModel: llmCfg.DefaultModel,
		MaxRetries:   a.cfg.MaxRetries,
		RetryBackoff: a.cfg.RetryBackoff,
	}, orchestrator.WithLogger(log.Logger))
}
