package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Handler processes one mission to completion.
type Handler func(ctx context.Context, mission contractx.Mission)

type Config struct {
	Workers   int `split_words:"true" default:"4"`
	QueueSize int `split_words:"true" default:"64"`
}

// Pool runs missions on a fixed number of workers fed by a bounded queue.
type Pool struct {
	handler Handler
	workers int
	queue   chan contractx.Mission
	logger  zerolog.Logger

	// done releases blocked submitters before Close takes the write lock.
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func New(cfg Config, handler Handler, logger zerolog.Logger) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("mission handler is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: workers must be positive", contractx.ErrValidation)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("%w: queue size must not be negative", contractx.ErrValidation)
	}
	return &Pool{
		handler: handler,
		workers: cfg.Workers,
		queue:   make(chan contractx.Mission, cfg.QueueSize),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "worker").Logger(),
	}, nil
}

// Submit enqueues a mission, waiting for queue space until ctx is done.
func (p *Pool) Submit(ctx context.Context, mission contractx.Mission) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- mission:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake. Workers finish what is queued, then Run returns.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		close(p.queue)
	})
}

// Run blocks until ctx is cancelled or the pool is closed and drained.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			return p.work(gctx, id)
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, id int) error {
	logger := p.logger.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case mission, ok := <-p.queue:
			if !ok {
				return nil
			}
			p.handle(ctx, logger, mission)
		}
	}
}

func (p *Pool) handle(ctx context.Context, logger zerolog.Logger, mission contractx.Mission) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("mission_kind", string(mission.Kind)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("mission panicked")
		}
	}()
	p.handler(ctx, mission)
}
