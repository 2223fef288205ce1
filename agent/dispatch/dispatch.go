package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	qstashx "github.com/tanpawarit/mission-engine/pkg/qstash"
)

const (
	KindLog    = "log"
	KindQStash = "qstash"
)

var (
	_ contractx.Dispatcher = (*QStashDispatcher)(nil)
	_ contractx.Dispatcher = (*LogDispatcher)(nil)
)

// Envelope is the JSON body handed to the outbound channel worker.
type Envelope struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Publisher enqueues a payload for delivery to a destination.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload any) (string, error)
}

// QStashDispatcher hands replies to the channel worker through a QStash topic or URL.
type QStashDispatcher struct {
	publisher   Publisher
	destination string
	logger      zerolog.Logger
}

func NewQStashDispatcher(publisher Publisher, destination string, logger zerolog.Logger) (*QStashDispatcher, error) {
	if publisher == nil {
		return nil, errors.New("qstash publisher is required")
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, errors.New("dispatch destination is required")
	}
	return &QStashDispatcher{
		publisher:   publisher,
		destination: destination,
		logger:      logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

func (d *QStashDispatcher) SendText(ctx context.Context, address string, text string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: channel address is empty", contractx.ErrValidation)
	}

	id, err := d.publisher.Publish(ctx, d.destination, Envelope{To: address, Text: text})
	if err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	d.logger.Debug().Str("message_id", id).Str("to", address).Msg("reply enqueued")
	return nil
}

// LogDispatcher writes replies to the log instead of a channel.
type LogDispatcher struct {
	logger zerolog.Logger
}

func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "dispatch").Logger()}
}

func (d *LogDispatcher) SendText(_ context.Context, address string, text string) error {
	d.logger.Info().Str("to", address).Str("text", text).Msg("reply")
	return nil
}

// Config selects the dispatcher implementation.
type Config struct {
	Kind        string `split_words:"true" default:"log"`
	Destination string `split_words:"true"`
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Kind)) {
	case KindLog:
		return nil
	case KindQStash:
		if strings.TrimSpace(c.Destination) == "" {
			return fmt.Errorf("%w: DISPATCH_DESTINATION is required for the qstash dispatcher", contractx.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown dispatcher kind %q", contractx.ErrValidation, c.Kind)
	}
}

// New builds the configured dispatcher.
func New(cfg Config, qstash qstashx.Config, logger zerolog.Logger) (contractx.Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Kind), KindLog) {
		return NewLogDispatcher(logger), nil
	}

	client, err := qstashx.NewClient(qstash)
	if err != nil {
		return nil, fmt.Errorf("qstash client: %w", err)
	}
	return NewQStashDispatcher(client, cfg.Destination, logger)
}
