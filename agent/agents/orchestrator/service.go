package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	nodex "github.com/tanpawarit/mission-engine/agent/nodes"
	promptx "github.com/tanpawarit/mission-engine/agent/prompt"
	statex "github.com/tanpawarit/mission-engine/agent/state"
)

// GenericApology is sent when a mission fails for a reason the user cannot act on.
const GenericApology = "Sorry, I ran into an error and cannot continue right now."

// Deps are the collaborators a mission runs against.
type Deps struct {
	Users         contractx.UserDirectory
	Capabilities  contractx.CapabilityDirectory
	Models        contractx.ModelCatalog
	Profiles      contractx.UsageProfiles
	Funds         contractx.BalanceGate
	Registry      nodex.ProcessRegistry
	Conversations nodex.ConversationStore
	Router        nodex.IntentRouter
	Generator     contractx.Generator
	Tools         contractx.ToolExecutor
	Usage         nodex.UsageRecorder
	Dispatcher    contractx.Dispatcher
	Prompts       promptx.PromptSet
}

func (d Deps) validate() error {
	required := []struct {
		name string
		set  bool
	}{
		{"user directory", d.Users != nil},
		{"capability directory", d.Capabilities != nil},
		{"model catalog", d.Models != nil},
		{"usage profiles", d.Profiles != nil},
		{"balance gate", d.Funds != nil},
		{"process registry", d.Registry != nil},
		{"conversation store", d.Conversations != nil},
		{"intent router", d.Router != nil},
		{"generator", d.Generator != nil},
		{"tool executor", d.Tools != nil},
		{"usage recorder", d.Usage != nil},
		{"dispatcher", d.Dispatcher != nil},
	}
	var missing []string
	for _, dep := range required {
		if !dep.set {
			missing = append(missing, dep.name)
		}
	}
	if len(missing) > 0 {
		return errors.New("orchestrator is missing: " + strings.Join(missing, ", "))
	}
	return nil
}

type Config struct {
	// DefaultModel is the last model fallback when the catalog has none.
	DefaultModel string
	MaxRetries   int
	RetryBackoff time.Duration
}

type Option func(*Orchestrator)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

type Orchestrator struct {
	deps Deps
	cfg  Config

	graphRunner compose.Runnable[*nodex.MissionState, *nodex.MissionState]

	logger zerolog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.DefaultModel = strings.TrimSpace(cfg.DefaultModel)

	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()

	graphRunner, err := o.compileMissionGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// Outcome summarises one mission for callers and tests.
type Outcome struct {
	Status         statex.ProcessStatus `json:"status,omitempty"`
	Verb           string               `json:"verb,omitempty"`
	ProcessID      string               `json:"process_id,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Reply          string               `json:"reply,omitempty"`
	Usage          contractx.TokenUsage `json:"usage"`
	Resumed        bool                 `json:"resumed"`
	Dispatched     bool                 `json:"dispatched"`
	Err            error                `json:"-"`
}

// Run executes a mission to completion. Failures are handled here: the user gets an
// explanation or an apology when known, and the error is reported in the outcome.
func (o *Orchestrator) Run(ctx context.Context, mission contractx.Mission) Outcome {
	// A started mission is not cancelled by its caller.
	ctx = context.WithoutCancel(ctx)

	st, err := nodex.NewMissionState(mission, o.now, o.logger)
	if err != nil {
		o.logger.Warn().Err(err).Str("mission_kind", string(mission.Kind)).Msg("mission rejected")
		return Outcome{Err: err}
	}

	_, err = o.graphRunner.Invoke(ctx, st)
	if err != nil && st.Err != nil {
		err = st.Err
	}

	if err != nil {
		o.handleFailure(ctx, st, err)
	}

	out := outcomeOf(st)
	out.Err = err
	return out
}

func (o *Orchestrator) handleFailure(ctx context.Context, st *nodex.MissionState, err error) {
	log := st.Log()
	o.failUnstarted(ctx, st)

	if contractx.IsDomain(err) {
		log.Warn().Err(err).Str("phase", st.Phase).Msg("mission aborted")
		if st.User != nil {
			o.notify(ctx, st, contractx.UserMessage(err))
		}
		return
	}

	log.Error().Err(err).Str("phase", st.Phase).Msg("mission failed")
	if st.User == nil || st.Dispatched {
		return
	}
	o.notify(ctx, st, GenericApology)
}

// failUnstarted fails a process opened by this mission that broke before interacting,
// or one whose payer cannot fund it.
func (o *Orchestrator) failUnstarted(ctx context.Context, st *nodex.MissionState) {
	tp := st.Process
	if tp == nil || tp.Status.Terminal() {
		return
	}
	switch {
	case st.Phase == phaseCheckFunds:
	case st.Phase == phaseResolveContext && !st.Resumed:
	default:
		return
	}

	log := st.Log()
	if err := tp.Advance(statex.StatusFailed, o.now()); err != nil {
		log.Error().Err(err).Msg("thought process could not be failed")
		return
	}
	if err := o.deps.Registry.Save(ctx, tp, nil); err != nil {
		log.Error().Err(err).Msg("failed thought process could not be saved")
		return
	}
	log.Info().Str("phase", st.Phase).Msg("thought process failed")
}

func (o *Orchestrator) notify(ctx context.Context, st *nodex.MissionState, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := o.deps.Dispatcher.SendText(ctx, st.User.ChannelAddress, text); err != nil {
		st.Log().Error().Err(err).Msg("failure notice could not be dispatched")
		return
	}
	st.Dispatched = true
}

func outcomeOf(st *nodex.MissionState) Outcome {
	out := Outcome{
		Verb:       st.Action.Verb,
		Reply:      st.Reply,
		Usage:      st.Usage,
		Resumed:    st.Resumed,
		Dispatched: st.Dispatched,
	}
	if st.Process != nil {
		out.Status = st.Process.Status
		out.ProcessID = st.Process.ID
		out.ConversationID = st.Process.ConversationID
	}
	return out
}
