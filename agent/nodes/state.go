package orchestratornode

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	routerx "github.com/tanpawarit/mission-engine/agent/agents/router"
	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	statex "github.com/tanpawarit/mission-engine/agent/state"
	usagex "github.com/tanpawarit/mission-engine/agent/usage"
)

// ProcessRegistry is the thought-process side of the state store.
type ProcessRegistry interface {
	FindActive(ctx context.Context, userID string) (*statex.ThoughtProcess, bool, error)
	Create(ctx context.Context, in statex.NewProcess) (*statex.ThoughtProcess, *statex.Conversation, bool, error)
	Save(ctx context.Context, tp *statex.ThoughtProcess, conv *statex.Conversation) error
}

// ConversationStore is the message side of the state store.
type ConversationStore interface {
	Conversation(ctx context.Context, id string) (*statex.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, direction statex.Direction, content string, status statex.MessageStatus) (*statex.Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]statex.Message, error)
	RecentForUser(ctx context.Context, userID string, limit int) ([]statex.Message, error)
}

type IntentRouter interface {
	Route(ctx context.Context, req routerx.Request) (routerx.Result, error)
}

type UsageRecorder interface {
	Record(ctx context.Context, e usagex.Entry) (*usagex.Record, error)
}

// MissionState is threaded through every phase of one mission.
type MissionState struct {
	Mission contractx.Mission
	Now     func() time.Time
	Logger  zerolog.Logger

	// Phase is the node currently running; Err is the failure it returned.
	Phase string
	Err   error

	User         *contractx.User
	Tenant       *contractx.Tenant
	Payer        contractx.Payer
	Action       contractx.Action
	Process      *statex.ThoughtProcess
	Conversation *statex.Conversation
	Resumed      bool

	Model       string
	ServiceTier string
	Usage       contractx.TokenUsage

	ToolResults    []contractx.ToolResult
	Reply          string
	ReplyMessageID string
	Dispatched     bool
}

// NewMissionState validates the mission and prepares an empty state for it.
func NewMissionState(mission contractx.Mission, now func() time.Time, logger zerolog.Logger) (*MissionState, error) {
	if err := mission.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &MissionState{
		Mission: mission,
		Now:     now,
		Logger:  logger,
	}, nil
}

// Log returns the mission logger enriched with whatever context is resolved so far.
func (s *MissionState) Log() *zerolog.Logger {
	c := s.Logger.With().Str("mission_kind", string(s.Mission.Kind))
	if s.User != nil {
		c = c.Str("user_id", s.User.ID)
	}
	if s.Action.Verb != "" {
		c = c.Str("verb", s.Action.Verb)
	}
	if s.Process != nil {
		c = c.Str("process_id", s.Process.ID)
	}
	l := c.Logger()
	return &l
}

func (s *MissionState) clock() time.Time {
	return s.Now().UTC()
}

// toTranscript maps stored messages onto chat turns.
func toTranscript(messages []statex.Message) []contractx.ChatMessage {
	out := make([]contractx.ChatMessage, 0, len(messages))
	for _, m := range messages {
		role := contractx.RoleUser
		if m.Direction == statex.DirectionOutbound {
			role = contractx.RoleAssistant
		}
		out = append(out, contractx.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}
