package contract

import (
	"fmt"
	"strings"
	"time"
)

type MissionKind string

const (
	MissionReactive  MissionKind = "REACTIVE"
	MissionProactive MissionKind = "PROACTIVE"
)

// GeneralChatVerb is the fallback action when no capability matches.
const GeneralChatVerb = "general_chat"

// NoExpiryHorizon stands in for "never expires" on actions with a zero expiration.
const NoExpiryHorizon = 100 * 365 * 24 * time.Hour

type Mission struct {
	Kind    MissionKind `json:"mission_type"`
	Trigger Trigger     `json:"trigger_info"`
}

type Trigger struct {
	ChannelAddress string `json:"channel_address,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	ActionVerb     string `json:"action_verb,omitempty"`
	MessageBody    string `json:"message_body,omitempty"`
}

func (m Mission) Validate() error {
	switch m.Kind {
	case MissionReactive:
		if strings.TrimSpace(m.Trigger.ChannelAddress) == "" {
			return fmt.Errorf("%w: reactive mission requires channel_address", ErrInvalidMission)
		}
		if strings.TrimSpace(m.Trigger.MessageBody) == "" {
			return fmt.Errorf("%w: reactive mission requires message_body", ErrInvalidMission)
		}
	case MissionProactive:
		if strings.TrimSpace(m.Trigger.UserID) == "" {
			return fmt.Errorf("%w: proactive mission requires user_id", ErrInvalidMission)
		}
		if strings.TrimSpace(m.Trigger.ActionVerb) == "" {
			return fmt.Errorf("%w: proactive mission requires action_verb", ErrInvalidMission)
		}
	default:
		return fmt.Errorf("%w: unknown mission_type=%q", ErrInvalidMission, m.Kind)
	}
	return nil
}

type CostBearer string

const (
	CostBearerSystem     CostBearer = "SYSTEM"
	CostBearerContractor CostBearer = "CONTRACTOR"
)

// Action is an invocable verb the assistant can perform.
type Action struct {
	Verb              string         `json:"verb_code" yaml:"verb"`
	Name              string         `json:"name" yaml:"name"`
	DefaultModel      string         `json:"default_model,omitempty" yaml:"default_model"`
	CostBearer        CostBearer     `json:"cost_bearer" yaml:"cost_bearer"`
	DefaultExpiration time.Duration  `json:"default_expiration" yaml:"default_expiration"`
	Instructions      string         `json:"instructions,omitempty" yaml:"instructions"`
	ParametersSchema  map[string]any `json:"parameters_schema,omitempty" yaml:"parameters_schema"`
}

func (a Action) IsBilled() bool {
	return a.CostBearer == CostBearerContractor
}

// ExpiresAt computes the process deadline for this action starting at now.
func (a Action) ExpiresAt(now time.Time) time.Time {
	if a.DefaultExpiration <= 0 {
		return now.Add(NoExpiryHorizon).UTC()
	}
	return now.Add(a.DefaultExpiration).UTC()
}

type UsageMode string

const (
	UsageModeRealTime UsageMode = "REAL_TIME"
	UsageModeBatch    UsageMode = "BATCH"
)

// Model is a language model the gateway can address.
type Model struct {
	Identifier string    `json:"identifier" yaml:"identifier"`
	Name       string    `json:"name" yaml:"name"`
	UsageMode  UsageMode `json:"usage_mode" yaml:"usage_mode"`
	Router     bool      `json:"router,omitempty" yaml:"router"`
}

type User struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	Email          string `json:"email" yaml:"email"`
	ChannelAddress string `json:"channel_address" yaml:"channel_address"`
	Active         bool   `json:"active" yaml:"active"`
}

type Tenant struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// UsageProfile carries the commercial model settings of a payer.
type UsageProfile struct {
	ServiceTier    string `json:"service_tier" yaml:"service_tier"`
	MessagingModel string `json:"model_for_messaging,omitempty" yaml:"model_for_messaging"`
}

const DefaultServiceTier = "auto"

// TokenUsage accumulates provider-reported token counts.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}
