package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

var (
	ErrInvalidTransition    = errors.New("invalid thought process transition")
	ErrProcessClosed        = errors.New("thought process is already terminal")
	ErrProcessNotFound      = errors.New("thought process not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

type ProcessStatus string

const (
	StatusPendingExecution    ProcessStatus = "PENDING_EXECUTION"
	StatusProcessing          ProcessStatus = "PROCESSING"
	StatusPendingUserResponse ProcessStatus = "PENDING_USER_RESPONSE"
	StatusFinished            ProcessStatus = "FINISHED"
	StatusFailed              ProcessStatus = "FAILED"
)

func (s ProcessStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

var terminalStatuses = []string{string(StatusFinished), string(StatusFailed)}

var allowedTransitions = map[ProcessStatus][]ProcessStatus{
	StatusPendingExecution:    {StatusProcessing, StatusFailed},
	StatusProcessing:          {StatusPendingUserResponse, StatusFinished, StatusFailed},
	StatusPendingUserResponse: {StatusProcessing, StatusFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to ProcessStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ThoughtProcess is one user's outstanding task.
type ThoughtProcess struct {
	bun.BaseModel `bun:"table:thought_processes,alias:tp"`

	ID                string        `bun:"id,pk" json:"id"`
	UserID            string        `bun:"user_id,notnull" json:"user_id"`
	TenantID          string        `bun:"tenant_id,nullzero" json:"tenant_id,omitempty"`
	ActionVerb        string        `bun:"action_verb,notnull" json:"action_verb"`
	ConversationID    string        `bun:"conversation_id,notnull" json:"conversation_id"`
	Status            ProcessStatus `bun:"status,notnull" json:"status"`
	ExpirationSeconds int64         `bun:"expiration_seconds,notnull" json:"expiration_seconds"`
	ExpiresAt         time.Time     `bun:"expires_at,notnull" json:"expires_at"`
	FinishedAt        time.Time     `bun:"finished_at,nullzero" json:"finished_at,omitempty"`
	CreatedAt         time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time     `bun:"updated_at,notnull" json:"updated_at"`
}

// Advance moves the process to status, stamping FinishedAt on terminal statuses.
func (tp *ThoughtProcess) Advance(status ProcessStatus, now time.Time) error {
	if tp == nil {
		return fmt.Errorf("%w: nil process", ErrInvalidTransition)
	}
	if !CanTransition(tp.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tp.Status, status)
	}
	tp.Status = status
	tp.UpdatedAt = now.UTC()
	if status.Terminal() {
		tp.FinishedAt = now.UTC()
	}
	return nil
}

// Expired reports whether the deadline has passed at now.
func (tp *ThoughtProcess) Expired(now time.Time) bool {
	return !now.Before(tp.ExpiresAt)
}

// Active reports whether the process still counts toward the one-per-user limit.
func (tp *ThoughtProcess) Active(now time.Time) bool {
	return !tp.Status.Terminal() && !tp.Expired(now)
}

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "ACTIVE"
	ConversationFinished ConversationStatus = "FINISHED"
	ConversationArchived ConversationStatus = "ARCHIVED"
)

type Conversation struct {
	bun.BaseModel `bun:"table:conversations,alias:c"`

	ID            string              `bun:"id,pk" json:"id"`
	OwnerKind     contractx.PayerKind `bun:"owner_kind,notnull" json:"owner_kind"`
	OwnerID       string              `bun:"owner_id,notnull" json:"owner_id"`
	InitialAction string              `bun:"initial_action,notnull" json:"initial_action"`
	Status        ConversationStatus  `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time           `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time           `bun:"updated_at,notnull" json:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

type MessageStatus string

const (
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageRead      MessageStatus = "READ"
	MessageFailed    MessageStatus = "FAILED"
)

// Message is an immutable conversation entry.
type Message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID             string        `bun:"id,pk" json:"id"`
	ConversationID string        `bun:"conversation_id,notnull" json:"conversation_id"`
	Direction      Direction     `bun:"direction,notnull" json:"direction"`
	Content        string        `bun:"content,notnull" json:"content"`
	Status         MessageStatus `bun:"status,notnull" json:"status"`
	CreatedAt      time.Time     `bun:"created_at,notnull" json:"created_at"`
}

// NewID returns a time-ordered identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
