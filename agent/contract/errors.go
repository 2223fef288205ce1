package contract

import "errors"

var (
	ErrContextIdentification = errors.New("context identification failed")
	ErrIntentClassification  = errors.New("intent classification failed")
	ErrInsufficientFunds     = errors.New("insufficient funds for ai")

	ErrAIAuthentication    = errors.New("ai authentication failed")
	ErrAIAPI               = errors.New("ai api error")
	ErrAIMalformedResponse = errors.New("ai response is malformed")

	ErrInvalidMission   = errors.New("invalid mission")
	ErrNoModelAvailable = errors.New("no ai model available")
	ErrValidation       = errors.New("validation failed")
)

// MissionError is a domain failure that aborts a mission with a message meant for the user.
type MissionError struct {
	Kind    error
	Message string
}

func (e *MissionError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *MissionError) Unwrap() error {
	return e.Kind
}

func NewContextIdentificationError(msg string) error {
	return &MissionError{Kind: ErrContextIdentification, Message: msg}
}

func NewIntentClassificationError(msg string) error {
	return &MissionError{Kind: ErrIntentClassification, Message: msg}
}

func NewInsufficientFundsError(msg string) error {
	return &MissionError{Kind: ErrInsufficientFunds, Message: msg}
}

// IsDomain reports whether err is one of the recoverable mission-level failures.
func IsDomain(err error) bool {
	return errors.Is(err, ErrContextIdentification) ||
		errors.Is(err, ErrIntentClassification) ||
		errors.Is(err, ErrInsufficientFunds)
}

// UserMessage returns the user-facing text of a domain failure.
func UserMessage(err error) string {
	var me *MissionError
	if errors.As(err, &me) {
		return me.Error()
	}
	return ""
}
