package tool

import (
	"context"
	"errors"
	"strings"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

const ToolActivateUser = "activate_user"

var ErrUserNotFound = errors.New("user not found")

// AccountActivator flips a user account to active.
type AccountActivator interface {
	// ActivateUser reports whether the account changed; an already active account is not an error.
	ActivateUser(ctx context.Context, userID string) (bool, error)
}

func ActivateUserTool(activator AccountActivator) Tool {
	return Tool{
		Name:        ToolActivateUser,
		Description: "Activate the account of the user in this conversation.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (contractx.ToolResult, error) {
			return activateUser(ctx, activator, args)
		},
	}
}

func activateUser(ctx context.Context, activator AccountActivator, args map[string]any) (contractx.ToolResult, error) {
	if activator == nil {
		return errorResult(ToolActivateUser, "account activation is not available"), nil
	}
	userID, _ := args[ActingUserArg].(string)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errorResult(ToolActivateUser, "user_id is required"), nil
	}

	changed, err := activator.ActivateUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return errorResult(ToolActivateUser, "user not found"), nil
	}
	if err != nil {
		return contractx.ToolResult{}, err
	}

	message := "User activated."
	if !changed {
		message = "User was already active."
	}
	return successResult(message, map[string]any{"user_id": userID}), nil
}
