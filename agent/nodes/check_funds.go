package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

// CheckFunds runs the balance pre-check for the resolved payer. It never deducts.
func CheckFunds(ctx context.Context, in *MissionState, gate contractx.BalanceGate) (*MissionState, error) {
	if in == nil || in.User == nil {
		return nil, fmt.Errorf("%w: mission context is not resolved", contractx.ErrValidation)
	}

	ok, err := gate.HasFunds(ctx, in.Action, in.Payer)
	if err != nil {
		return nil, fmt.Errorf("check funds: %w", err)
	}
	if !ok {
		return nil, contractx.NewInsufficientFundsError(
			fmt.Sprintf("Insufficient balance to run the action: %s.", in.Action.Name),
		)
	}
	return in, nil
}
