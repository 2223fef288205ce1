package orchestratornode

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

// DispatchResponse sends the reply to the user's channel. It is attempted once.
func DispatchResponse(ctx context.Context, in *MissionState, dispatcher contractx.Dispatcher) (*MissionState, error) {
	if in == nil || in.User == nil {
		return nil, fmt.Errorf("%w: mission context is not resolved", contractx.ErrValidation)
	}

	if strings.TrimSpace(in.Reply) == "" {
		in.Log().Warn().Msg("empty reply, nothing dispatched")
		return in, nil
	}

	if err := dispatcher.SendText(ctx, in.User.ChannelAddress, in.Reply); err != nil {
		in.Log().Error().Err(err).Msg("reply dispatch failed")
		return in, nil
	}
	in.Dispatched = true
	return in, nil
}
