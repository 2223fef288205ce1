package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

func Finalize(ctx context.Context, in *MissionState, registry ProcessRegistry) (*MissionState, error) {
	if in == nil || in.Process == nil {
		return nil, fmt.Errorf("%w: mission has no thought process", contractx.ErrValidation)
	}

	if err := registry.Save(ctx, in.Process, in.Conversation); err != nil {
		return nil, fmt.Errorf("save thought process: %w", err)
	}

	in.Log().Info().
		Str("status", string(in.Process.Status)).
		Int("total_tokens", in.Usage.Total()).
		Bool("resumed", in.Resumed).
		Msg("mission finalized")
	return in, nil
}
