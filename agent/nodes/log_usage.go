package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	usagex "github.com/tanpawarit/mission-engine/agent/usage"
)

// LogUsage writes one ledger record for the mission's tokens. Failures are logged only.
func LogUsage(ctx context.Context, in *MissionState, recorder UsageRecorder) (*MissionState, error) {
	if in == nil || in.User == nil {
		return nil, fmt.Errorf("%w: mission context is not resolved", contractx.ErrValidation)
	}

	rec, err := recorder.Record(ctx, usagex.Entry{
		Action:    in.Action,
		User:      *in.User,
		Tenant:    in.Tenant,
		Model:     in.Model,
		Usage:     in.Usage,
		MessageID: in.ReplyMessageID,
	})
	if err != nil {
		in.Log().Error().Err(err).
			Int("input_tokens", in.Usage.InputTokens).
			Int("output_tokens", in.Usage.OutputTokens).
			Msg("usage could not be recorded")
		return in, nil
	}

	in.Log().Debug().Str("usage_record_id", rec.ID).Int("total_tokens", in.Usage.Total()).Msg("usage logged")
	return in, nil
}
