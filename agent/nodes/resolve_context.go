package orchestratornode

import (
	"context"
	"fmt"
	"strings"

	routerx "github.com/tanpawarit/mission-engine/agent/agents/router"
	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	statex "github.com/tanpawarit/mission-engine/agent/state"
)

const (
	msgUserNotIdentified   = "User could not be identified."
	msgTenantNotIdentified = "Tenant could not be identified."
	msgIntentUnclear       = "I could not understand what you would like me to do."
)

type ContextDeps struct {
	Users         contractx.UserDirectory
	Capabilities  contractx.CapabilityDirectory
	Models        contractx.ModelCatalog
	Profiles      contractx.UsageProfiles
	Registry      ProcessRegistry
	Conversations ConversationStore
	Router        IntentRouter
	// DefaultModel is used when neither the profile, the action nor the catalog names one.
	DefaultModel string
}

// ResolveContext identifies the user, binds or opens the thought process and picks the model.
func ResolveContext(ctx context.Context, in *MissionState, deps ContextDeps) (*MissionState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: mission state is nil", contractx.ErrValidation)
	}

	if err := resolveUser(ctx, in, deps.Users); err != nil {
		return nil, err
	}

	tp, found, err := deps.Registry.FindActive(ctx, in.User.ID)
	if err != nil {
		return nil, fmt.Errorf("find active process: %w", err)
	}
	if found {
		if err := adopt(ctx, in, deps, tp, nil); err != nil {
			return nil, err
		}
		in.Resumed = true
		in.Log().Info().Msg("resuming thought process")
	} else if err := open(ctx, in, deps); err != nil {
		return nil, err
	}

	in.Payer = contractx.ResolvePayer(*in.User, in.Tenant)
	if err := selectModel(ctx, in, deps); err != nil {
		return nil, err
	}
	return in, nil
}

func resolveUser(ctx context.Context, in *MissionState, users contractx.UserDirectory) error {
	trigger := in.Mission.Trigger

	var (
		user contractx.User
		ok   bool
		err  error
	)
	switch in.Mission.Kind {
	case contractx.MissionReactive:
		user, ok, err = users.UserByChannel(ctx, strings.TrimSpace(trigger.ChannelAddress))
	case contractx.MissionProactive:
		user, ok, err = users.UserByID(ctx, strings.TrimSpace(trigger.UserID))
	default:
		return fmt.Errorf("%w: unknown mission_type=%q", contractx.ErrInvalidMission, in.Mission.Kind)
	}
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return contractx.NewContextIdentificationError(msgUserNotIdentified)
	}
	in.User = &user

	if in.Mission.Kind == contractx.MissionProactive && strings.TrimSpace(trigger.TenantID) != "" {
		tenant, err := lookupTenant(ctx, users, trigger.TenantID)
		if err != nil {
			return err
		}
		in.Tenant = tenant
	}
	return nil
}

func lookupTenant(ctx context.Context, users contractx.UserDirectory, id string) (*contractx.Tenant, error) {
	tenant, ok, err := users.TenantByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, fmt.Errorf("lookup tenant: %w", err)
	}
	if !ok {
		return nil, contractx.NewContextIdentificationError(msgTenantNotIdentified)
	}
	return &tenant, nil
}

// adopt binds the state to an existing process, its action, conversation and tenant.
func adopt(ctx context.Context, in *MissionState, deps ContextDeps, tp *statex.ThoughtProcess, conv *statex.Conversation) error {
	action, err := lookupAction(ctx, deps.Capabilities, tp.ActionVerb)
	if err != nil {
		return err
	}
	if conv == nil {
		conv, err = deps.Conversations.Conversation(ctx, tp.ConversationID)
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
	}

	in.Tenant = nil
	if tp.TenantID != "" {
		tenant, err := lookupTenant(ctx, deps.Users, tp.TenantID)
		if err != nil {
			return err
		}
		in.Tenant = tenant
	}

	in.Action = action
	in.Process = tp
	in.Conversation = conv
	return nil
}

func open(ctx context.Context, in *MissionState, deps ContextDeps) error {
	verb, err := classify(ctx, in, deps)
	if err != nil {
		return err
	}
	action, err := lookupAction(ctx, deps.Capabilities, verb)
	if err != nil {
		return err
	}

	tp, conv, created, err := deps.Registry.Create(ctx, statex.NewProcess{
		User:   *in.User,
		Action: action,
		Tenant: in.Tenant,
	})
	if err != nil {
		return fmt.Errorf("create thought process: %w", err)
	}
	if !created {
		// Another mission for this user opened a process while we were routing.
		in.Log().Info().Str("process_id", tp.ID).Msg("adopting concurrently created thought process")
		in.Resumed = true
		return adopt(ctx, in, deps, tp, conv)
	}

	in.Action = action
	in.Process = tp
	in.Conversation = conv
	in.Log().Info().Msg("thought process created")
	return nil
}

func classify(ctx context.Context, in *MissionState, deps ContextDeps) (string, error) {
	if in.Mission.Kind == contractx.MissionProactive {
		return strings.TrimSpace(in.Mission.Trigger.ActionVerb), nil
	}

	recent, err := deps.Conversations.RecentForUser(ctx, in.User.ID, routerx.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("load recent history: %w", err)
	}
	// The router falls back to the model of the mission's default action.
	chat, _, err := deps.Capabilities.Action(ctx, contractx.GeneralChatVerb)
	if err != nil {
		return "", fmt.Errorf("lookup action %s: %w", contractx.GeneralChatVerb, err)
	}
	res, err := deps.Router.Route(ctx, routerx.Request{
		User:          *in.User,
		Tenant:        in.Tenant,
		Text:          in.Mission.Trigger.MessageBody,
		History:       toTranscript(recent),
		FallbackModel: chat.DefaultModel,
	})
	if err != nil {
		return "", err
	}
	in.Usage = in.Usage.Add(res.Usage)
	in.Log().Debug().Str("routed_verb", res.Verb).Str("router_model", res.Model).Msg("intent classified")
	return strings.TrimSpace(res.Verb), nil
}

func lookupAction(ctx context.Context, caps contractx.CapabilityDirectory, verb string) (contractx.Action, error) {
	if verb == "" {
		return contractx.Action{}, contractx.NewIntentClassificationError(msgIntentUnclear)
	}
	action, ok, err := caps.Action(ctx, verb)
	if err != nil {
		return contractx.Action{}, fmt.Errorf("lookup action %s: %w", verb, err)
	}
	if !ok {
		return contractx.Action{}, contractx.NewIntentClassificationError(msgIntentUnclear)
	}
	return action, nil
}

// selectModel applies: profile messaging model (reactive only), action default, catalog default.
func selectModel(ctx context.Context, in *MissionState, deps ContextDeps) error {
	profile, err := deps.Profiles.ProfileFor(ctx, in.Payer)
	if err != nil {
		return fmt.Errorf("load usage profile: %w", err)
	}
	in.ServiceTier = profile.ServiceTier

	switch {
	case in.Mission.Kind == contractx.MissionReactive && strings.TrimSpace(profile.MessagingModel) != "":
		in.Model = strings.TrimSpace(profile.MessagingModel)
	case strings.TrimSpace(in.Action.DefaultModel) != "":
		in.Model = strings.TrimSpace(in.Action.DefaultModel)
	default:
		if m, ok := deps.Models.DefaultModel(); ok && m.Identifier != "" {
			in.Model = m.Identifier
		} else if deps.DefaultModel != "" {
			in.Model = deps.DefaultModel
		} else {
			return fmt.Errorf("%w: action=%s", contractx.ErrNoModelAvailable, in.Action.Verb)
		}
	}
	return nil
}
