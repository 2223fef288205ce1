package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	nodex "github.com/tanpawarit/mission-engine/agent/nodes"
)

const (
	phaseResolveContext = "resolve_context"
	phaseCheckFunds     = "check_funds"
	phaseInteract       = "interact"
	phaseLogUsage       = "log_usage"
	phaseDispatch       = "dispatch_response"
	phaseFinalize       = "finalize"
)

type phaseFunc func(ctx context.Context, in *nodex.MissionState) (*nodex.MissionState, error)

// phase records which node runs and keeps its error on the state, so Run sees the
// original failure rather than the graph's wrapping of it.
func phase(name string, fn phaseFunc) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *nodex.MissionState) (*nodex.MissionState, error) {
		if in != nil {
			in.Phase = name
		}
		out, err := fn(ctx, in)
		if err != nil && in != nil {
			in.Err = err
		}
		return out, err
	})
}

func (o *Orchestrator) compileMissionGraph(
	ctx context.Context,
) (compose.Runnable[*nodex.MissionState, *nodex.MissionState], error) {
	graph := compose.NewGraph[*nodex.MissionState, *nodex.MissionState]()

	contextDeps := nodex.ContextDeps{
		Users:         o.deps.Users,
		Capabilities:  o.deps.Capabilities,
		Models:        o.deps.Models,
		Profiles:      o.deps.Profiles,
		Registry:      o.deps.Registry,
		Conversations: o.deps.Conversations,
		Router:        o.deps.Router,
		DefaultModel:  o.cfg.DefaultModel,
	}
	interactDeps := nodex.InteractDeps{
		Generator:     o.deps.Generator,
		Tools:         o.deps.Tools,
		Conversations: o.deps.Conversations,
		Prompts:       o.deps.Prompts,
		MaxRetries:    o.cfg.MaxRetries,
		RetryBackoff:  o.cfg.RetryBackoff,
	}

	nodes := []struct {
		name string
		fn   phaseFunc
	}{
		{phaseResolveContext, func(ctx context.Context, in *nodex.MissionState) (*nodex.MissionState, error) {
			return nodex.ResolveContext(ctx, in, contextDeps)
		}},
		{phaseCheckFunds, func(ctx context.Context, in *nodex.MissionState) (*nodex.MissionState, error) {
			return nodex.CheckFunds(ctx, in, o.deps.Funds)
		}},
		{phaseInteract, func(ctx context.Context, in *nodex.MissionState) (*nodex.MissionState, error) {
			return nodex.Interact(ctx, in, interactDeps)
		}},
		{phaseLogUsage, func(ctx context.Context, in *nodex.MissionState) (*nodex.MissionState, error) {
			return nodex.LogUsage(ctx, in, o.deps.Usage)
		}},
		{phaseDispatch, func(ctx context.Context, in *nodex.MissionState) (*nodex.MissionState, error) {
			return nodex.DispatchResponse(ctx, in, o.deps.Dispatcher)
		}},
		{phaseFinalize, func(ctx context.Context, in *nodex.MissionState) (*nodex.MissionState, error) {
			return nodex.Finalize(ctx, in, o.deps.Registry)
		}},
	}

	edges := make([][2]string, 0, len(nodes)+1)
	prev := compose.START
	for _, n := range nodes {
		if err := graph.AddLambdaNode(n.name, phase(n.name, n.fn)); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.name, err)
		}
		edges = append(edges, [2]string{prev, n.name})
		prev = n.name
	}
	edges = append(edges, [2]string{prev, compose.END})

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.mission"))
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}
