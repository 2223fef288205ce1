package contract

import "context"

// UserDirectory resolves the acting user and tenant contexts.
type UserDirectory interface {
	UserByChannel(ctx context.Context, address string) (User, bool, error)
	UserByID(ctx context.Context, id string) (User, bool, error)
	TenantByID(ctx context.Context, id string) (Tenant, bool, error)
}

// CapabilityDirectory lists the actions a user may invoke.
type CapabilityDirectory interface {
	ListActions(ctx context.Context, user User, tenant *Tenant) ([]Action, error)
	Action(ctx context.Context, verb string) (Action, bool, error)
}

type ModelCatalog interface {
	RouterModel() (Model, bool)
	DefaultModel() (Model, bool)
}

type UsageProfiles interface {
	ProfileFor(ctx context.Context, payer Payer) (UsageProfile, error)
}

type BalanceGate interface {
	HasFunds(ctx context.Context, action Action, payer Payer) (bool, error)
}

// Generator is the model gateway boundary.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

type ToolExecutor interface {
	Execute(ctx context.Context, name string, argsJSON string, actingUserID string) ToolResult
}

type Dispatcher interface {
	SendText(ctx context.Context, address string, text string) error
}
