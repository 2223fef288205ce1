package orchestratornode

import (
	"context"
	"fmt"
	"sync"
	"time"

	routerx "github.com/tanpawarit/mission-engine/agent/agents/router"
	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	statex "github.com/tanpawarit/mission-engine/agent/state"
	usagex "github.com/tanpawarit/mission-engine/agent/usage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type fakeUsers struct {
	users   []contractx.User
	tenants []contractx.Tenant
}

func (f *fakeUsers) UserByChannel(ctx context.Context, address string) (contractx.User, bool, error) {
	for _, u := range f.users {
		if u.ChannelAddress == address {
			return u, true, nil
		}
	}
	return contractx.User{}, false, nil
}

func (f *fakeUsers) UserByID(ctx context.Context, id string) (contractx.User, bool, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, true, nil
		}
	}
	return contractx.User{}, false, nil
}

func (f *fakeUsers) TenantByID(ctx context.Context, id string) (contractx.Tenant, bool, error) {
	for _, t := range f.tenants {
		if t.ID == id {
			return t, true, nil
		}
	}
	return contractx.Tenant{}, false, nil
}

type fakeCapabilities struct {
	actions []contractx.Action
}

func (f *fakeCapabilities) ListActions(ctx context.Context, user contractx.User, tenant *contractx.Tenant) ([]contractx.Action, error) {
	return f.actions, nil
}

func (f *fakeCapabilities) Action(ctx context.Context, verb string) (contractx.Action, bool, error) {
	for _, a := range f.actions {
		if a.Verb == verb {
			return a, true, nil
		}
	}
	return contractx.Action{}, false, nil
}

type fakeCatalog struct {
	def string
}

func (f fakeCatalog) RouterModel() (contractx.Model, bool) { return contractx.Model{}, false }

func (f fakeCatalog) DefaultModel() (contractx.Model, bool) {
	if f.def == "" {
		return contractx.Model{}, false
	}
	return contractx.Model{Identifier: f.def}, true
}

type fakeProfiles struct {
	profile contractx.UsageProfile
}

func (f fakeProfiles) ProfileFor(ctx context.Context, payer contractx.Payer) (contractx.UsageProfile, error) {
	p := f.profile
	if p.ServiceTier == "" {
		p.ServiceTier = contractx.DefaultServiceTier
	}
	return p, nil
}

type fakeRegistry struct {
	mu       sync.Mutex
	active   *statex.ThoughtProcess
	conv     *statex.Conversation
	racing   bool
	created  int
	saved    []statex.ThoughtProcess
	saveErr  error
	lastOpen statex.NewProcess
}

func (f *fakeRegistry) FindActive(ctx context.Context, userID string) (*statex.ThoughtProcess, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil || f.racing {
		return nil, false, nil
	}
	return f.active, true, nil
}

func (f *fakeRegistry) Create(ctx context.Context, in statex.NewProcess) (*statex.ThoughtProcess, *statex.Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpen = in
	if f.active != nil {
		return f.active, f.conv, false, nil
	}
	f.created++
	f.conv = &statex.Conversation{ID: "conv-new", Status: statex.ConversationActive}
	f.active = &statex.ThoughtProcess{
		ID:             "tp-new",
		UserID:         in.User.ID,
		ActionVerb:     in.Action.Verb,
		ConversationID: f.conv.ID,
		Status:         statex.StatusPendingExecution,
		ExpiresAt:      in.Action.ExpiresAt(testNow),
	}
	if in.Tenant != nil {
		f.active.TenantID = in.Tenant.ID
	}
	return f.active, f.conv, true, nil
}

func (f *fakeRegistry) Save(ctx context.Context, tp *statex.ThoughtProcess, conv *statex.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, *tp)
	return nil
}

type fakeConversations struct {
	convs    map[string]*statex.Conversation
	messages []statex.Message
	seq      int
}

func newFakeConversations(convs ...*statex.Conversation) *fakeConversations {
	f := &fakeConversations{convs: map[string]*statex.Conversation{}}
	for _, c := range convs {
		f.convs[c.ID] = c
	}
	return f
}

func (f *fakeConversations) Conversation(ctx context.Context, id string) (*statex.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return nil, statex.ErrConversationNotFound
	}
	return c, nil
}

func (f *fakeConversations) AppendMessage(ctx context.Context, conversationID string, direction statex.Direction, content string, status statex.MessageStatus) (*statex.Message, error) {
	if content == "" {
		return nil, nil
	}
	f.seq++
	m := statex.Message{
		ID:             fmt.Sprintf("msg-%d", f.seq),
		ConversationID: conversationID,
		Direction:      direction,
		Content:        content,
		Status:         status,
	}
	f.messages = append(f.messages, m)
	return &m, nil
}

func (f *fakeConversations) History(ctx context.Context, conversationID string, limit int) ([]statex.Message, error) {
	var out []statex.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeConversations) RecentForUser(ctx context.Context, userID string, limit int) ([]statex.Message, error) {
	return nil, nil
}

type fakeRouter struct {
	verb  string
	usage contractx.TokenUsage
	err   error
	calls int
	last  routerx.Request
}

func (f *fakeRouter) Route(ctx context.Context, req routerx.Request) (routerx.Result, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return routerx.Result{}, f.err
	}
	return routerx.Result{Verb: f.verb, Model: "router-model", Usage: f.usage}, nil
}

type genStep struct {
	resp contractx.GenerateResponse
	err  error
}

type fakeGenerator struct {
	steps []genStep
	reqs  []contractx.GenerateRequest
}

func (f *fakeGenerator) Generate(ctx context.Context, req contractx.GenerateRequest) (*contractx.GenerateResponse, error) {
	idx := len(f.reqs)
	f.reqs = append(f.reqs, req)
	if idx >= len(f.steps) {
		return nil, fmt.Errorf("no response left at call=%d", idx+1)
	}
	step := f.steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	return &step.resp, nil
}

type fakeRecorder struct {
	err     error
	entries []usagex.Entry
}

func (f *fakeRecorder) Record(ctx context.Context, e usagex.Entry) (*usagex.Record, error) {
	f.entries = append(f.entries, e)
	if f.err != nil {
		return nil, f.err
	}
	return &usagex.Record{ID: "rec-1"}, nil
}

type fakeTools struct {
	results map[string]contractx.ToolResult
	calls   []string
	users   []string
}

func (f *fakeTools) Execute(ctx context.Context, name string, argsJSON string, actingUserID string) contractx.ToolResult {
	f.calls = append(f.calls, name)
	f.users = append(f.users, actingUserID)
	if r, ok := f.results[name]; ok {
		return r
	}
	return contractx.ToolResult{Tool: name, Status: contractx.ToolStatusError, Message: "unknown tool"}
}

// catalogTools also describes its tools, like the real registry.
type catalogTools struct {
	fakeTools
	specs map[string]contractx.ToolSpec
}

func (f *catalogTools) Spec(name string) (contractx.ToolSpec, bool) {
	spec, ok := f.specs[name]
	return spec, ok
}

func textStep(text string, in, out int) genStep {
	return genStep{resp: contractx.GenerateResponse{
		Message: contractx.ChatMessage{Role: contractx.RoleAssistant, Content: text},
		Usage:   contractx.TokenUsage{InputTokens: in, OutputTokens: out},
	}}
}

func toolStep(in, out int, calls ...contractx.ToolCall) genStep {
	return genStep{resp: contractx.GenerateResponse{
		Message: contractx.ChatMessage{Role: contractx.RoleAssistant, ToolCalls: calls},
		Usage:   contractx.TokenUsage{InputTokens: in, OutputTokens: out},
	}}
}
