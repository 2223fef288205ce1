package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

type fakeActivator struct {
	users map[string]bool
	calls []string
}

func (f *fakeActivator) ActivateUser(_ context.Context, userID string) (bool, error) {
	f.calls = append(f.calls, userID)
	active, ok := f.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	f.users[userID] = true
	return !active, nil
}

func newTestRegistry(t *testing.T, activator AccountActivator, extra ...Tool) *Registry {
	t.Helper()
	r, err := NewRegistry(zerolog.Nop(), append(Builtins(activator), extra...)...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

func TestExecuteActivateUserInjectsActingUser(t *testing.T) {
	t.Parallel()

	activator := &fakeActivator{users: map[string]bool{"u1": false}}
	r := newTestRegistry(t, activator)

	// The acting user wins over whatever the model put in the arguments.
	out := r.Execute(context.Background(), ToolActivateUser, `{"user_id":"someone-else"}`, "u1")
	if out.Failed() {
		t.Fatalf("unexpected failure: %+v", out)
	}
	if len(activator.calls) != 1 || activator.calls[0] != "u1" {
		t.Fatalf("activator calls = %v", activator.calls)
	}
	if out.Tool != ToolActivateUser || out.Message != "User activated." {
		t.Fatalf("result = %+v", out)
	}

	again := r.Execute(context.Background(), ToolActivateUser, "", "u1")
	if again.Failed() || again.Message != "User was already active." {
		t.Fatalf("second activation = %+v", again)
	}
}

func TestExecuteActivateUnknownUser(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, &fakeActivator{users: map[string]bool{}})
	out := r.Execute(context.Background(), ToolActivateUser, "{}", "ghost")
	if !out.Failed() || out.Message != "user not found" {
		t.Fatalf("result = %+v", out)
	}
}

func TestExecuteFailuresBecomeErrorResults(t *testing.T) {
	t.Parallel()

	boom := Tool{
		Name: "boom",
		Handler: func(context.Context, map[string]any) (contractx.ToolResult, error) {
			return contractx.ToolResult{}, errors.New("database down")
		},
	}
	panicky := Tool{
		Name: "panicky",
		Handler: func(context.Context, map[string]any) (contractx.ToolResult, error) {
			panic("nil map")
		},
	}
	r := newTestRegistry(t, nil, boom, panicky)

	cases := map[string]struct {
		name string
		args string
	}{
		"unknown tool":   {name: "send_invoice", args: "{}"},
		"invalid json":   {name: ToolCalculate, args: "{expression"},
		"handler error":  {name: "boom", args: "{}"},
		"handler panic":  {name: "panicky", args: "{}"},
		"nil activator":  {name: ToolActivateUser, args: "{}"},
		"non-object arg": {name: ToolCalculate, args: "[1,2]"},
	}
	for label, tc := range cases {
		out := r.Execute(context.Background(), tc.name, tc.args, "u1")
		if !out.Failed() {
			t.Fatalf("%s: expected an error result, got %+v", label, out)
		}
		if out.Message == "" {
			t.Fatalf("%s: error result needs a message", label)
		}
	}
}

func TestExecuteCalculate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	out := r.Execute(context.Background(), ToolCalculate, `{"expression":"2 + 3 * (4 - 1)"}`, "u1")
	if out.Failed() {
		t.Fatalf("unexpected failure: %+v", out)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["status"] != "success" || payload["result"] != float64(11) {
		t.Fatalf("payload = %s", raw)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	err := r.Register(CalculateTool())
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("Register() error = %v, want ErrDuplicateTool", err)
	}
	if err := r.Register(Tool{Name: "no_handler"}); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Register() error = %v, want ErrValidation", err)
	}

	if _, ok := r.Spec("no_handler"); ok {
		t.Fatal("a rejected tool must not be described")
	}
}

func TestSpecDescribesRegisteredTool(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	spec, ok := r.Spec(ToolCalculate)
	if !ok {
		t.Fatal("Spec() must find the calculator")
	}
	if spec.Name != ToolCalculate || spec.Description == "" {
		t.Fatalf("Spec() = %+v", spec)
	}
	props, _ := spec.Parameters["properties"].(map[string]any)
	if _, ok := props["expression"]; !ok {
		t.Fatalf("Spec() parameters = %+v", spec.Parameters)
	}
	if _, ok := r.Spec("send_invoice"); ok {
		t.Fatal("Spec() must not describe unknown tools")
	}
}
