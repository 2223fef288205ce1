package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	toolx "github.com/tanpawarit/mission-engine/agent/tool"
)

func loadTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d, err := Load("testdata/directory.yaml")
	require.NoError(t, err)
	return d
}

func TestUsersAndTenants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := loadTestDirectory(t)

	u, ok, err := d.UserByChannel(ctx, "+5511900000001")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u-ana", u.ID)
	require.Equal(t, "ana@example.com", u.Email)

	_, ok, err = d.UserByChannel(ctx, "+000")
	require.NoError(t, err)
	require.False(t, ok)

	u, ok, _ = d.UserByID(ctx, "u-bruno")
	require.True(t, ok)
	require.True(t, u.Active)

	tenant, ok, _ := d.TenantByID(ctx, "acme")
	require.True(t, ok)
	require.Equal(t, "ACME Services", tenant.Name)
}

func TestListActionsUnionsTenantRoles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := loadTestDirectory(t)
	ana, _, _ := d.UserByID(ctx, "u-ana")

	personal, err := d.ListActions(ctx, ana, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"general_chat", "activate_user", "calculate"}, verbs(personal))

	withTenant, err := d.ListActions(ctx, ana, &contractx.Tenant{ID: "acme"})
	require.NoError(t, err)
	require.Equal(t, []string{"general_chat", "activate_user", "schedule_visit", "calculate"}, verbs(withTenant))

	bruno, _, _ := d.UserByID(ctx, "u-bruno")
	none, err := d.ListActions(ctx, bruno, nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestActionDecoding(t *testing.T) {
	t.Parallel()
	d := loadTestDirectory(t)

	a, ok, err := d.Action(context.Background(), "schedule_visit")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, a.IsBilled())
	require.Equal(t, 2*time.Hour, a.DefaultExpiration)
	require.Equal(t, "gpt-4.1", a.DefaultModel)

	activate, _, _ := d.Action(context.Background(), "activate_user")
	require.Equal(t, "object", activate.ParametersSchema["type"])

	_, ok, _ = d.Action(context.Background(), "missing")
	require.False(t, ok)
}

func TestModelsAndProfiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := loadTestDirectory(t)

	router, ok := d.RouterModel()
	require.True(t, ok)
	require.Equal(t, "gpt-4.1-nano", router.Identifier)

	def, ok := d.DefaultModel()
	require.True(t, ok)
	require.Equal(t, "gpt-4.1-mini", def.Identifier)

	p, err := d.ProfileFor(ctx, contractx.TenantPayer(contractx.Tenant{ID: "acme"}))
	require.NoError(t, err)
	require.Equal(t, "flex", p.ServiceTier)
	require.Equal(t, "gpt-4.1-nano", p.MessagingModel)

	p, err = d.ProfileFor(ctx, contractx.UserPayer(contractx.User{ID: "u-ana"}))
	require.NoError(t, err)
	require.Equal(t, contractx.DefaultServiceTier, p.ServiceTier)
	require.Empty(t, p.MessagingModel)

	_, err = d.ProfileFor(ctx, contractx.Payer{})
	require.ErrorIs(t, err, contractx.ErrValidation)
}

func TestActivateUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := loadTestDirectory(t)

	changed, err := d.ActivateUser(ctx, "u-ana")
	require.NoError(t, err)
	require.True(t, changed)

	u, _, _ := d.UserByID(ctx, "u-ana")
	require.True(t, u.Active)

	changed, err = d.ActivateUser(ctx, "u-ana")
	require.NoError(t, err)
	require.False(t, changed)

	_, err = d.ActivateUser(ctx, "ghost")
	require.True(t, errors.Is(err, toolx.ErrUserNotFound))
}

func TestWalletSeeds(t *testing.T) {
	t.Parallel()
	d := loadTestDirectory(t)

	seeds := d.Wallets()
	require.Len(t, seeds, 2)
	require.Equal(t, "acme", seeds[0].OwnerID)
	require.EqualValues(t, 10000, seeds[0].Balance)
}

func TestParseRejectsBrokenReferences(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`
actions:
  - verb: a
roles:
  r: [a, missing]
tenants: []
users:
  - id: u1
    channel_address: "+1"
    roles: [r, ghost]
    memberships:
      - tenant: nowhere
  - id: u2
    channel_address: "+1"
`))
	require.ErrorIs(t, err, contractx.ErrValidation)
	for _, want := range []string{
		`unknown action "missing"`,
		`unknown role "ghost"`,
		`unknown tenant "nowhere"`,
		`share channel address "+1"`,
	} {
		require.Contains(t, err.Error(), want)
	}
}

func verbs(actions []contractx.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Verb)
	}
	return out
}
