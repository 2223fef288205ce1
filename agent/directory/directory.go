package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	toolx "github.com/tanpawarit/mission-engine/agent/tool"
)

// File is the on-disk YAML layout.
type File struct {
	DefaultModel string              `yaml:"default_model"`
	Models       []contractx.Model   `yaml:"models"`
	Actions      []contractx.Action  `yaml:"actions"`
	Roles        map[string][]string `yaml:"roles"`
	Tenants      []contractx.Tenant  `yaml:"tenants"`
	Users        []UserEntry         `yaml:"users"`
	Profiles     []ProfileEntry      `yaml:"profiles"`
	Wallets      []WalletEntry       `yaml:"wallets"`
}

type UserEntry struct {
	contractx.User `yaml:",inline"`
	Roles          []string     `yaml:"roles"`
	Memberships    []Membership `yaml:"memberships"`
}

type Membership struct {
	Tenant string   `yaml:"tenant"`
	Roles  []string `yaml:"roles"`
}

type ProfileEntry struct {
	OwnerKind              contractx.PayerKind `yaml:"owner_kind"`
	OwnerID                string              `yaml:"owner_id"`
	contractx.UsageProfile `yaml:",inline"`
}

// WalletEntry seeds a wallet balance, in minor units.
type WalletEntry struct {
	OwnerKind contractx.PayerKind `yaml:"owner_kind"`
	OwnerID   string              `yaml:"owner_id"`
	Balance   int64               `yaml:"balance"`
}

var (
	_ contractx.UserDirectory       = (*Directory)(nil)
	_ contractx.CapabilityDirectory = (*Directory)(nil)
	_ contractx.ModelCatalog        = (*Directory)(nil)
	_ contractx.UsageProfiles       = (*Directory)(nil)
	_ toolx.AccountActivator        = (*Directory)(nil)
)

// Directory serves users, tenants, capabilities, models and usage profiles from one YAML file.
type Directory struct {
	mu sync.RWMutex

	defaultModel string
	models       []contractx.Model
	actions      map[string]contractx.Action
	actionOrder  []string
	roles        map[string][]string
	tenants      map[string]contractx.Tenant
	users        map[string]*UserEntry
	byChannel    map[string]string
	profiles     map[string]contractx.UsageProfile
	wallets      []WalletEntry
}

func Load(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	d, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func Parse(raw []byte) (*Directory, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	return New(f)
}

// New indexes f and checks its references.
func New(f File) (*Directory, error) {
	d := &Directory{
		defaultModel: strings.TrimSpace(f.DefaultModel),
		models:       f.Models,
		actions:      make(map[string]contractx.Action, len(f.Actions)),
		roles:        make(map[string][]string, len(f.Roles)),
		tenants:      make(map[string]contractx.Tenant, len(f.Tenants)),
		users:        make(map[string]*UserEntry, len(f.Users)),
		byChannel:    make(map[string]string, len(f.Users)),
		profiles:     make(map[string]contractx.UsageProfile, len(f.Profiles)),
		wallets:      f.Wallets,
	}

	var errs []error
	for _, a := range f.Actions {
		if a.Verb == "" {
			errs = append(errs, errors.New("action without verb"))
			continue
		}
		if _, dup := d.actions[a.Verb]; dup {
			errs = append(errs, fmt.Errorf("duplicate action verb %q", a.Verb))
			continue
		}
		if a.CostBearer == "" {
			a.CostBearer = contractx.CostBearerSystem
		}
		d.actions[a.Verb] = a
		d.actionOrder = append(d.actionOrder, a.Verb)
	}

	for role, verbs := range f.Roles {
		for _, verb := range verbs {
			if _, ok := d.actions[verb]; !ok {
				errs = append(errs, fmt.Errorf("role %q grants unknown action %q", role, verb))
			}
		}
		d.roles[role] = verbs
	}

	for _, t := range f.Tenants {
		d.tenants[t.ID] = t
	}

	for i := range f.Users {
		u := f.Users[i]
		if u.ID == "" {
			errs = append(errs, errors.New("user without id"))
			continue
		}
		if _, dup := d.users[u.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate user id %q", u.ID))
			continue
		}
		errs = append(errs, d.checkRoles("user "+u.ID, u.Roles)...)
		for _, m := range u.Memberships {
			if _, ok := d.tenants[m.Tenant]; !ok {
				errs = append(errs, fmt.Errorf("user %q is a member of unknown tenant %q", u.ID, m.Tenant))
			}
			errs = append(errs, d.checkRoles("user "+u.ID+" in "+m.Tenant, m.Roles)...)
		}
		if addr := strings.TrimSpace(u.ChannelAddress); addr != "" {
			if other, dup := d.byChannel[addr]; dup {
				errs = append(errs, fmt.Errorf("users %q and %q share channel address %q", other, u.ID, addr))
			}
			d.byChannel[addr] = u.ID
		}
		d.users[u.ID] = &u
	}

	for _, p := range f.Profiles {
		d.profiles[profileKey(p.OwnerKind, p.OwnerID)] = p.UsageProfile
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", contractx.ErrValidation, err)
	}
	return d, nil
}

func (d *Directory) checkRoles(owner string, roles []string) []error {
	var errs []error
	for _, r := range roles {
		if _, ok := d.roles[r]; !ok {
			errs = append(errs, fmt.Errorf("%s has unknown role %q", owner, r))
		}
	}
	return errs
}

func profileKey(kind contractx.PayerKind, id string) string {
	return string(kind) + ":" + id
}

func (d *Directory) UserByChannel(_ context.Context, address string) (contractx.User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byChannel[strings.TrimSpace(address)]
	if !ok {
		return contractx.User{}, false, nil
	}
	return d.users[id].User, true, nil
}

func (d *Directory) UserByID(_ context.Context, id string) (contractx.User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return contractx.User{}, false, nil
	}
	return u.User, true, nil
}

func (d *Directory) TenantByID(_ context.Context, id string) (contractx.Tenant, bool, error) {
	t, ok := d.tenants[id]
	return t, ok, nil
}

// ListActions unions the actions granted by the user's own roles and, when a tenant
// context is given, by the user's roles inside that tenant.
func (d *Directory) ListActions(_ context.Context, user contractx.User, tenant *contractx.Tenant) ([]contractx.Action, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.users[user.ID]
	if !ok {
		return nil, nil
	}

	roles := append([]string(nil), entry.Roles...)
	if tenant != nil {
		for _, m := range entry.Memberships {
			if m.Tenant == tenant.ID {
				roles = append(roles, m.Roles...)
			}
		}
	}

	granted := make(map[string]struct{})
	for _, r := range roles {
		for _, verb := range d.roles[r] {
			granted[verb] = struct{}{}
		}
	}

	actions := make([]contractx.Action, 0, len(granted))
	for _, verb := range d.actionOrder {
		if _, ok := granted[verb]; ok {
			actions = append(actions, d.actions[verb])
		}
	}
	return actions, nil
}

func (d *Directory) Action(_ context.Context, verb string) (contractx.Action, bool, error) {
	a, ok := d.actions[verb]
	return a, ok, nil
}

func (d *Directory) RouterModel() (contractx.Model, bool) {
	for _, m := range d.models {
		if m.Router {
			return m, true
		}
	}
	return contractx.Model{}, false
}

func (d *Directory) DefaultModel() (contractx.Model, bool) {
	if d.defaultModel != "" {
		for _, m := range d.models {
			if m.Identifier == d.defaultModel {
				return m, true
			}
		}
		return contractx.Model{Identifier: d.defaultModel}, true
	}
	for _, m := range d.models {
		if !m.Router {
			return m, true
		}
	}
	if len(d.models) > 0 {
		return d.models[0], true
	}
	return contractx.Model{}, false
}

// ProfileFor returns the payer's profile, or the default tier when none is configured.
func (d *Directory) ProfileFor(_ context.Context, payer contractx.Payer) (contractx.UsageProfile, error) {
	if !payer.Valid() {
		return contractx.UsageProfile{}, fmt.Errorf("%w: payer is not set", contractx.ErrValidation)
	}
	p, ok := d.profiles[profileKey(payer.Kind(), payer.ID())]
	if !ok {
		return contractx.UsageProfile{ServiceTier: contractx.DefaultServiceTier}, nil
	}
	if p.ServiceTier == "" {
		p.ServiceTier = contractx.DefaultServiceTier
	}
	return p, nil
}

// ActivateUser marks the user active in memory.
func (d *Directory) ActivateUser(_ context.Context, userID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return false, fmt.Errorf("%w: %s", toolx.ErrUserNotFound, userID)
	}
	if u.Active {
		return false, nil
	}
	u.Active = true
	return true, nil
}

// Wallets returns the seed balances declared in the file.
func (d *Directory) Wallets() []WalletEntry {
	out := append([]WalletEntry(nil), d.wallets...)
	sort.Slice(out, func(i, j int) bool {
		return profileKey(out[i].OwnerKind, out[i].OwnerID) < profileKey(out[j].OwnerKind, out[j].OwnerID)
	})
	return out
}
