package contract

import "fmt"

type PayerKind string

const (
	PayerUser   PayerKind = "USER"
	PayerTenant PayerKind = "TENANT"
)

// Payer is the financially responsible party: exactly one of a user or a tenant.
// The zero value is invalid; build one with UserPayer or TenantPayer.
type Payer struct {
	kind   PayerKind
	user   User
	tenant Tenant
}

func UserPayer(u User) Payer {
	return Payer{kind: PayerUser, user: u}
}

func TenantPayer(t Tenant) Payer {
	return Payer{kind: PayerTenant, tenant: t}
}

// ResolvePayer picks the tenant context when present, the user otherwise.
func ResolvePayer(user User, tenant *Tenant) Payer {
	if tenant != nil {
		return TenantPayer(*tenant)
	}
	return UserPayer(user)
}

func (p Payer) Kind() PayerKind {
	return p.kind
}

func (p Payer) Valid() bool {
	switch p.kind {
	case PayerUser:
		return p.user.ID != ""
	case PayerTenant:
		return p.tenant.ID != ""
	default:
		return false
	}
}

func (p Payer) User() (User, bool) {
	return p.user, p.kind == PayerUser
}

func (p Payer) Tenant() (Tenant, bool) {
	return p.tenant, p.kind == PayerTenant
}

func (p Payer) ID() string {
	switch p.kind {
	case PayerUser:
		return p.user.ID
	case PayerTenant:
		return p.tenant.ID
	default:
		return ""
	}
}

func (p Payer) String() string {
	switch p.kind {
	case PayerUser:
		return fmt.Sprintf("user:%s", p.user.ID)
	case PayerTenant:
		return fmt.Sprintf("tenant:%s", p.tenant.ID)
	default:
		return "payer:invalid"
	}
}
