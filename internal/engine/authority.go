package engine

// AuthorityPolicy names which peer's values win during reconciliation.
// The primary device owns legIndex/totalLegs and mints stable leg ids;
// the companion only ever adopts inbound values. Делая политику явным
// объектом, её можно подменять в тестах независимо от транспорта.
type AuthorityPolicy interface {
	// Authoritative reports whether this process owns the contested
	// fields (leg index, total legs, stable leg identifiers).
	Authoritative() bool

	// Name identifies the role for logs.
	Name() string
}

// PrimaryAuthority is the policy of the primary device.
type PrimaryAuthority struct{}

// Authoritative always true: the primary wins every conflict.
func (PrimaryAuthority) Authoritative() bool { return true }

// Name identifies the role for logs.
func (PrimaryAuthority) Name() string { return "primary" }

// CompanionAuthority is the policy of the wrist companion: it never
// advances trip structure on its own.
type CompanionAuthority struct{}

// Authoritative always false: the companion adopts the peer's values.
func (CompanionAuthority) Authoritative() bool { return false }

// Name identifies the role for logs.
func (CompanionAuthority) Name() string { return "companion" }
