package sdk

import (
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

// --- Functional Interfaces (Interface Segregation) ---

// IdentityReader answers questions about registered identities. Reads are
// open to any caller.
type IdentityReader interface {
	Exists(p engine.Principal) (bool, error)
	GetCommitment(p engine.Principal) (engine.Commitment, error)
	Identity(p engine.Principal) (schema.IdentityRecord, error)
}

// IdentityWriter mutates the bound caller's identity, or another
// principal's through guardian recovery.
type IdentityWriter interface {
	Register(c engine.Commitment) (schema.IdentityRecord, error)
	Update(c engine.Commitment) (schema.IdentityRecord, error)
	Recover(owner engine.Principal, c engine.Commitment) (schema.IdentityRecord, error)
}

// GrantManager issues and inspects access grants. Grant and Revoke act on
// grants owned by the bound caller.
type GrantManager interface {
	Grant(accessor engine.Principal, seconds int64) (schema.GrantRecord, error)
	Revoke(accessor engine.Principal) error
	CheckAccess(owner, accessor engine.Principal) (bool, error)
	GetGrant(owner, accessor engine.Principal) (schema.GrantRecord, error)
	Grants(owner engine.Principal) ([]schema.GrantRecord, error)
}

// GuardianManager maintains the bound caller's recovery guardians.
type GuardianManager interface {
	AddGuardian(guardian engine.Principal) error
	RemoveGuardian(guardian engine.Principal) error
	Guardians(owner engine.Principal) ([]engine.Principal, error)
}

// AuditReader exposes the verification audit trail.
type AuditReader interface {
	Audit(owner engine.Principal) ([]schema.AuditRecord, error)
	AuditStats(owner engine.Principal) (schema.AuditStats, error)
}

// --- Composite Interfaces ---

// IdentityStore is the primary interface for interacting with the identity
// service. Remote clients and the embedded engine both implement it, so an
// application does not care which one it holds.
type IdentityStore interface {
	IdentityReader
	IdentityWriter
	GrantManager
	GuardianManager
	AuditReader

	// Caller returns the principal mutations are attributed to, or the
	// zero principal when none is bound.
	Caller() engine.Principal

	Close() error
}
