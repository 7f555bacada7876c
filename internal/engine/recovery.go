package engine

import "github.com/celerix-dev/celerix-identity/pkg/engine"

// GuardianReader is the read side of the guardian registry consulted by
// recovery policies.
type GuardianReader interface {
	Guardians(owner engine.Principal) []engine.Principal
	IsGuardian(owner, guardian engine.Principal) bool
}

// RecoveryPolicy decides whether caller may reset owner's commitment.
// Only guardian membership is stored by the engine; who may trigger a reset
// is up to the policy.
type RecoveryPolicy interface {
	AuthorizeRecovery(caller, owner engine.Principal, guardians GuardianReader) bool
}

// AnyGuardian authorizes any single current guardian of the owner.
type AnyGuardian struct{}

// AuthorizeRecovery implements RecoveryPolicy.
func (AnyGuardian) AuthorizeRecovery(caller, owner engine.Principal, guardians GuardianReader) bool {
	return guardians.IsGuardian(owner, caller)
}

// RecoveryPolicyFunc adapts a function to RecoveryPolicy.
type RecoveryPolicyFunc func(caller, owner engine.Principal, guardians GuardianReader) bool

// AuthorizeRecovery implements RecoveryPolicy.
func (f RecoveryPolicyFunc) AuthorizeRecovery(caller, owner engine.Principal, guardians GuardianReader) bool {
	return f(caller, owner, guardians)
}
