package engine

import "time"

// Identity is the commitment record of a single principal.
type Identity struct {
	Principal      Principal
	Commitment     Commitment
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastVerifiedAt time.Time
	Verifications  uint64
}

// LookupResult is the tagged outcome of fetching a stored commitment.
// Callers branch on Found; an absent identity never surfaces as a zero
// commitment.
type LookupResult struct {
	Found    bool
	Identity Identity
}

// Grant is a time-bound permission of Accessor to act against Owner.
type Grant struct {
	Owner     Principal
	Accessor  Principal
	GrantedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Active reports whether the grant is usable at now.
func (g Grant) Active(now time.Time) bool {
	return !g.Revoked && now.Before(g.ExpiresAt)
}

// AuditEntry records one completed verification attempt. Entries are
// immutable once written.
type AuditEntry struct {
	Owner     Principal
	Accessor  Principal
	Timestamp time.Time
	Success   bool
}

// AuditStats summarises an owner's audit log.
type AuditStats struct {
	Total     int
	Succeeded int
	Failed    int
}
