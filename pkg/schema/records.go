// Package schema defines the persisted and wire representations of the
// identity engine's records.
package schema

import "time"

// IdentityRecord is the stored form of an identity commitment.
type IdentityRecord struct {
	Principal      string    `json:"principal"`
	Commitment     string    `json:"commitment"`
	ContentID      string    `json:"cid,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastVerifiedAt time.Time `json:"last_verified_at,omitzero"`
	Verifications  uint64    `json:"verifications"`
}

// GrantRecord is the stored form of an access grant.
type GrantRecord struct {
	Owner     string    `json:"owner"`
	Accessor  string    `json:"accessor"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	Active    bool      `json:"active"`
}

// AuditRecord is the stored form of an audit entry.
type AuditRecord struct {
	Owner     string    `json:"owner"`
	Accessor  string    `json:"accessor"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

// AuditStats is the wire form of per-owner audit counters.
type AuditStats struct {
	Owner     string `json:"owner"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// GuardianSet is the stored form of an owner's guardians.
type GuardianSet struct {
	Owner     string   `json:"owner"`
	Guardians []string `json:"guardians"`
}

// Snapshot is the complete persisted state of the engine, as returned by
// a persister's LoadAll and consumed by Migrate.
type Snapshot struct {
	Identities []IdentityRecord `json:"identities"`
	Guardians  []GuardianSet    `json:"guardians"`
	Grants     []GrantRecord    `json:"grants"`
	Audit      []AuditRecord    `json:"audit"`
}

// VerificationResult is the wire form of a finished verification attempt.
type VerificationResult struct {
	AttemptID string  `json:"attempt_id"`
	Owner     string  `json:"owner"`
	Caller    string  `json:"caller"`
	State     string  `json:"state"`
	Reason    string  `json:"reason,omitempty"`
	Message   string  `json:"message,omitempty"`
	ContentID string  `json:"cid,omitempty"`
	Score     float64 `json:"score"`
	Retryable bool    `json:"retryable"`
}

// Enrollment is the wire form of a sealed and stored biometric artifact.
type Enrollment struct {
	Owner      string `json:"owner"`
	Commitment string `json:"commitment"`
	ContentID  string `json:"cid"`
}
