package engine

import (
	"fmt"
	"time"

	"github.com/celerix-dev/celerix-identity/pkg/cid"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

// IdentityRecord converts an identity to its stored form.
func IdentityRecord(id engine.Identity) schema.IdentityRecord {
	return schema.IdentityRecord{
		Principal:      id.Principal.String(),
		Commitment:     id.Commitment.String(),
		ContentID:      cid.EncodeCommitment(id.Commitment).String(),
		CreatedAt:      id.CreatedAt,
		UpdatedAt:      id.UpdatedAt,
		LastVerifiedAt: id.LastVerifiedAt,
		Verifications:  id.Verifications,
	}
}

// GrantRecord converts a grant to its stored form. Active is evaluated at now.
func GrantRecord(g engine.Grant, now time.Time) schema.GrantRecord {
	return schema.GrantRecord{
		Owner:     g.Owner.String(),
		Accessor:  g.Accessor.String(),
		GrantedAt: g.GrantedAt,
		ExpiresAt: g.ExpiresAt,
		Revoked:   g.Revoked,
		Active:    g.Active(now),
	}
}

// AuditRecord converts an audit entry to its stored form.
func AuditRecord(e engine.AuditEntry) schema.AuditRecord {
	return schema.AuditRecord{
		Owner:     e.Owner.String(),
		Accessor:  e.Accessor.String(),
		Timestamp: e.Timestamp,
		Success:   e.Success,
	}
}

// GuardianSet converts an owner's guardians to their stored form.
func GuardianSet(owner engine.Principal, guardians []engine.Principal) schema.GuardianSet {
	out := schema.GuardianSet{Owner: owner.String(), Guardians: make([]string, 0, len(guardians))}
	for _, g := range guardians {
		out.Guardians = append(out.Guardians, g.String())
	}
	return out
}

func identityFromRecord(rec schema.IdentityRecord) (engine.Identity, error) {
	p, err := engine.ParsePrincipal(rec.Principal)
	if err != nil {
		return engine.Identity{}, err
	}
	c, err := engine.ParseCommitment(rec.Commitment)
	if err != nil {
		return engine.Identity{}, err
	}
	if c.IsZero() {
		return engine.Identity{}, fmt.Errorf("identity %s: %w", rec.Principal, engine.ErrInvalidCommitment)
	}
	return engine.Identity{
		Principal:      p,
		Commitment:     c,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		LastVerifiedAt: rec.LastVerifiedAt,
		Verifications:  rec.Verifications,
	}, nil
}

func grantFromRecord(rec schema.GrantRecord) (engine.Grant, error) {
	owner, err := engine.ParsePrincipal(rec.Owner)
	if err != nil {
		return engine.Grant{}, err
	}
	accessor, err := engine.ParsePrincipal(rec.Accessor)
	if err != nil {
		return engine.Grant{}, err
	}
	return engine.Grant{
		Owner:     owner,
		Accessor:  accessor,
		GrantedAt: rec.GrantedAt,
		ExpiresAt: rec.ExpiresAt,
		Revoked:   rec.Revoked,
	}, nil
}

func auditFromRecord(rec schema.AuditRecord) (engine.AuditEntry, error) {
	owner, err := engine.ParsePrincipal(rec.Owner)
	if err != nil {
		return engine.AuditEntry{}, err
	}
	accessor, err := engine.ParsePrincipal(rec.Accessor)
	if err != nil {
		return engine.AuditEntry{}, err
	}
	return engine.AuditEntry{
		Owner:     owner,
		Accessor:  accessor,
		Timestamp: rec.Timestamp,
		Success:   rec.Success,
	}, nil
}
