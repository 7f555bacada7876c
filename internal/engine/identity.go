package engine

import (
	"fmt"
	"time"

	"github.com/celerix-dev/celerix-identity/internal/clock"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// IdentityRegistry holds at most one live commitment per principal.
// Records are never removed; recovery replaces the commitment in place.
type IdentityRegistry struct {
	items   *ownerShards[engine.Identity]
	clock   clock.Clock
	journal *journal
}

func newIdentityRegistry(c clock.Clock, j *journal) *IdentityRegistry {
	return &IdentityRegistry{items: newOwnerShards[engine.Identity](), clock: c, journal: j}
}

// Register creates the record for p with createdAt = updatedAt = now.
func (r *IdentityRegistry) Register(p engine.Principal, c engine.Commitment) (engine.Identity, error) {
	if p.IsZero() {
		return engine.Identity{}, engine.ErrInvalidPrincipal
	}
	if c.IsZero() {
		return engine.Identity{}, engine.ErrInvalidCommitment
	}

	var out engine.Identity
	err := r.items.write(p, func(_ engine.Identity, ok bool, set func(engine.Identity)) error {
		if ok {
			return fmt.Errorf("register %s: %w", p, engine.ErrAlreadyRegistered)
		}
		now := r.clock.Now()
		out = engine.Identity{Principal: p, Commitment: c, CreatedAt: now, UpdatedAt: now}
		set(out)
		r.persist(out)
		return nil
	})
	return out, err
}

// Update overwrites the commitment of p. Only p itself may call it.
func (r *IdentityRegistry) Update(caller, p engine.Principal, c engine.Commitment) (engine.Identity, error) {
	if p.IsZero() {
		return engine.Identity{}, engine.ErrInvalidPrincipal
	}
	if caller != p {
		return engine.Identity{}, fmt.Errorf("update %s by %s: %w", p, caller, engine.ErrUnauthorized)
	}
	return r.replace("update", p, c)
}

// Reset overwrites the commitment of p without an ownership check. It is
// the recovery path and must only be reached through an authorization
// policy.
func (r *IdentityRegistry) Reset(p engine.Principal, c engine.Commitment) (engine.Identity, error) {
	if p.IsZero() {
		return engine.Identity{}, engine.ErrInvalidPrincipal
	}
	return r.replace("reset", p, c)
}

func (r *IdentityRegistry) replace(op string, p engine.Principal, c engine.Commitment) (engine.Identity, error) {
	if c.IsZero() {
		return engine.Identity{}, engine.ErrInvalidCommitment
	}

	var out engine.Identity
	err := r.items.write(p, func(cur engine.Identity, ok bool, set func(engine.Identity)) error {
		if !ok {
			return fmt.Errorf("%s %s: %w", op, p, engine.ErrNotRegistered)
		}
		cur.Commitment = c
		cur.UpdatedAt = r.later(cur.CreatedAt)
		out = cur
		set(cur)
		r.persist(cur)
		return nil
	})
	return out, err
}

// Acknowledge records a successful verification against c. It fails with
// ErrCommitmentChanged if the stored commitment is no longer c.
func (r *IdentityRegistry) Acknowledge(p engine.Principal, c engine.Commitment) (engine.Identity, error) {
	var out engine.Identity
	err := r.items.write(p, func(cur engine.Identity, ok bool, set func(engine.Identity)) error {
		if !ok {
			return fmt.Errorf("acknowledge %s: %w", p, engine.ErrNotRegistered)
		}
		if cur.Commitment != c {
			return fmt.Errorf("acknowledge %s: %w", p, engine.ErrCommitmentChanged)
		}
		cur.LastVerifiedAt = r.clock.Now()
		cur.Verifications++
		out = cur
		set(cur)
		r.persist(cur)
		return nil
	})
	return out, err
}

// Exists reports whether p has a live record.
func (r *IdentityRegistry) Exists(p engine.Principal) bool {
	return r.Lookup(p).Found
}

// Lookup returns the tagged lookup result for p.
func (r *IdentityRegistry) Lookup(p engine.Principal) engine.LookupResult {
	var res engine.LookupResult
	r.items.read(p, func(v engine.Identity, ok bool) {
		res = engine.LookupResult{Found: ok, Identity: v}
	})
	return res
}

// GetCommitment returns the stored commitment of p.
func (r *IdentityRegistry) GetCommitment(p engine.Principal) (engine.Commitment, error) {
	res := r.Lookup(p)
	if !res.Found {
		return engine.Commitment{}, fmt.Errorf("commitment %s: %w", p, engine.ErrNotRegistered)
	}
	return res.Identity.Commitment, nil
}

// List returns every identity. Order is unspecified.
func (r *IdentityRegistry) List() []engine.Identity {
	var out []engine.Identity
	r.items.each(func(_ engine.Principal, v engine.Identity) {
		out = append(out, v)
	})
	return out
}

// later returns now, clamped so that updatedAt never precedes createdAt.
func (r *IdentityRegistry) later(createdAt time.Time) time.Time {
	now := r.clock.Now()
	if now.Before(createdAt) {
		return createdAt
	}
	return now
}

func (r *IdentityRegistry) persist(id engine.Identity) {
	rec := IdentityRecord(id)
	r.journal.enqueue("identity", rec.Principal, func(p Persister) error {
		return p.SaveIdentity(rec)
	})
}

func (r *IdentityRegistry) restore(id engine.Identity) {
	_ = r.items.write(id.Principal, func(_ engine.Identity, _ bool, set func(engine.Identity)) error {
		set(id)
		return nil
	})
}
