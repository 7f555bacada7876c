package engine

import (
	"fmt"
	"slices"

	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// GuardianRegistry stores, per owner, the principals allowed to take part
// in recovery of that owner's commitment. A principal may guard many owners.
type GuardianRegistry struct {
	items   *ownerShards[map[engine.Principal]struct{}]
	journal *journal
}

func newGuardianRegistry(j *journal) *GuardianRegistry {
	return &GuardianRegistry{items: newOwnerShards[map[engine.Principal]struct{}](), journal: j}
}

// Add makes guardian a member of owner's set. Adding an existing member is
// a successful no-op.
func (r *GuardianRegistry) Add(owner, guardian engine.Principal) error {
	if owner.IsZero() || guardian.IsZero() {
		return engine.ErrInvalidPrincipal
	}
	if owner == guardian {
		return fmt.Errorf("add guardian %s: %w", guardian, engine.ErrInvalidGuardian)
	}

	return r.items.write(owner, func(set map[engine.Principal]struct{}, ok bool, store func(map[engine.Principal]struct{})) error {
		if !ok {
			set = make(map[engine.Principal]struct{})
			store(set)
		}
		if _, member := set[guardian]; member {
			return nil
		}
		set[guardian] = struct{}{}
		r.persist(owner, set)
		return nil
	})
}

// Remove drops guardian from owner's set. Removing a non-member is a
// successful no-op.
func (r *GuardianRegistry) Remove(owner, guardian engine.Principal) error {
	if owner.IsZero() || guardian.IsZero() {
		return engine.ErrInvalidPrincipal
	}

	return r.items.write(owner, func(set map[engine.Principal]struct{}, ok bool, _ func(map[engine.Principal]struct{})) error {
		if !ok {
			return nil
		}
		if _, member := set[guardian]; !member {
			return nil
		}
		delete(set, guardian)
		r.persist(owner, set)
		return nil
	})
}

// Guardians returns owner's guardians in ascending byte order.
func (r *GuardianRegistry) Guardians(owner engine.Principal) []engine.Principal {
	var out []engine.Principal
	r.items.read(owner, func(set map[engine.Principal]struct{}, _ bool) {
		out = sortedMembers(set)
	})
	return out
}

// IsGuardian reports whether guardian is in owner's set.
func (r *GuardianRegistry) IsGuardian(owner, guardian engine.Principal) bool {
	var member bool
	r.items.read(owner, func(set map[engine.Principal]struct{}, _ bool) {
		_, member = set[guardian]
	})
	return member
}

// must hold the owner's shard lock
func (r *GuardianRegistry) persist(owner engine.Principal, set map[engine.Principal]struct{}) {
	rec := GuardianSet(owner, sortedMembers(set))
	r.journal.enqueue("guardians", rec.Owner, func(p Persister) error {
		return p.SaveGuardians(rec)
	})
}

func (r *GuardianRegistry) each(fn func(owner engine.Principal, guardians []engine.Principal)) {
	r.items.each(func(owner engine.Principal, set map[engine.Principal]struct{}) {
		fn(owner, sortedMembers(set))
	})
}

func (r *GuardianRegistry) restore(owner engine.Principal, guardians []engine.Principal) {
	_ = r.items.write(owner, func(_ map[engine.Principal]struct{}, _ bool, store func(map[engine.Principal]struct{})) error {
		set := make(map[engine.Principal]struct{}, len(guardians))
		for _, g := range guardians {
			if g != owner && !g.IsZero() {
				set[g] = struct{}{}
			}
		}
		store(set)
		return nil
	})
}

func sortedMembers(set map[engine.Principal]struct{}) []engine.Principal {
	out := make([]engine.Principal, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	slices.SortFunc(out, engine.Principal.Compare)
	return out
}
