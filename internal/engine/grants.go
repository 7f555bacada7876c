package engine

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/celerix-dev/celerix-identity/internal/clock"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

// maxGrantSeconds keeps expiresAt representable as a time.Duration offset.
const maxGrantSeconds = math.MaxInt64 / int64(time.Second)

// maxExpiry is the latest instant with a nanosecond Unix timestamp, which
// is how durable stores keep expiresAt.
var maxExpiry = time.Unix(0, math.MaxInt64).UTC()

// AccessGrantTable holds time-bound (owner, accessor) permissions. Revoked
// grants are kept for audit.
type AccessGrantTable struct {
	items   *ownerShards[map[engine.Principal]engine.Grant]
	clock   clock.Clock
	journal *journal
}

func newAccessGrantTable(c clock.Clock, j *journal) *AccessGrantTable {
	return &AccessGrantTable{items: newOwnerShards[map[engine.Principal]engine.Grant](), clock: c, journal: j}
}

// GrantAccess creates or replaces the grant of accessor on owner, valid for
// durationSeconds from now. Re-granting clears a previous revocation.
func (t *AccessGrantTable) GrantAccess(owner, accessor engine.Principal, durationSeconds int64) (engine.Grant, error) {
	if owner.IsZero() || accessor.IsZero() {
		return engine.Grant{}, engine.ErrInvalidPrincipal
	}
	if durationSeconds <= 0 || durationSeconds > maxGrantSeconds {
		return engine.Grant{}, fmt.Errorf("grant %d seconds: %w", durationSeconds, engine.ErrInvalidDuration)
	}

	var out engine.Grant
	err := t.items.write(owner, func(grants map[engine.Principal]engine.Grant, ok bool, store func(map[engine.Principal]engine.Grant)) error {
		now := t.clock.Now()
		expiresAt := now.Add(time.Duration(durationSeconds) * time.Second)
		if expiresAt.After(maxExpiry) {
			return fmt.Errorf("grant %d seconds expires after %s: %w", durationSeconds, maxExpiry.Format(time.RFC3339), engine.ErrInvalidDuration)
		}
		if !ok {
			grants = make(map[engine.Principal]engine.Grant)
			store(grants)
		}
		out = engine.Grant{
			Owner:     owner,
			Accessor:  accessor,
			GrantedAt: now,
			ExpiresAt: expiresAt,
		}
		grants[accessor] = out
		t.persist(owner, grants, now)
		return nil
	})
	return out, err
}

// RevokeAccess marks the grant revoked. Revoking an already revoked grant
// succeeds; revoking a grant that never existed fails with ErrNoSuchGrant.
func (t *AccessGrantTable) RevokeAccess(owner, accessor engine.Principal) error {
	return t.items.write(owner, func(grants map[engine.Principal]engine.Grant, _ bool, _ func(map[engine.Principal]engine.Grant)) error {
		g, ok := grants[accessor]
		if !ok {
			return fmt.Errorf("revoke %s on %s: %w", accessor, owner, engine.ErrNoSuchGrant)
		}
		if g.Revoked {
			return nil
		}
		g.Revoked = true
		grants[accessor] = g
		t.persist(owner, grants, t.clock.Now())
		return nil
	})
}

// CheckAccess reports whether accessor currently holds an active grant on
// owner. Absence of access is not an error.
func (t *AccessGrantTable) CheckAccess(owner, accessor engine.Principal) bool {
	g, ok := t.Get(owner, accessor)
	return ok && g.Active(t.clock.Now())
}

// Get returns the grant record for the pair, active or not.
func (t *AccessGrantTable) Get(owner, accessor engine.Principal) (engine.Grant, bool) {
	var (
		g  engine.Grant
		ok bool
	)
	t.items.read(owner, func(grants map[engine.Principal]engine.Grant, _ bool) {
		g, ok = grants[accessor]
	})
	return g, ok
}

// List returns every grant issued by owner, ordered by accessor.
func (t *AccessGrantTable) List(owner engine.Principal) []engine.Grant {
	var out []engine.Grant
	t.items.read(owner, func(grants map[engine.Principal]engine.Grant, _ bool) {
		out = sortedGrants(grants)
	})
	return out
}

// Now exposes the table's clock so callers can evaluate Grant.Active
// consistently with CheckAccess.
func (t *AccessGrantTable) Now() time.Time {
	return t.clock.Now()
}

// must hold the owner's shard lock
func (t *AccessGrantTable) persist(owner engine.Principal, grants map[engine.Principal]engine.Grant, now time.Time) {
	ordered := sortedGrants(grants)
	recs := make([]schema.GrantRecord, 0, len(ordered))
	for _, g := range ordered {
		recs = append(recs, GrantRecord(g, now))
	}
	key := owner.String()
	t.journal.enqueue("grants", key, func(p Persister) error {
		return p.SaveGrants(key, recs)
	})
}

func (t *AccessGrantTable) each(fn func(g engine.Grant)) {
	t.items.each(func(_ engine.Principal, grants map[engine.Principal]engine.Grant) {
		for _, g := range sortedGrants(grants) {
			fn(g)
		}
	})
}

func (t *AccessGrantTable) restore(g engine.Grant) {
	_ = t.items.write(g.Owner, func(grants map[engine.Principal]engine.Grant, ok bool, store func(map[engine.Principal]engine.Grant)) error {
		if !ok {
			grants = make(map[engine.Principal]engine.Grant)
			store(grants)
		}
		grants[g.Accessor] = g
		return nil
	})
}

func sortedGrants(grants map[engine.Principal]engine.Grant) []engine.Grant {
	out := make([]engine.Grant, 0, len(grants))
	for _, g := range grants {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b engine.Grant) int {
		return a.Accessor.Compare(b.Accessor)
	})
	return out
}
