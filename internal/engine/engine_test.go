package engine

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-identity/internal/clock"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

var epoch = time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)

func principal(n byte) engine.Principal {
	var p engine.Principal
	p[engine.PrincipalSize-1] = n
	p[0] = 0xa0
	return p
}

func commitment(s string) engine.Commitment {
	return sha256.Sum256([]byte(s))
}

func newTestEngine(t *testing.T) (*Engine, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(epoch)
	return New(Options{Clock: c}), c
}

func TestIdentityRegister(t *testing.T) {
	e, _ := newTestEngine(t)
	p := principal(0xa)

	id, err := e.Identities.Register(p, commitment("H1"))
	require.NoError(t, err)
	require.Equal(t, epoch, id.CreatedAt)
	require.Equal(t, id.CreatedAt, id.UpdatedAt)
	require.True(t, e.Identities.Exists(p))

	_, err = e.Identities.Register(p, commitment("H2"))
	require.ErrorIs(t, err, engine.ErrAlreadyRegistered)

	got, err := e.Identities.GetCommitment(p)
	require.NoError(t, err)
	require.Equal(t, commitment("H1"), got)
}

func TestIdentityRegisterValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Identities.Register(principal(1), engine.Commitment{})
	require.ErrorIs(t, err, engine.ErrInvalidCommitment)
	require.False(t, e.Identities.Exists(principal(1)))

	_, err = e.Identities.Register(engine.Principal{}, commitment("x"))
	require.ErrorIs(t, err, engine.ErrInvalidPrincipal)
}

func TestIdentityUpdate(t *testing.T) {
	e, c := newTestEngine(t)
	p := principal(0xa)

	_, err := e.Identities.Update(p, p, commitment("H2"))
	require.ErrorIs(t, err, engine.ErrNotRegistered)

	_, err = e.Identities.Register(p, commitment("H1"))
	require.NoError(t, err)

	c.Advance(time.Minute)
	id, err := e.Identities.Update(p, p, commitment("H2"))
	require.NoError(t, err)
	require.Equal(t, epoch, id.CreatedAt)
	require.Equal(t, epoch.Add(time.Minute), id.UpdatedAt)

	got, err := e.Identities.GetCommitment(p)
	require.NoError(t, err)
	require.Equal(t, commitment("H2"), got)

	_, err = e.Identities.Update(principal(0xb), p, commitment("H3"))
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	require.Equal(t, engine.KindAuthorization, engine.KindOf(err))

	_, err = e.Identities.Update(p, p, engine.Commitment{})
	require.ErrorIs(t, err, engine.ErrInvalidCommitment)
}

func TestIdentityUpdatedAtNeverBeforeCreatedAt(t *testing.T) {
	e, c := newTestEngine(t)
	p := principal(0xa)

	_, err := e.Identities.Register(p, commitment("H1"))
	require.NoError(t, err)

	c.Set(epoch.Add(-time.Hour))
	id, err := e.Identities.Update(p, p, commitment("H2"))
	require.NoError(t, err)
	require.False(t, id.UpdatedAt.Before(id.CreatedAt))
}

func TestIdentityLookupIsTagged(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.Identities.Lookup(principal(0xb))
	require.False(t, res.Found)

	_, err := e.Identities.GetCommitment(principal(0xb))
	require.ErrorIs(t, err, engine.ErrNotRegistered)
}

func TestIdentityAcknowledge(t *testing.T) {
	e, c := newTestEngine(t)
	p := principal(0xa)

	_, err := e.Identities.Acknowledge(p, commitment("H1"))
	require.ErrorIs(t, err, engine.ErrNotRegistered)

	_, err = e.Identities.Register(p, commitment("H1"))
	require.NoError(t, err)

	c.Advance(time.Second)
	id, err := e.Identities.Acknowledge(p, commitment("H1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id.Verifications)
	require.Equal(t, epoch.Add(time.Second), id.LastVerifiedAt)

	_, err = e.Identities.Acknowledge(p, commitment("other"))
	require.ErrorIs(t, err, engine.ErrCommitmentChanged)
}

func TestGrantExpiry(t *testing.T) {
	e, c := newTestEngine(t)
	o, a := principal(1), principal(2)

	g, err := e.Grants.GrantAccess(o, a, 10)
	require.NoError(t, err)
	require.Equal(t, epoch.Add(10*time.Second), g.ExpiresAt)
	require.True(t, e.Grants.CheckAccess(o, a))

	c.Advance(9 * time.Second)
	require.True(t, e.Grants.CheckAccess(o, a))

	c.Advance(time.Second)
	require.False(t, e.Grants.CheckAccess(o, a), "grant must lapse at expiresAt")

	c.Advance(time.Second)
	require.False(t, e.Grants.CheckAccess(o, a))
}

func TestGrantRevocation(t *testing.T) {
	e, _ := newTestEngine(t)
	o, a := principal(1), principal(2)

	_, err := e.Grants.GrantAccess(o, a, 3600)
	require.NoError(t, err)
	require.NoError(t, e.Grants.RevokeAccess(o, a))
	require.False(t, e.Grants.CheckAccess(o, a))

	// record retained
	g, ok := e.Grants.Get(o, a)
	require.True(t, ok)
	require.True(t, g.Revoked)

	// idempotent
	require.NoError(t, e.Grants.RevokeAccess(o, a))

	// re-grant clears revocation
	_, err = e.Grants.GrantAccess(o, a, 60)
	require.NoError(t, err)
	require.True(t, e.Grants.CheckAccess(o, a))
}

func TestGrantErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	o, a := principal(1), principal(2)

	for _, d := range []int64{0, -1, maxGrantSeconds + 1} {
		_, err := e.Grants.GrantAccess(o, a, d)
		require.ErrorIs(t, err, engine.ErrInvalidDuration)
	}

	require.ErrorIs(t, e.Grants.RevokeAccess(o, a), engine.ErrNoSuchGrant)
	require.False(t, e.Grants.CheckAccess(o, a))
}

func TestGrantExpiryBoundedByUnixNanos(t *testing.T) {
	e, _ := newTestEngine(t)
	o, a := principal(1), principal(2)
	longest := int64(maxExpiry.Sub(epoch) / time.Second)

	_, err := e.Grants.GrantAccess(o, a, longest+1)
	require.ErrorIs(t, err, engine.ErrInvalidDuration)
	_, ok := e.Grants.Get(o, a)
	require.False(t, ok)
	require.Empty(t, e.Grants.List(o))

	g, err := e.Grants.GrantAccess(o, a, longest)
	require.NoError(t, err)
	require.False(t, g.ExpiresAt.After(maxExpiry))
	require.Equal(t, g.ExpiresAt.UnixNano()/int64(time.Second), g.ExpiresAt.Unix())
	require.True(t, e.Grants.CheckAccess(o, a))
}

func TestGrantReplaceShortensValidity(t *testing.T) {
	e, c := newTestEngine(t)
	o, a := principal(1), principal(2)

	_, err := e.Grants.GrantAccess(o, a, 3600)
	require.NoError(t, err)
	_, err = e.Grants.GrantAccess(o, a, 5)
	require.NoError(t, err)

	c.Advance(6 * time.Second)
	require.False(t, e.Grants.CheckAccess(o, a))
	require.Len(t, e.Grants.List(o), 1)
}

func TestGuardians(t *testing.T) {
	e, _ := newTestEngine(t)
	o, g1, g2 := principal(1), principal(2), principal(3)

	require.ErrorIs(t, e.Guardians.Add(o, o), engine.ErrInvalidGuardian)

	require.NoError(t, e.Guardians.Add(o, g2))
	require.NoError(t, e.Guardians.Add(o, g1))
	require.NoError(t, e.Guardians.Add(o, g1))
	require.Equal(t, []engine.Principal{g1, g2}, e.Guardians.Guardians(o))

	// a principal may guard several owners
	require.NoError(t, e.Guardians.Add(principal(9), g1))
	require.True(t, e.Guardians.IsGuardian(principal(9), g1))

	for i := 0; i < 2; i++ {
		require.NoError(t, e.Guardians.Remove(o, g1))
		require.NotContains(t, e.Guardians.Guardians(o), g1)
	}
	require.Equal(t, []engine.Principal{g2}, e.Guardians.Guardians(o))
	require.NoError(t, e.Guardians.Remove(principal(7), g1))
}

func TestAuditLog(t *testing.T) {
	e, c := newTestEngine(t)
	o := principal(1)

	require.Empty(t, e.Audit.List(o))

	_, err := e.Audit.Record(o, principal(2), c.Now(), true)
	require.NoError(t, err)
	c.Advance(time.Second)
	_, err = e.Audit.Record(o, principal(3), c.Now(), false)
	require.NoError(t, err)

	entries := e.Audit.List(o)
	require.Len(t, entries, 2)
	require.Equal(t, principal(2), entries[0].Accessor)
	require.True(t, entries[0].Success)
	require.Equal(t, principal(3), entries[1].Accessor)
	require.False(t, entries[1].Success)

	// callers cannot edit the log through the returned slice
	entries[0].Success = false
	require.True(t, e.Audit.List(o)[0].Success)

	require.Equal(t, engine.AuditStats{Total: 2, Succeeded: 1, Failed: 1}, e.Audit.Stats(o))

	_, err = e.Audit.Record(engine.Principal{}, principal(2), c.Now(), true)
	require.ErrorIs(t, err, engine.ErrInvalidPrincipal)
}

func TestRecover(t *testing.T) {
	e, _ := newTestEngine(t)
	o, g, stranger := principal(1), principal(2), principal(3)

	_, err := e.Identities.Register(o, commitment("lost"))
	require.NoError(t, err)
	require.NoError(t, e.Guardians.Add(o, g))

	_, err = e.Recover(stranger, o, commitment("new"))
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	_, err = e.Recover(o, o, commitment("new"))
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	id, err := e.Recover(g, o, commitment("new"))
	require.NoError(t, err)
	require.Equal(t, commitment("new"), id.Commitment)

	_, err = e.Recover(g, principal(4), commitment("new"))
	require.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestRecoverCustomPolicy(t *testing.T) {
	var seen []engine.Principal
	policy := RecoveryPolicyFunc(func(caller, owner engine.Principal, guardians GuardianReader) bool {
		seen = guardians.Guardians(owner)
		return len(seen) >= 2 && guardians.IsGuardian(owner, caller)
	})
	e := New(Options{Clock: clock.Fake(epoch), Recovery: policy})
	o := principal(1)

	_, err := e.Identities.Register(o, commitment("a"))
	require.NoError(t, err)
	require.NoError(t, e.Guardians.Add(o, principal(2)))

	_, err = e.Recover(principal(2), o, commitment("b"))
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	require.NoError(t, e.Guardians.Add(o, principal(3)))
	_, err = e.Recover(principal(2), o, commitment("b"))
	require.NoError(t, err)
	require.Len(t, seen, 2)
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	e, _ := newTestEngine(t)
	const (
		numGoroutines = 16
		numOps        = 50
	)

	owners := make([]engine.Principal, 4)
	for i := range owners {
		owners[i] = principal(byte(i + 1))
		_, err := e.Identities.Register(owners[i], commitment("seed"))
		require.NoError(t, err)
	}

	valid := make(map[engine.Commitment]bool)
	for i := 0; i < numGoroutines; i++ {
		for j := 0; j < numOps; j++ {
			valid[commitment(fmt.Sprintf("%d-%d", i, j))] = true
		}
	}
	valid[commitment("seed")] = true

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				o := owners[(id+j)%len(owners)]
				_, _ = e.Identities.Update(o, o, commitment(fmt.Sprintf("%d-%d", id, j)))
				_, _ = e.Audit.Record(o, principal(0x77), epoch, j%2 == 0)
				c, err := e.Identities.GetCommitment(o)
				if err != nil || !valid[c] {
					t.Errorf("observed invalid commitment %v (err %v)", c, err)
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, o := range owners {
		total += len(e.Audit.List(o))
	}
	require.Equal(t, numGoroutines*numOps, total)
}

func TestSnapshotRestore(t *testing.T) {
	e, c := newTestEngine(t)
	o, a, g := principal(1), principal(2), principal(3)

	_, err := e.Identities.Register(o, commitment("H1"))
	require.NoError(t, err)
	_, err = e.Grants.GrantAccess(o, a, 60)
	require.NoError(t, err)
	require.NoError(t, e.Guardians.Add(o, g))
	_, err = e.Audit.Record(o, a, c.Now(), true)
	require.NoError(t, err)

	snap := e.Snapshot()

	e2 := New(Options{Clock: c})
	e2.Restore(snap)

	require.True(t, e2.Identities.Exists(o))
	require.True(t, e2.Grants.CheckAccess(o, a))
	require.Equal(t, []engine.Principal{g}, e2.Guardians.Guardians(o))
	require.Equal(t, e.Audit.List(o), e2.Audit.List(o))
}
