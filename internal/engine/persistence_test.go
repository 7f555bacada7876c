package engine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-identity/internal/clock"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistence(dir, nil)
	require.NoError(t, err)

	c := clock.Fake(epoch)
	e := New(Options{Clock: c, Persister: p})
	o, a, g := principal(1), principal(2), principal(3)

	_, err = e.Identities.Register(o, commitment("H1"))
	require.NoError(t, err)
	_, err = e.Identities.Update(o, o, commitment("H2"))
	require.NoError(t, err)
	_, err = e.Grants.GrantAccess(o, a, 60)
	require.NoError(t, err)
	require.NoError(t, e.Guardians.Add(o, g))
	_, err = e.Audit.Record(o, a, c.Now(), true)
	require.NoError(t, err)
	_, err = e.Audit.Record(o, a, c.Now().Add(time.Second), false)
	require.NoError(t, err)
	e.Close()

	// Every table lands in its own directory
	for _, f := range []string{
		filepath.Join(identitiesDir, o.String()+".json"),
		filepath.Join(guardiansDir, o.String()+".json"),
		filepath.Join(grantsDir, o.String()+".json"),
		filepath.Join(auditDir, o.String()+".jsonl"),
	} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}

	p2, err := NewPersistence(dir, nil)
	require.NoError(t, err)
	snap, err := p2.LoadAll()
	require.NoError(t, err)
	require.Len(t, snap.Identities, 1)
	require.Len(t, snap.Grants, 1)
	require.Len(t, snap.Guardians, 1)
	require.Len(t, snap.Audit, 2)

	e2 := New(Options{Clock: c})
	e2.Restore(snap)

	got, err := e2.Identities.GetCommitment(o)
	require.NoError(t, err)
	require.Equal(t, commitment("H2"), got)
	require.True(t, e2.Grants.CheckAccess(o, a))
	require.True(t, e2.Guardians.IsGuardian(o, g))
	require.Equal(t, engine.AuditStats{Total: 2, Succeeded: 1, Failed: 1}, e2.Audit.Stats(o))
}

func TestPersistenceSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistence(dir, nil)
	require.NoError(t, err)

	require.NoError(t, p.SaveIdentity(IdentityRecord(engine.Identity{
		Principal:  principal(1),
		Commitment: commitment("ok"),
		CreatedAt:  epoch,
		UpdatedAt:  epoch,
	})))
	require.NoError(t, os.WriteFile(filepath.Join(dir, identitiesDir, "broken.json"), []byte("{not json"), 0o644))

	audit := filepath.Join(dir, auditDir, principal(1).String()+".jsonl")
	require.NoError(t, p.AppendAudit(AuditRecord(engine.AuditEntry{Owner: principal(1), Accessor: principal(2), Timestamp: epoch})))
	f, err := os.OpenFile(audit, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	snap, err := p.LoadAll()
	require.NoError(t, err)
	require.Len(t, snap.Identities, 1)
	require.Len(t, snap.Audit, 1)
}

func TestRestoreSkipsInvalidRecords(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Restore(&schema.Snapshot{
		Identities: []schema.IdentityRecord{
			{Principal: "nope", Commitment: commitment("x").String()},
			{Principal: principal(1).String(), Commitment: engine.Commitment{}.String()},
			{Principal: principal(2).String(), Commitment: commitment("y").String(), CreatedAt: epoch, UpdatedAt: epoch},
		},
	})

	require.False(t, e.Identities.Exists(principal(1)))
	require.True(t, e.Identities.Exists(principal(2)))
	require.Len(t, e.Identities.List(), 1)
}

// recordingPersister captures the order in which writes reach the store.
type recordingPersister struct {
	mu      sync.Mutex
	updates []string
	audit   []schema.AuditRecord
}

func (r *recordingPersister) SaveIdentity(rec schema.IdentityRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, rec.Commitment)
	return nil
}

func (r *recordingPersister) SaveGuardians(schema.GuardianSet) error { return nil }

func (r *recordingPersister) SaveGrants(string, []schema.GrantRecord) error { return nil }

func (r *recordingPersister) AppendAudit(rec schema.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, rec)
	return nil
}

func (r *recordingPersister) LoadAll() (*schema.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := &schema.Snapshot{Audit: append([]schema.AuditRecord(nil), r.audit...)}
	return snap, nil
}

func TestJournalPreservesMutationOrder(t *testing.T) {
	rec := &recordingPersister{}
	e := New(Options{Clock: clock.Fake(epoch), Persister: rec})
	o := principal(1)

	_, err := e.Identities.Register(o, commitment("c0"))
	require.NoError(t, err)
	var want []string
	want = append(want, commitment("c0").String())
	for i := 1; i <= 100; i++ {
		c := commitment(string(rune('a'+i%26)) + string(rune(i)))
		_, err := e.Identities.Update(o, o, c)
		require.NoError(t, err)
		want = append(want, c.String())
	}
	e.Wait()

	rec.mu.Lock()
	got := append([]string(nil), rec.updates...)
	rec.mu.Unlock()
	require.Equal(t, want, got)

	// the last persisted commitment is the live one
	live, err := e.Identities.GetCommitment(o)
	require.NoError(t, err)
	require.Equal(t, live.String(), got[len(got)-1])
	e.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	e := New(Options{Persister: &recordingPersister{}})
	e.Close()
	e.Close()

	var nilEngine = New(Options{})
	nilEngine.Wait()
	nilEngine.Close()
}

func TestMutationsAfterCloseAreNotPersisted(t *testing.T) {
	rec := &recordingPersister{}
	e := New(Options{Clock: clock.Fake(epoch), Persister: rec})
	_, err := e.Identities.Register(principal(1), commitment("before"))
	require.NoError(t, err)
	e.Close()

	require.NotPanics(t, func() {
		_, err = e.Identities.Register(principal(2), commitment("after"))
		require.NoError(t, err)
		_, err = e.Audit.Record(principal(1), principal(2), epoch, true)
		require.NoError(t, err)
	})
	require.True(t, e.Identities.Exists(principal(2)))
	e.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{commitment("before").String()}, rec.updates)
	require.Empty(t, rec.audit)
}

func TestCloseWhileWriting(t *testing.T) {
	e := New(Options{Clock: clock.Fake(epoch), Persister: &recordingPersister{}})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := e.Audit.Record(principal(byte(w+1)), principal(0x50), epoch, i%2 == 0); err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}(w)
	}
	e.Close()
	wg.Wait()
}
