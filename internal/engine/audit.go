package engine

import (
	"slices"
	"time"

	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// AuditLog is the append-only, per-owner sequence of verification outcomes.
// Growth is unbounded; trimming is an operational concern outside the engine.
type AuditLog struct {
	items   *ownerShards[[]engine.AuditEntry]
	journal *journal
}

func newAuditLog(j *journal) *AuditLog {
	return &AuditLog{items: newOwnerShards[[]engine.AuditEntry](), journal: j}
}

// Record appends an entry to owner's log.
func (l *AuditLog) Record(owner, accessor engine.Principal, ts time.Time, success bool) (engine.AuditEntry, error) {
	if owner.IsZero() || accessor.IsZero() {
		return engine.AuditEntry{}, engine.ErrInvalidPrincipal
	}

	entry := engine.AuditEntry{Owner: owner, Accessor: accessor, Timestamp: ts, Success: success}
	err := l.items.write(owner, func(entries []engine.AuditEntry, _ bool, store func([]engine.AuditEntry)) error {
		store(append(entries, entry))
		rec := AuditRecord(entry)
		l.journal.enqueue("audit", rec.Owner, func(p Persister) error {
			return p.AppendAudit(rec)
		})
		return nil
	})
	return entry, err
}

// List returns owner's entries in insertion order. The returned slice is a
// copy; calling List has no side effects.
func (l *AuditLog) List(owner engine.Principal) []engine.AuditEntry {
	var out []engine.AuditEntry
	l.items.read(owner, func(entries []engine.AuditEntry, _ bool) {
		out = slices.Clone(entries)
	})
	if out == nil {
		out = []engine.AuditEntry{}
	}
	return out
}

// Stats counts owner's successful and failed entries.
func (l *AuditLog) Stats(owner engine.Principal) engine.AuditStats {
	var s engine.AuditStats
	l.items.read(owner, func(entries []engine.AuditEntry, _ bool) {
		for _, e := range entries {
			if e.Success {
				s.Succeeded++
			} else {
				s.Failed++
			}
		}
		s.Total = len(entries)
	})
	return s
}

func (l *AuditLog) each(fn func(e engine.AuditEntry)) {
	l.items.each(func(_ engine.Principal, entries []engine.AuditEntry) {
		for _, e := range entries {
			fn(e)
		}
	})
}

func (l *AuditLog) restore(e engine.AuditEntry) {
	_ = l.items.write(e.Owner, func(entries []engine.AuditEntry, _ bool, store func([]engine.AuditEntry)) error {
		store(append(entries, e))
		return nil
	})
}
