// Package engine implements the identity and access-control tables and the
// persistence that backs them.
//
// The four tables are independent keyed stores. None holds a reference into
// another; cross-table decisions (recovery authorization, grant checks
// during verification) are made by looking keys up explicitly.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/celerix-dev/celerix-identity/internal/clock"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

// Options configures an Engine. Zero values select a real clock, no
// persistence, the default logger and the AnyGuardian recovery policy.
type Options struct {
	Clock     clock.Clock
	Persister Persister
	Logger    *slog.Logger
	Recovery  RecoveryPolicy
}

// Engine groups the tables served by the command channel.
type Engine struct {
	Identities *IdentityRegistry
	Guardians  *GuardianRegistry
	Grants     *AccessGrantTable
	Audit      *AuditLog

	clock    clock.Clock
	recovery RecoveryPolicy
	journal  *journal
	logger   *slog.Logger
}

// New builds an empty engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recovery == nil {
		opts.Recovery = AnyGuardian{}
	}

	var j *journal
	if opts.Persister != nil {
		j = newJournal(opts.Persister, opts.Logger)
	}

	return &Engine{
		Identities: newIdentityRegistry(opts.Clock, j),
		Guardians:  newGuardianRegistry(j),
		Grants:     newAccessGrantTable(opts.Clock, j),
		Audit:      newAuditLog(j),
		clock:      opts.Clock,
		recovery:   opts.Recovery,
		journal:    j,
		logger:     opts.Logger,
	}
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Recover replaces owner's commitment on behalf of caller, if the recovery
// policy authorizes caller. The owner itself is never authorized here; it
// uses Update.
func (e *Engine) Recover(caller, owner engine.Principal, c engine.Commitment) (engine.Identity, error) {
	if caller.IsZero() || owner.IsZero() {
		return engine.Identity{}, engine.ErrInvalidPrincipal
	}
	if caller == owner || !e.recovery.AuthorizeRecovery(caller, owner, e.Guardians) {
		return engine.Identity{}, fmt.Errorf("recover %s by %s: %w", owner, caller, engine.ErrUnauthorized)
	}

	id, err := e.Identities.Reset(owner, c)
	if err != nil {
		return engine.Identity{}, err
	}
	e.logger.Info("identity recovered", "owner", owner.String(), "guardian", caller.String())
	return id, nil
}

// Restore loads a snapshot into the tables without persisting it again.
// Records that fail validation are skipped with a warning.
func (e *Engine) Restore(s *schema.Snapshot) {
	if s == nil {
		return
	}
	for _, rec := range s.Identities {
		id, err := identityFromRecord(rec)
		if err != nil {
			e.logger.Warn("skipping identity", "principal", rec.Principal, "error", err)
			continue
		}
		e.Identities.restore(id)
	}
	for _, set := range s.Guardians {
		owner, err := engine.ParsePrincipal(set.Owner)
		if err != nil {
			e.logger.Warn("skipping guardian set", "owner", set.Owner, "error", err)
			continue
		}
		guardians := make([]engine.Principal, 0, len(set.Guardians))
		for _, g := range set.Guardians {
			p, err := engine.ParsePrincipal(g)
			if err != nil {
				e.logger.Warn("skipping guardian", "owner", set.Owner, "guardian", g, "error", err)
				continue
			}
			guardians = append(guardians, p)
		}
		e.Guardians.restore(owner, guardians)
	}
	for _, rec := range s.Grants {
		g, err := grantFromRecord(rec)
		if err != nil {
			e.logger.Warn("skipping grant", "owner", rec.Owner, "accessor", rec.Accessor, "error", err)
			continue
		}
		e.Grants.restore(g)
	}
	for _, rec := range s.Audit {
		entry, err := auditFromRecord(rec)
		if err != nil {
			e.logger.Warn("skipping audit entry", "owner", rec.Owner, "error", err)
			continue
		}
		e.Audit.restore(entry)
	}
}

// Snapshot exports the current state of every table.
func (e *Engine) Snapshot() *schema.Snapshot {
	now := e.clock.Now()
	s := &schema.Snapshot{}
	for _, id := range e.Identities.List() {
		s.Identities = append(s.Identities, IdentityRecord(id))
	}
	e.Guardians.each(func(owner engine.Principal, guardians []engine.Principal) {
		s.Guardians = append(s.Guardians, GuardianSet(owner, guardians))
	})
	e.Grants.each(func(g engine.Grant) {
		s.Grants = append(s.Grants, GrantRecord(g, now))
	})
	e.Audit.each(func(entry engine.AuditEntry) {
		s.Audit = append(s.Audit, AuditRecord(entry))
	})
	return s
}

// Wait blocks until all pending persistence writes have completed.
func (e *Engine) Wait() {
	e.journal.wait()
}

// Close flushes pending writes and stops the persistence worker.
func (e *Engine) Close() {
	e.journal.close()
}
