package sdk

import (
	"fmt"

	core "github.com/celerix-dev/celerix-identity/internal/engine"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

// Local serves IdentityStore straight from an in-process engine. The
// daemon's command channels use it per connection, bound to whichever
// principal authenticated.
type Local struct {
	engine *core.Engine
	caller engine.Principal
	owned  bool
}

// NewLocal binds e to caller. A zero caller may read but not mutate.
func NewLocal(e *core.Engine, caller engine.Principal) *Local {
	return &Local{engine: e, caller: caller}
}

// As returns a view of the same engine bound to another caller.
func (l *Local) As(caller engine.Principal) *Local {
	return &Local{engine: l.engine, caller: caller}
}

func (l *Local) Caller() engine.Principal {
	return l.caller
}

// Engine exposes the underlying tables.
func (l *Local) Engine() *core.Engine {
	return l.engine
}

func (l *Local) requireCaller(op string) error {
	if l.caller.IsZero() {
		return engine.Wrap(engine.CodeUnauthorized, op+" requires an authenticated caller", nil)
	}
	return nil
}

func (l *Local) Exists(p engine.Principal) (bool, error) {
	if p.IsZero() {
		return false, engine.ErrInvalidPrincipal
	}
	return l.engine.Identities.Exists(p), nil
}

func (l *Local) GetCommitment(p engine.Principal) (engine.Commitment, error) {
	return l.engine.Identities.GetCommitment(p)
}

func (l *Local) Identity(p engine.Principal) (schema.IdentityRecord, error) {
	if p.IsZero() {
		return schema.IdentityRecord{}, engine.ErrInvalidPrincipal
	}
	res := l.engine.Identities.Lookup(p)
	if !res.Found {
		return schema.IdentityRecord{}, fmt.Errorf("identity %s: %w", p, engine.ErrNotRegistered)
	}
	return core.IdentityRecord(res.Identity), nil
}

func (l *Local) Register(c engine.Commitment) (schema.IdentityRecord, error) {
	if err := l.requireCaller("register"); err != nil {
		return schema.IdentityRecord{}, err
	}
	id, err := l.engine.Identities.Register(l.caller, c)
	if err != nil {
		return schema.IdentityRecord{}, err
	}
	return core.IdentityRecord(id), nil
}

func (l *Local) Update(c engine.Commitment) (schema.IdentityRecord, error) {
	if err := l.requireCaller("update"); err != nil {
		return schema.IdentityRecord{}, err
	}
	id, err := l.engine.Identities.Update(l.caller, l.caller, c)
	if err != nil {
		return schema.IdentityRecord{}, err
	}
	return core.IdentityRecord(id), nil
}

func (l *Local) Recover(owner engine.Principal, c engine.Commitment) (schema.IdentityRecord, error) {
	if err := l.requireCaller("recover"); err != nil {
		return schema.IdentityRecord{}, err
	}
	id, err := l.engine.Recover(l.caller, owner, c)
	if err != nil {
		return schema.IdentityRecord{}, err
	}
	return core.IdentityRecord(id), nil
}

func (l *Local) Grant(accessor engine.Principal, seconds int64) (schema.GrantRecord, error) {
	if err := l.requireCaller("grant"); err != nil {
		return schema.GrantRecord{}, err
	}
	g, err := l.engine.Grants.GrantAccess(l.caller, accessor, seconds)
	if err != nil {
		return schema.GrantRecord{}, err
	}
	return core.GrantRecord(g, l.engine.Now()), nil
}

func (l *Local) Revoke(accessor engine.Principal) error {
	if err := l.requireCaller("revoke"); err != nil {
		return err
	}
	return l.engine.Grants.RevokeAccess(l.caller, accessor)
}

func (l *Local) CheckAccess(owner, accessor engine.Principal) (bool, error) {
	if owner.IsZero() || accessor.IsZero() {
		return false, engine.ErrInvalidPrincipal
	}
	return l.engine.Grants.CheckAccess(owner, accessor), nil
}

// GetGrant returns the pair's grant whether or not it is still active.
func (l *Local) GetGrant(owner, accessor engine.Principal) (schema.GrantRecord, error) {
	if owner.IsZero() || accessor.IsZero() {
		return schema.GrantRecord{}, engine.ErrInvalidPrincipal
	}
	g, ok := l.engine.Grants.Get(owner, accessor)
	if !ok {
		return schema.GrantRecord{}, fmt.Errorf("grant %s on %s: %w", accessor, owner, engine.ErrNoSuchGrant)
	}
	return core.GrantRecord(g, l.engine.Now()), nil
}

func (l *Local) Grants(owner engine.Principal) ([]schema.GrantRecord, error) {
	if owner.IsZero() {
		return nil, engine.ErrInvalidPrincipal
	}
	now := l.engine.Now()
	grants := l.engine.Grants.List(owner)
	out := make([]schema.GrantRecord, 0, len(grants))
	for _, g := range grants {
		out = append(out, core.GrantRecord(g, now))
	}
	return out, nil
}

func (l *Local) AddGuardian(guardian engine.Principal) error {
	if err := l.requireCaller("add guardian"); err != nil {
		return err
	}
	return l.engine.Guardians.Add(l.caller, guardian)
}

func (l *Local) RemoveGuardian(guardian engine.Principal) error {
	if err := l.requireCaller("remove guardian"); err != nil {
		return err
	}
	return l.engine.Guardians.Remove(l.caller, guardian)
}

func (l *Local) Guardians(owner engine.Principal) ([]engine.Principal, error) {
	if owner.IsZero() {
		return nil, engine.ErrInvalidPrincipal
	}
	return l.engine.Guardians.Guardians(owner), nil
}

func (l *Local) Audit(owner engine.Principal) ([]schema.AuditRecord, error) {
	if owner.IsZero() {
		return nil, engine.ErrInvalidPrincipal
	}
	entries := l.engine.Audit.List(owner)
	out := make([]schema.AuditRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, core.AuditRecord(e))
	}
	return out, nil
}

func (l *Local) AuditStats(owner engine.Principal) (schema.AuditStats, error) {
	if owner.IsZero() {
		return schema.AuditStats{}, engine.ErrInvalidPrincipal
	}
	s := l.engine.Audit.Stats(owner)
	return schema.AuditStats{Owner: owner.String(), Total: s.Total, Succeeded: s.Succeeded, Failed: s.Failed}, nil
}

// Close flushes and stops the engine if this Local opened it.
func (l *Local) Close() error {
	if l.owned {
		l.engine.Close()
	}
	return nil
}
