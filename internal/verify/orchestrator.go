// Package verify runs biometric verification attempts against the identity
// registry.
//
// An attempt moves Idle → Capturing → Hashing → Lookup → ExternalMatch and
// ends in Verified, Rejected or Errored. Only a completed match (either
// outcome) writes to the audit log. Rejections before the match, external
// failures, timeouts and cancellations leave every table untouched.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/celerix-dev/celerix-identity/internal/biometric"
	"github.com/celerix-dev/celerix-identity/internal/clock"
	"github.com/celerix-dev/celerix-identity/pkg/cid"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// DefaultStepTimeout bounds each external call of an attempt.
const DefaultStepTimeout = 10 * time.Second

const tracerName = "github.com/celerix-dev/celerix-identity/internal/verify"

// Config wires an Orchestrator to its collaborators. Capture may be nil if
// every Request carries its own.
type Config struct {
	Identities  Identities
	Grants      AccessChecker
	Audit       AuditRecorder
	Capture     Capturer
	Hasher      Hasher
	Matcher     Matcher
	Clock       clock.Clock
	StepTimeout time.Duration
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Orchestrator runs verification attempts. It is safe for concurrent use;
// attempts share nothing but the tables they read and write.
type Orchestrator struct {
	cfg Config
}

// New checks cfg and fills defaults.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Identities == nil:
		return nil, errors.New("verify: identities are required")
	case cfg.Grants == nil:
		return nil, errors.New("verify: grants are required")
	case cfg.Audit == nil:
		return nil, errors.New("verify: audit log is required")
	case cfg.Hasher == nil:
		return nil, errors.New("verify: hasher is required")
	case cfg.Matcher == nil:
		return nil, errors.New("verify: matcher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Orchestrator{cfg: cfg}, nil
}

// StepTimeout returns the bound applied to each external call.
func (o *Orchestrator) StepTimeout() time.Duration {
	return o.cfg.StepTimeout
}

// attempt carries the state of one run.
type attempt struct {
	o      *Orchestrator
	req    Request
	res    Result
	span   trace.Span
	logger *slog.Logger
}

// Verify runs one attempt to completion. The returned Result is always
// terminal; Verify never returns an error of its own.
func (o *Orchestrator) Verify(ctx context.Context, req Request) Result {
	id := uuid.New()
	ctx, span := o.cfg.Tracer.Start(ctx, "verify.attempt", trace.WithAttributes(
		attribute.String("attempt.id", id.String()),
		attribute.String("identity.owner", req.Owner.String()),
		attribute.String("identity.caller", req.Caller.String()),
	))
	defer span.End()

	a := &attempt{
		o:    o,
		req:  req,
		res:  Result{AttemptID: id, Owner: req.Owner, Caller: req.Caller, State: StateIdle},
		span: span,
		logger: o.cfg.Logger.With(
			"attempt", id.String(),
			"owner", req.Owner.String(),
			"caller", req.Caller.String(),
		),
	}
	a.emit(StateIdle)
	a.run(ctx)
	a.finish()
	return a.res
}

func (a *attempt) run(ctx context.Context) {
	cfg := a.o.cfg
	owner, caller := a.req.Owner, a.req.Caller

	if owner.IsZero() || caller.IsZero() {
		a.reject(engine.ErrInvalidPrincipal)
		return
	}
	if caller != owner && !cfg.Grants.CheckAccess(owner, caller) {
		a.reject(fmt.Errorf("%s on %s: %w", caller, owner, engine.ErrAccessDenied))
		return
	}

	capture := a.req.Capture
	if capture == nil {
		capture = cfg.Capture
	}
	if capture == nil {
		a.fail(engine.ErrDeviceUnavailable)
		return
	}

	a.emit(StateCapturing)
	batch, err := step(ctx, cfg.StepTimeout, engine.ErrDeviceUnavailable, capture.CaptureBatch)
	if err != nil {
		a.stop(err)
		return
	}
	if len(batch) == 0 {
		a.reject(engine.ErrInvalidBatch)
		return
	}

	a.emit(StateHashing)
	contentID, err := step(ctx, cfg.StepTimeout, engine.ErrHashingFailed, func(ctx context.Context) (cid.ContentID, error) {
		return cfg.Hasher.ComputeContentID(ctx, batch)
	})
	if err != nil {
		a.stop(err)
		return
	}
	a.res.ContentID = contentID

	a.emit(StateLookup)
	found := cfg.Identities.Lookup(owner)
	if !found.Found {
		a.reject(fmt.Errorf("lookup %s: %w", owner, engine.ErrNotRegistered))
		return
	}
	commitment := found.Identity.Commitment

	a.emit(StateExternalMatch)
	match, err := step(ctx, cfg.StepTimeout, engine.ErrMatchFailed, func(ctx context.Context) (biometric.MatchResult, error) {
		return cfg.Matcher.Match(ctx, biometric.MatchRequest{
			Owner:     owner,
			Batch:     batch,
			Reference: cid.EncodeCommitment(commitment),
		})
	})
	if err != nil {
		a.stop(err)
		return
	}
	a.res.Score = match.Score

	// Last point at which cancellation leaves no trace.
	if err := ctx.Err(); err != nil {
		a.stop(contextError(ctx, err))
		return
	}

	now := cfg.Clock.Now()
	if !match.Matched {
		entry, err := cfg.Audit.Record(owner, caller, now, false)
		if err != nil {
			a.fail(err)
			return
		}
		a.res.Entry = &entry
		a.reject(engine.New(engine.CodeNoMatch, "captured batch does not match the reference artifact"))
		return
	}

	if _, err := cfg.Identities.Acknowledge(owner, commitment); err != nil {
		a.stop(err)
		return
	}
	entry, err := cfg.Audit.Record(owner, caller, now, true)
	if err != nil {
		a.fail(err)
		return
	}
	a.res.Entry = &entry
	a.emit(StateVerified)
}

// stop ends the attempt according to the kind of err: external and
// uncoded failures are Errored, deterministic ones Rejected.
func (a *attempt) stop(err error) {
	if k := engine.KindOf(err); k == engine.KindExternal || k == engine.KindInternal || k == "" {
		a.fail(err)
		return
	}
	a.reject(err)
}

func (a *attempt) reject(err error) {
	a.res.Reason = engine.CodeOf(err)
	a.res.Err = err
	a.emit(StateRejected)
}

func (a *attempt) fail(err error) {
	a.res.Reason = engine.CodeOf(err)
	if a.res.Reason == "" {
		a.res.Reason = engine.CodeInternal
	}
	a.res.Err = err
	a.emit(StateErrored)
}

func (a *attempt) emit(s State) {
	a.res.State = s
	a.span.AddEvent("state", trace.WithAttributes(attribute.String("verify.state", string(s))))
	if a.req.OnStateChange != nil {
		a.req.OnStateChange(s)
	}
}

func (a *attempt) finish() {
	res := a.res
	a.span.SetAttributes(
		attribute.String("verify.state", string(res.State)),
		attribute.String("verify.reason", string(res.Reason)),
	)
	switch res.State {
	case StateVerified:
		a.span.SetStatus(codes.Ok, "")
		a.logger.Info("verification succeeded", "state", res.State, "score", res.Score)
	case StateRejected:
		a.logger.Info("verification rejected", "state", res.State, "reason", res.Reason, "error", res.Err)
	default:
		a.span.RecordError(res.Err)
		a.span.SetStatus(codes.Error, string(res.Reason))
		a.logger.Warn("verification errored", "state", res.State, "reason", res.Reason, "error", res.Err)
	}
}

// step runs fn under a per-step deadline. fn's result is abandoned if the
// deadline passes or ctx is cancelled first, so a collaborator that
// ignores its context cannot hold the attempt open. Errors without a
// reason code are wrapped in fallback.
func step[T any](ctx context.Context, timeout time.Duration, fallback *engine.Error, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, contextError(ctx, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(stepCtx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.v, nil
		}
		if stepCtx.Err() != nil {
			return zero, contextError(ctx, stepCtx.Err())
		}
		if engine.CodeOf(r.err) == "" {
			return zero, engine.Wrap(fallback.Code, fallback.Message, r.err)
		}
		return zero, r.err
	case <-stepCtx.Done():
		return zero, contextError(ctx, stepCtx.Err())
	}
}

// contextError distinguishes a cancelled attempt from an expired step.
func contextError(parent context.Context, err error) error {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return engine.Wrap(engine.CodeCancelled, "verification cancelled", parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.Wrap(engine.CodeTimeout, "external step timed out", err)
	}
	return engine.Wrap(engine.CodeCancelled, "verification cancelled", err)
}
