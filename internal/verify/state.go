package verify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-identity/internal/biometric"
	"github.com/celerix-dev/celerix-identity/pkg/cid"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

// State is a step of a verification attempt.
type State string

const (
	StateIdle          State = "idle"
	StateCapturing     State = "capturing"
	StateHashing       State = "hashing"
	StateLookup        State = "lookup"
	StateExternalMatch State = "external_match"
	StateVerified      State = "verified"
	StateRejected      State = "rejected"
	StateErrored       State = "errored"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateVerified || s == StateRejected || s == StateErrored
}

// Capturer collects a bounded batch of samples.
type Capturer interface {
	CaptureBatch(ctx context.Context) (biometric.Batch, error)
}

// Hasher computes the content identifier of a batch.
type Hasher interface {
	ComputeContentID(ctx context.Context, b biometric.Batch) (cid.ContentID, error)
}

// Matcher compares a batch with the referenced artifact.
type Matcher interface {
	Match(ctx context.Context, req biometric.MatchRequest) (biometric.MatchResult, error)
}

// Identities is the part of the identity registry used by verification.
type Identities interface {
	Lookup(p engine.Principal) engine.LookupResult
	Acknowledge(p engine.Principal, c engine.Commitment) (engine.Identity, error)
}

// AccessChecker reports whether accessor holds an active grant on owner.
type AccessChecker interface {
	CheckAccess(owner, accessor engine.Principal) bool
}

// AuditRecorder appends verification outcomes.
type AuditRecorder interface {
	Record(owner, accessor engine.Principal, ts time.Time, success bool) (engine.AuditEntry, error)
}

// Request starts one attempt. Capture overrides the orchestrator's default
// capture source; OnStateChange observes every transition, including the
// initial Idle.
type Request struct {
	Owner         engine.Principal
	Caller        engine.Principal
	Capture       Capturer
	OnStateChange func(State)
}

// Result is the terminal outcome of an attempt. Reason is empty only for
// Verified. Err holds the underlying failure for Rejected and Errored.
type Result struct {
	AttemptID uuid.UUID
	Owner     engine.Principal
	Caller    engine.Principal
	State     State
	Reason    engine.Code
	Err       error
	ContentID cid.ContentID
	Score     float64
	Entry     *engine.AuditEntry
}

// Retryable reports whether the attempt may succeed when repeated with a
// fresh capture.
func (r Result) Retryable() bool {
	return r.State == StateErrored
}

// Record converts r to its wire form.
func (r Result) Record() schema.VerificationResult {
	out := schema.VerificationResult{
		AttemptID: r.AttemptID.String(),
		Owner:     r.Owner.String(),
		Caller:    r.Caller.String(),
		State:     string(r.State),
		Reason:    string(r.Reason),
		ContentID: r.ContentID.String(),
		Score:     r.Score,
		Retryable: r.Retryable(),
	}
	if r.Err != nil {
		out.Message = r.Err.Error()
	}
	return out
}
