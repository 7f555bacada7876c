package biometric

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/celerix-dev/celerix-identity/internal/vault"
	"github.com/celerix-dev/celerix-identity/pkg/cid"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// DefaultThreshold is the minimum cosine similarity accepted as a match.
const DefaultThreshold = 0.85

// Enrollment is the outcome of storing a reference artifact. The caller
// registers Commitment with the identity registry.
type Enrollment struct {
	Owner      engine.Principal
	Commitment engine.Commitment
	ContentID  cid.ContentID
}

// MatchRequest asks whether Batch belongs to Owner, given the reference
// artifact addressed by Reference.
type MatchRequest struct {
	Owner     engine.Principal
	Batch     Batch
	Reference cid.ContentID
}

// MatchResult is the matcher's verdict. Score is the best similarity seen.
type MatchResult struct {
	Matched bool
	Score   float64
}

// Options configures a Service.
type Options struct {
	Store     ArtifactStore
	MasterKey []byte
	Threshold float64
	MaxBatch  int
	Logger    *slog.Logger
}

// Service enrolls reference artifacts and matches fresh batches against
// them. Artifacts are sealed under a key derived per owner and bound to
// their commitment.
type Service struct {
	store     ArtifactStore
	masterKey []byte
	threshold float64
	maxBatch  int
	logger    *slog.Logger
}

// NewService validates opts and builds a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("artifact store is required")
	}
	if len(opts.MasterKey) != vault.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes", vault.KeySize)
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Threshold < -1 || opts.Threshold > 1 {
		return nil, fmt.Errorf("threshold %v outside [-1, 1]", opts.Threshold)
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:     opts.Store,
		masterKey: bytes.Clone(opts.MasterKey),
		threshold: opts.Threshold,
		maxBatch:  opts.MaxBatch,
		logger:    opts.Logger,
	}, nil
}

// MaxBatch reports the largest accepted batch.
func (s *Service) MaxBatch() int { return s.maxBatch }

// Enroll seals and stores b as owner's reference artifact.
func (s *Service) Enroll(ctx context.Context, owner engine.Principal, b Batch) (Enrollment, error) {
	if owner.IsZero() {
		return Enrollment{}, engine.ErrInvalidPrincipal
	}
	if err := b.Validate(s.maxBatch); err != nil {
		return Enrollment{}, err
	}

	plain, err := Encode(b)
	if err != nil {
		return Enrollment{}, err
	}
	commitment := engine.Commitment(sha256.Sum256(plain))

	key, err := vault.DeriveKey(s.masterKey, owner.Bytes())
	if err != nil {
		return Enrollment{}, err
	}
	blob, err := vault.Seal(plain, key, commitment[:])
	if err != nil {
		return Enrollment{}, fmt.Errorf("seal artifact: %w", err)
	}

	id := cid.EncodeCommitment(commitment)
	if err := s.store.Put(ctx, id, blob); err != nil {
		return Enrollment{}, engine.Wrap(engine.CodeArtifactUnavailable, "store artifact", err)
	}
	s.logger.Debug("artifact enrolled", "owner", owner.String(), "cid", id.String(), "samples", len(b))
	return Enrollment{Owner: owner, Commitment: commitment, ContentID: id}, nil
}

// ComputeContentID hashes a captured batch.
func (s *Service) ComputeContentID(ctx context.Context, b Batch) (cid.ContentID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := b.Validate(s.maxBatch); err != nil {
		return "", err
	}
	id, err := ContentID(b)
	if err != nil {
		return "", engine.Wrap(engine.CodeHashingFailed, "hash batch", err)
	}
	return id, nil
}

// Match compares every captured sample with every reference sample and
// matches when the best cosine similarity reaches the threshold.
func (s *Service) Match(ctx context.Context, req MatchRequest) (MatchResult, error) {
	if err := req.Batch.Validate(s.maxBatch); err != nil {
		return MatchResult{}, err
	}
	reference, err := s.load(ctx, req.Owner, req.Reference)
	if err != nil {
		return MatchResult{}, err
	}

	best := -1.0
	for _, captured := range req.Batch {
		for _, stored := range reference {
			if sim := Cosine(captured, stored); sim > best {
				best = sim
			}
			if best >= s.threshold {
				return MatchResult{Matched: true, Score: best}, nil
			}
		}
	}
	return MatchResult{Matched: false, Score: best}, nil
}

func (s *Service) load(ctx context.Context, owner engine.Principal, id cid.ContentID) (Batch, error) {
	commitment, err := cid.Decode(id)
	if err != nil {
		return nil, err
	}
	blob, err := s.store.Get(ctx, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, engine.Wrap(engine.CodeArtifactUnavailable, "fetch reference artifact", err)
	}

	key, err := vault.DeriveKey(s.masterKey, owner.Bytes())
	if err != nil {
		return nil, err
	}
	plain, err := vault.Open(blob, key, commitment[:])
	if err != nil {
		return nil, engine.Wrap(engine.CodeMatchFailed, "open reference artifact", err)
	}
	if sha256.Sum256(plain) != commitment {
		return nil, engine.New(engine.CodeMatchFailed, "reference artifact does not match its content identifier")
	}
	reference, err := Decode(plain)
	if err != nil {
		return nil, engine.Wrap(engine.CodeMatchFailed, "decode reference artifact", err)
	}
	return reference, nil
}
