// Package biometric provides the reference collaborators used around
// verification: a capture source, a content hasher, an encrypted artifact
// store, enrollment and an embedding matcher.
//
// Samples are face embeddings. Extracting embeddings from images happens
// upstream of this package.
package biometric

import (
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/celerix-dev/celerix-identity/pkg/cid"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// DefaultMaxBatch bounds the number of samples in one batch.
const DefaultMaxBatch = 16

// Sample is a single embedding vector.
type Sample []float64

// Batch is the set of samples captured for one enrollment or verification.
type Batch []Sample

// artifactVersion is stored inside every encoded batch.
const artifactVersion = 1

type artifact struct {
	Version uint      `cbor:"1,keyasint"`
	Samples []float64 `cbor:"2,keyasint"`
	Dim     uint      `cbor:"3,keyasint"`
}

// encMode uses Core Deterministic Encoding so the same batch always
// produces the same bytes, and therefore the same content identifier.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("biometric: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("biometric: CBOR decoder initialization failed: " + err.Error())
	}
}

// Validate checks that b is non-empty, at most maxBatch long, and made of
// finite vectors of one dimension.
func (b Batch) Validate(maxBatch int) error {
	if len(b) == 0 {
		return fmt.Errorf("empty batch: %w", engine.ErrInvalidBatch)
	}
	if maxBatch > 0 && len(b) > maxBatch {
		return fmt.Errorf("batch of %d exceeds %d: %w", len(b), maxBatch, engine.ErrInvalidBatch)
	}
	dim := len(b[0])
	for i, s := range b {
		if len(s) == 0 || len(s) != dim {
			return fmt.Errorf("sample %d has dimension %d, want %d: %w", i, len(s), dim, engine.ErrInvalidBatch)
		}
		for _, v := range s {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("sample %d is not finite: %w", i, engine.ErrInvalidBatch)
			}
		}
	}
	return nil
}

// Encode serializes b deterministically. The batch must be valid.
func Encode(b Batch) ([]byte, error) {
	if err := b.Validate(0); err != nil {
		return nil, err
	}
	dim := len(b[0])
	flat := make([]float64, 0, dim*len(b))
	for _, s := range b {
		flat = append(flat, s...)
	}
	return encMode.Marshal(artifact{Version: artifactVersion, Samples: flat, Dim: uint(dim)})
}

// Decode reverses Encode.
func Decode(data []byte) (Batch, error) {
	var a artifact
	if err := decMode.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if a.Version != artifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", a.Version)
	}
	if a.Dim == 0 || len(a.Samples)%int(a.Dim) != 0 {
		return nil, fmt.Errorf("artifact of %d values is not a multiple of dimension %d", len(a.Samples), a.Dim)
	}
	dim := int(a.Dim)
	out := make(Batch, 0, len(a.Samples)/dim)
	for i := 0; i < len(a.Samples); i += dim {
		out = append(out, Sample(a.Samples[i:i+dim]))
	}
	return out, nil
}

// Digest returns the sha2-256 commitment of the encoded batch.
func Digest(b Batch) (engine.Commitment, error) {
	data, err := Encode(b)
	if err != nil {
		return engine.Commitment{}, err
	}
	return sha256.Sum256(data), nil
}

// ContentID returns the content identifier of b.
func ContentID(b Batch) (cid.ContentID, error) {
	c, err := Digest(b)
	if err != nil {
		return "", err
	}
	return cid.EncodeCommitment(c), nil
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in dimension or either has zero norm.
func Cosine(a, b Sample) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
