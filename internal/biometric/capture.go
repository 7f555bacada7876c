package biometric

import (
	"context"

	"github.com/celerix-dev/celerix-identity/pkg/engine"
)

// StaticCapture replays a batch that was captured elsewhere, for example
// embeddings uploaded with an API request.
type StaticCapture struct {
	Batch Batch
}

// CaptureBatch returns the held batch, or ErrDeviceUnavailable when there
// is none.
func (c StaticCapture) CaptureBatch(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.Batch) == 0 {
		return nil, engine.ErrDeviceUnavailable
	}
	out := make(Batch, len(c.Batch))
	for i, s := range c.Batch {
		out[i] = append(Sample(nil), s...)
	}
	return out, nil
}
