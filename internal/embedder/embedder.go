package embedder

import (
	"context"
	"errors"
)

// ErrNoFaceDetected is returned when the model finds no face in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// Provider turns raw image bytes into a face embedding.
// Implementations return ErrNoFaceDetected when the image holds no face and
// should honour ctx cancellation where the transport allows it.
type Provider interface {
	Embed(ctx context.Context, image []byte) ([]float64, error)
}

// HealthChecker is implemented by providers that can report readiness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, image []byte) ([]float64, error)

// Embed calls f.
func (f Func) Embed(ctx context.Context, image []byte) ([]float64, error) {
	return f(ctx, image)
}
