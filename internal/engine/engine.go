// Package engine is the boundary to the external object-detection engine.
//
// An engine takes one RunSpec and, as a side effect, writes annotated
// images to <spec.OutputRoot>/<spec.Name>/<input basename>. Nothing else
// about the call is relied upon: finding nothing to draw and writing no
// file is a valid outcome. A non-nil error means the invocation itself
// failed. Engines must stop promptly when ctx is cancelled.
package engine

import (
	"context"

	"detect-bridge/internal/detect"
)

type Engine interface {
	Run(ctx context.Context, spec detect.RunSpec) error
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, spec detect.RunSpec) error

func (f Func) Run(ctx context.Context, spec detect.RunSpec) error {
	return f(ctx, spec)
}
