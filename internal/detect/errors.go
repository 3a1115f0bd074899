package detect

import (
	perrors "github.com/jmgilman/go/errors"
)

// Sentinel errors for detection requests. Wrap them with fmt.Errorf("%w")
// so callers can match with errors.Is and the transport can map the code.
var (
	// ErrBusy is returned when the requester already has a detection in flight.
	ErrBusy = perrors.New(perrors.CodeRateLimit, "a detection is already running for this requester, try again later")

	// ErrNotAnImage is returned when the uploaded content is not an image.
	ErrNotAnImage = perrors.New(perrors.CodeInvalidInput, "uploaded content is not an image")

	// ErrInvalidRequest is returned for an empty image, unknown mode or bad class filter.
	ErrInvalidRequest = perrors.New(perrors.CodeInvalidInput, "invalid detection request")

	// ErrForbiddenMode is returned when the requester may not use the selected mode.
	ErrForbiddenMode = perrors.New(perrors.CodeForbidden, "detection mode not allowed for this requester")

	// ErrEngineTimeout is returned when a single run exceeded its time limit.
	// It aborts the whole logical request.
	ErrEngineTimeout = perrors.New(perrors.CodeTimeout, "processing took too long")

	// ErrEngineFailure is returned when the engine raised an unexpected error.
	ErrEngineFailure = perrors.New(perrors.CodeExecutionFailed, "detection engine failed")
)
