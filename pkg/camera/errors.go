package camera

import "errors"

var (
	// ErrNoFrame is returned when the source has nothing buffered yet.
	// Callers treat it as a silent skip.
	ErrNoFrame = errors.New("camera: no frame available")

	// ErrInvalidSource is returned when no camera is selected or a remote
	// camera has no URL.
	ErrInvalidSource = errors.New("camera: invalid source")
)
