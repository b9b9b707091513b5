package entity

import "errors"

var (
	// ErrModelUnavailable means the model is not in the READY state.
	ErrModelUnavailable = errors.New("model not ready")

	// ErrSessionLost means no live worker session exists for the video:
	// either none was opened or the worker crashed and invalidated the
	// handle. The caller must re-open the session.
	ErrSessionLost = errors.New("session not found or lost, re-open required")

	// ErrFrameOutOfRange means a frame index is negative or >= frame count.
	ErrFrameOutOfRange = errors.New("frame index out of range")

	// ErrPropagationActive means a propagation run is already in flight for
	// the video.
	ErrPropagationActive = errors.New("propagation already running for this video")

	// ErrNotFound means a video, mask or bbox lookup found nothing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPrompt means a prompt failed validation (unknown kind,
	// coordinates outside 0..1, degenerate box).
	ErrInvalidPrompt = errors.New("invalid prompt")

	// ErrInvalidDirection means a propagation direction tag is unknown.
	ErrInvalidDirection = errors.New("invalid propagation direction")
)
