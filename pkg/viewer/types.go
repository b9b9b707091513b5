// Package viewer is a client library for segmentation editing frontends. It
// wraps the service's HTTP API and adds the client-side state an interactive
// editor needs: a frame-keyed mask cache with stale-response discarding, a
// prefetcher that keeps a window of masks ahead of the playback head, and a
// playback loop that maps a running clock to exact-frame cache hits.
//
// The package is self-contained on purpose: frontends embedding it depend on
// nothing beyond the standard library.
package viewer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"
)

const (
	PromptPositivePoint = "positive_point"
	PromptNegativePoint = "negative_point"
	PromptBox           = "box"

	DirectionForward  = "forward"
	DirectionBackward = "backward"
)

// ModelStatus mirrors the service's model state payload.
type ModelStatus struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func (s ModelStatus) Ready() bool { return s.State == "READY" }

// Video is a catalog entry.
type Video struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the metadata returned when a worker session is opened.
type Session struct {
	VideoID    int64   `json:"video_id"`
	FrameCount int     `json:"frame_count"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
}

// Prompt is a stored prompt as the service reports it.
type Prompt struct {
	ID        int64     `json:"id"`
	VideoID   int64     `json:"video_id"`
	FrameIdx  int       `json:"frame_idx"`
	Kind      string    `json:"kind"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	X2        float64   `json:"x2,omitempty"`
	Y2        float64   `json:"y2,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PromptInput is a prompt to submit. Coordinates are normalized to 0..1;
// X2/Y2 are only set for box prompts.
type PromptInput struct {
	FrameIdx int     `json:"frame_idx"`
	Kind     string  `json:"kind"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	X2       float64 `json:"x2,omitempty"`
	Y2       float64 `json:"y2,omitempty"`
}

// Bbox is a frame's object bounding box in pixels.
type Bbox struct {
	VideoID  int64   `json:"video_id"`
	FrameIdx int     `json:"frame_idx"`
	X1       float64 `json:"x1"`
	Y1       float64 `json:"y1"`
	X2       float64 `json:"x2"`
	Y2       float64 `json:"y2"`
}

// Mask holds one frame's segmentation mask as PNG bytes, decoded lazily.
type Mask struct {
	FrameIdx int
	PNG      []byte
}

// Image decodes the mask raster.
func (m *Mask) Image() (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(m.PNG))
	if err != nil {
		return nil, fmt.Errorf("decode mask png: %w", err)
	}
	return img, nil
}

// PromptResult is the frame state recomputed by an add-prompt call: the
// stored prompt, the fresh mask, and the derived box (nil when the mask came
// back empty).
type PromptResult struct {
	Prompt Prompt
	Mask   *Mask
	Bbox   *Bbox
}

// MaskBatch covers the frames [Start, Start+Count). Masks[i] belongs to
// frame Start+i and is nil when that frame has no mask; a nil slot is still
// an answer, the frame is known to be mask-free.
type MaskBatch struct {
	VideoID int64
	Start   int
	Count   int
	Masks   []*Mask
}

// PropagateResult reports a propagation run. On partial failure Partial is
// set and FramesProcessed counts the frames that were durably written before
// the run stopped.
type PropagateResult struct {
	VideoID         int64  `json:"video_id"`
	StartFrame      int    `json:"start_frame"`
	Direction       string `json:"direction"`
	MaxFrames       int    `json:"max_frames"`
	FramesProcessed int    `json:"frames_processed"`
	Partial         bool   `json:"partial,omitempty"`
	Error           string `json:"error,omitempty"`
}

// APIError is a non-2xx reply from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool { return hasStatus(err, 404) }

// IsModelUnavailable reports whether err means the model is not READY. The
// client should surface a "model loading" state and retry after the status
// stream reports READY.
func IsModelUnavailable(err error) bool { return hasStatus(err, 503) }

// IsConflict reports whether err is a session-lost or concurrent-propagation
// conflict. The client recovers by re-opening the session or waiting for the
// active run.
func IsConflict(err error) bool { return hasStatus(err, 409) }

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}
