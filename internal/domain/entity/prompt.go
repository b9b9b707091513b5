package entity

import (
	"fmt"
	"time"
)

type PromptKind string

const (
	PromptPositivePoint PromptKind = "positive_point"
	PromptNegativePoint PromptKind = "negative_point"
	PromptBox           PromptKind = "box"
)

// ParsePromptKind validates a prompt kind tag coming from an API or IPC
// boundary. Unknown tags are rejected, never passed through.
func ParsePromptKind(s string) (PromptKind, error) {
	switch PromptKind(s) {
	case PromptPositivePoint, PromptNegativePoint, PromptBox:
		return PromptKind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidPrompt, s)
	}
}

// Prompt is one user-supplied hint on a frame. Coordinates are normalized
// to 0..1 of the frame dimensions. X2/Y2 hold the far box corner and are
// zero for point prompts. Prompts are immutable once created; the only
// mutation is deletion.
type Prompt struct {
	ID        int64      `json:"id"`
	VideoID   int64      `json:"video_id"`
	FrameIdx  int        `json:"frame_idx"`
	Kind      PromptKind `json:"kind"`
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	X2        float64    `json:"x2,omitempty"`
	Y2        float64    `json:"y2,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func NewPrompt(videoID int64, frameIdx int, kind PromptKind, x, y, x2, y2 float64) (*Prompt, error) {
	if _, err := ParsePromptKind(string(kind)); err != nil {
		return nil, err
	}
	if frameIdx < 0 {
		return nil, fmt.Errorf("%w: frame %d", ErrFrameOutOfRange, frameIdx)
	}
	if !inUnit(x) || !inUnit(y) {
		return nil, fmt.Errorf("%w: coordinates (%v, %v) outside 0..1", ErrInvalidPrompt, x, y)
	}
	if kind == PromptBox {
		if !inUnit(x2) || !inUnit(y2) {
			return nil, fmt.Errorf("%w: box corner (%v, %v) outside 0..1", ErrInvalidPrompt, x2, y2)
		}
		if x2 <= x || y2 <= y {
			return nil, fmt.Errorf("%w: degenerate box", ErrInvalidPrompt)
		}
	} else if x2 != 0 || y2 != 0 {
		return nil, fmt.Errorf("%w: point prompt with box corner", ErrInvalidPrompt)
	}

	return &Prompt{
		VideoID:   videoID,
		FrameIdx:  frameIdx,
		Kind:      kind,
		X:         x,
		Y:         y,
		X2:        x2,
		Y2:        y2,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
