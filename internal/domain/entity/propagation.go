package entity

import "fmt"

type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionForward, DirectionBackward:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, s)
	}
}

// PropagationRun describes one bounded propagation pass. Runs are ephemeral:
// they exist only while streaming and are never persisted or resumed.
// FramesProcessed counts frames whose masks were durably written, which on a
// failed run is how far it got.
type PropagationRun struct {
	VideoID         int64     `json:"video_id"`
	StartFrame      int       `json:"start_frame"`
	Direction       Direction `json:"direction"`
	MaxFrames       int       `json:"max_frames"`
	FramesProcessed int       `json:"frames_processed"`
}
