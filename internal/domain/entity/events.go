package entity

import "time"

type EventType string

const (
	EventMaskUpdated        EventType = "mask.updated"
	EventFrameReset         EventType = "frame.reset"
	EventVideoReset         EventType = "video.reset"
	EventPropagationDone    EventType = "propagation.completed"
	EventModelStatusChanged EventType = "model.status"
)

// SegmentationEvent is the outbound message published to the broker so
// downstream pipeline stages learn when segmentation state changes.
type SegmentationEvent struct {
	Type     EventType  `json:"type"`
	VideoID  int64      `json:"video_id,omitempty"`
	FrameIdx int        `json:"frame_idx,omitempty"`
	Frames   int        `json:"frames,omitempty"`
	State    ModelState `json:"state,omitempty"`
	Error    string     `json:"error,omitempty"`
	At       time.Time  `json:"at"`
}
