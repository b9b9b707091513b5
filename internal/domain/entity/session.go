package entity

import "time"

// SessionDescriptor is the serving-process view of a worker session. The
// worker's temporal memory behind Handle is opaque and never replicated
// here; when the worker dies the handle is invalid and the descriptor is
// discarded.
type SessionDescriptor struct {
	VideoID    int64     `json:"video_id"`
	Handle     string    `json:"-"`
	FrameCount int       `json:"frame_count"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	FPS        float64   `json:"fps"`
	OpenedAt   time.Time `json:"opened_at"`
}

// ValidFrame reports whether idx addresses a frame of this video.
func (s *SessionDescriptor) ValidFrame(idx int) bool {
	return idx >= 0 && idx < s.FrameCount
}
