package api

import "github.com/ethoseg/segmentation-service/internal/domain/entity"

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ModelStatusResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type RegisterVideoRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type AddPromptRequest struct {
	FrameIdx int     `json:"frame_idx"`
	Kind     string  `json:"kind"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	X2       float64 `json:"x2,omitempty"`
	Y2       float64 `json:"y2,omitempty"`
}

// AddPromptResponse carries the recomputed frame state so the client can
// update its cache without a second round trip.
type AddPromptResponse struct {
	Prompt *entity.Prompt `json:"prompt"`
	Mask   *MaskPayload   `json:"mask"`
	Bbox   *entity.Bbox   `json:"bbox,omitempty"`
}

// MaskPayload is a mask inlined into JSON, PNG bytes in base64. A nil
// payload in a batch slot means the frame has no mask.
type MaskPayload struct {
	FrameIdx  int    `json:"frame_idx"`
	PNGBase64 string `json:"png_base64"`
}

// MaskBatchResponse covers every frame in [Start, Start+Count): Masks[i]
// belongs to frame Start+i and is null when the frame has no mask.
type MaskBatchResponse struct {
	VideoID int64          `json:"video_id"`
	Start   int            `json:"start"`
	Count   int            `json:"count"`
	Masks   []*MaskPayload `json:"masks"`
}

// BboxBatchResponse mirrors MaskBatchResponse for bounding boxes.
type BboxBatchResponse struct {
	VideoID int64          `json:"video_id"`
	Start   int            `json:"start"`
	Count   int            `json:"count"`
	Bboxes  []*entity.Bbox `json:"bboxes"`
}

type PropagateRequest struct {
	StartFrame int    `json:"start_frame"`
	Direction  string `json:"direction"`
	MaxFrames  int    `json:"max_frames"`
}

type PropagateResponse struct {
	VideoID         int64  `json:"video_id"`
	StartFrame      int    `json:"start_frame"`
	Direction       string `json:"direction"`
	MaxFrames       int    `json:"max_frames"`
	FramesProcessed int    `json:"frames_processed"`
	Partial         bool   `json:"partial,omitempty"`
	Error           string `json:"error,omitempty"`
}

type SessionResponse struct {
	VideoID    int64   `json:"video_id"`
	FrameCount int     `json:"frame_count"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
}

type CloseSessionResponse struct {
	Closed bool `json:"closed"`
}
