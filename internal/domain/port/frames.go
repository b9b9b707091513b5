package port

import (
	"context"
	"image"
)

type VideoInfo struct {
	FrameCount int
	Width      int
	Height     int
	FPS        float64
	Duration   float64
}

// FrameSource is a lazy random-access reader over one video file. Frame
// resolves any index in 0..FrameCount-1 independently of access order;
// indexes outside that range fail with entity.ErrFrameOutOfRange.
type FrameSource interface {
	Info() VideoInfo
	Frame(ctx context.Context, idx int) (image.Image, error)
	Close() error
}

type FrameOpener interface {
	OpenVideo(ctx context.Context, path string) (FrameSource, error)
}

type VideoProber interface {
	Probe(ctx context.Context, path string) (VideoInfo, error)
}
