package api

import (
	"context"
	"image"
	"sync"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
)

// framePool keeps one open frame source per video so scrubbing does not
// re-probe the file on every request. Sources live until Close.
type framePool struct {
	opener port.FrameOpener

	mu      sync.Mutex
	sources map[int64]port.FrameSource
}

func newFramePool(opener port.FrameOpener) *framePool {
	return &framePool{opener: opener, sources: make(map[int64]port.FrameSource)}
}

func (p *framePool) frame(ctx context.Context, video *entity.Video, idx int) (image.Image, error) {
	src, err := p.source(ctx, video)
	if err != nil {
		return nil, err
	}
	return src.Frame(ctx, idx)
}

func (p *framePool) source(ctx context.Context, video *entity.Video) (port.FrameSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if src, ok := p.sources[video.ID]; ok {
		return src, nil
	}
	src, err := p.opener.OpenVideo(ctx, video.Path)
	if err != nil {
		return nil, err
	}
	p.sources[video.ID] = src
	return src, nil
}

func (p *framePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, src := range p.sources {
		_ = src.Close()
		delete(p.sources, id)
	}
}
