package viewer

import (
	"context"
	"math"
	"time"
)

const defaultPlaybackInterval = 33 * time.Millisecond

// PositionFunc samples the playback clock: the current position in seconds
// and whether the video is playing.
type PositionFunc func() (seconds float64, playing bool)

// Screen receives masks to display. A nil mask means the frame has no mask
// and any overlay should be cleared. Implementations must tolerate calls
// from multiple goroutines: seeks, playback ticks and edit acknowledgements
// all land here.
type Screen interface {
	DisplayMask(frameIdx int, mask *Mask)
}

// Playback keeps the displayed mask in step with a running playback clock.
// Each tick it maps the clock to a frame index; an unchanged index is
// skipped, a cache hit for the exact index is displayed, and a miss displays
// nothing at all. A neighboring frame's mask is never substituted, so fast
// playback shows gaps rather than misaligned masks.
type Playback struct {
	cache    *Cache
	screen   Screen
	fps      float64
	position PositionFunc
	interval time.Duration
	last     int
}

func NewPlayback(cache *Cache, screen Screen, fps float64, position PositionFunc, interval time.Duration) *Playback {
	if interval <= 0 {
		interval = defaultPlaybackInterval
	}
	return &Playback{
		cache:    cache,
		screen:   screen,
		fps:      fps,
		position: position,
		interval: interval,
		last:     -1,
	}
}

// Run ticks until ctx ends.
func (p *Playback) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Playback) tick() {
	seconds, playing := p.position()
	if !playing {
		return
	}
	idx := int(math.Floor(seconds * p.fps))
	if idx < 0 || idx == p.last {
		return
	}
	p.last = idx
	if mask, known := p.cache.Get(idx); known {
		p.screen.DisplayMask(idx, mask)
	}
}
