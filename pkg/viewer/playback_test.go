package viewer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlaybackDisplaysExactHitsOnly(t *testing.T) {
	cache := NewCache()
	epoch := cache.Epoch()
	mask0 := &Mask{FrameIdx: 0, PNG: []byte("m0")}
	mask1 := &Mask{FrameIdx: 1, PNG: []byte("m1")}
	cache.Put(0, mask0, epoch)
	cache.Put(1, mask1, epoch)
	cache.Put(3, nil, epoch)
	// frame 2 is unknown

	screen := &recordingScreen{}
	var seconds float64
	playing := true
	p := NewPlayback(cache, screen, 30, func() (float64, bool) { return seconds, playing }, time.Hour)

	p.tick()
	last, ok := screen.last()
	assert.True(t, ok)
	assert.Equal(t, display{idx: 0, mask: mask0}, last)

	// Same frame index: skipped, no duplicate display.
	p.tick()
	assert.Len(t, screen.frames(), 1)

	seconds = 0.034 // frame 1
	p.tick()
	last, _ = screen.last()
	assert.Equal(t, 1, last.idx)

	// Frame 2 is a cache miss: nothing is displayed, in particular not a
	// neighboring frame's mask.
	seconds = 0.067
	p.tick()
	assert.Len(t, screen.frames(), 2)

	// Frame 3 is known mask-free: displayed as a cleared overlay.
	seconds = 0.1
	p.tick()
	last, _ = screen.last()
	assert.Equal(t, 3, last.idx)
	assert.Nil(t, last.mask)
}

func TestPlaybackPausedDoesNothing(t *testing.T) {
	cache := NewCache()
	cache.Put(0, &Mask{FrameIdx: 0}, cache.Epoch())
	screen := &recordingScreen{}
	p := NewPlayback(cache, screen, 30, func() (float64, bool) { return 0, false }, time.Hour)

	p.tick()
	assert.Empty(t, screen.frames())
}

func TestPlaybackFrameMapping(t *testing.T) {
	cache := NewCache()
	epoch := cache.Epoch()
	for i := 0; i < 90; i++ {
		cache.Put(i, &Mask{FrameIdx: i}, epoch)
	}
	screen := &recordingScreen{}
	var seconds float64
	p := NewPlayback(cache, screen, 29.97, func() (float64, bool) { return seconds, true }, time.Hour)

	seconds = 1.0 // floor(1.0 * 29.97) = 29
	p.tick()
	last, _ := screen.last()
	assert.Equal(t, 29, last.idx)

	seconds = 2.5 // floor(2.5 * 29.97) = 74
	p.tick()
	last, _ = screen.last()
	assert.Equal(t, 74, last.idx)
}
