package viewer

import (
	"context"
	"time"
)

const (
	// DefaultLowWater is the contiguous-frames-ahead threshold below which
	// the prefetcher fetches the next batch.
	DefaultLowWater = 100
	// DefaultBatchSize is how many frames one prefetch round trip requests.
	DefaultBatchSize = 100

	defaultPrefetchInterval = 50 * time.Millisecond
)

// MaskBatchSource is the one client call the prefetcher needs.
type MaskBatchSource interface {
	GetMaskBatch(ctx context.Context, videoID int64, start, count int) (MaskBatch, error)
}

// Prefetcher keeps a window of mask state cached ahead of the playback head.
// Each sweep it measures the contiguous known range ahead of the current
// position; when it drops below the low-water mark it requests the next
// batch in a single round trip. Known mask-free frames advance the watermark
// like any other, so sparse videos do not stall the loop.
type Prefetcher struct {
	source     MaskBatchSource
	cache      *Cache
	videoID    int64
	frameCount int
	position   func() int
	lowWater   int
	batchSize  int
	interval   time.Duration
	onError    func(error)
}

// PrefetchConfig tunes the prefetcher; zero values take the defaults.
type PrefetchConfig struct {
	LowWater  int
	BatchSize int
	Interval  time.Duration
	// OnError observes fetch failures. The loop keeps running either way;
	// the next sweep retries.
	OnError func(error)
}

func NewPrefetcher(source MaskBatchSource, cache *Cache, videoID int64, frameCount int, position func() int, cfg PrefetchConfig) *Prefetcher {
	if cfg.LowWater <= 0 {
		cfg.LowWater = DefaultLowWater
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPrefetchInterval
	}
	return &Prefetcher{
		source:     source,
		cache:      cache,
		videoID:    videoID,
		frameCount: frameCount,
		position:   position,
		lowWater:   cfg.LowWater,
		batchSize:  cfg.BatchSize,
		interval:   cfg.Interval,
		onError:    cfg.OnError,
	}
}

// Run sweeps until ctx ends.
func (p *Prefetcher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.fill(ctx); err != nil && p.onError != nil {
				p.onError(err)
			}
		}
	}
}

// fill is one sweep: fetch the next batch if the window ahead is too small.
func (p *Prefetcher) fill(ctx context.Context) error {
	pos := p.position()
	if pos < 0 {
		pos = 0
	}
	ahead := p.cache.ContiguousAhead(pos)
	if ahead >= p.lowWater {
		return nil
	}
	next := pos + ahead
	if next >= p.frameCount {
		return nil
	}
	count := min(p.batchSize, p.frameCount-next)

	// The epoch is read before the fetch: an edit racing with this batch
	// invalidates it on arrival instead of writing pre-edit masks back.
	epoch := p.cache.Epoch()
	batch, err := p.source.GetMaskBatch(ctx, p.videoID, next, count)
	if err != nil {
		return err
	}
	if len(batch.Masks) == 0 {
		return nil
	}
	p.cache.PutBatch(batch.Start, batch.Masks, epoch)
	return nil
}
