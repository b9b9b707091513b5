package viewer

import (
	"context"
	"sync"
	"time"
)

// API is the slice of the service the viewer drives. *Client implements it;
// tests substitute fakes.
type API interface {
	OpenSession(ctx context.Context, videoID int64) (Session, error)
	CloseSession(ctx context.Context, videoID int64) error
	AddPrompt(ctx context.Context, videoID int64, in PromptInput) (*PromptResult, error)
	GetMask(ctx context.Context, videoID int64, frameIdx int) (*Mask, error)
	GetMaskBatch(ctx context.Context, videoID int64, start, count int) (MaskBatch, error)
	Propagate(ctx context.Context, videoID int64, startFrame int, direction string, maxFrames int) (PropagateResult, error)
	ResetFrame(ctx context.Context, videoID int64, frameIdx int) error
	ResetVideo(ctx context.Context, videoID int64) error
}

var _ API = (*Client)(nil)

// Viewer ties the cache, screen and API together for one video. Seeks
// resolve asynchronously and stale results are discarded; edits invalidate
// the affected cache entries before new state is seeded, so the screen never
// shows a pre-edit mask after the edit was acknowledged.
type Viewer struct {
	api     API
	screen  Screen
	cache   *Cache
	videoID int64

	// ErrorHook observes background failures (async seek fetches). Set it
	// before the first Seek; nil drops them, the next action retries anyway.
	ErrorHook func(op string, err error)

	mu      sync.Mutex
	session Session
	opened  bool
}

func New(api API, screen Screen, videoID int64) *Viewer {
	return &Viewer{
		api:     api,
		screen:  screen,
		cache:   NewCache(),
		videoID: videoID,
	}
}

// Cache exposes the viewer's cache for prefetch wiring and tests.
func (v *Viewer) Cache() *Cache { return v.cache }

// Open establishes the worker session and records its metadata. Opening is
// idempotent server-side, so calling it again after a session-lost error is
// the whole recovery story.
func (v *Viewer) Open(ctx context.Context) (Session, error) {
	sess, err := v.api.OpenSession(ctx, v.videoID)
	if err != nil {
		return Session{}, err
	}
	v.mu.Lock()
	v.session = sess
	v.opened = true
	v.mu.Unlock()
	return sess, nil
}

// Close drops the worker session. Cached masks stay valid; they are durable
// server-side state, not session state.
func (v *Viewer) Close(ctx context.Context) error {
	return v.api.CloseSession(ctx, v.videoID)
}

// Session returns the metadata from the last successful Open.
func (v *Viewer) Session() (Session, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session, v.opened
}

// Seek makes idx the intended frame. A cache hit displays immediately;
// otherwise the fetch resolves in the background and is displayed only if
// the user has not moved on and no edit landed in between.
func (v *Viewer) Seek(ctx context.Context, idx int) {
	epoch := v.cache.SetIntended(idx)
	if mask, known := v.cache.Get(idx); known {
		v.screen.DisplayMask(idx, mask)
		return
	}
	go v.resolveSeek(ctx, idx, epoch)
}

func (v *Viewer) resolveSeek(ctx context.Context, idx int, epoch uint64) {
	mask, err := v.api.GetMask(ctx, v.videoID, idx)
	if err != nil {
		if !IsNotFound(err) {
			v.fail("seek", err)
			return
		}
		mask = nil
	}
	if !v.cache.Put(idx, mask, epoch) {
		return
	}
	if v.cache.Intended() != idx {
		return
	}
	v.screen.DisplayMask(idx, mask)
}

// AddPrompt submits a prompt and seeds the cache with the recomputed mask
// from the reply, so no second round trip is needed to show the result.
func (v *Viewer) AddPrompt(ctx context.Context, in PromptInput) (*PromptResult, error) {
	res, err := v.api.AddPrompt(ctx, v.videoID, in)
	if err != nil {
		return nil, err
	}
	v.cache.Invalidate(in.FrameIdx)
	v.cache.Put(in.FrameIdx, res.Mask, v.cache.Epoch())
	if v.cache.Intended() == in.FrameIdx {
		v.screen.DisplayMask(in.FrameIdx, res.Mask)
	}
	return res, nil
}

// ResetFrame clears the frame server-side, then records it as known
// mask-free and clears the screen if it is the intended frame.
func (v *Viewer) ResetFrame(ctx context.Context, idx int) error {
	if err := v.api.ResetFrame(ctx, v.videoID, idx); err != nil {
		return err
	}
	v.cache.Invalidate(idx)
	v.cache.Put(idx, nil, v.cache.Epoch())
	if v.cache.Intended() == idx {
		v.screen.DisplayMask(idx, nil)
	}
	return nil
}

// ResetVideo clears all edits server-side and empties the cache.
func (v *Viewer) ResetVideo(ctx context.Context) error {
	if err := v.api.ResetVideo(ctx, v.videoID); err != nil {
		return err
	}
	v.cache.InvalidateAll()
	return nil
}

// Propagate runs mask propagation and invalidates the cache afterwards; the
// run rewrote an unknown span of frames, so cached state is refetched rather
// than patched. Partial results propagate to the caller together with the
// error that stopped the run.
func (v *Viewer) Propagate(ctx context.Context, startFrame int, direction string, maxFrames int) (PropagateResult, error) {
	res, err := v.api.Propagate(ctx, v.videoID, startFrame, direction, maxFrames)
	if res.FramesProcessed > 0 {
		v.cache.InvalidateAll()
	}
	return res, err
}

// Playback builds the playback-sync loop for this viewer using the opened
// session's frame rate. Call after Open.
func (v *Viewer) Playback(position PositionFunc, interval time.Duration) *Playback {
	v.mu.Lock()
	fps := v.session.FPS
	v.mu.Unlock()
	return NewPlayback(v.cache, v.screen, fps, position, interval)
}

// Prefetcher builds the prefetch loop for this viewer bounded by the opened
// session's frame count. Call after Open.
func (v *Viewer) Prefetcher(position func() int, cfg PrefetchConfig) *Prefetcher {
	v.mu.Lock()
	frames := v.session.FrameCount
	v.mu.Unlock()
	return NewPrefetcher(v.api, v.cache, v.videoID, frames, position, cfg)
}

func (v *Viewer) fail(op string, err error) {
	if v.ErrorHook != nil {
		v.ErrorHook(op, err)
	}
}
