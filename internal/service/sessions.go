package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/metrics"
)

// SessionRegistry tracks at most one worker session per video. Open is
// idempotent and single-flight: concurrent opens for the same video share
// one init. Every session dies with the worker; the registry watches the
// model status stream and drops them all when the model leaves READY.
type SessionRegistry struct {
	models *ModelService
	prober port.VideoProber
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[int64]*entity.SessionDescriptor
	inflight map[int64]*openCall
}

type openCall struct {
	done chan struct{}
	desc *entity.SessionDescriptor
	err  error
}

func NewSessionRegistry(models *ModelService, prober port.VideoProber, log *zap.Logger) *SessionRegistry {
	return &SessionRegistry{
		models:   models,
		prober:   prober,
		log:      log,
		sessions: make(map[int64]*entity.SessionDescriptor),
		inflight: make(map[int64]*openCall),
	}
}

// Run invalidates sessions on model status transitions until ctx ends.
func (r *SessionRegistry) Run(ctx context.Context) {
	statuses, cancel := r.models.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			if !st.Ready() {
				r.InvalidateAll(string(st.State))
			}
		}
	}
}

// Open returns the video's session, creating it if needed. A second open for
// the same video while the first is still initializing waits for that result
// instead of starting another.
func (r *SessionRegistry) Open(ctx context.Context, video *entity.Video) (*entity.SessionDescriptor, error) {
	r.mu.Lock()
	if desc, ok := r.sessions[video.ID]; ok {
		r.mu.Unlock()
		return desc, nil
	}
	if call, ok := r.inflight[video.ID]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.desc, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &openCall{done: make(chan struct{})}
	r.inflight[video.ID] = call
	r.mu.Unlock()

	desc, err := r.open(ctx, video)

	r.mu.Lock()
	delete(r.inflight, video.ID)
	if err == nil {
		r.sessions[video.ID] = desc
		metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	call.desc, call.err = desc, err
	close(call.done)
	return desc, err
}

func (r *SessionRegistry) open(ctx context.Context, video *entity.Video) (*entity.SessionDescriptor, error) {
	w, err := r.models.Worker()
	if err != nil {
		return nil, err
	}
	info, err := r.prober.Probe(ctx, video.Path)
	if err != nil {
		return nil, fmt.Errorf("probe video %d: %w", video.ID, err)
	}
	handle, err := w.InitSession(ctx, video.ID, video.Path, info.FrameCount, info.Width, info.Height)
	if err != nil {
		if errors.Is(err, port.ErrWorkerDead) {
			return nil, fmt.Errorf("%w: worker lost during session init", entity.ErrModelUnavailable)
		}
		return nil, fmt.Errorf("init session for video %d: %w", video.ID, err)
	}
	r.log.Info("session opened",
		zap.Int64("video_id", video.ID),
		zap.Int("frames", info.FrameCount),
		zap.Float64("fps", info.FPS),
	)
	return &entity.SessionDescriptor{
		VideoID:    video.ID,
		Handle:     handle,
		FrameCount: info.FrameCount,
		Width:      info.Width,
		Height:     info.Height,
		FPS:        info.FPS,
		OpenedAt:   time.Now().UTC(),
	}, nil
}

// Get returns the open session for the video, if any.
func (r *SessionRegistry) Get(videoID int64) (*entity.SessionDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.sessions[videoID]
	return desc, ok
}

// Close tears the video's session down. Closing a video with no session is a
// no-op; the worker call is best effort because the session dies with the
// registry entry either way.
func (r *SessionRegistry) Close(ctx context.Context, videoID int64) error {
	r.mu.Lock()
	desc, ok := r.sessions[videoID]
	if ok {
		delete(r.sessions, videoID)
		metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	w, err := r.models.Worker()
	if err != nil {
		return nil
	}
	if err := w.CloseSession(ctx, desc.Handle); err != nil {
		r.log.Warn("close session on worker", zap.Int64("video_id", videoID), zap.Error(err))
	}
	return nil
}

// InvalidateAll forgets every session without touching the worker.
func (r *SessionRegistry) InvalidateAll(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return
	}
	r.log.Info("invalidating all sessions",
		zap.Int("count", len(r.sessions)),
		zap.String("reason", reason),
	)
	r.sessions = make(map[int64]*entity.SessionDescriptor)
	metrics.ActiveSessions.Set(0)
}

func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
