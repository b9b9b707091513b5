package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/metrics"
	"github.com/ethoseg/segmentation-service/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SegmentationUseCase orchestrates interactive segmentation: it resolves a
// video to a worker session, funnels prompts through the worker, and keeps
// the durable mask/bbox state in step with what the worker streamed back.
// A write is acknowledged only after the mask is persisted.
type SegmentationUseCase struct {
	registry  *service.SessionRegistry
	models    *service.ModelService
	videos    port.VideoRepository
	prompts   port.PromptRepository
	bboxes    port.BboxRepository
	masks     port.MaskStorage
	publisher port.EventPublisher
	archiver  port.Archiver
	logger    *zap.Logger

	maxFrames  int
	batchLimit int

	propMu     sync.Mutex
	propActive map[int64]bool
}

type SegmentationConfig struct {
	PropagateMaxFrames int
	MaskBatchLimit     int
}

func NewSegmentationUseCase(
	registry *service.SessionRegistry,
	models *service.ModelService,
	videos port.VideoRepository,
	prompts port.PromptRepository,
	bboxes port.BboxRepository,
	masks port.MaskStorage,
	publisher port.EventPublisher,
	archiver port.Archiver,
	logger *zap.Logger,
	cfg SegmentationConfig,
) *SegmentationUseCase {
	return &SegmentationUseCase{
		registry:   registry,
		models:     models,
		videos:     videos,
		prompts:    prompts,
		bboxes:     bboxes,
		masks:      masks,
		publisher:  publisher,
		archiver:   archiver,
		logger:     logger,
		maxFrames:  cfg.PropagateMaxFrames,
		batchLimit: cfg.MaskBatchLimit,
		propActive: make(map[int64]bool),
	}
}

// ModelStatus reports the current model state.
func (uc *SegmentationUseCase) ModelStatus() entity.ModelStatus {
	return uc.models.Status()
}

// PreloadModel kicks off a model load if one is not already running.
func (uc *SegmentationUseCase) PreloadModel(ctx context.Context) entity.ModelStatus {
	return uc.models.Preload(ctx)
}

// WatchModel subscribes to model state transitions. The returned cancel
// must be called to release the subscription.
func (uc *SegmentationUseCase) WatchModel() (<-chan entity.ModelStatus, func()) {
	return uc.models.Subscribe()
}

// OpenSession ensures a worker session exists for the video and returns its
// descriptor. Opening is idempotent per video.
func (uc *SegmentationUseCase) OpenSession(ctx context.Context, videoID int64) (*entity.SessionDescriptor, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "SegmentationUseCase.OpenSession")
	defer span.End()
	span.SetAttributes(attribute.Int64("video.id", videoID))

	return uc.session(ctx, videoID)
}

// CloseSession drops the video's worker session if one exists. Closing an
// unknown video is a no-op.
func (uc *SegmentationUseCase) CloseSession(ctx context.Context, videoID int64) error {
	return uc.registry.Close(ctx, videoID)
}

// AddPrompt records one prompt on a frame, runs inference with the frame's
// accumulated prompt set, and persists the resulting mask and bbox. It needs
// an open session for the video. The prompt is persisted before the worker
// sees it; the mask write must succeed before the call is acknowledged.
func (uc *SegmentationUseCase) AddPrompt(ctx context.Context, videoID int64, frameIdx int, kind entity.PromptKind, x, y, x2, y2 float64) (*entity.Prompt, *entity.Mask, entity.Bbox, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "SegmentationUseCase.AddPrompt")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("video.id", videoID),
		attribute.Int("frame.idx", frameIdx),
		attribute.String("prompt.kind", string(kind)),
	)

	sess, err := uc.requireSession(ctx, videoID)
	if err != nil {
		return nil, nil, entity.Bbox{}, err
	}
	if !sess.ValidFrame(frameIdx) {
		return nil, nil, entity.Bbox{}, fmt.Errorf("%w: frame %d of %d", entity.ErrFrameOutOfRange, frameIdx, sess.FrameCount)
	}

	prompt, err := entity.NewPrompt(videoID, frameIdx, kind, x, y, x2, y2)
	if err != nil {
		return nil, nil, entity.Bbox{}, err
	}
	if err := uc.prompts.Add(ctx, prompt); err != nil {
		return nil, nil, entity.Bbox{}, fmt.Errorf("persist prompt: %w", err)
	}
	metrics.PromptsAddedTotal.Inc()

	// The worker recomputes the frame from the full prompt set, so send
	// everything recorded for the frame, not just the new prompt.
	accumulated, err := uc.prompts.ListForFrame(ctx, videoID, frameIdx)
	if err != nil {
		return nil, nil, entity.Bbox{}, fmt.Errorf("list prompts: %w", err)
	}

	worker, err := uc.models.Worker()
	if err != nil {
		return nil, nil, entity.Bbox{}, err
	}
	mask, box, err := worker.AddPrompts(ctx, sess.Handle, frameIdx, accumulated)
	if err != nil {
		return nil, nil, entity.Bbox{}, sessionErr(err)
	}

	mask.VideoID = videoID
	mask.FrameIdx = frameIdx
	if err := uc.masks.Put(ctx, mask); err != nil {
		return nil, nil, entity.Bbox{}, fmt.Errorf("persist mask: %w", err)
	}
	metrics.MasksWrittenTotal.Inc()

	box.VideoID = videoID
	box.FrameIdx = frameIdx
	if err := uc.writeBbox(ctx, box); err != nil {
		return nil, nil, entity.Bbox{}, err
	}

	uc.publish(ctx, entity.SegmentationEvent{
		Type:     entity.EventMaskUpdated,
		VideoID:  videoID,
		FrameIdx: frameIdx,
		At:       time.Now().UTC(),
	})

	return prompt, mask, box, nil
}

// ListFramePrompts returns the frame's prompts in insertion order.
func (uc *SegmentationUseCase) ListFramePrompts(ctx context.Context, videoID int64, frameIdx int) ([]*entity.Prompt, error) {
	if _, err := uc.videos.FindByID(ctx, videoID); err != nil {
		return nil, err
	}
	return uc.prompts.ListForFrame(ctx, videoID, frameIdx)
}

// ListVideoPrompts returns every prompt recorded for the video.
func (uc *SegmentationUseCase) ListVideoPrompts(ctx context.Context, videoID int64) ([]*entity.Prompt, error) {
	if _, err := uc.videos.FindByID(ctx, videoID); err != nil {
		return nil, err
	}
	return uc.prompts.ListForVideo(ctx, videoID)
}

// GetMask returns the frame's stored mask, entity.ErrNotFound if the frame
// has none.
func (uc *SegmentationUseCase) GetMask(ctx context.Context, videoID int64, frameIdx int) (*entity.Mask, error) {
	if frameIdx < 0 {
		return nil, fmt.Errorf("%w: frame %d", entity.ErrFrameOutOfRange, frameIdx)
	}
	return uc.masks.Get(ctx, videoID, frameIdx)
}

// GetMaskBatch returns the stored masks in [start, start+count), skipping
// frames that have none, plus the effective count after clamping to the
// configured batch limit.
func (uc *SegmentationUseCase) GetMaskBatch(ctx context.Context, videoID int64, start, count int) ([]*entity.Mask, int, error) {
	start, count, err := uc.clampBatch(start, count)
	if err != nil {
		return nil, 0, err
	}
	masks, err := uc.masks.GetRange(ctx, videoID, start, count)
	return masks, count, err
}

// GetBbox returns the frame's derived bounding box, entity.ErrNotFound if
// the frame has no mask or its mask is empty.
func (uc *SegmentationUseCase) GetBbox(ctx context.Context, videoID int64, frameIdx int) (entity.Bbox, error) {
	if frameIdx < 0 {
		return entity.Bbox{}, fmt.Errorf("%w: frame %d", entity.ErrFrameOutOfRange, frameIdx)
	}
	return uc.bboxes.Get(ctx, videoID, frameIdx)
}

// GetBboxBatch returns the bounding boxes in [start, start+count), skipping
// absent frames, plus the effective count after clamping.
func (uc *SegmentationUseCase) GetBboxBatch(ctx context.Context, videoID int64, start, count int) ([]entity.Bbox, int, error) {
	start, count, err := uc.clampBatch(start, count)
	if err != nil {
		return nil, 0, err
	}
	boxes, err := uc.bboxes.GetRange(ctx, videoID, start, count)
	return boxes, count, err
}

// ResetFrame clears the frame's prompts, mask and bbox, then tells the
// worker to forget the frame. The worker call is best-effort: durable state
// is already gone and a dead worker forgets everything anyway.
func (uc *SegmentationUseCase) ResetFrame(ctx context.Context, videoID int64, frameIdx int) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "SegmentationUseCase.ResetFrame")
	defer span.End()
	span.SetAttributes(attribute.Int64("video.id", videoID), attribute.Int("frame.idx", frameIdx))

	if _, err := uc.videos.FindByID(ctx, videoID); err != nil {
		return err
	}
	if frameIdx < 0 {
		return fmt.Errorf("%w: frame %d", entity.ErrFrameOutOfRange, frameIdx)
	}

	if _, err := uc.prompts.DeleteForFrame(ctx, videoID, frameIdx); err != nil {
		return fmt.Errorf("delete prompts: %w", err)
	}
	if err := uc.masks.DeleteFrame(ctx, videoID, frameIdx); err != nil {
		return fmt.Errorf("delete mask: %w", err)
	}
	if err := uc.bboxes.DeleteFrame(ctx, videoID, frameIdx); err != nil {
		return fmt.Errorf("delete bbox: %w", err)
	}

	uc.resetWorkerFrame(ctx, videoID, frameIdx)

	uc.publish(ctx, entity.SegmentationEvent{
		Type:     entity.EventFrameReset,
		VideoID:  videoID,
		FrameIdx: frameIdx,
		At:       time.Now().UTC(),
	})
	return nil
}

// ResetVideo clears all prompts, masks and bboxes for the video and resets
// the worker session to its just-opened state.
func (uc *SegmentationUseCase) ResetVideo(ctx context.Context, videoID int64) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "SegmentationUseCase.ResetVideo")
	defer span.End()
	span.SetAttributes(attribute.Int64("video.id", videoID))

	if _, err := uc.videos.FindByID(ctx, videoID); err != nil {
		return err
	}

	if _, err := uc.prompts.DeleteForVideo(ctx, videoID); err != nil {
		return fmt.Errorf("delete prompts: %w", err)
	}
	if err := uc.masks.DeleteForVideo(ctx, videoID); err != nil {
		return fmt.Errorf("delete masks: %w", err)
	}
	if err := uc.bboxes.DeleteForVideo(ctx, videoID); err != nil {
		return fmt.Errorf("delete bboxes: %w", err)
	}

	if sess, ok := uc.registry.Get(videoID); ok {
		if worker, err := uc.models.Worker(); err == nil {
			if err := worker.ResetSession(ctx, sess.Handle); err != nil {
				uc.logger.Warn("worker session reset failed",
					zap.Int64("video_id", videoID), zap.Error(err))
			}
		}
	}

	uc.publish(ctx, entity.SegmentationEvent{
		Type:    entity.EventVideoReset,
		VideoID: videoID,
		At:      time.Now().UTC(),
	})
	return nil
}

// Propagate extends the video's edited masks from startFrame across at most
// maxFrames frames, persisting each streamed result before the next is
// consumed. At most one run per video is allowed at a time. On failure the
// returned run still reports how many frames were durably written.
func (uc *SegmentationUseCase) Propagate(ctx context.Context, videoID int64, startFrame int, dir entity.Direction, maxFrames int) (*entity.PropagationRun, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "SegmentationUseCase.Propagate")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("video.id", videoID),
		attribute.Int("start.frame", startFrame),
		attribute.String("direction", string(dir)),
	)

	if _, err := entity.ParseDirection(string(dir)); err != nil {
		return nil, err
	}
	if err := uc.beginPropagation(videoID); err != nil {
		return nil, err
	}
	defer uc.endPropagation(videoID)

	sess, err := uc.session(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if !sess.ValidFrame(startFrame) {
		return nil, fmt.Errorf("%w: frame %d of %d", entity.ErrFrameOutOfRange, startFrame, sess.FrameCount)
	}
	if maxFrames <= 0 || maxFrames > uc.maxFrames {
		maxFrames = uc.maxFrames
	}

	worker, err := uc.models.Worker()
	if err != nil {
		return nil, err
	}

	run := &entity.PropagationRun{
		VideoID:    videoID,
		StartFrame: startFrame,
		Direction:  dir,
		MaxFrames:  maxFrames,
	}

	log := uc.logger.With(zap.Int64("video_id", videoID), zap.Int("start_frame", startFrame), zap.String("direction", string(dir)))
	log.Info("propagation started", zap.Int("max_frames", maxFrames))
	started := time.Now()

	processed, err := worker.Propagate(ctx, sess.Handle, startFrame, dir, maxFrames, func(frameIdx int, mask *entity.Mask, box entity.Bbox) error {
		mask.VideoID = videoID
		if err := uc.masks.Put(ctx, mask); err != nil {
			return fmt.Errorf("persist mask %d: %w", frameIdx, err)
		}
		metrics.MasksWrittenTotal.Inc()
		metrics.PropagationFramesTotal.Inc()
		box.VideoID = videoID
		box.FrameIdx = frameIdx
		return uc.writeBbox(ctx, box)
	})
	run.FramesProcessed = processed

	if err != nil {
		metrics.PropagationRunsTotal.WithLabelValues("failed").Inc()
		log.Warn("propagation failed", zap.Int("frames_processed", processed), zap.Error(err))
		uc.publish(ctx, entity.SegmentationEvent{
			Type:    entity.EventPropagationDone,
			VideoID: videoID,
			Frames:  processed,
			Error:   err.Error(),
			At:      time.Now().UTC(),
		})
		return run, sessionErr(err)
	}

	metrics.PropagationRunsTotal.WithLabelValues("completed").Inc()
	log.Info("propagation completed",
		zap.Int("frames_processed", processed),
		zap.Duration("elapsed", time.Since(started)))
	uc.publish(ctx, entity.SegmentationEvent{
		Type:    entity.EventPropagationDone,
		VideoID: videoID,
		Frames:  processed,
		At:      time.Now().UTC(),
	})
	return run, nil
}

// ExportMasks streams a zip of every stored mask for the video, one
// zero-padded PNG per frame.
func (uc *SegmentationUseCase) ExportMasks(ctx context.Context, videoID int64, w io.Writer) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "SegmentationUseCase.ExportMasks")
	defer span.End()
	span.SetAttributes(attribute.Int64("video.id", videoID))

	if _, err := uc.videos.FindByID(ctx, videoID); err != nil {
		return err
	}
	stored, err := uc.masks.GetRange(ctx, videoID, 0, math.MaxInt32)
	if err != nil {
		return fmt.Errorf("load masks: %w", err)
	}

	files := make([]port.ArchiveFile, 0, len(stored))
	for _, m := range stored {
		data, err := m.EncodePNG()
		if err != nil {
			return fmt.Errorf("encode frame %d: %w", m.FrameIdx, err)
		}
		files = append(files, port.ArchiveFile{
			Name: fmt.Sprintf("%06d.png", m.FrameIdx),
			Data: data,
		})
	}
	return uc.archiver.WriteArchive(ctx, w, files)
}

// session resolves the video and opens (or reuses) its worker session.
func (uc *SegmentationUseCase) session(ctx context.Context, videoID int64) (*entity.SessionDescriptor, error) {
	video, err := uc.videos.FindByID(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return uc.registry.Open(ctx, video)
}

// requireSession resolves the video but does not open a session: prompting
// needs the client to have opened one first, so a worker crash surfaces as
// session-lost and the client knows to re-open.
func (uc *SegmentationUseCase) requireSession(ctx context.Context, videoID int64) (*entity.SessionDescriptor, error) {
	if _, err := uc.videos.FindByID(ctx, videoID); err != nil {
		return nil, err
	}
	if _, err := uc.models.Worker(); err != nil {
		return nil, err
	}
	sess, ok := uc.registry.Get(videoID)
	if !ok {
		return nil, fmt.Errorf("%w: video %d has no open session", entity.ErrSessionLost, videoID)
	}
	return sess, nil
}

func (uc *SegmentationUseCase) writeBbox(ctx context.Context, box entity.Bbox) error {
	// An empty mask has no box; drop any stale one for the frame.
	if box.IsZero() {
		if err := uc.bboxes.DeleteFrame(ctx, box.VideoID, box.FrameIdx); err != nil {
			return fmt.Errorf("delete bbox: %w", err)
		}
		return nil
	}
	if err := uc.bboxes.Put(ctx, box); err != nil {
		return fmt.Errorf("persist bbox: %w", err)
	}
	return nil
}

func (uc *SegmentationUseCase) resetWorkerFrame(ctx context.Context, videoID int64, frameIdx int) {
	sess, ok := uc.registry.Get(videoID)
	if !ok {
		return
	}
	worker, err := uc.models.Worker()
	if err != nil {
		return
	}
	if err := worker.ResetFrame(ctx, sess.Handle, frameIdx); err != nil {
		uc.logger.Warn("worker frame reset failed",
			zap.Int64("video_id", videoID), zap.Int("frame_idx", frameIdx), zap.Error(err))
	}
}

func (uc *SegmentationUseCase) beginPropagation(videoID int64) error {
	uc.propMu.Lock()
	defer uc.propMu.Unlock()
	if uc.propActive[videoID] {
		return fmt.Errorf("%w: video %d", entity.ErrPropagationActive, videoID)
	}
	uc.propActive[videoID] = true
	return nil
}

func (uc *SegmentationUseCase) endPropagation(videoID int64) {
	uc.propMu.Lock()
	delete(uc.propActive, videoID)
	uc.propMu.Unlock()
}

func (uc *SegmentationUseCase) clampBatch(start, count int) (int, int, error) {
	if start < 0 {
		return 0, 0, fmt.Errorf("%w: frame %d", entity.ErrFrameOutOfRange, start)
	}
	if count <= 0 || count > uc.batchLimit {
		count = uc.batchLimit
	}
	return start, count, nil
}

// publish sends an event to the broker. Failures are logged, never surfaced:
// the durable write already happened and events are advisory.
func (uc *SegmentationUseCase) publish(ctx context.Context, ev entity.SegmentationEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		uc.logger.Error("marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if err := uc.publisher.PublishEvent(ctx, body); err != nil {
		uc.logger.Warn("publish event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// sessionErr translates a dead-worker failure on a session-scoped call into
// the session-lost error the client recovers from by re-opening.
func sessionErr(err error) error {
	if errors.Is(err, port.ErrWorkerDead) {
		return fmt.Errorf("%w: worker lost", entity.ErrSessionLost)
	}
	return err
}
