package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/worker"
	"github.com/ethoseg/segmentation-service/internal/service"
)

type memVideos struct {
	mu    sync.Mutex
	seq   int64
	items map[int64]*entity.Video
}

func newMemVideos() *memVideos {
	return &memVideos{items: make(map[int64]*entity.Video)}
}

func (r *memVideos) Create(_ context.Context, video *entity.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	video.ID = r.seq
	r.items[video.ID] = video
	return nil
}

func (r *memVideos) FindByID(_ context.Context, id int64) (*entity.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	video, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: video %d", entity.ErrNotFound, id)
	}
	return video, nil
}

func (r *memVideos) List(_ context.Context) ([]*entity.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.Video, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memPrompts struct {
	mu    sync.Mutex
	seq   int64
	items []*entity.Prompt
}

func (r *memPrompts) Add(_ context.Context, prompt *entity.Prompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	prompt.ID = r.seq
	r.items = append(r.items, prompt)
	return nil
}

func (r *memPrompts) ListForFrame(_ context.Context, videoID int64, frameIdx int) ([]*entity.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Prompt
	for _, p := range r.items {
		if p.VideoID == videoID && p.FrameIdx == frameIdx {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *memPrompts) ListForVideo(_ context.Context, videoID int64) ([]*entity.Prompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Prompt
	for _, p := range r.items {
		if p.VideoID == videoID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FrameIdx != out[j].FrameIdx {
			return out[i].FrameIdx < out[j].FrameIdx
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memPrompts) DeleteForFrame(_ context.Context, videoID int64, frameIdx int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteWhere(func(p *entity.Prompt) bool {
		return p.VideoID == videoID && p.FrameIdx == frameIdx
	}), nil
}

func (r *memPrompts) DeleteForVideo(_ context.Context, videoID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteWhere(func(p *entity.Prompt) bool { return p.VideoID == videoID }), nil
}

func (r *memPrompts) deleteWhere(match func(*entity.Prompt) bool) int64 {
	var kept []*entity.Prompt
	var removed int64
	for _, p := range r.items {
		if match(p) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	r.items = kept
	return removed
}

func (r *memPrompts) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

type memMasks struct {
	mu     sync.Mutex
	items  map[int64]map[int]*entity.Mask
	puts   int
	failOn int
}

func newMemMasks() *memMasks {
	return &memMasks{items: make(map[int64]map[int]*entity.Mask)}
}

func (s *memMasks) Put(_ context.Context, mask *entity.Mask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failOn > 0 && s.puts >= s.failOn {
		return assert.AnError
	}
	frames, ok := s.items[mask.VideoID]
	if !ok {
		frames = make(map[int]*entity.Mask)
		s.items[mask.VideoID] = frames
	}
	frames[mask.FrameIdx] = mask
	return nil
}

func (s *memMasks) Get(_ context.Context, videoID int64, frameIdx int) (*entity.Mask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mask, ok := s.items[videoID][frameIdx]
	if !ok {
		return nil, fmt.Errorf("%w: mask %d/%d", entity.ErrNotFound, videoID, frameIdx)
	}
	return mask, nil
}

func (s *memMasks) GetRange(_ context.Context, videoID int64, start, count int) ([]*entity.Mask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Mask
	frames := make([]int, 0, len(s.items[videoID]))
	for idx := range s.items[videoID] {
		frames = append(frames, idx)
	}
	sort.Ints(frames)
	for _, idx := range frames {
		if idx >= start && idx < start+count {
			out = append(out, s.items[videoID][idx])
		}
	}
	return out, nil
}

func (s *memMasks) DeleteFrame(_ context.Context, videoID int64, frameIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[videoID], frameIdx)
	return nil
}

func (s *memMasks) DeleteForVideo(_ context.Context, videoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, videoID)
	return nil
}

func (s *memMasks) frames(videoID int64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.items[videoID]))
	for idx := range s.items[videoID] {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

type memBboxes struct {
	mu    sync.Mutex
	items map[int64]map[int]entity.Bbox
}

func newMemBboxes() *memBboxes {
	return &memBboxes{items: make(map[int64]map[int]entity.Bbox)}
}

func (s *memBboxes) Put(_ context.Context, box entity.Bbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames, ok := s.items[box.VideoID]
	if !ok {
		frames = make(map[int]entity.Bbox)
		s.items[box.VideoID] = frames
	}
	frames[box.FrameIdx] = box
	return nil
}

func (s *memBboxes) Get(_ context.Context, videoID int64, frameIdx int) (entity.Bbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.items[videoID][frameIdx]
	if !ok {
		return entity.Bbox{}, fmt.Errorf("%w: bbox %d/%d", entity.ErrNotFound, videoID, frameIdx)
	}
	return box, nil
}

func (s *memBboxes) GetRange(_ context.Context, videoID int64, start, count int) ([]entity.Bbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([]int, 0, len(s.items[videoID]))
	for idx := range s.items[videoID] {
		frames = append(frames, idx)
	}
	sort.Ints(frames)
	var out []entity.Bbox
	for _, idx := range frames {
		if idx >= start && idx < start+count {
			out = append(out, s.items[videoID][idx])
		}
	}
	return out, nil
}

func (s *memBboxes) DeleteFrame(_ context.Context, videoID int64, frameIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[videoID], frameIdx)
	return nil
}

func (s *memBboxes) DeleteForVideo(_ context.Context, videoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, videoID)
	return nil
}

func (s *memBboxes) has(videoID int64, frameIdx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[videoID][frameIdx]
	return ok
}

type memPublisher struct {
	mu     sync.Mutex
	events []entity.SegmentationEvent
}

func (p *memPublisher) PublishEvent(_ context.Context, msg []byte) error {
	var ev entity.SegmentationEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *memPublisher) byType(t entity.EventType) []entity.SegmentationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []entity.SegmentationEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type recordingArchiver struct {
	mu    sync.Mutex
	files []port.ArchiveFile
}

func (a *recordingArchiver) WriteArchive(_ context.Context, _ io.Writer, files []port.ArchiveFile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append([]port.ArchiveFile(nil), files...)
	return nil
}

type staticProber struct {
	info port.VideoInfo
	err  error
}

func (p *staticProber) Probe(context.Context, string) (port.VideoInfo, error) {
	if p.err != nil {
		return port.VideoInfo{}, p.err
	}
	return p.info, nil
}

type fixture struct {
	uc      *SegmentationUseCase
	reg     *service.SessionRegistry
	models  *service.ModelService
	stub    *worker.Stub
	videos  *memVideos
	prompts *memPrompts
	masks   *memMasks
	bboxes  *memBboxes
	events  *memPublisher
}

// newFixture wires the use case over in-memory stores and a real model
// service running the in-process stub worker. Video 1 has frames frames of
// 64x64 at 30fps.
func newFixture(t *testing.T, frames int) *fixture {
	t.Helper()
	return newFixtureCfg(t, frames, SegmentationConfig{PropagateMaxFrames: 25, MaskBatchLimit: 10})
}

func newFixtureCfg(t *testing.T, frames int, cfg SegmentationConfig) *fixture {
	t.Helper()

	var stub *worker.Stub
	var mu sync.Mutex
	factory := func(ctx context.Context) (port.InferenceWorker, error) {
		mu.Lock()
		defer mu.Unlock()
		stub = worker.NewStub()
		return stub, nil
	}
	models := service.NewModelService(context.Background(), factory, 0, zap.NewNop())
	t.Cleanup(models.Shutdown)
	models.Preload(context.Background())
	require.Eventually(t, func() bool {
		return models.Status().State == entity.ModelStateReady
	}, 2*time.Second, 10*time.Millisecond)

	prober := &staticProber{info: port.VideoInfo{FrameCount: frames, Width: 64, Height: 64, FPS: 30}}
	reg := service.NewSessionRegistry(models, prober, zap.NewNop())

	f := &fixture{
		reg:     reg,
		models:  models,
		videos:  newMemVideos(),
		prompts: &memPrompts{},
		masks:   newMemMasks(),
		bboxes:  newMemBboxes(),
		events:  &memPublisher{},
	}
	require.NoError(t, f.videos.Create(context.Background(), entity.NewVideo("clip", "/videos/clip.mp4")))

	f.uc = NewSegmentationUseCase(
		reg, models, f.videos, f.prompts, f.bboxes, f.masks, f.events, &recordingArchiver{}, zap.NewNop(),
		cfg,
	)

	mu.Lock()
	defer mu.Unlock()
	f.stub = stub
	return f
}

func (f *fixture) open(t *testing.T) *entity.SessionDescriptor {
	t.Helper()
	sess, err := f.uc.OpenSession(context.Background(), 1)
	require.NoError(t, err)
	return sess
}

func (f *fixture) addPoint(t *testing.T, frameIdx int) *entity.Mask {
	t.Helper()
	f.open(t)
	_, mask, _, err := f.uc.AddPrompt(context.Background(), 1, frameIdx, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	require.NoError(t, err)
	return mask
}

func seedMask(t *testing.T, masks *memMasks, videoID int64, frameIdx int) {
	t.Helper()
	data := make([]byte, 16)
	data[5] = 255
	mask, err := entity.NewMask(videoID, frameIdx, 4, 4, data)
	require.NoError(t, err)
	require.NoError(t, masks.Put(context.Background(), mask))
}

func TestAddPromptPersistsMaskAndBbox(t *testing.T) {
	f := newFixture(t, 100)
	f.open(t)

	prompt, mask, box, err := f.uc.AddPrompt(context.Background(), 1, 3, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, prompt)
	assert.NotZero(t, prompt.ID)
	require.NotNil(t, mask)
	assert.EqualValues(t, 1, mask.VideoID)
	assert.Equal(t, 3, mask.FrameIdx)
	assert.False(t, mask.Empty())
	assert.False(t, box.IsZero())
	assert.EqualValues(t, 1, box.VideoID)
	assert.Equal(t, 3, box.FrameIdx)

	stored, err := f.masks.Get(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Same(t, mask, stored)
	assert.True(t, f.bboxes.has(1, 3))
	assert.Equal(t, 1, f.prompts.count())

	updates := f.events.byType(entity.EventMaskUpdated)
	require.Len(t, updates, 1)
	assert.EqualValues(t, 1, updates[0].VideoID)
	assert.Equal(t, 3, updates[0].FrameIdx)
}

func TestAddPromptUnknownVideo(t *testing.T) {
	f := newFixture(t, 100)

	_, _, _, err := f.uc.AddPrompt(context.Background(), 99, 0, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.Equal(t, 0, f.prompts.count())
}

func TestAddPromptFrameOutOfRange(t *testing.T) {
	f := newFixture(t, 100)
	f.open(t)

	_, _, _, err := f.uc.AddPrompt(context.Background(), 1, 100, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	assert.ErrorIs(t, err, entity.ErrFrameOutOfRange)

	_, _, _, err = f.uc.AddPrompt(context.Background(), 1, -1, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	assert.ErrorIs(t, err, entity.ErrFrameOutOfRange)
	assert.Equal(t, 0, f.prompts.count())
}

func TestAddPromptInvalidCoordinates(t *testing.T) {
	f := newFixture(t, 100)
	f.open(t)

	_, _, _, err := f.uc.AddPrompt(context.Background(), 1, 0, entity.PromptPositivePoint, 1.5, 0.5, 0, 0)
	assert.ErrorIs(t, err, entity.ErrInvalidPrompt)
	assert.Equal(t, 0, f.prompts.count())
}

func TestAddPromptWithoutSession(t *testing.T) {
	f := newFixture(t, 100)

	_, _, _, err := f.uc.AddPrompt(context.Background(), 1, 0, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	assert.ErrorIs(t, err, entity.ErrSessionLost)
	assert.Equal(t, 0, f.prompts.count())
}

func TestAddPromptModelNotLoaded(t *testing.T) {
	prober := &staticProber{info: port.VideoInfo{FrameCount: 10, Width: 64, Height: 64, FPS: 30}}
	factory := func(ctx context.Context) (port.InferenceWorker, error) {
		return worker.NewStub(), nil
	}
	models := service.NewModelService(context.Background(), factory, 0, zap.NewNop())
	t.Cleanup(models.Shutdown)
	reg := service.NewSessionRegistry(models, prober, zap.NewNop())

	videos := newMemVideos()
	require.NoError(t, videos.Create(context.Background(), entity.NewVideo("clip", "/videos/clip.mp4")))
	uc := NewSegmentationUseCase(
		reg, models, videos, &memPrompts{}, newMemBboxes(), newMemMasks(), &memPublisher{}, &recordingArchiver{}, zap.NewNop(),
		SegmentationConfig{PropagateMaxFrames: 25, MaskBatchLimit: 10},
	)

	_, _, _, err := uc.AddPrompt(context.Background(), 1, 0, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	assert.ErrorIs(t, err, entity.ErrModelUnavailable)
}

func TestAddPromptMaskWriteFailureNotAcknowledged(t *testing.T) {
	f := newFixture(t, 100)
	f.open(t)
	f.masks.failOn = 1

	_, _, _, err := f.uc.AddPrompt(context.Background(), 1, 0, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	require.Error(t, err)
	assert.ErrorContains(t, err, "persist mask")
	assert.Empty(t, f.events.byType(entity.EventMaskUpdated))
}

func TestAddPromptNegativeErasesMaskAndBbox(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 0)
	require.True(t, f.bboxes.has(1, 0))

	_, mask, box, err := f.uc.AddPrompt(context.Background(), 1, 0, entity.PromptNegativePoint, 0.5, 0.5, 0, 0)
	require.NoError(t, err)
	assert.True(t, mask.Empty())
	assert.True(t, box.IsZero())
	assert.False(t, f.bboxes.has(1, 0))
}

func TestAddPromptStaleHandleSurfacesSessionLost(t *testing.T) {
	f := newFixture(t, 100)

	sess, err := f.uc.OpenSession(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, f.stub.CloseSession(context.Background(), sess.Handle))

	_, _, _, err = f.uc.AddPrompt(context.Background(), 1, 0, entity.PromptPositivePoint, 0.5, 0.5, 0, 0)
	assert.ErrorIs(t, err, entity.ErrSessionLost)
}

func TestSessionErrTranslatesWorkerDeath(t *testing.T) {
	wrapped := fmt.Errorf("add_prompts: %w", port.ErrWorkerDead)
	assert.ErrorIs(t, sessionErr(wrapped), entity.ErrSessionLost)
	assert.Equal(t, assert.AnError, sessionErr(assert.AnError))
}

func TestOpenSessionIdempotentThroughUseCase(t *testing.T) {
	f := newFixture(t, 100)

	first, err := f.uc.OpenSession(context.Background(), 1)
	require.NoError(t, err)
	second, err := f.uc.OpenSession(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, first, second)

	require.NoError(t, f.uc.CloseSession(context.Background(), 1))
	assert.Equal(t, 0, f.reg.Count())
}

func TestCloseSessionUnknownVideoIsNoop(t *testing.T) {
	f := newFixture(t, 100)
	assert.NoError(t, f.uc.CloseSession(context.Background(), 404))
}

func TestPropagatePersistsEachStreamedFrame(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 2)

	run, err := f.uc.Propagate(context.Background(), 1, 2, entity.DirectionForward, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, run.FramesProcessed)
	assert.Equal(t, []int{2, 3, 4}, f.masks.frames(1))
	assert.True(t, f.bboxes.has(1, 3))
	assert.True(t, f.bboxes.has(1, 4))
	assert.Equal(t, 1, f.reg.Count())

	done := f.events.byType(entity.EventPropagationDone)
	require.Len(t, done, 1)
	assert.Equal(t, 3, done[0].Frames)
	assert.Empty(t, done[0].Error)
}

func TestPropagateOpensSessionIfAbsent(t *testing.T) {
	f := newFixture(t, 100)
	require.Equal(t, 0, f.reg.Count())

	run, err := f.uc.Propagate(context.Background(), 1, 0, entity.DirectionForward, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, run.FramesProcessed)
	assert.Equal(t, 1, f.reg.Count())
}

func TestPropagateBackwardStopsAtFrameZero(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 2)

	run, err := f.uc.Propagate(context.Background(), 1, 2, entity.DirectionBackward, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, run.FramesProcessed)
	assert.Equal(t, []int{0, 1, 2}, f.masks.frames(1))
}

func TestPropagateClampsMaxFrames(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 0)

	run, err := f.uc.Propagate(context.Background(), 1, 0, entity.DirectionForward, 9999)
	require.NoError(t, err)
	assert.Equal(t, 25, run.MaxFrames)
	assert.Equal(t, 25, run.FramesProcessed)

	run, err = f.uc.Propagate(context.Background(), 1, 0, entity.DirectionForward, 0)
	require.NoError(t, err)
	assert.Equal(t, 25, run.MaxFrames)
}

func TestPropagateRejectsConcurrentRunPerVideo(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 0)

	require.NoError(t, f.uc.beginPropagation(1))
	_, err := f.uc.Propagate(context.Background(), 1, 0, entity.DirectionForward, 5)
	assert.ErrorIs(t, err, entity.ErrPropagationActive)

	f.uc.endPropagation(1)
	run, err := f.uc.Propagate(context.Background(), 1, 0, entity.DirectionForward, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, run.FramesProcessed)
}

func TestPropagateInvalidDirection(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.uc.Propagate(context.Background(), 1, 0, entity.Direction("sideways"), 5)
	assert.ErrorIs(t, err, entity.ErrInvalidDirection)
}

func TestPropagateStartOutOfRange(t *testing.T) {
	f := newFixture(t, 10)

	_, err := f.uc.Propagate(context.Background(), 1, 10, entity.DirectionForward, 5)
	assert.ErrorIs(t, err, entity.ErrFrameOutOfRange)
}

func TestPropagatePartialOnPersistFailure(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 0)
	// Put 1 was the prompt's mask; let the next two propagation writes land
	// and fail the third.
	f.masks.failOn = 4

	run, err := f.uc.Propagate(context.Background(), 1, 0, entity.DirectionForward, 10)
	require.Error(t, err)
	assert.ErrorContains(t, err, "persist mask")
	require.NotNil(t, run)
	assert.Equal(t, 2, run.FramesProcessed)
	assert.Equal(t, []int{0, 1}, f.masks.frames(1))

	done := f.events.byType(entity.EventPropagationDone)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].Frames)
	assert.NotEmpty(t, done[0].Error)

	// The worker survives a consumer-side failure.
	w, err := f.models.Worker()
	require.NoError(t, err)
	assert.NoError(t, w.Ping(context.Background()))
}

func TestResetFrameClearsDurableState(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 5)

	require.NoError(t, f.uc.ResetFrame(context.Background(), 1, 5))

	assert.Equal(t, 0, f.prompts.count())
	_, err := f.masks.Get(context.Background(), 1, 5)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.False(t, f.bboxes.has(1, 5))
	assert.Len(t, f.events.byType(entity.EventFrameReset), 1)
}

func TestResetFrameUnknownVideo(t *testing.T) {
	f := newFixture(t, 100)
	assert.ErrorIs(t, f.uc.ResetFrame(context.Background(), 9, 0), entity.ErrNotFound)
}

func TestResetVideoClearsEverything(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 0)
	f.addPoint(t, 7)
	_, err := f.uc.Propagate(context.Background(), 1, 0, entity.DirectionForward, 5)
	require.NoError(t, err)

	require.NoError(t, f.uc.ResetVideo(context.Background(), 1))

	assert.Equal(t, 0, f.prompts.count())
	assert.Empty(t, f.masks.frames(1))
	assert.False(t, f.bboxes.has(1, 0))
	assert.False(t, f.bboxes.has(1, 7))
	assert.Len(t, f.events.byType(entity.EventVideoReset), 1)

	// The session survives a reset; only its accumulated edits are gone.
	assert.Equal(t, 1, f.reg.Count())
}

func TestGetMaskAbsentFrame(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.uc.GetMask(context.Background(), 1, 0)
	assert.ErrorIs(t, err, entity.ErrNotFound)

	_, err = f.uc.GetMask(context.Background(), 1, -2)
	assert.ErrorIs(t, err, entity.ErrFrameOutOfRange)
}

func TestGetMaskBatchSparseAndClamped(t *testing.T) {
	f := newFixture(t, 100)
	seedMask(t, f.masks, 1, 1)
	seedMask(t, f.masks, 1, 3)
	seedMask(t, f.masks, 1, 12)

	got, n, err := f.uc.GetMaskBatch(context.Background(), 1, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].FrameIdx)
	assert.Equal(t, 3, got[1].FrameIdx)

	// Limit is 10, so frame 12 falls outside an unbounded request.
	got, n, err = f.uc.GetMaskBatch(context.Background(), 1, 0, 9999)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	require.Len(t, got, 2)

	got, _, err = f.uc.GetMaskBatch(context.Background(), 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 12, got[0].FrameIdx)

	_, _, err = f.uc.GetMaskBatch(context.Background(), 1, -1, 5)
	assert.ErrorIs(t, err, entity.ErrFrameOutOfRange)
}

func TestGetBboxBatch(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 2)
	f.addPoint(t, 4)

	boxes, _, err := f.uc.GetBboxBatch(context.Background(), 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Equal(t, 2, boxes[0].FrameIdx)
	assert.Equal(t, 4, boxes[1].FrameIdx)

	_, err = f.uc.GetBbox(context.Background(), 1, 3)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestListPrompts(t *testing.T) {
	f := newFixture(t, 100)
	f.addPoint(t, 2)
	f.addPoint(t, 2)
	f.addPoint(t, 5)

	frame, err := f.uc.ListFramePrompts(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Len(t, frame, 2)
	assert.Less(t, frame[0].ID, frame[1].ID)

	all, err := f.uc.ListVideoPrompts(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.uc.ListFramePrompts(context.Background(), 42, 0)
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestExportMasksWritesOneFilePerFrame(t *testing.T) {
	f := newFixture(t, 100)
	archiver := &recordingArchiver{}
	f.uc.archiver = archiver
	seedMask(t, f.masks, 1, 2)
	seedMask(t, f.masks, 1, 7)

	require.NoError(t, f.uc.ExportMasks(context.Background(), 1, io.Discard))

	require.Len(t, archiver.files, 2)
	assert.Equal(t, "000002.png", archiver.files[0].Name)
	assert.Equal(t, "000007.png", archiver.files[1].Name)
	assert.NotEmpty(t, archiver.files[0].Data)

	assert.ErrorIs(t, f.uc.ExportMasks(context.Background(), 99, io.Discard), entity.ErrNotFound)
}

func TestModelStatusPassthrough(t *testing.T) {
	f := newFixture(t, 100)

	assert.Equal(t, entity.ModelStateReady, f.uc.ModelStatus().State)
	assert.Equal(t, entity.ModelStateReady, f.uc.PreloadModel(context.Background()).State)

	ch, cancel := f.uc.WatchModel()
	require.NotNil(t, ch)
	cancel()
}

// The canonical editing flow on a 300-frame 30fps clip: prompt frame 0,
// propagate a bounded window forward, then wipe the video.
func TestEditPropagateResetFlow(t *testing.T) {
	f := newFixtureCfg(t, 300, SegmentationConfig{PropagateMaxFrames: 100, MaskBatchLimit: 500})

	mask := f.addPoint(t, 0)
	require.NotNil(t, mask)
	assert.Equal(t, []int{0}, f.masks.frames(1))

	run, err := f.uc.Propagate(context.Background(), 1, 0, entity.DirectionForward, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, run.FramesProcessed)

	batch, count, err := f.uc.GetMaskBatch(context.Background(), 1, 0, 300)
	require.NoError(t, err)
	require.Equal(t, 300, count)
	require.Len(t, batch, 300)
	for i := 0; i < 100; i++ {
		require.NotNil(t, batch[i], "frame %d should carry a mask", i)
	}
	for i := 100; i < 300; i++ {
		require.Nil(t, batch[i], "frame %d should be empty", i)
	}

	require.NoError(t, f.uc.ResetVideo(context.Background(), 1))
	assert.Equal(t, 0, f.prompts.count())
	assert.Empty(t, f.masks.frames(1))
}
