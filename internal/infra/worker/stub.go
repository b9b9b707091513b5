package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
)

// Stub is a deterministic in-process model: positive points paint a disk,
// negative points erase one, a box paints a rectangle, and propagation
// repeats the start frame's mask across the window. It backs cmd/stubworker
// and every test that needs predictable masks without a GPU.
type Stub struct {
	mu       sync.Mutex
	loaded   bool
	sessions map[string]*stubSession

	loadDelay time.Duration
	loadErr   error

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

type stubSession struct {
	videoID    int64
	frameCount int
	width      int
	height     int
	prompts    map[int][]*entity.Prompt
}

type StubOption func(*Stub)

// WithLoadDelay makes LoadModel take d, imitating weight loading.
func WithLoadDelay(d time.Duration) StubOption {
	return func(s *Stub) { s.loadDelay = d }
}

// WithLoadError makes LoadModel fail with err.
func WithLoadError(err error) StubOption {
	return func(s *Stub) { s.loadErr = err }
}

func NewStub(opts ...StubOption) *Stub {
	s := &Stub{
		sessions: make(map[string]*stubSession),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stub) LoadModel(ctx context.Context) error {
	if err := s.alive(); err != nil {
		return err
	}
	if s.loadDelay > 0 {
		select {
		case <-time.After(s.loadDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrWorkerDead
		}
	}
	if s.loadErr != nil {
		return s.loadErr
	}
	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func (s *Stub) InitSession(ctx context.Context, videoID int64, videoPath string, frameCount, width, height int) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return "", fmt.Errorf("%w: model not loaded", entity.ErrModelUnavailable)
	}
	if frameCount <= 0 || width <= 0 || height <= 0 {
		return "", fmt.Errorf("bad session geometry %dx%d/%d", width, height, frameCount)
	}
	handle := uuid.NewString()
	s.sessions[handle] = &stubSession{
		videoID:    videoID,
		frameCount: frameCount,
		width:      width,
		height:     height,
		prompts:    make(map[int][]*entity.Prompt),
	}
	return handle, nil
}

func (s *Stub) AddPrompts(ctx context.Context, handle string, frameIdx int, prompts []*entity.Prompt) (*entity.Mask, entity.Bbox, error) {
	if err := s.alive(); err != nil {
		return nil, entity.Bbox{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	if !ok {
		return nil, entity.Bbox{}, fmt.Errorf("%w: handle %s", entity.ErrSessionLost, handle)
	}
	if frameIdx < 0 || frameIdx >= sess.frameCount {
		return nil, entity.Bbox{}, fmt.Errorf("%w: frame %d of %d", entity.ErrFrameOutOfRange, frameIdx, sess.frameCount)
	}
	sess.prompts[frameIdx] = append([]*entity.Prompt(nil), prompts...)
	mask := sess.render(frameIdx)
	return mask, maskBounds(mask), nil
}

func (s *Stub) Propagate(ctx context.Context, handle string, startFrame int, dir entity.Direction, maxFrames int, fn port.PropagateFunc) (int, error) {
	if err := s.alive(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	sess, ok := s.sessions[handle]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: handle %s", entity.ErrSessionLost, handle)
	}
	if startFrame < 0 || startFrame >= sess.frameCount {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: frame %d of %d", entity.ErrFrameOutOfRange, startFrame, sess.frameCount)
	}
	seed := sess.render(startFrame)
	frameCount := sess.frameCount
	videoID := sess.videoID
	s.mu.Unlock()

	step := 1
	if dir == entity.DirectionBackward {
		step = -1
	}

	processed := 0
	for i := 0; i < maxFrames; i++ {
		idx := startFrame + i*step
		if idx < 0 || idx >= frameCount {
			break
		}
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		case <-s.done:
			return processed, ErrWorkerDead
		default:
		}
		mask := &entity.Mask{
			VideoID:  videoID,
			FrameIdx: idx,
			Width:    seed.Width,
			Height:   seed.Height,
			Data:     append([]byte(nil), seed.Data...),
		}
		if err := fn(idx, mask, maskBounds(mask)); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (s *Stub) ResetFrame(ctx context.Context, handle string, frameIdx int) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	if !ok {
		return fmt.Errorf("%w: handle %s", entity.ErrSessionLost, handle)
	}
	delete(sess.prompts, frameIdx)
	return nil
}

func (s *Stub) ResetSession(ctx context.Context, handle string) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	if !ok {
		return fmt.Errorf("%w: handle %s", entity.ErrSessionLost, handle)
	}
	sess.prompts = make(map[int][]*entity.Prompt)
	return nil
}

func (s *Stub) CloseSession(ctx context.Context, handle string) error {
	if err := s.alive(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[handle]; !ok {
		return fmt.Errorf("%w: handle %s", entity.ErrSessionLost, handle)
	}
	delete(s.sessions, handle)
	return nil
}

func (s *Stub) Ping(ctx context.Context) error {
	return s.alive()
}

func (s *Stub) Done() <-chan struct{} { return s.done }

func (s *Stub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stub) Stop() {
	s.kill(nil)
}

// Kill simulates a worker crash: Done closes and every later call fails.
func (s *Stub) Kill() {
	s.kill(fmt.Errorf("%w: killed", ErrWorkerDead))
}

func (s *Stub) kill(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.sessions = make(map[string]*stubSession)
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Stub) alive() error {
	select {
	case <-s.done:
		return ErrWorkerDead
	default:
		return nil
	}
}

// render paints the frame's mask from its prompt list in insertion order.
func (ss *stubSession) render(frameIdx int) *entity.Mask {
	mask := &entity.Mask{
		VideoID:  ss.videoID,
		FrameIdx: frameIdx,
		Width:    ss.width,
		Height:   ss.height,
		Data:     make([]byte, ss.width*ss.height),
	}
	radius := minInt(ss.width, ss.height) / 8
	if radius < 1 {
		radius = 1
	}
	for _, p := range ss.prompts[frameIdx] {
		switch p.Kind {
		case entity.PromptPositivePoint:
			paintDisk(mask, p.X, p.Y, radius, 255)
		case entity.PromptNegativePoint:
			paintDisk(mask, p.X, p.Y, radius, 0)
		case entity.PromptBox:
			paintRect(mask, p.X, p.Y, p.X2, p.Y2, 255)
		}
	}
	return mask
}

func paintDisk(m *entity.Mask, nx, ny float64, radius int, value byte) {
	cx := int(nx * float64(m.Width))
	cy := int(ny * float64(m.Height))
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
				continue
			}
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				m.Data[y*m.Width+x] = value
			}
		}
	}
}

func paintRect(m *entity.Mask, nx1, ny1, nx2, ny2 float64, value byte) {
	x1 := clampInt(int(nx1*float64(m.Width)), 0, m.Width-1)
	y1 := clampInt(int(ny1*float64(m.Height)), 0, m.Height-1)
	x2 := clampInt(int(nx2*float64(m.Width)), 0, m.Width-1)
	y2 := clampInt(int(ny2*float64(m.Height)), 0, m.Height-1)
	for y := y1; y <= y2; y++ {
		for x := x1; x <= x2; x++ {
			m.Data[y*m.Width+x] = value
		}
	}
}

// maskBounds derives the tight pixel bounding box; zero box for an empty
// mask.
func maskBounds(m *entity.Mask) entity.Bbox {
	b := entity.Bbox{VideoID: m.VideoID, FrameIdx: m.FrameIdx}
	minX, minY := m.Width, m.Height
	maxX, maxY := -1, -1
	for y := 0; y < m.Height; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x, v := range row {
			if v == 0 {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return b
	}
	b.X1, b.Y1 = float64(minX), float64(minY)
	b.X2, b.Y2 = float64(maxX+1), float64(maxY+1)
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
