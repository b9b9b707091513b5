package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/metrics"
)

// ErrWorkerDead re-exports the port sentinel; once dead a client never
// recovers, the model service spawns a new process.
var ErrWorkerDead = port.ErrWorkerDead

const writeTimeout = 5 * time.Second

// Timeouts bound each command kind. A propagation timeout applies per
// streamed message, not to the whole run.
type Timeouts struct {
	Load      time.Duration
	Init      time.Duration
	Propagate time.Duration
	Reset     time.Duration
	Close     time.Duration
	Command   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Load:      600 * time.Second,
		Init:      600 * time.Second,
		Propagate: 600 * time.Second,
		Reset:     30 * time.Second,
		Close:     10 * time.Second,
		Command:   120 * time.Second,
	}
}

// Client speaks the framed command protocol over a transport. Exactly one
// command is in flight at a time; callers queue on the command mutex. Any
// timeout, decode failure or transport EOF marks the client dead for good.
type Client struct {
	transport io.ReadWriteCloser
	log       *zap.Logger
	t         Timeouts

	mu   sync.Mutex // serializes commands
	msgs chan Response

	dead     atomic.Bool
	done     chan struct{}
	failOnce sync.Once
	errMu    sync.Mutex
	err      error
}

func NewClient(transport io.ReadWriteCloser, t Timeouts, log *zap.Logger) *Client {
	c := &Client{
		transport: transport,
		log:       log,
		t:         t,
		msgs:      make(chan Response, 16),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		var resp Response
		if err := ReadFrame(c.transport, &resp); err != nil {
			c.fail(fmt.Errorf("read response: %w", err))
			return
		}
		select {
		case c.msgs <- resp:
		case <-c.done:
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.dead.Store(true)
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.transport.Close()
		close(c.done)
	})
}

// Done is closed once the worker is dead.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// roundTrip sends cmd and feeds matching responses to each until it reports
// completion. The timeout re-arms on every received message so a streaming
// command is bounded per message. Responses with foreign ids belong to
// commands abandoned by a cancelled caller and are dropped.
func (c *Client) roundTrip(ctx context.Context, cmd Command, timeout time.Duration, each func(Response) (bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead.Load() {
		return ErrWorkerDead
	}

	start := time.Now()
	status := "ok"
	defer func() {
		metrics.WorkerCommandDuration.WithLabelValues(string(cmd.Kind)).Observe(time.Since(start).Seconds())
		metrics.WorkerCommandsTotal.WithLabelValues(string(cmd.Kind), status).Inc()
	}()

	if err := c.write(cmd); err != nil {
		status = "dead"
		c.fail(err)
		return fmt.Errorf("%w: %v", ErrWorkerDead, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-c.msgs:
			if resp.ID != cmd.ID {
				c.log.Debug("dropping response for abandoned command", zap.String("id", resp.ID))
				continue
			}
			finished, err := each(resp)
			if finished || err != nil {
				if err != nil {
					status = "error"
				}
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			status = "timeout"
			c.fail(fmt.Errorf("command %s timed out after %s", cmd.Kind, timeout))
			return fmt.Errorf("%w: %s timed out", ErrWorkerDead, cmd.Kind)
		case <-c.done:
			status = "dead"
			return fmt.Errorf("%w: %v", ErrWorkerDead, c.Err())
		case <-ctx.Done():
			status = "canceled"
			return ctx.Err()
		}
	}
}

// write performs the frame write in a goroutine so a child that stopped
// draining its stdin cannot hang the caller forever.
func (c *Client) write(cmd Command) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- WriteFrame(c.transport, cmd)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("write %s: %w", cmd.Kind, err)
		}
		return nil
	case <-time.After(writeTimeout):
		return fmt.Errorf("write %s: timed out", cmd.Kind)
	}
}

func expectOK(resp Response) (bool, error) {
	switch resp.Kind {
	case RespOK:
		return true, nil
	case RespError:
		return true, respError(resp)
	default:
		return true, fmt.Errorf("unexpected response kind %q", resp.Kind)
	}
}

// respError maps machine error codes onto domain errors.
func respError(resp Response) error {
	switch resp.Code {
	case CodeSessionNotFound:
		return fmt.Errorf("%w: %s", entity.ErrSessionLost, resp.Error)
	case CodeOutOfRange:
		return fmt.Errorf("%w: %s", entity.ErrFrameOutOfRange, resp.Error)
	default:
		return fmt.Errorf("worker error: %s", resp.Error)
	}
}

func (c *Client) LoadModel(ctx context.Context) error {
	return c.roundTrip(ctx, Command{ID: uuid.NewString(), Kind: CmdLoadModel}, c.t.Load, expectOK)
}

func (c *Client) InitSession(ctx context.Context, videoID int64, videoPath string, frameCount, width, height int) (string, error) {
	var handle string
	err := c.roundTrip(ctx, Command{
		ID:         uuid.NewString(),
		Kind:       CmdInitSession,
		VideoID:    videoID,
		VideoPath:  videoPath,
		FrameCount: frameCount,
		Width:      width,
		Height:     height,
	}, c.t.Init, func(resp Response) (bool, error) {
		switch resp.Kind {
		case RespOK:
			if resp.Handle == "" {
				return true, errors.New("init_session response missing handle")
			}
			handle = resp.Handle
			return true, nil
		case RespError:
			return true, respError(resp)
		default:
			return true, fmt.Errorf("unexpected response kind %q", resp.Kind)
		}
	})
	return handle, err
}

func (c *Client) AddPrompts(ctx context.Context, handle string, frameIdx int, prompts []*entity.Prompt) (*entity.Mask, entity.Bbox, error) {
	points, box := encodePrompts(prompts)

	var mask *entity.Mask
	var bbox entity.Bbox
	err := c.roundTrip(ctx, Command{
		ID:       uuid.NewString(),
		Kind:     CmdAddPrompts,
		Handle:   handle,
		FrameIdx: frameIdx,
		Points:   points,
		Box:      box,
	}, c.t.Command, func(resp Response) (bool, error) {
		switch resp.Kind {
		case RespMask:
			m, err := entity.NewMask(0, resp.FrameIdx, resp.Width, resp.Height, resp.Mask)
			if err != nil {
				return true, fmt.Errorf("bad mask in response: %w", err)
			}
			mask = m
			bbox = decodeBox(resp.Box, resp.FrameIdx)
			return true, nil
		case RespError:
			return true, respError(resp)
		default:
			return true, fmt.Errorf("unexpected response kind %q", resp.Kind)
		}
	})
	return mask, bbox, err
}

func (c *Client) Propagate(ctx context.Context, handle string, startFrame int, dir entity.Direction, maxFrames int, fn port.PropagateFunc) (int, error) {
	processed := 0
	var consumeErr error
	err := c.roundTrip(ctx, Command{
		ID:        uuid.NewString(),
		Kind:      CmdPropagate,
		Handle:    handle,
		FrameIdx:  startFrame,
		Direction: string(dir),
		MaxFrames: maxFrames,
	}, c.t.Propagate, func(resp Response) (bool, error) {
		switch resp.Kind {
		case RespFrame:
			// After a consumer failure keep draining to stay in protocol
			// sync, but stop handing frames out.
			if consumeErr != nil {
				return false, nil
			}
			m, err := entity.NewMask(0, resp.FrameIdx, resp.Width, resp.Height, resp.Mask)
			if err != nil {
				consumeErr = fmt.Errorf("bad mask for frame %d: %w", resp.FrameIdx, err)
				return false, nil
			}
			if err := fn(resp.FrameIdx, m, decodeBox(resp.Box, resp.FrameIdx)); err != nil {
				consumeErr = err
				return false, nil
			}
			processed++
			return false, nil
		case RespDone:
			return true, consumeErr
		case RespError:
			return true, respError(resp)
		default:
			return true, fmt.Errorf("unexpected response kind %q", resp.Kind)
		}
	})
	return processed, err
}

func (c *Client) ResetFrame(ctx context.Context, handle string, frameIdx int) error {
	return c.roundTrip(ctx, Command{
		ID:       uuid.NewString(),
		Kind:     CmdResetFrame,
		Handle:   handle,
		FrameIdx: frameIdx,
	}, c.t.Reset, expectOK)
}

func (c *Client) ResetSession(ctx context.Context, handle string) error {
	return c.roundTrip(ctx, Command{
		ID:     uuid.NewString(),
		Kind:   CmdResetSession,
		Handle: handle,
	}, c.t.Reset, expectOK)
}

func (c *Client) CloseSession(ctx context.Context, handle string) error {
	return c.roundTrip(ctx, Command{
		ID:     uuid.NewString(),
		Kind:   CmdCloseSession,
		Handle: handle,
	}, c.t.Close, expectOK)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, Command{ID: uuid.NewString(), Kind: CmdPing}, c.t.Command, expectOK)
}

// shutdown asks the worker to exit. It does not wait for a response; a
// worker busy with a long command is left to the process kill path.
func (c *Client) shutdown() error {
	if c.dead.Load() {
		return ErrWorkerDead
	}
	if !c.mu.TryLock() {
		return errors.New("worker busy")
	}
	defer c.mu.Unlock()
	return c.write(Command{ID: uuid.NewString(), Kind: CmdShutdown})
}

// encodePrompts flattens a frame's prompt list into wire points and an
// optional box. When several box prompts exist the most recent wins, which
// matches how the model consumes them.
func encodePrompts(prompts []*entity.Prompt) ([]Point, []float64) {
	var points []Point
	var box []float64
	for _, p := range prompts {
		switch p.Kind {
		case entity.PromptPositivePoint:
			points = append(points, Point{X: p.X, Y: p.Y, Label: 1})
		case entity.PromptNegativePoint:
			points = append(points, Point{X: p.X, Y: p.Y, Label: 0})
		case entity.PromptBox:
			box = []float64{p.X, p.Y, p.X2, p.Y2}
		}
	}
	return points, box
}

func decodeBox(box []float64, frameIdx int) entity.Bbox {
	b := entity.Bbox{FrameIdx: frameIdx}
	if len(box) == 4 {
		b.X1, b.Y1, b.X2, b.Y2 = box[0], box[1], box[2], box[3]
	}
	return b
}
