package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
)

// Serve runs the worker side of the framed command protocol: read a command
// from r, dispatch it to model, write the response(s) to w. It returns nil
// when the peer closes the stream or sends shutdown. Unknown command tags are
// rejected with bad_command without killing the loop; a failed write is fatal
// because the stream is no longer in sync.
func Serve(ctx context.Context, r io.Reader, w io.Writer, model port.InferenceWorker, log *zap.Logger) error {
	log.Info("worker serving")
	for {
		var cmd Command
		if err := ReadFrame(r, &cmd); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				log.Info("command stream closed")
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}
		kind, err := ParseCommandKind(string(cmd.Kind))
		if err != nil {
			log.Warn("rejecting command", zap.String("kind", string(cmd.Kind)), zap.String("id", cmd.ID))
			if werr := WriteFrame(w, Response{ID: cmd.ID, Kind: RespError, Code: CodeBadCommand, Error: err.Error()}); werr != nil {
				return fmt.Errorf("write response: %w", werr)
			}
			continue
		}
		switch kind {
		case CmdShutdown:
			log.Info("shutdown requested")
			_ = WriteFrame(w, Response{ID: cmd.ID, Kind: RespOK})
			return nil
		case CmdPropagate:
			if err := servePropagate(ctx, w, model, cmd); err != nil {
				return err
			}
		default:
			if err := WriteFrame(w, dispatch(ctx, model, cmd)); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
}

func dispatch(ctx context.Context, model port.InferenceWorker, cmd Command) Response {
	switch cmd.Kind {
	case CmdLoadModel:
		if err := model.LoadModel(ctx); err != nil {
			return errResponse(cmd.ID, err)
		}
		return Response{ID: cmd.ID, Kind: RespOK}
	case CmdInitSession:
		handle, err := model.InitSession(ctx, cmd.VideoID, cmd.VideoPath, cmd.FrameCount, cmd.Width, cmd.Height)
		if err != nil {
			return errResponse(cmd.ID, err)
		}
		return Response{ID: cmd.ID, Kind: RespOK, Handle: handle}
	case CmdAddPrompts:
		mask, box, err := model.AddPrompts(ctx, cmd.Handle, cmd.FrameIdx, decodePrompts(cmd.Points, cmd.Box))
		if err != nil {
			return errResponse(cmd.ID, err)
		}
		return Response{
			ID:       cmd.ID,
			Kind:     RespMask,
			FrameIdx: mask.FrameIdx,
			Width:    mask.Width,
			Height:   mask.Height,
			Mask:     mask.Data,
			Box:      encodeBox(box),
		}
	case CmdResetFrame:
		if err := model.ResetFrame(ctx, cmd.Handle, cmd.FrameIdx); err != nil {
			return errResponse(cmd.ID, err)
		}
		return Response{ID: cmd.ID, Kind: RespOK}
	case CmdResetSession:
		if err := model.ResetSession(ctx, cmd.Handle); err != nil {
			return errResponse(cmd.ID, err)
		}
		return Response{ID: cmd.ID, Kind: RespOK}
	case CmdCloseSession:
		if err := model.CloseSession(ctx, cmd.Handle); err != nil {
			return errResponse(cmd.ID, err)
		}
		return Response{ID: cmd.ID, Kind: RespOK}
	case CmdPing:
		if err := model.Ping(ctx); err != nil {
			return errResponse(cmd.ID, err)
		}
		return Response{ID: cmd.ID, Kind: RespOK}
	default:
		return Response{ID: cmd.ID, Kind: RespError, Code: CodeBadCommand, Error: fmt.Sprintf("unhandled command %s", cmd.Kind)}
	}
}

// servePropagate streams one frame response per propagated frame, then done
// with the total. A model failure partway leaves the already streamed frames
// valid and ends the stream with an error response.
func servePropagate(ctx context.Context, w io.Writer, model port.InferenceWorker, cmd Command) error {
	dir, err := entity.ParseDirection(cmd.Direction)
	if err != nil {
		if werr := WriteFrame(w, Response{ID: cmd.ID, Kind: RespError, Code: CodeBadCommand, Error: err.Error()}); werr != nil {
			return fmt.Errorf("write response: %w", werr)
		}
		return nil
	}
	var writeErr error
	frames, err := model.Propagate(ctx, cmd.Handle, cmd.FrameIdx, dir, cmd.MaxFrames, func(frameIdx int, mask *entity.Mask, box entity.Bbox) error {
		writeErr = WriteFrame(w, Response{
			ID:       cmd.ID,
			Kind:     RespFrame,
			FrameIdx: frameIdx,
			Width:    mask.Width,
			Height:   mask.Height,
			Mask:     mask.Data,
			Box:      encodeBox(box),
		})
		return writeErr
	})
	if writeErr != nil {
		return fmt.Errorf("write propagation frame: %w", writeErr)
	}
	if err != nil {
		if werr := WriteFrame(w, errResponse(cmd.ID, err)); werr != nil {
			return fmt.Errorf("write response: %w", werr)
		}
		return nil
	}
	if werr := WriteFrame(w, Response{ID: cmd.ID, Kind: RespDone, Frames: frames}); werr != nil {
		return fmt.Errorf("write response: %w", werr)
	}
	return nil
}

func errResponse(id string, err error) Response {
	code := CodeModelError
	switch {
	case errors.Is(err, entity.ErrSessionLost):
		code = CodeSessionNotFound
	case errors.Is(err, entity.ErrFrameOutOfRange):
		code = CodeOutOfRange
	}
	return Response{ID: id, Kind: RespError, Code: code, Error: err.Error()}
}

// decodePrompts rebuilds the frame's prompt set from wire points plus the
// optional box. The box always lands after the points, which is the order
// the model consumes them in.
func decodePrompts(points []Point, box []float64) []*entity.Prompt {
	prompts := make([]*entity.Prompt, 0, len(points)+1)
	for _, p := range points {
		kind := entity.PromptNegativePoint
		if p.Label == 1 {
			kind = entity.PromptPositivePoint
		}
		prompts = append(prompts, &entity.Prompt{Kind: kind, X: p.X, Y: p.Y})
	}
	if len(box) == 4 {
		prompts = append(prompts, &entity.Prompt{
			Kind: entity.PromptBox,
			X:    box[0],
			Y:    box[1],
			X2:   box[2],
			Y2:   box[3],
		})
	}
	return prompts
}

func encodeBox(b entity.Bbox) []float64 {
	if b.IsZero() {
		return nil
	}
	return []float64{b.X1, b.Y1, b.X2, b.Y2}
}
