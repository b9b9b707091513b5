package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire format: each message is a 4-byte big-endian length prefix followed by
// a msgpack-encoded Command or Response. The prefix is bounded so a corrupt
// stream cannot trigger a huge allocation.
const MaxFrameSize = 64 * 1024 * 1024

type CommandKind string

const (
	CmdLoadModel    CommandKind = "load_model"
	CmdInitSession  CommandKind = "init_session"
	CmdAddPrompts   CommandKind = "add_prompts"
	CmdPropagate    CommandKind = "propagate"
	CmdResetFrame   CommandKind = "reset_frame"
	CmdResetSession CommandKind = "reset_session"
	CmdCloseSession CommandKind = "close_session"
	CmdPing         CommandKind = "ping"
	CmdShutdown     CommandKind = "shutdown"
)

// ParseCommandKind rejects unknown command tags instead of letting them fall
// through a dispatch switch.
func ParseCommandKind(s string) (CommandKind, error) {
	switch CommandKind(s) {
	case CmdLoadModel, CmdInitSession, CmdAddPrompts, CmdPropagate,
		CmdResetFrame, CmdResetSession, CmdCloseSession, CmdPing, CmdShutdown:
		return CommandKind(s), nil
	default:
		return "", fmt.Errorf("unknown command kind %q", s)
	}
}

// Point is one point prompt on the wire. Label 1 marks foreground, 0
// background. Coordinates are normalized 0..1.
type Point struct {
	X     float64 `msgpack:"x"`
	Y     float64 `msgpack:"y"`
	Label int     `msgpack:"label"`
}

// Command is a request from the serving process to the worker. ID correlates
// the response(s); only the fields the Kind needs are set.
type Command struct {
	ID         string      `msgpack:"id"`
	Kind       CommandKind `msgpack:"kind"`
	Handle     string      `msgpack:"handle,omitempty"`
	VideoID    int64       `msgpack:"video_id,omitempty"`
	VideoPath  string      `msgpack:"video_path,omitempty"`
	FrameCount int         `msgpack:"frame_count,omitempty"`
	Width      int         `msgpack:"width,omitempty"`
	Height     int         `msgpack:"height,omitempty"`
	FrameIdx   int         `msgpack:"frame_idx,omitempty"`
	Points     []Point     `msgpack:"points,omitempty"`
	Box        []float64   `msgpack:"box,omitempty"`
	Direction  string      `msgpack:"direction,omitempty"`
	MaxFrames  int         `msgpack:"max_frames,omitempty"`
}

type ResponseKind string

const (
	// RespOK acknowledges a command with no payload beyond Handle.
	RespOK ResponseKind = "ok"
	// RespError reports a failed command; Code carries the machine reason.
	RespError ResponseKind = "error"
	// RespMask carries the recomputed mask for add_prompts.
	RespMask ResponseKind = "mask"
	// RespFrame is one streamed propagation result; more follow.
	RespFrame ResponseKind = "frame"
	// RespDone terminates a propagation stream with the total frame count.
	RespDone ResponseKind = "done"
)

// Machine error codes carried by RespError.
const (
	CodeSessionNotFound = "session_not_found"
	CodeOutOfRange      = "out_of_range"
	CodeModelError      = "model_error"
	CodeBadCommand      = "bad_command"
)

// Response is one worker reply. Propagation produces many (RespFrame...
// RespDone) under a single command ID; everything else produces exactly one.
type Response struct {
	ID       string       `msgpack:"id"`
	Kind     ResponseKind `msgpack:"kind"`
	Code     string       `msgpack:"code,omitempty"`
	Error    string       `msgpack:"error,omitempty"`
	Handle   string       `msgpack:"handle,omitempty"`
	FrameIdx int          `msgpack:"frame_idx,omitempty"`
	Width    int          `msgpack:"width,omitempty"`
	Height   int          `msgpack:"height,omitempty"`
	Mask     []byte       `msgpack:"mask,omitempty"`
	Box      []float64    `msgpack:"box,omitempty"`
	Frames   int          `msgpack:"frames,omitempty"`
}

func WriteFrame(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message body: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > MaxFrameSize {
		return fmt.Errorf("message size %d out of bounds", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
