package port

import (
	"context"
	"errors"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
)

// ErrWorkerDead marks every call made on a worker after its process exited
// or its transport failed. Callers translate it: model unavailable for
// process-level operations, session lost for session-scoped ones.
var ErrWorkerDead = errors.New("worker dead")

// PropagateFunc receives each streamed propagation result in order. A non-nil
// return stops consumption; results already handed off stay written.
type PropagateFunc func(frameIdx int, mask *entity.Mask, box entity.Bbox) error

// InferenceWorker is the serving-process view of the model worker process.
// All methods funnel through one serialized command channel; concurrent
// callers queue. Any timeout or transport failure marks the worker dead for
// good: Done closes, every later call fails, and the model service spawns a
// replacement.
type InferenceWorker interface {
	LoadModel(ctx context.Context) error
	InitSession(ctx context.Context, videoID int64, videoPath string, frameCount, width, height int) (string, error)
	AddPrompts(ctx context.Context, handle string, frameIdx int, prompts []*entity.Prompt) (*entity.Mask, entity.Bbox, error)
	Propagate(ctx context.Context, handle string, startFrame int, dir entity.Direction, maxFrames int, fn PropagateFunc) (int, error)
	ResetFrame(ctx context.Context, handle string, frameIdx int) error
	ResetSession(ctx context.Context, handle string) error
	CloseSession(ctx context.Context, handle string) error
	Ping(ctx context.Context) error

	// Done is closed when the worker process exits or its transport fails.
	Done() <-chan struct{}
	Err() error
	// Stop asks the worker to shut down and kills it if it does not.
	Stop()
}

// WorkerFactory spawns a fresh worker process. The model service calls it on
// every preload and after every crash.
type WorkerFactory func(ctx context.Context) (InferenceWorker, error)
