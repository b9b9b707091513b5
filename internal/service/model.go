package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/metrics"
)

// statusBuffer is the per-subscriber queue depth. A subscriber that falls
// this far behind loses intermediate transitions, never the stream itself.
const statusBuffer = 8

// ModelService owns the inference worker lifecycle: it spawns the process,
// tracks the NOT_LOADED / LOADING / READY / ERROR state, pushes transitions
// to subscribers and respawns nothing by itself; a lost worker simply drops
// the state back to NOT_LOADED until the next Preload.
type ModelService struct {
	factory   port.WorkerFactory
	log       *zap.Logger
	heartbeat time.Duration

	mu     sync.RWMutex
	status entity.ModelStatus
	worker port.InferenceWorker

	subMu  sync.Mutex
	subs   map[int]chan entity.ModelStatus
	nextID int

	pinging atomic.Bool
	stop    chan struct{}
	stopped sync.Once

	// baseCtx bounds worker spawning and loading; a load triggered by one
	// request keeps going after that request is gone.
	baseCtx context.Context
}

func NewModelService(ctx context.Context, factory port.WorkerFactory, heartbeat time.Duration, log *zap.Logger) *ModelService {
	s := &ModelService{
		factory:   factory,
		log:       log,
		heartbeat: heartbeat,
		status:    entity.ModelStatus{State: entity.ModelStateNotLoaded},
		subs:      make(map[int]chan entity.ModelStatus),
		stop:      make(chan struct{}),
		baseCtx:   ctx,
	}
	metrics.ModelState.Set(0)
	if heartbeat > 0 {
		go s.heartbeatLoop()
	}
	return s
}

// Preload kicks off model loading unless it is already loading or ready.
// It returns immediately with the resulting status; completion arrives on
// the status stream.
func (s *ModelService) Preload(ctx context.Context) entity.ModelStatus {
	s.mu.Lock()
	switch s.status.State {
	case entity.ModelStateLoading, entity.ModelStateReady:
		st := s.status
		s.mu.Unlock()
		return st
	}
	st := entity.ModelStatus{State: entity.ModelStateLoading}
	s.setStatusLocked(st)
	s.mu.Unlock()

	go s.load()
	return st
}

func (s *ModelService) load() {
	w, err := s.factory(s.baseCtx)
	if err != nil {
		s.log.Error("worker spawn failed", zap.Error(err))
		s.setStatus(entity.ModelStatus{State: entity.ModelStateError, Error: err.Error()})
		return
	}
	if err := w.LoadModel(s.baseCtx); err != nil {
		s.log.Error("model load failed", zap.Error(err))
		w.Stop()
		s.setStatus(entity.ModelStatus{State: entity.ModelStateError, Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.worker = w
	s.setStatusLocked(entity.ModelStatus{State: entity.ModelStateReady})
	s.mu.Unlock()
	go s.watch(w)
}

// watch drops the state back to NOT_LOADED when the worker dies. The
// identity check makes the transition fire once per worker generation; a
// stale watcher cannot clobber a replacement.
func (s *ModelService) watch(w port.InferenceWorker) {
	<-w.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker != w {
		return
	}
	s.worker = nil
	metrics.WorkerDeathsTotal.Inc()
	s.log.Warn("inference worker lost", zap.Error(w.Err()))
	s.setStatusLocked(entity.ModelStatus{State: entity.ModelStateNotLoaded})
}

func (s *ModelService) Status() entity.ModelStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Worker hands out the live worker for one operation. Callers must not hold
// the reference across requests; the worker may die at any time.
func (s *ModelService) Worker() (port.InferenceWorker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status.State != entity.ModelStateReady || s.worker == nil {
		return nil, fmt.Errorf("%w: model is %s", entity.ErrModelUnavailable, s.status.State)
	}
	return s.worker, nil
}

// Subscribe registers for status transitions. The returned cancel must be
// called to release the subscription.
func (s *ModelService) Subscribe() (<-chan entity.ModelStatus, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan entity.ModelStatus, statusBuffer)
	s.subs[id] = ch
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *ModelService) setStatus(st entity.ModelStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(st)
}

func (s *ModelService) setStatusLocked(st entity.ModelStatus) {
	prev := s.status
	s.status = st
	metrics.ModelState.Set(stateGaugeValue(st.State))
	s.log.Info("model state changed",
		zap.String("from", string(prev.State)),
		zap.String("to", string(st.State)),
		zap.String("error", st.Error),
	)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- st:
		default:
			s.log.Debug("status subscriber lagging", zap.Int("subscriber", id))
		}
	}
}

func stateGaugeValue(state entity.ModelState) float64 {
	switch state {
	case entity.ModelStateLoading:
		return 1
	case entity.ModelStateReady:
		return 2
	case entity.ModelStateError:
		return 3
	default:
		return 0
	}
}

// heartbeatLoop pings the worker between commands. The ping queues behind
// whatever command is running, so a busy worker is never double-probed: one
// probe is in flight at most. Silence is detected by the client's own
// command timeout, which marks the worker dead and trips the watcher.
func (s *ModelService) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.pinging.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer s.pinging.Store(false)
				w, err := s.Worker()
				if err != nil {
					return
				}
				if err := w.Ping(s.baseCtx); err != nil {
					s.log.Warn("worker heartbeat failed", zap.Error(err))
				}
			}()
		}
	}
}

// Shutdown stops the heartbeat and the worker process. It does not wait for
// in-flight commands; the worker's stop path escalates to a kill.
func (s *ModelService) Shutdown() {
	s.stopped.Do(func() {
		close(s.stop)
	})
	s.mu.Lock()
	w := s.worker
	s.worker = nil
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}
