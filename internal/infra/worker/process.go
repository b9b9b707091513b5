package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/metrics"
)

const defaultStopTimeout = 10 * time.Second

// pipeTransport joins the child's stdout (reads) and stdin (writes) into one
// transport. Closing it closes both pipes, which unblocks the child.
type pipeTransport struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (t pipeTransport) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t pipeTransport) Write(p []byte) (int, error) { return t.w.Write(p) }

func (t pipeTransport) Close() error {
	werr := t.w.Close()
	rerr := t.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Process is a worker subprocess plus the Client speaking to it. It
// implements port.InferenceWorker. The kernel reaps the child through the
// wait goroutine; transport failure and process exit both end in the same
// dead state.
type Process struct {
	*Client
	cmd         *exec.Cmd
	log         *zap.Logger
	exited      chan struct{}
	stopTimeout time.Duration
}

// StartProcess spawns command and wires its stdio into a Client. The context
// bounds the child's whole lifetime: cancelling it kills the process.
func StartProcess(ctx context.Context, command []string, t Timeouts, log *zap.Logger) (*Process, error) {
	if len(command) == 0 {
		return nil, errors.New("empty worker command")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %q: %w", command[0], err)
	}

	wlog := log.With(zap.Int("worker_pid", cmd.Process.Pid))
	p := &Process{
		Client:      NewClient(pipeTransport{r: stdout, w: stdin}, t, wlog),
		cmd:         cmd,
		log:         wlog,
		exited:      make(chan struct{}),
		stopTimeout: defaultStopTimeout,
	}

	go p.drainStderr(stderr)
	go p.wait()

	wlog.Info("worker process started", zap.Strings("command", command))
	metrics.WorkerStartsTotal.Inc()

	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		p.log.Warn("worker process exited", zap.Error(err))
	} else {
		p.log.Info("worker process exited cleanly")
	}
	p.Client.fail(fmt.Errorf("worker process exited: %v", err))
	close(p.exited)
}

// drainStderr forwards the worker's stderr into the service log line by
// line. The model worker logs loading progress there.
func (p *Process) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		p.log.Info("worker stderr", zap.String("line", sc.Text()))
	}
}

// Stop asks the worker to exit via a shutdown command and kills it if it
// has not exited within the stop timeout.
func (p *Process) Stop() {
	if err := p.Client.shutdown(); err != nil && !errors.Is(err, ErrWorkerDead) {
		p.log.Debug("shutdown command not delivered", zap.Error(err))
	}
	select {
	case <-p.exited:
	case <-time.After(p.stopTimeout):
		p.log.Warn("worker did not exit in time, killing")
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
}

// Factory builds the port.WorkerFactory the model service respawns workers
// with.
func Factory(command []string, t Timeouts, log *zap.Logger) port.WorkerFactory {
	return func(ctx context.Context) (port.InferenceWorker, error) {
		return StartProcess(ctx, command, t, log)
	}
}
