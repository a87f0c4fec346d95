package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatgate/internal/bus"
)

// WorkerSpec describes one child process.
type WorkerSpec struct {
	Name string
	Args []string
}

type Config struct {
	// Executable defaults to the running binary.
	Executable string
	Workers    []WorkerSpec
	// Env is appended to the parent's environment.
	Env []string
	// StartTimeout bounds awaiting-ready; zero waits forever.
	StartTimeout time.Duration
	Events       *bus.EventBus
	Logger       *slog.Logger
}

type worker struct {
	spec     WorkerSpec
	cmd      *exec.Cmd
	readyR   *os.File
	handle   WorkerHandle
	stopping bool
}

// Supervisor runs one process per channel and tracks its lifecycle.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	mu      sync.Mutex
	workers []*worker
	wg      sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, logger: cfg.Logger.With("component", "supervisor")}
}

// ErrWorkersFailed is returned by Run when every worker ended and at
// least one of them errored.
var ErrWorkersFailed = errors.New("one or more workers failed")

// Run spawns every worker and blocks until ctx is cancelled or all
// workers have exited. On cancellation it sends SIGTERM to every live
// worker and returns without waiting for them.
func (s *Supervisor) Run(ctx context.Context) error {
	exe := s.cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
	}

	workers := make([]*worker, len(s.cfg.Workers))
	var g errgroup.Group
	for i, spec := range s.cfg.Workers {
		g.Go(func() error {
			w, err := s.spawn(exe, spec)
			if err != nil {
				return fmt.Errorf("spawn %s: %w", spec.Name, err)
			}
			workers[i] = w
			return nil
		})
	}
	spawnErr := g.Wait()

	s.mu.Lock()
	for _, w := range workers {
		if w != nil {
			s.workers = append(s.workers, w)
		}
	}
	started := append([]*worker(nil), s.workers...)
	s.mu.Unlock()

	for _, w := range started {
		s.wg.Add(1)
		go s.monitor(w)
	}

	if spawnErr != nil {
		s.Stop()
		return spawnErr
	}

	allDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(allDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested, stopping workers")
		s.Stop()
		return nil
	case <-allDone:
		for _, h := range s.Snapshot() {
			if h.State == StateErrored {
				return ErrWorkersFailed
			}
		}
		return nil
	}
}

func (s *Supervisor) spawn(exe string, spec WorkerSpec) (*worker, error) {
	r, wr, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ready pipe: %w", err)
	}
	cmd := exec.Command(exe, spec.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{wr} // fd 3 in the child
	cmd.Env = append(append(os.Environ(), s.cfg.Env...), ReadyFDEnv+"=3")

	if err := cmd.Start(); err != nil {
		r.Close()
		wr.Close()
		return nil, err
	}
	// The child holds its own copy; ours must go so EOF is observable.
	wr.Close()

	w := &worker{
		spec:   spec,
		cmd:    cmd,
		readyR: r,
		handle: WorkerHandle{Name: spec.Name, State: StateSpawned, PID: cmd.Process.Pid, Since: time.Now()},
	}
	s.logger.Info("worker spawned", "worker", spec.Name, "pid", w.handle.PID)
	s.emit(w.handle)
	return w, nil
}

func (s *Supervisor) monitor(w *worker) {
	defer s.wg.Done()
	defer w.readyR.Close()

	s.transition(w, StateAwaitingReady, "")

	readyCh := make(chan bool, 1)
	go func() { readyCh <- awaitReady(w.readyR) }()
	exitCh := make(chan error, 1)
	go func() { exitCh <- w.cmd.Wait() }()

	var timeout <-chan time.Time
	if s.cfg.StartTimeout > 0 {
		t := time.NewTimer(s.cfg.StartTimeout)
		defer t.Stop()
		timeout = t.C
	}

	ready := false
awaiting:
	for {
		select {
		case ok := <-readyCh:
			readyCh = nil
			if ok {
				ready = true
				s.markReady(w)
				break awaiting
			}
			// Pipe closed without the ready line; the exit decides the rest.
		case err := <-exitCh:
			// A fast worker may write ready and exit before we look.
			if readyCh != nil && <-readyCh {
				ready = true
				s.markReady(w)
			}
			s.finish(w, err, ready)
			return
		case <-timeout:
			s.transition(w, StateErrored, fmt.Sprintf("not ready after %s", s.cfg.StartTimeout))
			w.cmd.Process.Kill()
			<-exitCh
			return
		}
	}

	s.finish(w, <-exitCh, ready)
}

func (s *Supervisor) markReady(w *worker) {
	s.transition(w, StateReady, "")
	s.transition(w, StateRunning, "")
}

func (s *Supervisor) finish(w *worker, err error, ready bool) {
	code := 0
	if w.cmd.ProcessState != nil {
		code = w.cmd.ProcessState.ExitCode()
	}
	s.mu.Lock()
	w.handle.ExitCode = code
	stopping := w.stopping
	s.mu.Unlock()

	switch {
	case stopping:
		s.transition(w, StateStopped, "terminated")
	case err == nil && ready:
		s.transition(w, StateStopped, "exited")
	case err == nil:
		s.transition(w, StateErrored, "exited without signalling ready")
	default:
		s.transition(w, StateErrored, err.Error())
	}
}

// transition applies to if allowed from the current state.
func (s *Supervisor) transition(w *worker, to State, reason string) bool {
	s.mu.Lock()
	from := w.handle.State
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.Debug("ignoring invalid worker transition", "worker", w.spec.Name, "from", from, "to", to)
		return false
	}
	w.handle.State = to
	w.handle.Reason = reason
	w.handle.Since = time.Now()
	h := w.handle
	s.mu.Unlock()

	level := slog.LevelInfo
	if to == StateErrored {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "worker state changed",
		"worker", h.Name, "pid", h.PID, "from", from, "to", to, "reason", reason, "exit_code", h.ExitCode)
	s.emit(h)
	return true
}

// Stop sends SIGTERM to every worker that has not reached a terminal state.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.handle.State.Terminal() || w.stopping {
			continue
		}
		w.stopping = true
		if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("cannot signal worker", "worker", w.spec.Name, "error", err)
			continue
		}
		s.logger.Info("stop sent", "worker", w.spec.Name, "pid", w.handle.PID)
	}
}

// Snapshot returns the current handles in spawn order.
func (s *Supervisor) Snapshot() []WorkerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerHandle, len(s.workers))
	for i, w := range s.workers {
		out[i] = w.handle
	}
	return out
}

func (s *Supervisor) emit(h WorkerHandle) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Emit(bus.Event{
		Type:   bus.EventWorkerState,
		Source: h.Name,
		Payload: map[string]any{
			"state":  string(h.State),
			"pid":    h.PID,
			"reason": h.Reason,
		},
	})
}
