package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// process is one running clone worker as seen by the supervisor.
type process interface {
	// Stop asks the process to exit, escalating to a kill if it lingers.
	Stop()
	// Done closes when the process has exited.
	Done() <-chan struct{}
	// ExitErr returns the exit cause, valid once Done is closed.
	ExitErr() error
}

// Handle is the supervisor's record for one owner's worker.
type Handle struct {
	OwnerID   int64
	StartedAt time.Time
	Restarts  int

	proc process
}

// Alive reports whether the worker process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.proc.Done():
		return false
	default:
		return true
	}
}

// Supervisor owns the table of live worker processes, keyed by owner.
// One worker per owner; starting a second for the same owner replaces
// the first.
type Supervisor struct {
	logger      *slog.Logger
	maxRestarts int

	mu      sync.Mutex
	workers map[int64]*Handle

	// spawn launches the worker process for an owner. Overridden in tests.
	spawn func(ctx context.Context, ownerID int64) (process, error)
}

func NewSupervisor(logger *slog.Logger, maxRestarts int) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		logger:      logger,
		maxRestarts: maxRestarts,
		workers:     make(map[int64]*Handle),
	}
	s.spawn = s.spawnWorkerProcess
	return s
}

// Start launches a worker for the owner, stopping any existing one
// first so exactly one process serves each clone.
func (s *Supervisor) Start(ctx context.Context, ownerID int64) error {
	s.Stop(ownerID)

	proc, err := s.spawn(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("spawn worker for owner %d: %w", ownerID, err)
	}

	s.mu.Lock()
	s.workers[ownerID] = &Handle{
		OwnerID:   ownerID,
		StartedAt: time.Now(),
		proc:      proc,
	}
	s.mu.Unlock()

	s.logger.Info("worker started", "owner_id", ownerID)
	return nil
}

// Stop terminates the owner's worker if one is running.
func (s *Supervisor) Stop(ownerID int64) {
	s.mu.Lock()
	handle, ok := s.workers[ownerID]
	if ok {
		delete(s.workers, ownerID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	handle.proc.Stop()
	<-handle.proc.Done()
	s.logger.Info("worker stopped", "owner_id", ownerID)
}

// Restart replaces the owner's worker, carrying the restart count
// forward so the sweep's restart bound holds across replacements.
func (s *Supervisor) Restart(ctx context.Context, ownerID int64) error {
	s.mu.Lock()
	prevRestarts := 0
	if handle, ok := s.workers[ownerID]; ok {
		prevRestarts = handle.Restarts
	}
	s.mu.Unlock()

	if err := s.Start(ctx, ownerID); err != nil {
		return err
	}

	s.mu.Lock()
	if handle, ok := s.workers[ownerID]; ok {
		handle.Restarts = prevRestarts + 1
	}
	s.mu.Unlock()
	return nil
}

// StopAll terminates every worker, used at master shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	owners := make([]int64, 0, len(s.workers))
	for id := range s.workers {
		owners = append(owners, id)
	}
	s.mu.Unlock()
	for _, id := range owners {
		s.Stop(id)
	}
}

// Running returns the owner ids with a live worker.
func (s *Supervisor) Running() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, handle := range s.workers {
		if handle.Alive() {
			out = append(out, id)
		}
	}
	return out
}

// Lookup returns the handle for an owner, nil when absent.
func (s *Supervisor) Lookup(ownerID int64) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[ownerID]
}

// Sweep restarts dead workers whose clones should still be running and
// forgets the rest. stillActive decides, per owner, whether the clone
// wants a worker at all; owners past the restart bound are dropped and
// left for operator attention.
func (s *Supervisor) Sweep(ctx context.Context, stillActive func(ownerID int64) bool) {
	s.mu.Lock()
	var dead []*Handle
	for _, handle := range s.workers {
		if !handle.Alive() {
			dead = append(dead, handle)
		}
	}
	s.mu.Unlock()

	for _, handle := range dead {
		ownerID := handle.OwnerID
		if !stillActive(ownerID) {
			s.logger.Info("worker exited and clone inactive, dropping", "owner_id", ownerID)
			s.forget(ownerID, handle)
			continue
		}
		if s.maxRestarts > 0 && handle.Restarts >= s.maxRestarts {
			s.logger.Error("worker exceeded restart bound, giving up",
				"owner_id", ownerID, "restarts", handle.Restarts, "exit_error", handle.proc.ExitErr())
			s.forget(ownerID, handle)
			continue
		}
		s.logger.Warn("worker dead, restarting", "owner_id", ownerID, "exit_error", handle.proc.ExitErr())
		if err := s.Restart(ctx, ownerID); err != nil {
			s.logger.Error("worker restart failed", "owner_id", ownerID, "error", err)
		}
	}
}

// forget removes the handle only if it is still the current one, so a
// concurrent Start is not clobbered.
func (s *Supervisor) forget(ownerID int64, handle *Handle) {
	s.mu.Lock()
	if s.workers[ownerID] == handle {
		delete(s.workers, ownerID)
	}
	s.mu.Unlock()
}

// execProcess runs a worker as a child OS process.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) Stop() {
	select {
	case <-p.done:
		return
	default:
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}

// spawnWorkerProcess re-executes the current binary in worker mode. The
// child reads its clone record from the shared database; the master key
// and db path pass through the environment, never argv.
func (s *Supervisor) spawnWorkerProcess(ctx context.Context, ownerID int64) (process, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(self, "worker", "-owner", strconv.FormatInt(ownerID, 10))
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}
