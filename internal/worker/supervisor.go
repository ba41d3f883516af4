package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlab/sussurro/internal/recognizer"
	"github.com/voxlab/sussurro/internal/resilience"
)

// ErrStopped is returned by supervisor operations after [Supervisor.Stop].
var ErrStopped = errors.New("worker: supervisor stopped")

// Option customises a [Supervisor].
type Option func(*Supervisor)

// WithName sets the label used in log messages, typically the language code.
func WithName(name string) Option {
	return func(s *Supervisor) { s.name = name }
}

// WithResultTimeout bounds how long SubmitAndWait and Flush wait for an
// acknowledgement before declaring the worker wedged.
func WithResultTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.resultTimeout = d }
}

// WithShutdownTimeout bounds how long Stop waits for a clean exit before
// killing the worker.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.shutdownTimeout = d }
}

// WithBreaker installs the restart breaker guarding respawn attempts.
func WithBreaker(b *resilience.RestartBreaker) Option {
	return func(s *Supervisor) { s.breaker = b }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithRestartHook registers a callback invoked on every respawn of a worker
// that previously ran, for restart accounting.
func WithRestartHook(fn func()) Option {
	return func(s *Supervisor) { s.onRestart = fn }
}

// Supervisor is the parent-process side of the worker protocol. It owns one
// worker process at a time, restarts it when it dies and bounds every
// recognition call with a timeout so a wedged worker cannot stall the engine.
//
// All methods are safe for concurrent use; recognition calls are serialized.
type Supervisor struct {
	launcher        Launcher
	breaker         *resilience.RestartBreaker
	name            string
	resultTimeout   time.Duration
	shutdownTimeout time.Duration
	log             *slog.Logger
	onRestart       func()

	mu      sync.Mutex
	proc    Process
	ran     bool
	stopped bool
}

// NewSupervisor creates a [Supervisor] spawning workers through launcher.
func NewSupervisor(launcher Launcher, opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher:        launcher,
		name:            "worker",
		resultTimeout:   30 * time.Second,
		shutdownTimeout: 3 * time.Second,
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = resilience.NewRestartBreaker(resilience.RestartBreakerConfig{Name: s.name})
	}
	return s
}

// Start spawns the worker and waits for its ready frame. It is idempotent:
// if a live worker is already running it returns immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if alive(s.proc) {
		return nil
	}
	return s.spawnLocked(ctx)
}

// SubmitAndWait feeds one audio chunk to the worker and waits for its
// acknowledgement. It returns a result when the chunk completed an utterance
// and (nil, nil) when it did not, when the per-call timeout elapsed or when
// the worker died mid-chunk.
//
// A worker found dead at call time is restarted once before the chunk is
// submitted; if that restart fails the error is returned.
func (s *Supervisor) SubmitAndWait(ctx context.Context, pcm []byte) (*recognizer.Result, error) {
	return s.roundTrip(ctx, Frame{Type: FrameChunk, Audio: pcm})
}

// Flush asks the worker to finalize any buffered audio and returns the
// trailing utterance, if there is one.
func (s *Supervisor) Flush(ctx context.Context) (*recognizer.Result, error) {
	return s.roundTrip(ctx, Frame{Type: FrameFlush})
}

func (s *Supervisor) roundTrip(ctx context.Context, f Frame) (*recognizer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	if !alive(s.proc) {
		s.log.Warn("worker not running, restarting", "worker", s.name)
		if err := s.spawnLocked(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.proc.Send(f); err != nil {
		// Broken pipe means the worker just died; the next call restarts it.
		s.log.Warn("worker send failed", "worker", s.name, "error", err)
		return nil, nil
	}
	return s.awaitAck(ctx)
}

// awaitAck waits for the next acknowledgement frame. Must be called with
// s.mu held.
func (s *Supervisor) awaitAck(ctx context.Context) (*recognizer.Result, error) {
	timer := time.NewTimer(s.resultTimeout)
	defer timer.Stop()

	for {
		select {
		case f, ok := <-s.proc.Frames():
			if !ok {
				s.log.Warn("worker died before acknowledging", "worker", s.name)
				return nil, nil
			}
			switch f.Type {
			case FrameResult:
				return &recognizer.Result{Text: f.Text, Confidence: f.Confidence}, nil
			case FrameNone:
				return nil, nil
			case FrameError:
				s.log.Warn("worker reported error", "worker", s.name, "message", f.Message)
				return nil, nil
			default:
				// Stray ready frames are harmless.
			}

		case <-timer.C:
			// The worker is wedged, likely inside native code. Kill it so the
			// next call gets a fresh process.
			s.log.Warn("worker acknowledgement timed out, killing",
				"worker", s.name, "timeout", s.resultTimeout)
			s.proc.Kill()
			return nil, nil

		case <-ctx.Done():
			// The caller is gone but the worker will still emit an ack for
			// this frame. Replies are attributed positionally, so a leftover
			// ack would answer the next call. Kill the worker; the next call
			// respawns it with a clean frame stream.
			s.proc.Kill()
			return nil, ctx.Err()
		}
	}
}

// spawnLocked launches a worker and waits for its ready frame. Must be called
// with s.mu held.
func (s *Supervisor) spawnLocked(ctx context.Context) error {
	if err := s.breaker.Allow(); err != nil {
		return fmt.Errorf("worker: spawn %s: %w", s.name, err)
	}
	if s.ran && s.onRestart != nil {
		s.onRestart()
	}

	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		s.breaker.Failure()
		return fmt.Errorf("worker: spawn %s: %w", s.name, err)
	}

	timer := time.NewTimer(s.resultTimeout)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-proc.Frames():
			if !ok {
				s.breaker.Failure()
				return fmt.Errorf("worker: spawn %s: exited before ready", s.name)
			}
			if f.Type == FrameReady {
				s.breaker.Success()
				s.proc = proc
				s.ran = true
				s.log.Info("worker ready", "worker", s.name)
				return nil
			}
			if f.Type == FrameError {
				proc.Kill()
				s.breaker.Failure()
				return fmt.Errorf("worker: spawn %s: %s", s.name, f.Message)
			}

		case <-timer.C:
			proc.Kill()
			s.breaker.Failure()
			return fmt.Errorf("worker: spawn %s: ready wait timed out", s.name)

		case <-ctx.Done():
			proc.Kill()
			return ctx.Err()
		}
	}
}

// Stop shuts the worker down, first politely with a stop frame and then with
// a kill once the shutdown timeout elapses. It is idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	if !alive(s.proc) {
		return nil
	}

	if err := s.proc.Send(Frame{Type: FrameStop}); err != nil {
		return s.proc.Kill()
	}

	select {
	case <-s.proc.Done():
		return nil
	case <-time.After(s.shutdownTimeout):
		s.log.Warn("worker ignored stop, killing", "worker", s.name)
		return s.proc.Kill()
	}
}

func alive(p Process) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}
