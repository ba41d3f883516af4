package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxlab/sussurro/internal/resilience"
)

// fakeProcess is an in-process stand-in for a spawned worker.
type fakeProcess struct {
	frames chan Frame
	done   chan struct{}

	// onSend, when set, scripts the worker's reaction to each frame.
	onSend func(p *fakeProcess, f Frame)

	mu     sync.Mutex
	sent   []Frame
	killed bool
	exited bool
	exit   sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}
}

func (p *fakeProcess) Send(f Frame) error {
	p.mu.Lock()
	p.sent = append(p.sent, f)
	p.mu.Unlock()
	if p.onSend != nil {
		p.onSend(p, f)
	}
	return nil
}

func (p *fakeProcess) Frames() <-chan Frame  { return p.frames }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.die()
	return nil
}

// die simulates process exit.
func (p *fakeProcess) die() {
	p.exit.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		close(p.frames)
		close(p.done)
	})
}

// emit delivers a frame unless the process has already exited.
func (p *fakeProcess) emit(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.frames <- f
}

func (p *fakeProcess) sentTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.sent))
	for i, f := range p.sent {
		types[i] = f.Type
	}
	return types
}

// fakeLauncher builds fake processes, one per Launch call.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	build    func(n int) (Process, error)
}

func (l *fakeLauncher) Launch(context.Context) (Process, error) {
	l.mu.Lock()
	l.launches++
	n := l.launches
	l.mu.Unlock()
	return l.build(n)
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// readyProcess builds a fake that announces readiness immediately.
func readyProcess(onSend func(p *fakeProcess, f Frame)) *fakeProcess {
	p := newFakeProcess()
	p.onSend = onSend
	p.frames <- Frame{Type: FrameReady}
	return p
}

// ackWith scripts a worker that acknowledges every chunk and flush with ack.
func ackWith(ack Frame) func(p *fakeProcess, f Frame) {
	return func(p *fakeProcess, f Frame) {
		switch f.Type {
		case FrameChunk, FrameFlush:
			p.frames <- ack
		case FrameStop:
			p.die()
		}
	}
}

func TestSupervisorStartIsIdempotent(t *testing.T) {
	launcher := &fakeLauncher{build: func(int) (Process, error) {
		return readyProcess(nil), nil
	}}
	s := NewSupervisor(launcher, WithName("test"))

	for i := 0; i < 3; i++ {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() attempt %d: %v", i, err)
		}
	}
	if got := launcher.count(); got != 1 {
		t.Errorf("launch count = %d, want 1", got)
	}
}

func TestSupervisorSubmitReturnsResult(t *testing.T) {
	launcher := &fakeLauncher{build: func(int) (Process, error) {
		return readyProcess(ackWith(Frame{Type: FrameResult, Text: "ciao", Confidence: 0.8})), nil
	}}
	s := NewSupervisor(launcher)

	res, err := s.SubmitAndWait(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("SubmitAndWait() error: %v", err)
	}
	if res == nil || res.Text != "ciao" || res.Confidence != 0.8 {
		t.Fatalf("SubmitAndWait() = %+v, want text %q confidence 0.8", res, "ciao")
	}
}

func TestSupervisorSubmitNoUtterance(t *testing.T) {
	launcher := &fakeLauncher{build: func(int) (Process, error) {
		return readyProcess(ackWith(Frame{Type: FrameNone})), nil
	}}
	s := NewSupervisor(launcher)

	res, err := s.SubmitAndWait(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("SubmitAndWait() error: %v", err)
	}
	if res != nil {
		t.Fatalf("SubmitAndWait() = %+v, want nil", res)
	}
}

func TestSupervisorRestartsDeadWorker(t *testing.T) {
	var first *fakeProcess
	restarts := 0
	launcher := &fakeLauncher{build: func(n int) (Process, error) {
		p := readyProcess(ackWith(Frame{Type: FrameResult, Text: "back", Confidence: 1}))
		if n == 1 {
			first = p
		}
		return p, nil
	}}
	s := NewSupervisor(launcher, WithRestartHook(func() { restarts++ }))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	first.die()

	res, err := s.SubmitAndWait(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("SubmitAndWait() after death: %v", err)
	}
	if res == nil || res.Text != "back" {
		t.Fatalf("SubmitAndWait() = %+v, want text %q", res, "back")
	}
	if got := launcher.count(); got != 2 {
		t.Errorf("launch count = %d, want 2", got)
	}
	if restarts != 1 {
		t.Errorf("restart hook calls = %d, want 1", restarts)
	}
}

func TestSupervisorReturnsNilWhenWorkerDiesMidChunk(t *testing.T) {
	launcher := &fakeLauncher{build: func(int) (Process, error) {
		return readyProcess(func(p *fakeProcess, f Frame) {
			if f.Type == FrameChunk {
				p.die()
			}
		}), nil
	}}
	s := NewSupervisor(launcher)

	res, err := s.SubmitAndWait(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("SubmitAndWait() error: %v", err)
	}
	if res != nil {
		t.Fatalf("SubmitAndWait() = %+v, want nil after mid-chunk death", res)
	}
}

func TestSupervisorTimeoutKillsWedgedWorker(t *testing.T) {
	var proc *fakeProcess
	launcher := &fakeLauncher{build: func(int) (Process, error) {
		proc = readyProcess(nil) // never acknowledges
		return proc, nil
	}}
	s := NewSupervisor(launcher, WithResultTimeout(50*time.Millisecond))

	res, err := s.SubmitAndWait(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("SubmitAndWait() error: %v", err)
	}
	if res != nil {
		t.Fatalf("SubmitAndWait() = %+v, want nil on timeout", res)
	}
	proc.mu.Lock()
	killed := proc.killed
	proc.mu.Unlock()
	if !killed {
		t.Error("wedged worker was not killed")
	}
}

func TestSupervisorAbandonedWaitCannotAnswerNextCall(t *testing.T) {
	var first *fakeProcess
	launcher := &fakeLauncher{build: func(n int) (Process, error) {
		if n == 1 {
			first = readyProcess(func(p *fakeProcess, f Frame) {
				if f.Type != FrameChunk {
					return
				}
				// Acknowledges only after the caller has given up waiting.
				go func() {
					time.Sleep(50 * time.Millisecond)
					p.emit(Frame{Type: FrameResult, Text: "stale", Confidence: 0.9})
				}()
			})
			return first, nil
		}
		return readyProcess(ackWith(Frame{Type: FrameNone})), nil
	}}
	s := NewSupervisor(launcher)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.SubmitAndWait(ctx, []byte{1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("abandoned SubmitAndWait() = %v, want deadline exceeded", err)
	}

	first.mu.Lock()
	killed := first.killed
	first.mu.Unlock()
	if !killed {
		t.Error("worker with an outstanding ack was not killed on abandon")
	}

	res, err := s.SubmitAndWait(context.Background(), []byte{2})
	if err != nil {
		t.Fatalf("SubmitAndWait() error: %v", err)
	}
	if res != nil {
		t.Fatalf("SubmitAndWait() = %+v, want nil; the abandoned call's ack must not answer a later one", res)
	}
	if got := launcher.count(); got != 2 {
		t.Errorf("launch count = %d, want 2 (fresh worker after the kill)", got)
	}
}

func TestSupervisorBreakerBlocksRespawnStorm(t *testing.T) {
	launcher := &fakeLauncher{build: func(int) (Process, error) {
		return nil, errors.New("spawn failed")
	}}
	breaker := resilience.NewRestartBreaker(resilience.RestartBreakerConfig{
		MaxFailures: 2,
		ResetWindow: time.Minute,
	})
	s := NewSupervisor(launcher, WithBreaker(breaker))

	for i := 0; i < 2; i++ {
		if err := s.Start(context.Background()); err == nil {
			t.Fatalf("Start() attempt %d = nil, want error", i)
		}
	}

	err := s.Start(context.Background())
	if !errors.Is(err, resilience.ErrRestartBudgetExhausted) {
		t.Fatalf("Start() after budget = %v, want ErrRestartBudgetExhausted", err)
	}
	if got := launcher.count(); got != 2 {
		t.Errorf("launch count = %d, want 2 (breaker should block the third)", got)
	}
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	var proc *fakeProcess
	launcher := &fakeLauncher{build: func(int) (Process, error) {
		proc = readyProcess(ackWith(Frame{Type: FrameNone}))
		return proc, nil
	}}
	s := NewSupervisor(launcher)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}

	types := proc.sentTypes()
	if len(types) != 1 || types[0] != FrameStop {
		t.Errorf("sent frames = %v, want single stop", types)
	}

	if _, err := s.SubmitAndWait(context.Background(), []byte{1}); !errors.Is(err, ErrStopped) {
		t.Errorf("SubmitAndWait() after Stop = %v, want ErrStopped", err)
	}
}
