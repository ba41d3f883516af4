package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Process is a handle to a running worker.
type Process interface {
	// Send writes a frame to the worker's stdin.
	Send(f Frame) error

	// Frames yields frames from the worker's stdout. The channel closes when
	// the worker exits or its output stream breaks.
	Frames() <-chan Frame

	// Done is closed once the worker process has exited.
	Done() <-chan struct{}

	// Kill forcibly terminates the worker.
	Kill() error
}

// Launcher spawns worker processes. The exec-backed implementation is
// [ExecLauncher]; tests substitute an in-process fake.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Compile-time interface assertions.
var (
	_ Launcher = (*ExecLauncher)(nil)
	_ Process  = (*execProcess)(nil)
)

// ExecLauncher starts worker binaries with os/exec, wiring the frame protocol
// over stdin/stdout. Worker stderr is passed through to the parent's stderr
// so native library noise stays visible in logs.
type ExecLauncher struct {
	// Command is the worker binary to run.
	Command string

	// Args are passed verbatim to the worker.
	Args []string
}

// Launch starts a new worker process.
func (l *ExecLauncher) Launch(ctx context.Context) (Process, error) {
	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", l.Command, err)
	}

	p := &execProcess{
		cmd:    cmd,
		writer: NewFrameWriter(stdin),
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}

	go func() {
		reader := NewFrameReader(stdout)
		for {
			f, err := reader.Read()
			if err != nil {
				break
			}
			p.frames <- f
		}
		close(p.frames)
		cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	frames chan Frame
	done   chan struct{}

	mu     sync.Mutex
	writer *FrameWriter
}

func (p *execProcess) Send(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer.Write(f)
}

func (p *execProcess) Frames() <-chan Frame { return p.frames }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
