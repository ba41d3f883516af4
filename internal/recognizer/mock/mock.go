// Package mock provides scripted test doubles for the recognizer interfaces.
//
// A Recognizer is driven by a list of [Step] values consumed one per Accept
// call, so tests can script "no result, result, panic" sequences. A Factory
// hands out pre-built recognizers in order, letting tests observe rebuilds
// after a contained crash.
package mock

import (
	"sync"

	"github.com/voxlab/sussurro/internal/recognizer"
)

// Compile-time interface assertions.
var (
	_ recognizer.Recognizer = (*Recognizer)(nil)
	_ recognizer.Factory    = (*Factory)(nil)
)

// Step scripts the behaviour of a single Accept call.
type Step struct {
	// Result, when non-nil, is staged as a completed utterance; Accept
	// reports true.
	Result *recognizer.Result

	// Err is returned from Accept.
	Err error

	// Panic makes Accept panic, simulating a native recognizer abort.
	Panic bool
}

// Recognizer is a scripted implementation of [recognizer.Recognizer]. Accept
// calls beyond the script are no-ops reporting no utterance.
type Recognizer struct {
	mu sync.Mutex

	// Steps drive successive Accept calls.
	Steps []Step

	// Final is returned by FinalResult; nil means ErrNoResult.
	Final *recognizer.Result

	// AcceptCalls counts Accept invocations.
	AcceptCalls int

	// Closed reports whether Close was called.
	Closed bool

	idx     int
	pending *recognizer.Result
}

// Accept consumes the next scripted step.
func (r *Recognizer) Accept(_ []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.AcceptCalls++
	if r.idx >= len(r.Steps) {
		return false, nil
	}
	step := r.Steps[r.idx]
	r.idx++

	if step.Panic {
		panic("mock recognizer: scripted abort")
	}
	if step.Err != nil {
		return false, step.Err
	}
	if step.Result != nil {
		r.pending = step.Result
		return true, nil
	}
	return false, nil
}

// Result returns the utterance staged by the last completing Accept.
func (r *Recognizer) Result() (recognizer.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending == nil {
		return recognizer.Result{}, recognizer.ErrNoResult
	}
	res := *r.pending
	r.pending = nil
	return res, nil
}

// FinalResult returns the scripted Final value.
func (r *Recognizer) FinalResult() (recognizer.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Final == nil {
		return recognizer.Result{}, recognizer.ErrNoResult
	}
	res := *r.Final
	r.Final = nil
	return res, nil
}

// Close marks the recognizer closed.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = true
	return nil
}

// Factory is a scripted implementation of [recognizer.Factory]. Each
// NewRecognizer call pops the next entry from Queue; when the queue is
// exhausted, fresh empty Recognizers are returned.
type Factory struct {
	mu sync.Mutex

	// Queue holds the recognizers to hand out, in order.
	Queue []*Recognizer

	// NewErr, if non-nil, is returned by every NewRecognizer call.
	NewErr error

	// NewCalls counts NewRecognizer invocations.
	NewCalls int

	// Closed reports whether Close was called.
	Closed bool
}

// NewRecognizer pops the next scripted recognizer.
func (f *Factory) NewRecognizer() (recognizer.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.NewCalls++
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	if len(f.Queue) == 0 {
		return &Recognizer{}, nil
	}
	next := f.Queue[0]
	f.Queue = f.Queue[1:]
	return next, nil
}

// Close marks the factory closed.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
