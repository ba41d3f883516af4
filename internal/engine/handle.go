// Package engine exposes the thread-safe listening contract for one
// language's recognition pipeline.
//
// A [Handle] ties an audio source to a worker supervisor and runs the
// blocking pull/recognize loop. At most one listening loop per handle is
// active at any time; a concurrent second start is rejected with
// [ErrAlreadyListening] rather than queued.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlab/sussurro/internal/audio"
	"github.com/voxlab/sussurro/internal/observe"
	"github.com/voxlab/sussurro/internal/recognizer"
)

// ErrAlreadyListening is returned by [Handle.Listen] when a listening loop is
// already active on the handle.
var ErrAlreadyListening = errors.New("engine: already listening")

// defaultFlushTimeout bounds the trailing flush after a loop ends.
const defaultFlushTimeout = 5 * time.Second

// Transcriber is the slice of the worker supervisor the engine drives.
// *worker.Supervisor satisfies it.
type Transcriber interface {
	Start(ctx context.Context) error
	SubmitAndWait(ctx context.Context, pcm []byte) (*recognizer.Result, error)
	Flush(ctx context.Context) (*recognizer.Result, error)
	Stop() error
}

// Option configures a [Handle].
type Option func(*Handle)

// WithMetrics instruments the chunk loop with the given metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handle) { h.metrics = m }
}

// Handle is the per-language listening facade. It is safe for concurrent use.
type Handle struct {
	language string
	sup      Transcriber
	source   audio.Source
	log      *slog.Logger
	metrics  *observe.Metrics

	mu        sync.Mutex
	listening bool
	cancel    context.CancelFunc
}

// New creates a [Handle] for the given language.
func New(language string, sup Transcriber, source audio.Source, log *slog.Logger, opts ...Option) *Handle {
	if log == nil {
		log = slog.Default()
	}
	h := &Handle{
		language: language,
		sup:      sup,
		source:   source,
		log:      log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Listen runs the listening loop, pulling audio chunks and invoking onResult
// for every completed utterance. It blocks until maxDuration elapses
// (0 means unbounded), ctx is cancelled, [Handle.Stop] is called or the
// pipeline fails. Whatever the exit path, the listening flag is false by the
// time Listen returns, so a fresh Listen is always immediately possible.
//
// Any audio buffered at exit is flushed and its trailing utterance, if one
// exists, is delivered through onResult before returning.
func (h *Handle) Listen(ctx context.Context, maxDuration time.Duration, onResult func(recognizer.Result)) error {
	h.mu.Lock()
	if h.listening {
		h.mu.Unlock()
		return ErrAlreadyListening
	}
	var lctx context.Context
	var cancel context.CancelFunc
	if maxDuration > 0 {
		lctx, cancel = context.WithTimeout(ctx, maxDuration)
	} else {
		lctx, cancel = context.WithCancel(ctx)
	}
	h.listening = true
	h.cancel = cancel
	h.mu.Unlock()

	defer func() {
		cancel()
		h.mu.Lock()
		h.listening = false
		h.cancel = nil
		h.mu.Unlock()
	}()

	if err := h.sup.Start(lctx); err != nil {
		return fmt.Errorf("engine %s: start worker: %w", h.language, err)
	}
	h.log.Info("listening started", "language", h.language, "max_duration", maxDuration)

	var loopErr error
	for {
		chunk, err := h.source.ReadChunk(lctx)
		if err != nil {
			if lctx.Err() != nil {
				break
			}
			loopErr = fmt.Errorf("engine %s: read audio: %w", h.language, err)
			break
		}

		begin := time.Now()
		res, err := h.sup.SubmitAndWait(lctx, chunk)
		if err != nil {
			h.recordChunk(lctx, "error", begin)
			if lctx.Err() != nil {
				break
			}
			loopErr = fmt.Errorf("engine %s: submit chunk: %w", h.language, err)
			break
		}
		if res != nil {
			h.recordChunk(lctx, "utterance", begin)
			onResult(*res)
		} else {
			h.recordChunk(lctx, "buffered", begin)
		}
	}

	// The loop context is typically done here, so the trailing flush gets its
	// own bounded context.
	fctx, fcancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
	defer fcancel()
	if res, err := h.sup.Flush(fctx); err == nil && res != nil {
		onResult(*res)
	}

	h.log.Info("listening stopped", "language", h.language)
	return loopErr
}

func (h *Handle) recordChunk(ctx context.Context, status string, begin time.Time) {
	if h.metrics != nil {
		h.metrics.RecordChunk(ctx, h.language, status, time.Since(begin).Seconds())
	}
}

// Stop requests cooperative cancellation of the active listening loop. It is
// a no-op when nothing is listening and never blocks beyond the guard check.
func (h *Handle) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Listening reports whether a listening loop is currently active.
func (h *Handle) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listening
}

// Close stops any active loop, shuts the worker down and releases the audio
// source.
func (h *Handle) Close() error {
	h.Stop()
	return errors.Join(h.sup.Stop(), h.source.Close())
}
