// Package recognizer defines the boundary to the native speech recognizer.
//
// A Recognizer consumes raw PCM chunks and yields utterance-final results.
// Implementations wrap CGO bindings that may misbehave on malformed input,
// up to aborting the process, which is why recognizers only ever run inside
// the isolated worker process (see internal/worker), never in the server.
package recognizer

import "errors"

// ErrNoResult is returned by Result and FinalResult when the recognizer has
// no utterance to report.
var ErrNoResult = errors.New("recognizer: no result")

// Result is one completed utterance.
type Result struct {
	// Text is the recognized transcript, trimmed. Never empty in a
	// delivered result.
	Text string

	// Confidence is the recognizer's confidence in [0, 1].
	Confidence float64
}

// Recognizer is a single recognition stream for one language. It is not safe
// for concurrent use; the worker run loop is its only caller.
type Recognizer interface {
	// Accept feeds one PCM chunk (16-bit little-endian mono). It reports
	// true when the chunk completed an utterance, making Result available.
	// Any call may panic or abort: callers must treat the instance as
	// disposable.
	Accept(pcm []byte) (bool, error)

	// Result returns the utterance completed by the last Accept that
	// reported true, or ErrNoResult.
	Result() (Result, error)

	// FinalResult flushes buffered audio and returns a trailing utterance,
	// or ErrNoResult. Called once when a listening session ends.
	FinalResult() (Result, error)

	// Close releases native resources. The Recognizer must not be used
	// afterwards.
	Close() error
}

// Factory builds fresh Recognizer instances from a loaded model. Loading the
// model is the expensive part; recognizers are cheap and are rebuilt in place
// whenever one is suspected of corrupted internal state.
type Factory interface {
	NewRecognizer() (Recognizer, error)
	Close() error
}
