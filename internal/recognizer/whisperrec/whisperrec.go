// Package whisperrec implements the recognizer boundary on top of the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// whisper.cpp is not a streaming recognizer: it transcribes a window of audio
// in one call. The recognizer therefore buffers chunks and runs inference
// when trailing silence indicates the utterance is over, or when the buffer
// reaches its maximum duration.
package whisperrec

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxlab/sussurro/internal/recognizer"
)

const (
	// rmsThreshold separates speech chunks from silence chunks.
	rmsThreshold = 200.0

	// silenceThresholdMs of consecutive silence after speech triggers
	// inference on the buffered utterance.
	silenceThresholdMs = 500

	// maxBufferMs bounds the buffered utterance length.
	maxBufferMs = 10000
)

// Compile-time assertions.
var (
	_ recognizer.Factory    = (*Engine)(nil)
	_ recognizer.Recognizer = (*whisperRecognizer)(nil)
)

// Engine holds one loaded whisper.cpp model shared by every recognizer built
// from it. Contexts created per recognizer are not thread-safe; the model is.
type Engine struct {
	model      whisperlib.Model
	language   string
	sampleRate int
}

// Open loads the whisper.cpp model at modelPath for the given language.
func Open(modelPath, language string, sampleRate int) (*Engine, error) {
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisperrec: load model %q: %w", modelPath, err)
	}
	return &Engine{model: model, language: language, sampleRate: sampleRate}, nil
}

// NewRecognizer builds a fresh buffering recognizer from the shared model.
func (e *Engine) NewRecognizer() (recognizer.Recognizer, error) {
	return &whisperRecognizer{engine: e}, nil
}

// Close releases the model.
func (e *Engine) Close() error {
	if e.model != nil {
		err := e.model.Close()
		e.model = nil
		return err
	}
	return nil
}

// whisperRecognizer buffers PCM until an utterance boundary, then runs one
// whisper.cpp inference over the buffered window.
type whisperRecognizer struct {
	engine *Engine

	buffer    []byte
	hadSpeech bool
	silenceMs int
	pending   *recognizer.Result
}

func (w *whisperRecognizer) Accept(pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}

	bytesPerMs := w.engine.sampleRate * 2 / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	chunkMs := len(pcm) / bytesPerMs

	if rms(pcm) < rmsThreshold {
		if !w.hadSpeech {
			return false, nil
		}
		w.silenceMs += chunkMs
		w.buffer = append(w.buffer, pcm...)
		if w.silenceMs < silenceThresholdMs {
			return false, nil
		}
		return w.flush()
	}

	w.hadSpeech = true
	w.silenceMs = 0
	w.buffer = append(w.buffer, pcm...)
	if len(w.buffer) >= maxBufferMs*bytesPerMs {
		return w.flush()
	}
	return false, nil
}

func (w *whisperRecognizer) Result() (recognizer.Result, error) {
	if w.pending == nil {
		return recognizer.Result{}, recognizer.ErrNoResult
	}
	res := *w.pending
	w.pending = nil
	return res, nil
}

func (w *whisperRecognizer) FinalResult() (recognizer.Result, error) {
	if _, err := w.flush(); err != nil {
		return recognizer.Result{}, err
	}
	return w.Result()
}

func (w *whisperRecognizer) Close() error {
	w.buffer = nil
	w.pending = nil
	return nil
}

// flush runs inference over the buffered window and stages the result.
func (w *whisperRecognizer) flush() (bool, error) {
	pcm := w.buffer
	w.buffer = nil
	w.silenceMs = 0
	spoke := w.hadSpeech
	w.hadSpeech = false

	if len(pcm) == 0 || !spoke {
		return false, nil
	}

	text, err := w.infer(pcm)
	if err != nil {
		return false, err
	}
	if text == "" {
		return false, nil
	}

	// whisper.cpp exposes no utterance confidence; report full confidence
	// and let downstream consumers treat it as such.
	w.pending = &recognizer.Result{Text: text, Confidence: 1.0}
	return true, nil
}

// infer converts PCM to float32 samples and runs whisper.cpp over them using
// a fresh context.
func (w *whisperRecognizer) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32(pcm)

	wctx, err := w.engine.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisperrec: create context: %w", err)
	}
	if w.engine.language != "" {
		if err := wctx.SetLanguage(w.engine.language); err != nil {
			return "", fmt.Errorf("whisperrec: set language %q: %w", w.engine.language, err)
		}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisperrec: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisperrec: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// rms computes the root-mean-square amplitude of 16-bit LE PCM.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// pcmToFloat32 converts 16-bit LE PCM to the normalized float32 samples
// whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(s) / 32768.0
	}
	return out
}
