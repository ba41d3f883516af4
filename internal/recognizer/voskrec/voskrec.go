// Package voskrec implements the recognizer boundary on top of the Vosk
// (Kaldi) CGO bindings. The Vosk shared library (libvosk.so) and headers must
// be available at link time.
package voskrec

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	vosk "github.com/alphacep/vosk-api/go"

	"github.com/voxlab/sussurro/internal/recognizer"
)

// Compile-time assertions.
var (
	_ recognizer.Factory    = (*Engine)(nil)
	_ recognizer.Recognizer = (*voskRecognizer)(nil)
)

// Engine holds one loaded Vosk model. The model is expensive to load and is
// shared by every recognizer built from it.
type Engine struct {
	model      *vosk.VoskModel
	sampleRate float64
}

// Open loads the Vosk model at modelPath. sampleRate must match the PCM
// stream fed to the recognizers.
func Open(modelPath string, sampleRate int) (*Engine, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("voskrec: model %q: %w", modelPath, err)
	}

	// Silence the Kaldi banner; it writes straight to stderr.
	vosk.SetLogLevel(-1)

	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("voskrec: load model %q: %w", modelPath, err)
	}
	return &Engine{model: model, sampleRate: float64(sampleRate)}, nil
}

// NewRecognizer builds a fresh recognition stream from the shared model.
func (e *Engine) NewRecognizer() (recognizer.Recognizer, error) {
	rec, err := vosk.NewRecognizer(e.model, e.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("voskrec: new recognizer: %w", err)
	}
	rec.SetWords(1)
	return &voskRecognizer{rec: rec}, nil
}

// Close frees the model. Recognizers built from it must be closed first.
func (e *Engine) Close() error {
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}

// voskRecognizer adapts one *vosk.VoskRecognizer to the recognizer interface.
type voskRecognizer struct {
	rec *vosk.VoskRecognizer
}

func (v *voskRecognizer) Accept(pcm []byte) (bool, error) {
	if len(pcm) == 0 {
		return false, nil
	}
	return v.rec.AcceptWaveform(pcm) != 0, nil
}

func (v *voskRecognizer) Result() (recognizer.Result, error) {
	return parseResult(v.rec.Result())
}

func (v *voskRecognizer) FinalResult() (recognizer.Result, error) {
	res, err := parseResult(v.rec.FinalResult())
	v.rec.Reset()
	return res, err
}

func (v *voskRecognizer) Close() error {
	if v.rec != nil {
		v.rec.Free()
		v.rec = nil
	}
	return nil
}

// voskResult is the JSON shape emitted by Result/FinalResult with word
// details enabled.
type voskResult struct {
	Text   string `json:"text"`
	Result []struct {
		Conf float64 `json:"conf"`
		Word string  `json:"word"`
	} `json:"result"`
}

// parseResult decodes a Vosk result payload. The utterance confidence is the
// mean of the per-word confidences; Vosk omits word details when it is
// certain, in which case the confidence is 1.
func parseResult(payload string) (recognizer.Result, error) {
	var raw voskResult
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return recognizer.Result{}, fmt.Errorf("voskrec: decode result: %w", err)
	}

	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return recognizer.Result{}, recognizer.ErrNoResult
	}

	confidence := 1.0
	if len(raw.Result) > 0 {
		sum := 0.0
		for _, w := range raw.Result {
			sum += w.Conf
		}
		confidence = sum / float64(len(raw.Result))
	}

	return recognizer.Result{Text: text, Confidence: confidence}, nil
}
