// Package worker implements the process-isolated recognition worker and its
// supervisor.
//
// A worker is a separate process that owns the native recognizer state. The
// parent talks to it over newline-delimited JSON frames on stdin/stdout, so a
// crash in native code takes down the child process instead of the server.
// [Runner] is the child side of the protocol; [Supervisor] is the parent side
// and handles spawning, restarts and per-chunk timeouts.
package worker

import (
	"encoding/json"
	"fmt"
	"io"
)

// Frame types exchanged between supervisor and worker.
const (
	// Parent to worker.
	FrameChunk = "chunk"
	FrameFlush = "flush"
	FrameStop  = "stop"

	// Worker to parent.
	FrameReady  = "ready"
	FrameResult = "result"
	FrameNone   = "none"
	FrameError  = "error"
)

// Frame is a single protocol message. Audio rides as base64 inside the JSON
// encoding. Every chunk and flush frame is acknowledged by exactly one
// result, none or error frame, in order.
type Frame struct {
	Type       string  `json:"type"`
	Audio      []byte  `json:"audio,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// FrameReader decodes frames from a stream.
type FrameReader struct {
	dec *json.Decoder
}

// NewFrameReader wraps r in a [FrameReader].
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{dec: json.NewDecoder(r)}
}

// Read returns the next frame. It returns [io.EOF] when the stream ends.
func (r *FrameReader) Read() (Frame, error) {
	var f Frame
	if err := r.dec.Decode(&f); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("worker: decode frame: %w", err)
	}
	return f, nil
}

// FrameWriter encodes frames onto a stream, one per line.
type FrameWriter struct {
	enc *json.Encoder
}

// NewFrameWriter wraps w in a [FrameWriter].
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{enc: json.NewEncoder(w)}
}

// Write emits a single frame.
func (w *FrameWriter) Write(f Frame) error {
	if err := w.enc.Encode(f); err != nil {
		return fmt.Errorf("worker: encode frame: %w", err)
	}
	return nil
}
