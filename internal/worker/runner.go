package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/voxlab/sussurro/internal/recognizer"
)

// Runner is the child-process side of the worker protocol. It reads frames
// from in, feeds audio to a recognizer built from the factory and writes one
// acknowledgement frame per chunk or flush back to out.
//
// A panic while processing a chunk is contained: the broken recognizer is
// discarded, a fresh one is built from the shared factory and an error frame
// acknowledges the lost chunk. The expensive model load happens once, in the
// factory, so recovery is cheap.
type Runner struct {
	factory recognizer.Factory
	in      *FrameReader
	out     *FrameWriter
	log     *slog.Logger
}

// NewRunner creates a [Runner] reading frames from in and writing to out.
func NewRunner(factory recognizer.Factory, in io.Reader, out io.Writer, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		factory: factory,
		in:      NewFrameReader(in),
		out:     NewFrameWriter(out),
		log:     log,
	}
}

// Run executes the worker loop until a stop frame arrives or the input stream
// ends. It emits a ready frame once the first recognizer is built.
func (r *Runner) Run() error {
	rec, err := r.factory.NewRecognizer()
	if err != nil {
		r.writeError(fmt.Sprintf("build recognizer: %v", err))
		return fmt.Errorf("worker: build recognizer: %w", err)
	}
	defer func() {
		if rec != nil {
			rec.Close()
		}
	}()

	if err := r.out.Write(Frame{Type: FrameReady}); err != nil {
		return err
	}

	for {
		f, err := r.in.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Parent went away; treat like a stop.
				return nil
			}
			return err
		}

		switch f.Type {
		case FrameChunk:
			ack, crashed := r.acceptChunk(rec, f.Audio)
			if crashed {
				r.log.Warn("recognizer aborted on chunk, rebuilding")
				rec.Close()
				rec, err = r.factory.NewRecognizer()
				if err != nil {
					r.writeError(fmt.Sprintf("rebuild recognizer: %v", err))
					return fmt.Errorf("worker: rebuild recognizer: %w", err)
				}
			}
			if err := r.out.Write(ack); err != nil {
				return err
			}

		case FrameFlush:
			if err := r.out.Write(finalAck(rec)); err != nil {
				return err
			}

		case FrameStop:
			if err := r.out.Write(finalAck(rec)); err != nil {
				return err
			}
			return nil

		default:
			r.writeError(fmt.Sprintf("unknown frame type %q", f.Type))
		}
	}
}

// acceptChunk feeds one audio chunk to the recognizer, converting a panic in
// native code into a crashed report instead of unwinding the process.
func (r *Runner) acceptChunk(rec recognizer.Recognizer, pcm []byte) (ack Frame, crashed bool) {
	defer func() {
		if p := recover(); p != nil {
			ack = Frame{Type: FrameError, Message: fmt.Sprintf("recognizer aborted: %v", p)}
			crashed = true
		}
	}()

	complete, err := rec.Accept(pcm)
	if err != nil {
		return Frame{Type: FrameError, Message: err.Error()}, false
	}
	if !complete {
		return Frame{Type: FrameNone}, false
	}

	res, err := rec.Result()
	if err != nil {
		if errors.Is(err, recognizer.ErrNoResult) {
			return Frame{Type: FrameNone}, false
		}
		return Frame{Type: FrameError, Message: err.Error()}, false
	}
	return Frame{Type: FrameResult, Text: res.Text, Confidence: res.Confidence}, false
}

// finalAck drains any buffered audio into a final acknowledgement.
func finalAck(rec recognizer.Recognizer) Frame {
	res, err := rec.FinalResult()
	if err != nil {
		if errors.Is(err, recognizer.ErrNoResult) {
			return Frame{Type: FrameNone}
		}
		return Frame{Type: FrameError, Message: err.Error()}
	}
	return Frame{Type: FrameResult, Text: res.Text, Confidence: res.Confidence}
}

func (r *Runner) writeError(msg string) {
	if err := r.out.Write(Frame{Type: FrameError, Message: msg}); err != nil {
		r.log.Error("write error frame", "error", err)
	}
}
