// Package mic captures microphone audio through PortAudio.
package mic

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/voxlab/sussurro/internal/audio"
)

var _ audio.Source = (*Source)(nil)

// pollInterval is how often ReadChunk re-checks the device while waiting for
// a full block of samples.
const pollInterval = 10 * time.Millisecond

// Source reads fixed-size blocks of mono PCM from the default input device.
type Source struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

// Open initializes PortAudio and starts capturing from the default input
// device at the given sample rate, delivering blockSize samples per chunk.
func Open(sampleRate, blockSize int) (*Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("mic: initialize portaudio: %w", err)
	}

	buf := make([]int16, blockSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), blockSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("mic: open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("mic: start stream: %w", err)
	}

	return &Source{stream: stream, buf: buf}, nil
}

// ReadChunk waits for a full block of samples and returns it as 16-bit
// little-endian PCM bytes.
func (s *Source) ReadChunk(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("mic: source closed")
		}
		stream := s.stream
		s.mu.Unlock()

		available, err := stream.AvailableToRead()
		if err != nil {
			return nil, fmt.Errorf("mic: query device: %w", err)
		}
		if available < len(s.buf) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("mic: read device: %w", err)
		}

		out := make([]byte, len(s.buf)*2)
		for i, sample := range s.buf {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
		}
		return out, nil
	}
}

// Close stops the capture stream and terminates PortAudio.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.stream.Stop()
	err := s.stream.Close()
	portaudio.Terminate()
	if err != nil {
		return fmt.Errorf("mic: close stream: %w", err)
	}
	return nil
}
