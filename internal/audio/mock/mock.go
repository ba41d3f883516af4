// Package mock provides a scripted audio source for tests.
//
// Pre-load chunks with [New] or push them live with [Source.Feed]. Once the
// script is exhausted, ReadChunk blocks like a silent microphone until the
// context is cancelled or the source is closed.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxlab/sussurro/internal/audio"
)

var _ audio.Source = (*Source)(nil)

// ErrClosed is returned by ReadChunk after Close.
var ErrClosed = errors.New("mock audio source closed")

// Source is a scripted implementation of [audio.Source].
type Source struct {
	chunks chan []byte
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	reads int
}

// New creates a Source pre-loaded with the given chunks.
func New(chunks ...[]byte) *Source {
	s := &Source{
		chunks: make(chan []byte, len(chunks)+16),
		closed: make(chan struct{}),
	}
	for _, c := range chunks {
		s.chunks <- c
	}
	return s
}

// Feed appends a chunk to the script.
func (s *Source) Feed(chunk []byte) {
	s.chunks <- chunk
}

// ReadChunk returns the next scripted chunk, blocking when none is queued.
func (s *Source) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}

	select {
	case c := <-s.chunks:
		s.mu.Lock()
		s.reads++
		s.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

// Reads reports how many chunks have been handed out.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Close unblocks pending and future ReadChunk calls with [ErrClosed].
func (s *Source) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
