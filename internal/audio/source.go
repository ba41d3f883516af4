// Package audio defines the capture source abstraction feeding the
// recognition pipeline.
package audio

import "context"

// Source delivers blocks of 16-bit little-endian mono PCM. Implementations
// must honour context cancellation while waiting for audio.
type Source interface {
	// ReadChunk blocks until one block of samples is available and returns it.
	ReadChunk(ctx context.Context) ([]byte, error)

	// Close releases the underlying capture device. ReadChunk calls after
	// Close return an error.
	Close() error
}
