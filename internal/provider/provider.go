// Package provider implements the per-scan byte pipe between the producer
// and the worker that wins the job. The stream variant follows the bytes
// through the shared state store while the upload is still in flight; the
// inline variant buffers small bodies in memory.
package provider

import (
	"context"
	"fmt"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

// ChunkIterator yields scan content chunk by chunk. Next returns io.EOF
// once the pipe is drained and the producer has finalized.
type ChunkIterator interface {
	Next(ctx context.Context) ([]byte, error)
}

// DataProvider is the capability set shared by both halves of a scan
// session: the producer pushes, the worker drains and finalizes.
type DataProvider interface {
	// PushChunk appends one chunk to the pipe. Producer side.
	PushChunk(ctx context.Context, chunk []byte) error
	// FinalizePush marks the pipe complete. Must be called strictly after
	// every PushChunk for the session.
	FinalizePush(ctx context.Context) error

	// Chunks returns the worker-side iterator over the pipe.
	Chunks(ctx context.Context) ChunkIterator
	// Finalize disposes the pipe: a clean scan keeps the verified replay
	// with a TTL, anything else deletes it. Always clears the done flag.
	Finalize(ctx context.Context, scanSuccess, isVirus bool) error

	// DataKey identifies the verified replay list, when one exists.
	DataKey() string
}

// Mode discriminates provider variants when constructing from job metadata.
const (
	ModeStream = "STREAM"
	ModeBody   = "BODY"
	ModePath   = "PATH"
)

// New constructs the provider variant for the given mode. ModeStream wires
// the byte pipe for streamID through st; ModeBody buffers in memory;
// ModePath reads the given file from the shared scan volume and deletes it
// after the scan.
func New(mode string, st store.Store, streamID, path string) (DataProvider, error) {
	switch mode {
	case ModeStream:
		return NewStreamProvider(st, streamID), nil
	case ModeBody:
		return NewInlineProvider(nil), nil
	case ModePath:
		if path == "" {
			return nil, fmt.Errorf("path mode job without a path")
		}
		return NewPathProvider(path, true), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", mode)
	}
}
