package provider

import (
	"context"
	"errors"
	"io"
	"os"
)

// PathProvider scans a file already present on the shared scan volume.
// Jobs in this mode come from batch producers that write the payload to
// disk instead of the byte pipe, so the push half is never used.
type PathProvider struct {
	path        string
	deleteAfter bool
}

// NewPathProvider returns a provider over the given file. When deleteAfter
// is set, Finalize removes the file from the volume.
func NewPathProvider(path string, deleteAfter bool) *PathProvider {
	return &PathProvider{path: path, deleteAfter: deleteAfter}
}

var errPathPush = errors.New("path provider has no push half")

func (p *PathProvider) PushChunk(ctx context.Context, chunk []byte) error { return errPathPush }
func (p *PathProvider) FinalizePush(ctx context.Context) error { return errPathPush }

func (p *PathProvider) Chunks(ctx context.Context) ChunkIterator {
	return &pathIterator{path: p.path}
}

type pathIterator struct {
	path string
	f    *os.File
	done bool
	buf  [inlineChunkSize]byte
}

func (it *pathIterator) Next(ctx context.Context) ([]byte, error) {
	if it.done {
		return nil, io.EOF
	}
	if it.f == nil {
		f, err := os.Open(it.path)
		if err != nil {
			it.done = true
			return nil, err
		}
		it.f = f
	}
	n, err := it.f.Read(it.buf[:])
	if n > 0 {
		return it.buf[:n], nil
	}
	it.done = true
	_ = it.f.Close()
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (p *PathProvider) Finalize(ctx context.Context, scanSuccess, isVirus bool) error {
	if !p.deleteAfter {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// DataKey returns "" — on-disk payloads have no verified replay.
func (p *PathProvider) DataKey() string {
	return ""
}
