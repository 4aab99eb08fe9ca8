package provider

import (
	"context"
	"io"
)

// inlineChunkSize matches the drain granularity of the stream pipe.
const inlineChunkSize = 4096

// InlineProvider buffers the whole body in memory and replays it in 4 KiB
// chunks. Used for small bodies and in tests.
type InlineProvider struct {
	buf  []byte
	done bool
}

// NewInlineProvider returns a provider pre-seeded with data, which may be
// nil when the producer side will push.
func NewInlineProvider(data []byte) *InlineProvider {
	return &InlineProvider{buf: append([]byte(nil), data...)}
}

func (p *InlineProvider) PushChunk(ctx context.Context, chunk []byte) error {
	p.buf = append(p.buf, chunk...)
	return nil
}

func (p *InlineProvider) FinalizePush(ctx context.Context) error {
	p.done = true
	return nil
}

func (p *InlineProvider) Chunks(ctx context.Context) ChunkIterator {
	return &inlineIterator{buf: p.buf}
}

type inlineIterator struct {
	buf []byte
	off int
}

func (it *inlineIterator) Next(ctx context.Context) ([]byte, error) {
	if it.off >= len(it.buf) {
		return nil, io.EOF
	}
	end := it.off + inlineChunkSize
	if end > len(it.buf) {
		end = len(it.buf)
	}
	chunk := it.buf[it.off:end]
	it.off = end
	return chunk, nil
}

func (p *InlineProvider) Finalize(ctx context.Context, scanSuccess, isVirus bool) error {
	p.buf = nil
	return nil
}

// DataKey returns "" — inline bodies have no verified replay.
func (p *InlineProvider) DataKey() string {
	return ""
}
