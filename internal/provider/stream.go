package provider

import (
	"context"
	"io"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

const (
	// moveTimeout bounds each follower poll of the chunk list.
	moveTimeout = 5 * time.Second
	// verifiedTTL keeps the verified replay around after a clean scan.
	verifiedTTL = time.Hour
)

// StreamProvider is the production byte pipe. The producer RPUSHes chunks
// onto data:{id}; the worker drains them with an atomic blocking move onto
// {id}:verified, which doubles as the clean replay. The {id}:done sentinel
// is written only after the last chunk, so the follower loop never misses
// a tail chunk.
type StreamProvider struct {
	store       store.Store
	chunksKey   string
	verifiedKey string
	doneKey     string
}

// NewStreamProvider wires the byte pipe for one scan session.
func NewStreamProvider(st store.Store, streamID string) *StreamProvider {
	return &StreamProvider{
		store:       st,
		chunksKey:   "data:" + streamID,
		verifiedKey: streamID + ":verified",
		doneKey:     streamID + ":done",
	}
}

func (p *StreamProvider) PushChunk(ctx context.Context, chunk []byte) error {
	return p.store.RPush(ctx, p.chunksKey, chunk)
}

func (p *StreamProvider) FinalizePush(ctx context.Context) error {
	return p.store.Set(ctx, p.doneKey, []byte("1"), 0)
}

// Chunks returns the follower iterator. Any stale verified replay from a
// previous session with the same id is dropped first.
func (p *StreamProvider) Chunks(ctx context.Context) ChunkIterator {
	return &streamIterator{p: p, fresh: true}
}

type streamIterator struct {
	p     *StreamProvider
	fresh bool
}

func (it *streamIterator) Next(ctx context.Context) ([]byte, error) {
	if it.fresh {
		it.fresh = false
		if err := it.p.store.Delete(ctx, it.p.verifiedKey); err != nil {
			return nil, err
		}
	}
	for {
		chunk, err := it.p.store.BlockingMove(ctx, it.p.chunksKey, it.p.verifiedKey, moveTimeout)
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			return chunk, nil
		}
		// Timed out: the done sentinel decides between EOF and more waiting.
		done, err := it.p.store.Get(ctx, it.p.doneKey)
		if err != nil {
			return nil, err
		}
		if done != nil {
			return nil, io.EOF
		}
	}
}

func (p *StreamProvider) Finalize(ctx context.Context, scanSuccess, isVirus bool) error {
	var ferr error
	if !scanSuccess || isVirus {
		ferr = p.store.Delete(ctx, p.verifiedKey)
	} else {
		ferr = p.store.Expire(ctx, p.verifiedKey, verifiedTTL)
	}
	if err := p.store.Delete(ctx, p.doneKey); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

func (p *StreamProvider) DataKey() string {
	return p.verifiedKey
}
