package provider

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

func drain(t *testing.T, it ChunkIterator) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var chunks [][]byte
	for {
		c, err := it.Next(ctx)
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
}

func TestStreamProviderOrderPreserved(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := NewStreamProvider(st, "sess-1")

	for _, c := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, p.PushChunk(ctx, []byte(c)))
	}
	require.NoError(t, p.FinalizePush(ctx))

	chunks := drain(t, p.Chunks(ctx))
	require.Len(t, chunks, 3)
	assert.Equal(t, "alpha", string(chunks[0]))
	assert.Equal(t, "beta", string(chunks[1]))
	assert.Equal(t, "gamma", string(chunks[2]))
}

func TestStreamProviderFollowsWhileProducing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := NewStreamProvider(st, "sess-2")

	go func() {
		for _, c := range []string{"one", "two", "three"} {
			time.Sleep(10 * time.Millisecond)
			_ = p.PushChunk(ctx, []byte(c))
		}
		_ = p.FinalizePush(ctx)
	}()

	chunks := drain(t, p.Chunks(ctx))
	require.Len(t, chunks, 3)
	assert.Equal(t, "three", string(chunks[2]))
}

func TestStreamProviderVerifiedReplay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := NewStreamProvider(st, "sess-3")

	require.NoError(t, p.PushChunk(ctx, []byte("payload")))
	require.NoError(t, p.FinalizePush(ctx))
	drain(t, p.Chunks(ctx))

	// Drained chunks land on the verified list in order.
	assert.Equal(t, 1, st.ListLen("sess-3:verified"))
	assert.Equal(t, "sess-3:verified", p.DataKey())

	// Clean scan keeps the replay with a TTL.
	require.NoError(t, p.Finalize(ctx, true, false))
	assert.Equal(t, 1, st.ListLen("sess-3:verified"))
	assert.InDelta(t, time.Hour.Seconds(), st.TTL("sess-3:verified").Seconds(), 5)

	done, err := st.Get(ctx, "sess-3:done")
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestStreamProviderFinalizeInfectedDeletesReplay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := NewStreamProvider(st, "sess-4")

	require.NoError(t, p.PushChunk(ctx, []byte("bad")))
	require.NoError(t, p.FinalizePush(ctx))
	drain(t, p.Chunks(ctx))

	require.NoError(t, p.Finalize(ctx, true, true))
	assert.Equal(t, 0, st.ListLen("sess-4:verified"))

	done, err := st.Get(ctx, "sess-4:done")
	require.NoError(t, err)
	assert.Nil(t, done)
}

func TestStreamProviderEmptyBody(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	p := NewStreamProvider(st, "sess-5")

	require.NoError(t, p.FinalizePush(ctx))
	chunks := drain(t, p.Chunks(ctx))
	assert.Empty(t, chunks)
}

func TestInlineProviderChunking(t *testing.T) {
	ctx := context.Background()
	body := make([]byte, inlineChunkSize+100)
	for i := range body {
		body[i] = byte(i)
	}
	p := NewInlineProvider(body)

	it := p.Chunks(ctx)
	first, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, first, inlineChunkSize)

	second, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, second, 100)

	_, err = it.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestProviderFactory(t *testing.T) {
	st := store.NewMemoryStore()

	p, err := New(ModeStream, st, "id", "")
	require.NoError(t, err)
	assert.IsType(t, &StreamProvider{}, p)

	p, err = New(ModeBody, st, "id", "")
	require.NoError(t, err)
	assert.IsType(t, &InlineProvider{}, p)

	p, err = New(ModePath, st, "id", "/scan/payload.bin")
	require.NoError(t, err)
	assert.IsType(t, &PathProvider{}, p)

	_, err = New(ModePath, st, "id", "")
	assert.Error(t, err)

	_, err = New("DISK", st, "id", "")
	assert.Error(t, err)
}
