package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
)

// fakeDaemon answers one connection at a time with the scripted reply.
// INSTREAM frames are consumed and their payload recorded.
type fakeDaemon struct {
	ln      net.Listener
	reply   string
	gotBody chan []byte
}

func newFakeDaemon(t *testing.T, reply string) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &fakeDaemon{ln: ln, reply: reply, gotBody: make(chan []byte, 16)}
	go d.serve()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *fakeDaemon) url() string { return "tcp://" + d.ln.Addr().String() }

func (d *fakeDaemon) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDaemon) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	cmd, err := r.ReadString('\x00')
	if err != nil {
		return
	}
	switch cmd {
	case "zPING\x00":
		conn.Write([]byte("PONG\x00"))
	case "zRELOAD\x00":
		conn.Write([]byte("RELOADING\x00"))
	case "zINSTREAM\x00":
		var body []byte
		for {
			var hdr [4]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(hdr[:])
			if n == 0 {
				break
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			body = append(body, buf...)
		}
		d.gotBody <- body
		conn.Write([]byte(d.reply))
	}
}

func TestScanClean(t *testing.T) {
	d := newFakeDaemon(t, "stream: OK\x00")
	c, err := NewClient(d.url())
	require.NoError(t, err)

	p := provider.NewInlineProvider([]byte("hello"))
	out, err := c.Scan(context.Background(), p)
	require.NoError(t, err)

	assert.False(t, out.Infected)
	assert.Empty(t, out.Report)
	assert.Equal(t, int64(5), out.BytesScanned)
	assert.Equal(t, "hello", string(<-d.gotBody))
}

func TestScanInfected(t *testing.T) {
	d := newFakeDaemon(t, "stream: Eicar-Signature FOUND\x00")
	c, err := NewClient(d.url())
	require.NoError(t, err)

	p := provider.NewInlineProvider([]byte("X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR"))
	out, err := c.Scan(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, out.Infected)
	assert.Contains(t, out.Report, "Eicar-Signature")
	assert.Equal(t, int64(33), out.BytesScanned)
}

func TestScanTransportError(t *testing.T) {
	// A listener that slams the door mid-protocol.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	c, err := NewClient("tcp://" + ln.Addr().String())
	require.NoError(t, err)

	_, err = c.Scan(context.Background(), provider.NewInlineProvider([]byte("data")))
	assert.Error(t, err)
}

func TestScanDialFailure(t *testing.T) {
	c, err := NewClient("tcp://127.0.0.1:1")
	require.NoError(t, err)

	_, err = c.Scan(context.Background(), provider.NewInlineProvider([]byte("data")))
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	d := newFakeDaemon(t, "")
	c, err := NewClient(d.url())
	require.NoError(t, err)

	assert.NoError(t, c.Ping(context.Background()))
}

func TestReload(t *testing.T) {
	d := newFakeDaemon(t, "")
	c, err := NewClient(d.url())
	require.NoError(t, err)

	assert.NoError(t, c.Reload(context.Background()))
}

func TestAwaitReady(t *testing.T) {
	d := newFakeDaemon(t, "")
	c, err := NewClient(d.url())
	require.NoError(t, err)

	assert.NoError(t, c.AwaitReady(context.Background(), 5*time.Second))
}

func TestNewClientParsing(t *testing.T) {
	c, err := NewClient("tcp://scanner:3310")
	require.NoError(t, err)
	assert.Equal(t, "tcp", c.network)
	assert.Equal(t, "scanner:3310", c.address)

	c, err = NewClient("unix:///var/run/clamd.sock")
	require.NoError(t, err)
	assert.Equal(t, "unix", c.network)
	assert.Equal(t, "/var/run/clamd.sock", c.address)

	_, err = NewClient("http://nope")
	assert.Error(t, err)
}
