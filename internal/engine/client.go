// Package engine speaks the clamd wire protocol to the external scanning
// daemon: INSTREAM for content, RELOAD for signature refresh, PING for
// readiness.
package engine

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
)

const (
	dialTimeout = 5 * time.Second
	// ioTimeout bounds one whole engine exchange.
	ioTimeout = 30 * time.Second
	// readyInterval paces readiness pings after a reload.
	readyInterval = 2 * time.Second
)

// Outcome is the result of one INSTREAM scan.
type Outcome struct {
	Infected bool
	// Report is the daemon's reply when infected, e.g.
	// "stream: Eicar-Signature FOUND".
	Report       string
	BytesScanned int64
}

// Client connects to the scanning daemon per call; the daemon multiplexes
// sessions itself.
type Client struct {
	network string
	address string
}

// NewClient parses a daemon URL of the form tcp://host:port or
// unix:///path/to/socket.
func NewClient(rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse engine url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "tcp":
		host := u.Hostname()
		if host == "" {
			host = "127.0.0.1"
		}
		port := u.Port()
		if port == "" {
			port = "3310"
		}
		return &Client{network: "tcp", address: net.JoinHostPort(host, port)}, nil
	case "unix":
		if u.Path == "" {
			return nil, fmt.Errorf("engine url %q: missing socket path", rawURL)
		}
		return &Client{network: "unix", address: u.Path}, nil
	default:
		return nil, fmt.Errorf("engine url %q: unsupported scheme", rawURL)
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("dial engine %s: %w", c.address, err)
	}
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))
	return conn, nil
}

// Scan streams the provider's chunks through the daemon. The provider is
// always finalized: kept on a clean verdict, dropped on infection or any
// transport failure.
func (c *Client) Scan(ctx context.Context, p provider.DataProvider) (Outcome, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		_ = p.Finalize(ctx, false, false)
		return Outcome{}, err
	}
	defer conn.Close()

	out, scanErr := c.stream(ctx, conn, p)
	if scanErr != nil {
		_ = p.Finalize(ctx, false, false)
		return Outcome{}, scanErr
	}
	if err := p.Finalize(ctx, true, out.Infected); err != nil {
		return out, fmt.Errorf("finalize provider: %w", err)
	}
	return out, nil
}

func (c *Client) stream(ctx context.Context, conn net.Conn, p provider.DataProvider) (Outcome, error) {
	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Outcome{}, fmt.Errorf("write instream command: %w", err)
	}

	var total int64
	var frame [4]byte
	it := p.Chunks(ctx)
	for {
		chunk, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("read chunk: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		binary.BigEndian.PutUint32(frame[:], uint32(len(chunk)))
		if _, err := conn.Write(frame[:]); err != nil {
			return Outcome{}, fmt.Errorf("write frame header: %w", err)
		}
		if _, err := conn.Write(chunk); err != nil {
			return Outcome{}, fmt.Errorf("write frame body: %w", err)
		}
		total += int64(len(chunk))
	}

	// Zero-length frame terminates the stream.
	binary.BigEndian.PutUint32(frame[:], 0)
	if _, err := conn.Write(frame[:]); err != nil {
		return Outcome{}, fmt.Errorf("write terminator: %w", err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return Outcome{}, fmt.Errorf("read scan reply: %w", err)
	}

	out := Outcome{BytesScanned: total}
	if strings.Contains(reply, "FOUND") {
		out.Infected = true
		out.Report = reply
	}
	return out, nil
}

// Reload asks the daemon to re-read its signature definitions.
func (c *Client) Reload(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("zRELOAD\x00")); err != nil {
		return fmt.Errorf("write reload command: %w", err)
	}
	if _, err := readReply(conn); err != nil {
		return fmt.Errorf("read reload reply: %w", err)
	}
	return nil
}

// Ping verifies the daemon answers PONG.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return fmt.Errorf("write ping command: %w", err)
	}
	reply, err := readReply(conn)
	if err != nil {
		return fmt.Errorf("read ping reply: %w", err)
	}
	if !strings.Contains(reply, "PONG") {
		return fmt.Errorf("unexpected ping reply %q", reply)
	}
	return nil
}

// AwaitReady pings until the daemon answers or the budget lapses. Used
// after a reload, when the daemon drops connections while re-reading
// signatures.
func (c *Client) AwaitReady(ctx context.Context, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	bo := backoff.WithContext(backoff.NewConstantBackOff(readyInterval), ctx)
	return backoff.Retry(func() error { return c.Ping(ctx) }, bo)
}

// readReply consumes one NUL-terminated daemon reply.
func readReply(conn net.Conn) (string, error) {
	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && len(reply) == 0 {
		return "", err
	}
	return strings.TrimSpace(strings.TrimRight(reply, "\x00")), nil
}
