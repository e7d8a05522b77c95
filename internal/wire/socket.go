package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"taskcron/internal/core"
)

// DefaultTimeout bounds dialing and the exchange of one frame.
const DefaultTimeout = 5 * time.Second

// Listen binds a unix stream socket at path, replacing a stale socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Send opens a connection to path, writes one frame and closes it.
func Send(ctx context.Context, path string, payload []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("write frame to %s: %w", path, err)
	}
	return nil
}

// Probe reports whether a listener accepts connections at path.
func Probe(path string) error {
	conn, err := net.DialTimeout("unix", path, DefaultTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Handler processes one decoded frame payload.
type Handler func(ctx context.Context, payload []byte) error

// Serve accepts connections on ln one at a time and hands the frame each
// one carries to handle, in accept order. Read and handler errors are logged
// and the loop keeps accepting. Serve returns when ctx is done or ln is
// closed.
func Serve(ctx context.Context, ln net.Listener, handle Handler, logger *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logger.Error("accept connection", "err", err)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		payload, err := readOne(conn)
		if errors.Is(err, io.EOF) {
			// Probe or client that gave up before writing.
			continue
		}
		if err != nil {
			logger.Error("read frame", "err", err)
			continue
		}
		if err := handle(ctx, payload); err != nil {
			logger.Error("handle frame", "err", err)
		}
	}
}

func readOne(conn net.Conn) ([]byte, error) {
	defer conn.Close()
	if err := conn.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return nil, err
	}
	return ReadFrame(conn)
}

// RunClient submits run requests to a task worker's socket.
type RunClient struct {
	Path    string
	Timeout time.Duration
}

var _ core.RunSink = (*RunClient)(nil)

func (c *RunClient) Submit(ctx context.Context, ids []string) error {
	payload, err := EncodeRunRequest(ids)
	if err != nil {
		return err
	}
	return Send(ctx, c.Path, payload, c.Timeout)
}

// EventClient forwards events to an event worker's socket. Delivery
// failures are logged; events are fire-and-forget.
type EventClient struct {
	Path    string
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ core.Emitter = (*EventClient)(nil)

func (c *EventClient) Emit(ev core.Event) {
	if err := c.Send(context.Background(), ev); err != nil {
		c.Logger.Error("forward event", "event", ev.Name(), "err", err)
	}
}

// Send forwards ev and reports the delivery error. A Close event may take
// several frames, sent in order.
func (c *EventClient) Send(ctx context.Context, ev core.Event) error {
	if closing, ok := ev.(core.CloseEvent); ok {
		frames, err := EncodeClose(closing.Tasks)
		if err != nil {
			return err
		}
		for _, payload := range frames {
			if err := Send(ctx, c.Path, payload, c.Timeout); err != nil {
				return err
			}
		}
		return nil
	}
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return Send(ctx, c.Path, payload, c.Timeout)
}
