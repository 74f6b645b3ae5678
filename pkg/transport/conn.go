package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/teamsync/pkg/logging"
	"github.com/astromechza/teamsync/pkg/room"
)

// Handler receives the inbound side of a connection. Handle is called from a single goroutine per
// connection, in frame order; Disconnect is called exactly once after the last Handle.
type Handler interface {
	Handle(ctx context.Context, conn room.Conn, frame []byte)
	Disconnect(ctx context.Context, conn room.Conn)
}

type Options struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 * 1024
	}
	return o
}

// Conn is one websocket client. Outbound frames go through a bounded queue drained by a single writer
// goroutine, so frames are written in the order they were queued.
type Conn struct {
	id     string
	ws     *websocket.Conn
	opts   Options
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newConn(ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.SendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send queues frame without blocking. A full queue means the client is not keeping up; the connection is
// closed rather than letting it hold back everyone else in its workspace.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send queue full, closing connection", "conn_id", c.id)
		c.Close()
		return false
	}
}

// Close stops both pumps. It is safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readMessage() ([]byte, error) {
	mt, p, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	switch mt {
	case websocket.TextMessage, websocket.BinaryMessage:
		return p, nil
	default:
		return nil, nil
	}
}

func (c *Conn) writeMessage(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Serve runs the connection until the client goes away or ctx is cancelled. Every inbound frame is
// passed to h in order, and h.Disconnect is called before Serve returns.
func Serve(ctx context.Context, ws *websocket.Conn, h Handler, opts Options, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	c := newConn(ws, opts, logger)
	ctx = logging.WithFields(ctx, logging.Fields{ConnID: c.id, Component: "transport"})
	logger.InfoContext(ctx, "connection opened", "remote", ws.RemoteAddr().String())

	readTimeout := opts.PingInterval * 2
	ws.SetReadLimit(opts.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()
		for {
			frame, err := c.readMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					logger.WarnContext(ctx, "connection read failed", "err", err)
				}
				return
			}
			if frame != nil {
				h.Handle(ctx, c, frame)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()

		t := time.NewTicker(opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case frame := <-c.send:
				if err := c.writeMessage(frame); err != nil {
					logger.WarnContext(ctx, "connection write failed", "err", err)
					return
				}
			case <-t.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
					logger.WarnContext(ctx, "failed to ping", "err", err)
					return
				}
			case <-ctx.Done():
				_ = c.ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(opts.WriteTimeout),
				)
				return
			case <-c.done:
				return
			}
		}
	}()

	wg.Wait()
	h.Disconnect(context.WithoutCancel(ctx), c)
	logger.InfoContext(ctx, "connection closed")
}
