// Package stream serves live listener connections over WebSocket.
package stream

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"roadwatch/internal/registry"
)

const (
	DefaultPingInterval = 15 * time.Second
	// Close reasons are capped by the protocol.
	closeReasonMaxLen = 123
)

// Conn is a registry.Listener backed by a WebSocket. Writes are serialized
// so that records published one after another arrive in the same order.
type Conn struct {
	id      uuid.UUID
	ws      *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
}

var _ registry.Listener = (*Conn)(nil)

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{id: uuid.New(), ws: ws}
}

func (c *Conn) ID() uuid.UUID { return c.id }

func (c *Conn) Send(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, msg)
}

// Close sends a going-away close frame. Later calls do nothing.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if len(reason) > closeReasonMaxLen {
			reason = reason[:closeReasonMaxLen]
		}
		err = c.ws.Close(websocket.StatusGoingAway, reason)
	})
	return err
}

type Options struct {
	// PingInterval is how often the server pings the client. Zero selects
	// DefaultPingInterval.
	PingInterval time.Duration
	// IdleTimeout closes the connection when the client sends nothing for
	// this long. Zero disables it.
	IdleTimeout time.Duration
}

// Serve registers conn under agentID and blocks until the connection ends:
// the client disconnects, a read or ping fails, the idle timeout passes or
// ctx is cancelled. The listener is unsubscribed on every one of those paths
// before Serve returns. Inbound messages are read and discarded.
func Serve(ctx context.Context, conn *Conn, agentID int64, reg *registry.Registry, opts Options, logger slog.Logger) error {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	logger = logger.With(slog.F("agent_id", agentID), slog.F("listener_id", conn.ID().String()))

	reg.Subscribe(agentID, conn)
	defer reg.Unsubscribe(agentID, conn)
	logger.Info(ctx, "listener subscribed")

	ctx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel(nil)

	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeat(ctx, cancel, conn.ws, opts.PingInterval)
	}()

	err := readLoop(ctx, conn.ws, opts.IdleTimeout)
	if cause := context.Cause(ctx); cause != nil && !xerrors.Is(cause, context.Canceled) {
		// The heartbeat gave up, or the caller's deadline passed.
		err = cause
	}
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		logger.Debug(ctx, "listener disconnected", slog.F("status", status.String()))
		return nil
	case xerrors.Is(err, context.Canceled):
		logger.Debug(ctx, "listener context canceled")
		_ = conn.Close("server closing connection")
		return nil
	default:
		logger.Info(ctx, "listener connection ended", slog.Error(err))
		_ = conn.Close("connection ended")
		return err
	}
}

func readLoop(ctx context.Context, ws *websocket.Conn, idle time.Duration) error {
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if idle > 0 {
			readCtx, cancel = context.WithTimeout(ctx, idle)
		}
		_, _, err := ws.Read(readCtx)
		cancel()
		if err != nil {
			if idle > 0 && ctx.Err() == nil && xerrors.Is(readCtx.Err(), context.DeadlineExceeded) {
				return xerrors.Errorf("no message from client for %s: %w", idle, err)
			}
			return err
		}
	}
}

// heartbeat pings the client until ctx is done. A failed ping cancels the
// connection context with the ping error as cause, which ends the read loop.
func heartbeat(ctx context.Context, cancel context.CancelCauseFunc, ws *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, interval)
		err := ws.Ping(pingCtx)
		pingCancel()
		if err != nil {
			cancel(xerrors.Errorf("ping client: %w", err))
			return
		}
	}
}
