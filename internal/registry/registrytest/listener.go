// Package registrytest provides an in-memory registry.Listener for tests.
package registrytest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

var ErrClosed = xerrors.New("listener closed")

type Listener struct {
	id uuid.UUID

	mu       sync.Mutex
	messages [][]byte
	closed   bool
	reason   string
	sendErr  error
	// block makes Send wait for ctx to expire, like a stalled client.
	block bool
	// closeDelay makes Close wait, like a peer that never answers the
	// close handshake.
	closeDelay time.Duration
}

func NewListener() *Listener {
	return &Listener{id: uuid.New()}
}

// Failing returns a listener whose Send always returns err.
func Failing(err error) *Listener {
	l := NewListener()
	l.sendErr = err
	return l
}

// Stalled returns a listener whose Send blocks until its context is done.
func Stalled() *Listener {
	l := NewListener()
	l.block = true
	return l
}

// SlowClose returns a listener whose Close takes d to return.
func SlowClose(d time.Duration) *Listener {
	l := NewListener()
	l.closeDelay = d
	return l
}

func (l *Listener) ID() uuid.UUID { return l.id }

func (l *Listener) Send(ctx context.Context, msg []byte) error {
	l.mu.Lock()
	block, sendErr, closed := l.block, l.sendErr, l.closed
	l.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if sendErr != nil {
		return sendErr
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, append([]byte(nil), msg...))
	return nil
}

func (l *Listener) Close(reason string) error {
	if l.closeDelay > 0 {
		time.Sleep(l.closeDelay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.reason = reason
	}
	return nil
}

// Messages returns a copy of everything sent so far.
func (l *Listener) Messages() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Listener) Closed() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed, l.reason
}
