// Package transport provides the duplex byte-stream channel that varlink calls
// travel over.
//
// A Channel delivers what it receives as "message" events, one event per
// chunk read from the stream, and reports the end of the stream as exactly one
// "close" event. Listeners are added and removed by the caller, typically once
// per call:
//
//	Sequencer ──AddListener──► ConnChannel ◄──recvLoop── net.Conn (unix socket)
//	          ──Send(bytes)──►             ──OnMessage(chunk)──► listener
//	                                       ──OnClose(reason)───► listener
//
// The channel does not reassemble messages: a peer that writes one reply in
// several pieces produces several message events.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"mini-varlink/message"
)

// Problem codes reported in close events.
const (
	ProblemDisconnected  = "disconnected"
	ProblemTerminated    = "terminated"
	ProblemNotFound      = "not-found"
	ProblemAccessDenied  = "access-denied"
	ProblemInternalError = "internal-error"
)

// DefaultReadBufferSize is the largest chunk delivered by one message event.
const DefaultReadBufferSize = 64 << 10

// Listener receives channel events. Both methods run on the channel's receive
// goroutine, in delivery order, and must not block.
type Listener interface {
	OnMessage(data []byte)
	OnClose(reason *message.TransportCloseError)
}

// Channel is a persistent duplex byte stream to one address.
type Channel interface {
	// Send queues data for transmission. On failure the error is a
	// *message.TransportCloseError.
	Send(data []byte) error
	AddListener(l Listener)
	RemoveListener(l Listener)
}

// Options describe the channel to open.
type Options struct {
	Payload        string // only "stream"
	Address        string // unix socket path
	Binary         bool   // must be true; text channels are not supported
	ReadBufferSize int
}

// DefaultOptions returns binary stream options for address.
func DefaultOptions(address string) Options {
	return Options{Payload: "stream", Address: address, Binary: true, ReadBufferSize: DefaultReadBufferSize}
}

func (o Options) validate() error {
	if o.Payload != "" && o.Payload != "stream" {
		return fmt.Errorf("unsupported payload %q", o.Payload)
	}
	if !o.Binary {
		return errors.New("text channels are not supported")
	}
	if o.Address == "" {
		return errors.New("address required")
	}
	return nil
}

// ConnChannel is a Channel over a net.Conn. It owns the connection.
type ConnChannel struct {
	conn    net.Conn
	opts    Options
	writeMu sync.Mutex // one Send at a time so chunks never interleave

	mu        sync.Mutex
	listeners []Listener
	reason    *message.TransportCloseError // set once the channel closed

	closing atomic.Bool
	done    chan struct{}
}

// OpenUnix dials the unix socket at opts.Address and starts receiving.
// A dial failure is returned as a *message.TransportCloseError.
func OpenUnix(ctx context.Context, opts Options) (*ConnChannel, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", opts.Address)
	if err != nil {
		return nil, &message.TransportCloseError{
			Problem: dialProblem(err),
			Options: map[string]any{"address": opts.Address, "message": err.Error()},
		}
	}
	return NewConnChannel(conn, opts), nil
}

// NewConnChannel wraps an established connection and starts receiving.
func NewConnChannel(conn net.Conn, opts Options) *ConnChannel {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	c := &ConnChannel{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Address returns the address the channel is bound to.
func (c *ConnChannel) Address() string {
	return c.opts.Address
}

// Send writes data to the stream.
func (c *ConnChannel) Send(data []byte) error {
	if reason := c.closeReason(); reason != nil {
		return reason
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		if reason := c.closeReason(); reason != nil {
			return reason
		}
		return &message.TransportCloseError{
			Problem: c.problemFor(err),
			Options: map[string]any{"message": err.Error()},
		}
	}
	return nil
}

// AddListener registers l for subsequent events. Adding to a closed channel
// does nothing; the following Send reports the close.
func (c *ConnChannel) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != nil {
		return
	}
	for _, existing := range c.listeners {
		if existing == l {
			return
		}
	}
	c.listeners = append(c.listeners, l)
}

// RemoveListener deregisters l. Removing an unknown listener is a no-op.
func (c *ConnChannel) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Close shuts the connection. Listeners see a "terminated" close event.
// It does not wait for the receive goroutine, so it may be called from a listener.
func (c *ConnChannel) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	if c.Closed() {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Closed reports whether the close event has been delivered.
func (c *ConnChannel) Closed() bool {
	return c.closeReason() != nil
}

// Done is closed when the receive goroutine has exited.
func (c *ConnChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ConnChannel) closeReason() *message.TransportCloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// recvLoop is the only reader of the connection, so events are delivered in
// stream order.
func (c *ConnChannel) recvLoop() {
	defer close(c.done)
	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			for _, l := range c.snapshot() {
				l.OnMessage(chunk)
			}
		}
		if err != nil {
			reason := &message.TransportCloseError{Problem: c.problemFor(err)}
			if reason.Problem == ProblemInternalError {
				reason.Options = map[string]any{"message": err.Error()}
			}
			c.shutdown(reason)
			return
		}
	}
}

func (c *ConnChannel) snapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Listener(nil), c.listeners...)
}

func (c *ConnChannel) shutdown(reason *message.TransportCloseError) {
	c.mu.Lock()
	if c.reason != nil {
		c.mu.Unlock()
		return
	}
	c.reason = reason
	listeners := c.listeners
	c.listeners = nil
	c.mu.Unlock()

	_ = c.conn.Close()
	for _, l := range listeners {
		l.OnClose(reason)
	}
}

func (c *ConnChannel) problemFor(err error) string {
	switch {
	case c.closing.Load(), errors.Is(err, net.ErrClosed):
		return ProblemTerminated
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return ProblemDisconnected
	default:
		return ProblemInternalError
	}
}

func dialProblem(err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ECONNREFUSED):
		return ProblemNotFound
	case errors.Is(err, os.ErrPermission):
		return ProblemAccessDenied
	default:
		return ProblemInternalError
	}
}
