// Package channel implements the connection lifecycle shared by the chat
// and signaling transports: Connecting until a transport is attached, Ready
// while it lives, Closed once it dies. Closed is terminal.
package channel

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
)

var (
	// ErrChannelClosed indicates a send or attach after the channel closed.
	ErrChannelClosed = errors.New("channel: closed")
	// ErrAlreadyAttached indicates a second transport attach.
	ErrAlreadyAttached = errors.New("channel: transport already attached")
)

// State is the lifecycle state of a channel.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateReady      State = "READY"
	StateClosed     State = "CLOSED"
)

// Transport is one established bidirectional connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Handler receives inbound payloads in transport delivery order.
type Handler func(payload []byte)

// Channel owns one transport and serializes sends against its lifecycle.
//
// Sends while Connecting are queued and flushed in order when the transport
// attaches; sends while Closed fail with ErrChannelClosed. Nothing is
// silently dropped.
type Channel struct {
	name    string
	handler Handler

	mu        sync.Mutex
	state     State
	queue     [][]byte
	transport Transport

	// writeMu serializes transport writes; websocket connections support
	// only one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// New creates a channel in the Connecting state.
func New(name string, handler Handler) *Channel {
	return &Channel{
		name:    name,
		handler: handler,
		state:   StateConnecting,
		closed:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the channel reaches Closed.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal error, if the channel closed on one.
func (c *Channel) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Attach binds an established transport, flushes queued sends in order and
// transitions the channel to Ready.
//
// The channel stays Connecting until the flush completes, so a send racing
// the flush is appended to the queue behind the payloads being written and
// can neither overtake them nor write to the transport concurrently.
func (c *Channel) Attach(transport Transport) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.transport != nil {
		c.mu.Unlock()
		return ErrAlreadyAttached
	}
	c.transport = transport
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return ErrChannelClosed
		}
		if len(c.queue) == 0 {
			c.state = StateReady
			c.mu.Unlock()
			break
		}
		queued := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, payload := range queued {
			if err := c.write(transport, payload); err != nil {
				c.closeWithError(fmt.Errorf("%s: flush queued send: %w", c.name, err))
				return err
			}
		}
	}

	go c.readLoop(transport)
	return nil
}

// Send writes one payload, queueing it if the channel is still Connecting.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		if err := c.LastError(); err != nil {
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return ErrChannelClosed
	case StateConnecting:
		c.queue = append(c.queue, payload)
		c.mu.Unlock()
		return nil
	}
	transport := c.transport
	c.mu.Unlock()

	if err := c.write(transport, payload); err != nil {
		c.closeWithError(fmt.Errorf("%s: write: %w", c.name, err))
		return err
	}
	return nil
}

func (c *Channel) write(transport Transport, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteMessage(payload)
}

// Close terminates the channel. Safe to call repeatedly.
func (c *Channel) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Channel) readLoop(transport Transport) {
	for {
		payload, err := transport.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("%s: read: %w", c.name, err))
			return
		}

		select {
		case <-c.closed:
			return
		default:
		}

		if c.handler != nil {
			c.handler(payload)
		}
	}
}

func (c *Channel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.mu.Lock()
		c.state = StateClosed
		dropped := len(c.queue)
		c.queue = nil
		transport := c.transport
		c.mu.Unlock()

		if dropped > 0 {
			log.Printf("%s channel closed with %d unsent queued payloads", c.name, dropped)
		}
		if transport != nil {
			_ = transport.Close()
		}
		close(c.closed)
	})
}
