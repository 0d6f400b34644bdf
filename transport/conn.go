// Package transport implements the connection and server primitives that
// carry the chat wire protocol: a single-writer, priority-queue connection
// wrapper and a plain TCP accept loop. It knows nothing about packets, chat
// state, or file transfers - those live in package protocol and package
// session. This separation is what lets a JSON control frame and a binary
// file chunk share one socket without ever interleaving mid-frame.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatrelay/chatrelay/chaterr"
	"github.com/chatrelay/chatrelay/config"
)

const op = "transport"

// Message is what a Conn reads and writes: either a *protocol.PacketMessage
// carrying a JSON control frame, or a protocol.RawMessage/protocol.ChunkMessage
// carrying a FILE_CHUNK payload. Conn never inspects which - it only needs
// the encoded length and body - except to ask whether it also satisfies
// PriorityMessage.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// PriorityMessage is implemented by messages that know whether they belong
// on the control queue rather than the bulk one. protocol.PacketMessage
// answers true for every packet type but FILE_SEND_COMPLETE: a name
// registration, a chat delivery, a DISCONNECT_INFO notice is small and rare,
// and must never sit behind a slow file transfer's chunk backlog.
// FILE_SEND_COMPLETE, protocol.ChunkMessage and a FILE_CHUNK RawMessage
// answer false, so a transfer's completion stays behind its chunks. A
// Message that doesn't implement this interface at all is treated as bulk.
type PriorityMessage interface {
	Message
	HighPriority() bool
}

// Codec is protocol.FrameCodec's contract with Conn: turn a Message into
// wire bytes and back. Decode reads from an io.Reader rather than a byte
// slice so it can pull exactly one frame's worth of bytes off a TCP stream,
// leaving the rest buffered for the next call.
type Codec interface {
	// Decode reads and decodes a complete message from the reader.
	Decode(r io.Reader) (Message, error)
	// Encode encodes a Message into raw bytes for transmission.
	Encode(Message) ([]byte, error)
}

// Logger is the interface for structured logging, shaped to match
// *slog.Logger so the slog.Default() logger cmd/chatserver and cmd/chatclient
// use can be handed straight to a Conn or Server without an adapter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// Sentinel causes wrapped into chaterr.Error by every method below, so
// callers can branch on chaterr.Is(err, chaterr.Backpressure) etc. without
// caring which of these produced it.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec callback")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when a queue is full and cannot accept more
	// messages. This is backpressure - the peer is not draining fast enough.
	ErrBufferFull = errors.New("send buffer full")
)

// limitedReader wraps a reader and returns ErrMessageTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, chaterr.Wrap(chaterr.Protocol, op, ErrMessageTooLarge)
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset resets the limit counter for reuse with a new message.
// Only remaining is reset because the underlying reader (bufio.Reader)
// maintains its own buffer state and continues reading from where it left off.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// defaultControlBufferSize bounds the control queue. Control traffic - name
// registration, chat, whisper, file-transfer requests - is comparatively
// rare and small; this only needs to absorb a burst ahead of whatever is
// backed up on the bulk (chunk) queue, never to hold as much as it.
const defaultControlBufferSize = 32

// Conn wraps one TCP connection to a chat peer. Reads happen on one
// goroutine, writes on another, connected by two outbound queues - control
// and bulk - so an in-flight file transfer can never starve chat delivery.
type Conn struct {
	rawConn       *net.TCPConn
	reader        *bufio.Reader
	limitedReader *limitedReader
	logger        Logger

	opts options

	controlMsg chan []byte // control frames: PacketMessage-shaped traffic
	bulkMsg    chan []byte // FILE_CHUNK payloads
	closed     atomic.Bool
	cancel     context.CancelFunc
}

// Default configuration values, shared with package config's own defaults
// so a Conn built without options behaves the same as one built through
// ConnOptionsForServer/ConnOptionsForClient.
const (
	defaultBufferSize       = config.DefaultQueueCapacity
	defaultMaxPackageLength = config.DefaultMaxFrameSize
)

// NewConn creates a new connection wrapper around the given TCP connection.
// It applies the provided options and validates them before returning.
// Returns an error if required options (codec, onMessage) are missing.
func NewConn(conn *net.TCPConn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newClientConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.onMessage == nil {
		return chaterr.Wrap(chaterr.Validation, op, ErrInvalidOnMessage)
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = time.Second * 30
	}

	if opts.codec == nil {
		return chaterr.Wrap(chaterr.Validation, op, ErrInvalidCodec)
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// newClientConnWithOptions creates a new Conn with the given options.
func newClientConnWithOptions(c *net.TCPConn, opts options) *Conn {
	reader := bufio.NewReaderSize(c, opts.maxReadLength)
	cc := &Conn{
		rawConn:       c,
		reader:        reader,
		limitedReader: newLimitedReader(reader, int64(opts.maxReadLength)),
		logger:        opts.logger,
		opts:          opts,
		controlMsg:    make(chan []byte, defaultControlBufferSize),
		bulkMsg:       make(chan []byte, opts.bufferSize),
	}

	return cc
}

// Run starts the connection's read and write loops.
// It creates two goroutines for concurrent reading and writing,
// and blocks until an error occurs or the context is canceled.
// The connection is automatically closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"idle_timeout", c.opts.idleTimeout)

	ctx, c.cancel = context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// A read blocked on the socket never observes ctx; closing the socket
	// once child is done is what unblocks it.
	group.Go(func() error {
		<-child.Done()
		_ = c.rawConn.Close()
		return nil
	})

	err := group.Wait()
	c.closeConn()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close gracefully closes the connection.
// It cancels the context and closes the underlying TCP connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	if c.cancel != nil {
		c.cancel()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// QueueDepth reports how many bulk-queue slots are currently occupied and
// its total capacity - useful for logging alongside a Backpressure error
// when a file-transfer target starts falling behind.
func (c *Conn) QueueDepth() (used, capacity int) {
	return len(c.bulkMsg), cap(c.bulkMsg)
}

// queueFor picks the control queue for anything that identifies itself as
// PriorityMessage.HighPriority, the bulk queue for everything else.
func (c *Conn) queueFor(message Message) chan []byte {
	if pm, ok := message.(PriorityMessage); ok && pm.HighPriority() {
		return c.controlMsg
	}
	return c.bulkMsg
}

// Write sends a message through the connection without blocking (fire-and-forget).
// The message is encoded using the configured codec and queued for sending.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - a chaterr.Backpressure error: the target queue is full, message was NOT queued
//   - a chaterr.IO error: connection is closed
//   - encoding error: if codec.Encode fails
//
// Use this method when:
//   - You can tolerate message loss under backpressure
//   - You have your own retry/backpressure logic
//   - Low latency is critical and blocking is unacceptable
//
// For guaranteed delivery, use WriteBlocking or WriteTimeout instead.
func (c *Conn) Write(message Message) error {
	if c.closed.Load() {
		return chaterr.Wrap(chaterr.IO, op, ErrConnectionClosed)
	}

	bytes, err := c.opts.codec.Encode(message)
	if err != nil {
		return err
	}

	select {
	case c.queueFor(message) <- bytes:
		return nil
	default:
		return chaterr.Wrap(chaterr.Backpressure, op, ErrBufferFull)
	}
}

// WriteBlocking sends a message through the connection, blocking until the message
// is queued or the context is canceled. This is the safest write method for
// guaranteed delivery.
//
// Returns:
//   - nil: message was successfully queued
//   - a chaterr.IO error: context was canceled, or the connection is closed
//   - encoding error: if codec.Encode fails
//
// Use this method when:
//   - Message delivery is critical
//   - You have proper timeout handling via context
//   - Blocking is acceptable for your use case
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	if c.closed.Load() {
		return chaterr.Wrap(chaterr.IO, op, ErrConnectionClosed)
	}

	bytes, err := c.opts.codec.Encode(message)
	if err != nil {
		return err
	}

	select {
	case c.queueFor(message) <- bytes:
		return nil
	case <-ctx.Done():
		return chaterr.Wrap(chaterr.IO, op, ctx.Err())
	}
}

// WriteTimeout sends a message through the connection with a timeout.
// This provides a middle ground between Write (non-blocking) and WriteBlocking.
//
// Returns:
//   - nil: message was successfully queued
//   - a chaterr.Backpressure error: timeout expired before message could be queued
//   - a chaterr.IO error: connection is closed
//   - encoding error: if codec.Encode fails
//
// session.Session and client.Session both route every outbound frame
// through this method, so chaterr.Backpressure is the one place an
// unresponsive peer surfaces: the caller closes the connection on sight of
// it rather than letting the queue grow without bound.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	if c.closed.Load() {
		return chaterr.Wrap(chaterr.IO, op, ErrConnectionClosed)
	}

	bytes, err := c.opts.codec.Encode(message)
	if err != nil {
		return err
	}

	select {
	case c.queueFor(message) <- bytes:
		return nil
	case <-time.After(timeout):
		return chaterr.Wrap(chaterr.Backpressure, op, ErrBufferFull)
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop continuously reads from the connection and processes messages.
// It decodes incoming data using the configured codec and calls the message handler.
// Returns when the context is canceled or an unrecoverable error occurs.
// Messages exceeding maxReadLength will return ErrMessageTooLarge.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout * 2))

			// Reset the limit for each message
			c.limitedReader.reset(int64(c.opts.maxReadLength))

			message, err := c.opts.codec.Decode(c.limitedReader)
			if err != nil {
				c.logger.Debug("read error", "addr", c.Addr(), "error", err)
				if c.opts.onError(err) == Disconnect {
					return err
				}
				continue
			}

			if err = c.opts.onMessage(message); err != nil {
				return err
			}
		}
	}
}

// writeLoop drains the control queue ahead of the bulk queue: a pending
// control frame is always sent before the next bulk frame is even
// considered, so a chunk backlog never delays chat delivery or a disconnect
// notice. Returns when the context is canceled or an unrecoverable error
// occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.controlMsg:
			if err := c.write(data); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.controlMsg:
			if err := c.write(data); err != nil {
				return err
			}
		case data := <-c.bulkMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection with a deadline.
// If an error occurs and onError returns Disconnect, the error is propagated.
// On Continue, the error is suppressed and writing continues.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout * 2))

	_, err := c.rawConn.Write(data)

	if err != nil {
		wrapped := chaterr.Wrap(chaterr.IO, op, err)
		c.logger.Debug("write error", "addr", c.Addr(), "error", wrapped)
		if c.opts.onError(wrapped) == Disconnect {
			return wrapped
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}
