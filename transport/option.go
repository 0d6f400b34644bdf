package transport

import (
	"time"

	"github.com/chatrelay/chatrelay/config"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	codec  Codec
	logger Logger

	onMessage func(message Message) error
	// onError is called when an error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize    int           // size of the bulk outbound queue: chunk relay traffic writes here; control packets use a fixed-size queue
	maxReadLength int           // largest single frame this Conn will read (bounds a hostile peer's FILE_CHUNK size)
	idleTimeout   time.Duration // read/write deadlines are set to idleTimeout*2 past the last activity
}

// Option is a function that configures connection options.
type Option func(*options)

// CustomCodecOption returns an Option that sets the message codec.
// The codec is required and must be provided before creating a connection.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of the bulk outbound
// queue. A file transfer relaying chunks through a slow peer writes here
// before the write loop drains them - too small a buffer trips backpressure
// sooner than the peer's actual health warrants. Control packets, chat
// fan-out among them, go on a separate queue of defaultControlBufferSize
// slots that this option does not change.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption returns an Option that sets the read/write idle
// timeout. This repo never sends a FrameHeartbeat - a chat relay's own
// traffic (frequent chat frames, or a steady stream of file chunks) is
// enough to keep the deadline from tripping on a live connection, so a
// dedicated heartbeat frame would only add work without adding signal.
func IdleTimeoutOption(idleTimeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = idleTimeout
	}
}

// MessageMaxSize returns an Option that sets the maximum frame size this
// Conn will read. Messages larger than this size cannot be received.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked when a read/write error occurs.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each received message.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ConnOptionsForServer builds the Option set a server-side Conn needs,
// wiring config.Server's tunables in one place instead of at every call
// site in package session.
func ConnOptionsForServer(cfg config.Server, codec Codec, onMessage func(Message) error, logger Logger) []Option {
	return []Option{
		CustomCodecOption(codec),
		OnMessageOption(onMessage),
		BufferSizeOption(cfg.QueueCapacity),
		IdleTimeoutOption(cfg.IdleTimeout),
		MessageMaxSize(cfg.MaxFrameSize),
		LoggerOption(logger),
	}
}

// ConnOptionsForClient builds the Option set a client-side Conn needs from
// config.Client. Unlike the server side, a client only ever has one
// connection, so its outbound queue is sized off the package default rather
// than a per-client tunable.
func ConnOptionsForClient(cfg config.Client, codec Codec, onMessage func(Message) error, logger Logger) []Option {
	return []Option{
		CustomCodecOption(codec),
		OnMessageOption(onMessage),
		BufferSizeOption(config.DefaultQueueCapacity),
		IdleTimeoutOption(cfg.IdleTimeout),
		MessageMaxSize(cfg.MaxFrameSize),
		LoggerOption(logger),
	}
}
