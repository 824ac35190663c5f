/*
Package transport moves length-prefixed frames between this process and an engine.

Every frame on the wire is a 4-byte little-endian body length followed by exactly that many bytes of UTF-8 JSON.
The same framing is used in both directions, over a child process's stdin/stdout pipes or over a WebSocket.

A Transport owns exactly one read goroutine. Frames are delivered to the Listener in arrival order, and the
Listener is told about closure exactly once, after which the transport performs no more reads or writes.
Transports do not order concurrent senders; callers that need ordering put a SerialWriter in front.
*/
package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Send after the transport has closed.
	ErrClosed = errors.New("transport closed")

	// ErrPeerClosed is the close reason when the engine closes its end of the stream.
	ErrPeerClosed = errors.New("engine closed the connection")
)

// Listener receives inbound events from a Transport. Any nil field is ignored.
type Listener struct {
	// OnFrame is called on the read goroutine for every complete frame, in order.
	OnFrame func(payload []byte)
	// OnClose is called once when the transport closes, with the reason.
	OnClose func(reason error)
	// OnLog receives side-channel diagnostic text, such as lines of the engine's stderr.
	OnLog func(text string)
}

func (l Listener) frame(b []byte) {
	if l.OnFrame != nil {
		l.OnFrame(b)
	}
}

func (l Listener) close(err error) {
	if l.OnClose != nil {
		l.OnClose(err)
	}
}

func (l Listener) logLine(s string) {
	if l.OnLog != nil {
		l.OnLog(s)
	}
}

// Transport is a bidirectional frame channel to an engine.
type Transport interface {
	// Start begins reading and delivering frames to l. It must be called once, before Send.
	Start(l Listener) error
	// Send writes one frame. Concurrent calls must not interleave bytes of different frames.
	Send(payload []byte) error
	// Close tears the transport down, reporting reason to the Listener if this is the first close.
	Close(reason error) error
}

type options struct {
	log            *zap.SugaredLogger
	stderr         io.Reader
	closers        []func() error
	httpClient     *http.Client
	header         http.Header
	tlsConfig      *tls.Config
	messageFraming bool
	retryMax       int
}

// Option configures a transport.
type Option func(o *options)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithStderr surfaces r line by line through Listener.OnLog. It is read independently of frame parsing.
func WithStderr(r io.Reader) Option {
	return func(o *options) {
		o.stderr = r
	}
}

// WithCloser registers f to run when the transport closes, after the write side has been closed.
// This is where launchers release the engine process or container.
func WithCloser(f func() error) Option {
	return func(o *options) {
		o.closers = append(o.closers, f)
	}
}

// WithHTTPClient sets the client used for the WebSocket handshake.
// The client must not have a Timeout set.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h
	}
}

// WithTLSConfig sets the TLS config used when dialing wss:// URLs with the default HTTP client.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// WithMessageFraming makes a WebSocket transport carry one frame per WebSocket message, without the length prefix.
// By default the WebSocket is treated as a byte stream carrying length-prefixed frames.
func WithMessageFraming() Option {
	return func(o *options) {
		o.messageFraming = true
	}
}

// WithDialRetries sets how many times the WebSocket handshake is retried while the engine is starting up.
func WithDialRetries(n int) Option {
	return func(o *options) {
		o.retryMax = n
	}
}

func buildOptions(opts []Option) *options {
	o := &options{retryMax: 10}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = zap.NewNop().Sugar()
	}
	return o
}
