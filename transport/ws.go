package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// DialWebSocket connects to an engine listening at url (ws:// or wss://).
// The handshake is retried while the engine is still coming up.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (Transport, error) {
	o := buildOptions(opts)
	log := o.log.Named("websocket")

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = newRetryingClient(log, o)
	}

	log.Debugw("dialing WebSocket", "URL", url, "MessageFraming", o.messageFraming)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      httpClient,
		HTTPHeader:      o.header,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to engine: %w", err)
	}
	return NewWebSocket(conn, opts...), nil
}

// NewWebSocket wraps an established WebSocket connection.
// It is used on both ends: by DialWebSocket and by servers that accepted the connection.
func NewWebSocket(conn *websocket.Conn, opts ...Option) Transport {
	o := buildOptions(opts)
	if !o.messageFraming {
		conn.SetReadLimit(MaxFrameSize + headerSize)
		nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
		return NewStream(nc, nc, opts...)
	}
	conn.SetReadLimit(MaxFrameSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &wsMessageTransport{
		log:     o.log.Named("websocket"),
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		closers: o.closers,
		closed:  make(chan struct{}),
	}
}

// wsMessageTransport carries exactly one frame per WebSocket message.
type wsMessageTransport struct {
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	ctx     context.Context
	cancel  func()
	closers []func() error

	listener  Listener
	startOnce sync.Once

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	wg sync.WaitGroup
}

func (t *wsMessageTransport) Start(l Listener) error {
	started := false
	t.startOnce.Do(func() {
		started = true
		t.listener = l
		t.wg.Add(1)
		go t.readMessages()
	})
	if !started {
		return errors.New("WebSocket transport already started")
	}
	return nil
}

func (t *wsMessageTransport) Send(payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	err := t.conn.Write(t.ctx, websocket.MessageText, payload)
	if err != nil {
		err = fmt.Errorf("writing WebSocket message: %w", err)
		t.shutdown(websocket.StatusInternalError, err)
		return err
	}
	return nil
}

func (t *wsMessageTransport) Close(reason error) error {
	t.shutdown(websocket.StatusNormalClosure, reason)
	return t.closeErr
}

func (t *wsMessageTransport) shutdown(code websocket.StatusCode, reason error) {
	first := false
	t.closeOnce.Do(func() {
		first = true
		close(t.closed)
		t.closeErr = t.release(code, reason)
	})
	if !first {
		return
	}
	t.log.Debugw("WebSocket transport closed", "Reason", reason, "Error", t.closeErr)
	t.listener.close(reason)
}

func (t *wsMessageTransport) release(code websocket.StatusCode, reason error) error {
	// WebSocket close reasons can't be above 123 bytes
	msg := ""
	if reason != nil && code != websocket.StatusNormalClosure {
		msg = reason.Error()
	}
	if len(msg) > 100 {
		msg = msg[0:100]
	}
	err := t.conn.Close(code, msg)
	if err != nil {
		t.log.Debugf("error closing conn: %s", err)
		err = nil
	}
	t.cancel()
	for _, c := range t.closers {
		if cerr := c(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (t *wsMessageTransport) readMessages() {
	defer t.wg.Done()
	for {
		_, b, err := t.conn.Read(t.ctx)
		select {
		case <-t.closed:
			return
		default:
		}
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				t.shutdown(websocket.StatusNormalClosure, fmt.Errorf("%w: %s", ErrPeerClosed, err))
				return
			}
			t.log.Debugf("message reader got error: %s", err)
			t.shutdown(websocket.StatusInternalError, fmt.Errorf("reading WebSocket message: %w", err))
			return
		}
		t.listener.frame(b)
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func newRetryingClient(log *zap.SugaredLogger, o *options) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: o.tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 100 * time.Millisecond
	}
	retryClient.RetryMax = o.retryMax
	retryClient.Logger = &logAdapter{SugaredLogger: log}
	return retryClient.StandardClient()
}
