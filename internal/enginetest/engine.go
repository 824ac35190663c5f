// Package enginetest is a scripted in-process engine for exercising clients.
// It speaks the wire protocol over any transport.Transport, records every request,
// and answers with registered handlers; tests can also push creates, disposes and events at any time.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guseggert/enginewire/transport"
	"go.uber.org/zap"
)

// ErrNoReply makes a handler leave the call unanswered, so the test can reply later (or never).
var ErrNoReply = errors.New("no reply")

type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

type Metadata struct {
	WallTime int64     `json:"wallTime"`
	Internal bool      `json:"internal"`
	Title    string    `json:"title"`
	Location *Location `json:"location"`
}

// Request is a call received from the client.
type Request struct {
	ID       int64           `json:"id"`
	GUID     string          `json:"guid"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params"`
	Metadata Metadata        `json:"metadata"`
}

// WireError is a failure sent back as an error response. Log becomes the response's call log.
type WireError struct {
	Name    string
	Message string
	Stack   string
	Log     []string
}

func (e *WireError) Error() string { return e.Name + ": " + e.Message }

// HandlerFunc answers one request. Its result is sent as the response's result, and a non-nil error
// is sent as an error response, unless it is ErrNoReply.
type HandlerFunc func(e *Engine, req Request) (interface{}, error)

// Engine is the engine end of one client connection.
type Engine struct {
	log *zap.SugaredLogger
	t   transport.Transport

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	requests []Request
	arrived  chan struct{}
	counters map[string]int

	closed chan struct{}
}

// New builds an engine on t with the default handlers:
// initialize answers {root: {guid: "root@1"}}, updateSubscription and echo succeed, anything else fails.
func New(t transport.Transport, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	e := &Engine{
		log:      log.Named("engine"),
		t:        t,
		handlers: map[string]HandlerFunc{},
		arrived:  make(chan struct{}),
		counters: map[string]int{},
		closed:   make(chan struct{}),
	}
	e.Handle("initialize", func(e *Engine, req Request) (interface{}, error) {
		return map[string]interface{}{"root": map[string]string{"guid": "root@1"}}, nil
	})
	e.Handle("updateSubscription", func(e *Engine, req Request) (interface{}, error) {
		return nil, nil
	})
	e.Handle("echo", func(e *Engine, req Request) (interface{}, error) {
		return req.Params, nil
	})
	return e
}

// Pipe connects a new engine to a client transport over in-memory pipes.
// The returned client transport has not been started.
func Pipe(log *zap.SugaredLogger, opts ...transport.Option) (*Engine, transport.Transport, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	clientR, engineW := io.Pipe()
	engineR, clientW := io.Pipe()
	client := transport.NewStream(clientR, clientW, append([]transport.Option{transport.WithLogger(log.Named("client"))}, opts...)...)
	e := New(transport.NewStream(engineR, engineW, transport.WithLogger(log.Named("engine"))), log)
	if err := e.Start(); err != nil {
		return nil, nil, err
	}
	return e, client, nil
}

func (e *Engine) Start() error {
	return e.t.Start(transport.Listener{
		OnFrame: e.handleFrame,
		OnClose: func(reason error) {
			e.log.Debugw("engine transport closed", "Reason", reason)
			close(e.closed)
		},
	})
}

// Handle sets the handler for method, replacing any previous one.
func (e *Engine) Handle(method string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = h
}

// NewGUID returns a fresh guid for typ, such as "page@2".
func (e *Engine) NewGUID(typ string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[typ]++
	return fmt.Sprintf("%s@%d", typ, e.counters[typ])
}

func (e *Engine) handleFrame(frame []byte) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		e.log.Errorw("undecodable frame from client", "Frame", string(frame), "Error", err)
		return
	}

	e.mu.Lock()
	e.requests = append(e.requests, req)
	close(e.arrived)
	e.arrived = make(chan struct{})
	h := e.handlers[req.Method]
	e.mu.Unlock()

	if h == nil {
		e.sendOrLog(e.ReplyError(req.ID, &WireError{Name: "Error", Message: fmt.Sprintf("unknown method %q", req.Method)}))
		return
	}
	res, err := h(e, req)
	var we *WireError
	switch {
	case errors.Is(err, ErrNoReply):
	case errors.As(err, &we):
		e.sendOrLog(e.ReplyError(req.ID, we))
	case err != nil:
		e.sendOrLog(e.ReplyError(req.ID, &WireError{Name: "Error", Message: err.Error()}))
	default:
		e.sendOrLog(e.Reply(req.ID, res))
	}
}

func (e *Engine) sendOrLog(err error) {
	if err != nil {
		e.log.Debugf("error sending to client: %s", err)
	}
}

// Send marshals v and writes it as one frame.
func (e *Engine) Send(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return e.SendRaw(b)
}

func (e *Engine) SendRaw(frame []byte) error {
	return e.t.Send(frame)
}

func (e *Engine) Reply(id int64, result interface{}) error {
	return e.Send(map[string]interface{}{"id": id, "result": result})
}

func (e *Engine) ReplyError(id int64, we *WireError) error {
	msg := map[string]interface{}{
		"id": id,
		"error": map[string]interface{}{
			"error": map[string]string{"name": we.Name, "message": we.Message, "stack": we.Stack},
		},
	}
	if len(we.Log) > 0 {
		msg["log"] = we.Log
	}
	return e.Send(msg)
}

// ReplyValue fails the call with a thrown value that is not an error object.
func (e *Engine) ReplyValue(id int64, value interface{}) error {
	return e.Send(map[string]interface{}{"id": id, "error": map[string]interface{}{"value": value}})
}

func (e *Engine) Create(parent, typ, guid string, initializer interface{}) error {
	if initializer == nil {
		initializer = map[string]interface{}{}
	}
	return e.Send(map[string]interface{}{
		"guid":   parent,
		"method": "__create__",
		"params": map[string]interface{}{"type": typ, "guid": guid, "initializer": initializer},
	})
}

func (e *Engine) Adopt(parent, guid string) error {
	return e.Send(map[string]interface{}{
		"guid":   parent,
		"method": "__adopt__",
		"params": map[string]string{"guid": guid},
	})
}

func (e *Engine) Dispose(guid, reason string) error {
	params := map[string]string{}
	if reason != "" {
		params["reason"] = reason
	}
	return e.Send(map[string]interface{}{"guid": guid, "method": "__dispose__", "params": params})
}

func (e *Engine) Emit(guid, method string, params interface{}) error {
	return e.Send(map[string]interface{}{"guid": guid, "method": method, "params": params})
}

// Requests returns every request received so far, in arrival order.
func (e *Engine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Request(nil), e.requests...)
}

// RequestsFor returns the received requests for method.
func (e *Engine) RequestsFor(method string) []Request {
	var reqs []Request
	for _, r := range e.Requests() {
		if r.Method == method {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

// WaitForRequest returns the n-th (1-based) request for method, waiting for it to arrive.
func (e *Engine) WaitForRequest(ctx context.Context, method string, n int) (Request, error) {
	for {
		e.mu.Lock()
		seen := 0
		for _, r := range e.requests {
			if r.Method == method {
				seen++
				if seen == n {
					e.mu.Unlock()
					return r, nil
				}
			}
		}
		arrived := e.arrived
		e.mu.Unlock()

		select {
		case <-arrived:
		case <-e.closed:
			return Request{}, fmt.Errorf("engine closed while waiting for %s", method)
		case <-ctx.Done():
			return Request{}, fmt.Errorf("waiting for %s: %w", method, ctx.Err())
		}
	}
}

func (e *Engine) Close() error {
	return e.t.Close(nil)
}

func (e *Engine) Done() <-chan struct{} {
	return e.closed
}
