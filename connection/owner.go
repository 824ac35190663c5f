package connection

import (
	"context"
	"encoding/json"
	"sync"
)

// Owner is the local proxy of one engine object.
// Its place in the tree is owned by the Connection and changes only in response to engine messages,
// except for Dispose, which lets the client mark an object it has closed itself.
type Owner struct {
	conn        *Connection
	typ         string
	guid        string
	initializer json.RawMessage
	kind        Kind
	handler     Handler

	// guarded by conn.mu
	parent   *Owner
	children []*Owner
	disposed bool
	reason   DisposeReason
	done     chan struct{}

	// subMut orders subscription changes; listenersMut only guards the listener table,
	// so emitting on the read goroutine never waits on a write.
	subMut       sync.Mutex
	listenersMut sync.Mutex
	listeners    map[string][]*listener
}

type listener struct {
	fn func(params json.RawMessage)
}

func newOwner(c *Connection, typ, guid string, initializer json.RawMessage, kind Kind) *Owner {
	return &Owner{
		conn:        c,
		typ:         typ,
		guid:        guid,
		initializer: initializer,
		kind:        kind,
		done:        make(chan struct{}),
	}
}

func (o *Owner) GUID() string { return o.guid }

func (o *Owner) Type() string { return o.typ }

func (o *Owner) String() string { return o.guid }

// Initializer returns the initial state the engine sent with __create__.
func (o *Owner) Initializer() json.RawMessage { return o.initializer }

func (o *Owner) Connection() *Connection { return o.conn }

// Handler returns the typed handler built by the object's Kind, or nil.
func (o *Owner) Handler() Handler { return o.handler }

// MarshalJSON encodes the object as a reference, so proxies can be passed directly as call params.
func (o *Owner) MarshalJSON() ([]byte, error) {
	return json.Marshal(Ref{GUID: o.guid})
}

// Parent returns the object's parent, or nil for the synthetic root.
func (o *Owner) Parent() *Owner {
	o.conn.mu.Lock()
	defer o.conn.mu.Unlock()
	return o.parent
}

// Children returns the object's children in creation (or adoption) order.
func (o *Owner) Children() []*Owner {
	o.conn.mu.Lock()
	defer o.conn.mu.Unlock()
	return append([]*Owner(nil), o.children...)
}

func (o *Owner) Disposed() bool {
	o.conn.mu.Lock()
	defer o.conn.mu.Unlock()
	return o.disposed
}

func (o *Owner) DisposeReason() DisposeReason {
	o.conn.mu.Lock()
	defer o.conn.mu.Unlock()
	return o.reason
}

// Done is closed when the object is disposed.
func (o *Owner) Done() <-chan struct{} {
	return o.done
}

// Call sends method to this object. See Connection.Call.
func (o *Owner) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return o.conn.Call(ctx, o, method, params)
}

// Dispose marks the object and its descendants disposed, so further calls on them fail locally.
// They stay in the object table until the engine confirms with __dispose__. Disposing twice is a no-op.
func (o *Owner) Dispose(reason DisposeReason) {
	o.conn.dispose(o, reason, false)
}

func (o *Owner) removeChild(child *Owner) {
	for i, c := range o.children {
		if c == child {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
}

// On registers fn for event and returns a function that removes it.
// The first listener for a subscribable event asks the engine to start sending it,
// and removing the last one asks it to stop. Listeners run on the connection's read goroutine.
func (o *Owner) On(event string, fn func(params json.RawMessage)) (off func()) {
	l := &listener{fn: fn}

	o.subMut.Lock()
	o.listenersMut.Lock()
	if o.listeners == nil {
		o.listeners = map[string][]*listener{}
	}
	o.listeners[event] = append(o.listeners[event], l)
	first := len(o.listeners[event]) == 1
	o.listenersMut.Unlock()
	if first {
		o.updateSubscription(event, true)
	}
	o.subMut.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.off(event, l) })
	}
}

func (o *Owner) off(event string, l *listener) {
	o.subMut.Lock()
	defer o.subMut.Unlock()

	o.listenersMut.Lock()
	ls := o.listeners[event]
	found := false
	for i, existing := range ls {
		if existing == l {
			ls = append(ls[:i], ls[i+1:]...)
			found = true
			break
		}
	}
	last := found && len(ls) == 0
	if len(ls) == 0 {
		delete(o.listeners, event)
	} else {
		o.listeners[event] = ls
	}
	o.listenersMut.Unlock()

	if last {
		o.updateSubscription(event, false)
	}
}

// ListenerCount returns the number of listeners registered for event.
func (o *Owner) ListenerCount(event string) int {
	o.listenersMut.Lock()
	defer o.listenersMut.Unlock()
	return len(o.listeners[event])
}

// Emit delivers params to every listener of event, in registration order.
func (o *Owner) Emit(event string, params json.RawMessage) {
	o.listenersMut.Lock()
	ls := append([]*listener(nil), o.listeners[event]...)
	o.listenersMut.Unlock()
	for _, l := range ls {
		l.fn(params)
	}
}

func (o *Owner) updateSubscription(event string, enabled bool) {
	if !o.kind.subscribable(event) || o.Disposed() {
		return
	}
	o.conn.notify(o, methodUpdateSubscription, subscriptionParams{Event: event, Enabled: enabled})
}
