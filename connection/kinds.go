package connection

import "encoding/json"

// Handler receives the events the engine sends to one object.
// It runs on the connection's read goroutine and must not block on calls to the same connection.
type Handler interface {
	HandleEvent(method string, params json.RawMessage) error
}

// Disposer is implemented by handlers that want to know when their object is disposed.
type Disposer interface {
	OnDispose(reason DisposeReason)
}

// Kind describes how to build the local proxy for one engine type tag.
type Kind struct {
	// New builds the handler for a freshly created object. It must not call back into the connection.
	// When New is nil, or returns a nil Handler, events are emitted to the object's listeners as-is.
	New func(o *Owner) (Handler, error)

	// Subscriptions lists the events the engine only sends after an explicit updateSubscription call.
	Subscriptions []string
}

func (k Kind) subscribable(event string) bool {
	for _, e := range k.Subscriptions {
		if e == event {
			return true
		}
	}
	return false
}

// Registry maps engine type tags to kinds.
type Registry map[string]Kind

// DisposeReason records why an object was disposed.
type DisposeReason string

const (
	// DisposeReasonClosed is an explicit close, by the engine or by the client.
	DisposeReasonClosed DisposeReason = ""
	// DisposeReasonGC means the engine collected the object to bound its memory.
	DisposeReasonGC DisposeReason = "gc"
)

// RootType is the type tag of the synthetic root and of entry objects that the engine did not announce.
const RootType = "Root"
