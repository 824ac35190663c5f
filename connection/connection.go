package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/enginewire/internal/debuglog"
	"github.com/guseggert/enginewire/transport"
	"go.uber.org/zap"
)

// Connection correlates calls with responses and mirrors the engine's object tree.
type Connection struct {
	log       *zap.SugaredLogger
	protoLog  *zap.SugaredLogger
	engineLog *zap.SugaredLogger

	transport   transport.Transport
	writer      transport.SerialWriter
	kinds       Registry
	fallback    *Kind
	sdkLanguage string
	now         func() time.Time

	lastID atomic.Int64

	mu       sync.Mutex
	root     *Owner
	entry    *Owner
	objects  map[string]*Owner
	skipped  map[string]string // guid of an ignored object -> guid of its parent
	pending  map[int64]*pendingCall
	closeErr error

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(c *Connection)

// WithLogger sets the base logger. Debug output of each component is gated by the DEBUG environment variable.
func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) {
		c.setLogger(l)
	}
}

// WithKinds sets the proxy kinds, keyed by engine type tag.
func WithKinds(r Registry) Option {
	return func(c *Connection) {
		c.kinds = r
	}
}

// WithFallbackKind makes objects of unknown type get a proxy built from k instead of being skipped.
func WithFallbackKind(k Kind) Option {
	return func(c *Connection) {
		c.fallback = &k
	}
}

func WithSDKLanguage(lang string) Option {
	return func(c *Connection) {
		c.sdkLanguage = lang
	}
}

func New(t transport.Transport, opts ...Option) *Connection {
	c := &Connection{
		transport:   t,
		kinds:       Registry{},
		sdkLanguage: "go",
		now:         time.Now,
		objects:     map[string]*Owner{},
		skipped:     map[string]string{},
		pending:     map[int64]*pendingCall{},
		closed:      make(chan struct{}),
	}
	c.root = newOwner(c, RootType, "", nil, Kind{})
	c.setLogger(zap.NewNop())
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Connection) setLogger(l *zap.Logger) {
	c.log = debuglog.Named(l, "connection")
	c.protoLog = debuglog.Named(l, "protocol")
	c.engineLog = debuglog.Named(l, "engine")
}

// Start begins reading from the transport.
func (c *Connection) Start() error {
	return c.transport.Start(transport.Listener{
		OnFrame: c.Dispatch,
		OnClose: func(reason error) { c.close(reason) },
		OnLog:   func(text string) { c.engineLog.Debug(text) },
	})
}

// Initialize performs the handshake and returns the engine's entry object.
func (c *Connection) Initialize(ctx context.Context) (*Owner, error) {
	var entry *Owner
	err := WrapAPICall(ctx, methodInitialize, true, func(ctx context.Context) error {
		var res initializeResult
		err := c.CallInto(ctx, nil, methodInitialize, initializeParams{SDKLanguage: c.sdkLanguage}, &res)
		if err != nil {
			return err
		}
		if res.Root.GUID == "" {
			return errors.New("initialize result has no root object")
		}
		entry = c.registerEntry(res.Root.GUID)
		return nil
	})
	return entry, err
}

// registerEntry returns the entry object, registering a generic one under the synthetic root
// if the engine did not announce it.
func (c *Connection) registerEntry(guid string) *Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.objects[guid]
	if o == nil {
		o = newOwner(c, RootType, guid, nil, Kind{})
		c.registerLocked(o, c.root)
	}
	c.entry = o
	return o
}

// Root returns the synthetic root, the parent of every top-level object.
func (c *Connection) Root() *Owner { return c.root }

// Entry returns the object returned by Initialize, or nil before the handshake completes.
func (c *Connection) Entry() *Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry
}

// Lookup returns the live object with guid, or nil. The empty guid is the synthetic root.
func (c *Connection) Lookup(guid string) *Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(guid)
}

// registerLocked inserts o into the object table as the last child of parent.
func (c *Connection) registerLocked(o, parent *Owner) {
	o.parent = parent
	parent.children = append(parent.children, o)
	c.objects[o.guid] = o
}

// unregisterLocked drops o from the object table, keeping its place in the tree.
func (c *Connection) unregisterLocked(o *Owner) {
	if c.objects[o.guid] == o {
		delete(c.objects, o.guid)
	}
}

func (c *Connection) lookupLocked(guid string) *Owner {
	if guid == "" {
		return c.root
	}
	return c.objects[guid]
}

// ResolveRef returns the object a {guid} reference in a result points to.
func (c *Connection) ResolveRef(ref Ref) (*Owner, error) {
	o := c.Lookup(ref.GUID)
	if o == nil {
		return nil, fmt.Errorf("resolving reference: no object with guid %q", ref.GUID)
	}
	return o, nil
}

func (c *Connection) ResolveRefs(refs []Ref) ([]*Owner, error) {
	owners := make([]*Owner, 0, len(refs))
	for _, ref := range refs {
		o, err := c.ResolveRef(ref)
		if err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, nil
}

// Call sends method to target (nil for the synthetic root) and waits for the response.
//
// If ctx carries a zone its metadata is attached unchanged; otherwise the call is its own zone, titled method.
// Cancelling ctx stops the wait but does not cancel the call in the engine, whose response is then discarded.
func (c *Connection) Call(ctx context.Context, target *Owner, method string, params interface{}) (json.RawMessage, error) {
	if z := ZoneFrom(ctx); z != nil {
		return c.call(ctx, z, target, method, params)
	}
	z := captureZone(method, false, 3)
	res, err := c.call(ctx, z, target, method, params)
	return res, z.wrap(err)
}

// CallInto is Call followed by decoding a non-null result into out.
func (c *Connection) CallInto(ctx context.Context, target *Owner, method string, params, out interface{}) error {
	res, err := c.Call(ctx, target, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(res) == 0 || string(res) == "null" {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("decoding result of %s: %w", method, err)
	}
	return nil
}

// CallObject calls method and resolves the reference found under key in its result.
func (c *Connection) CallObject(ctx context.Context, target *Owner, method string, params interface{}, key string) (*Owner, error) {
	var res map[string]Ref
	if err := c.CallInto(ctx, target, method, params, &res); err != nil {
		return nil, err
	}
	ref, ok := res[key]
	if !ok {
		return nil, fmt.Errorf("result of %s has no %q reference", method, key)
	}
	return c.ResolveRef(ref)
}

func (c *Connection) call(ctx context.Context, z *Zone, target *Owner, method string, params interface{}) (json.RawMessage, error) {
	p, err := c.send(z, target, method, params)
	if err != nil {
		return nil, err
	}
	return p.wait(ctx)
}

// send registers a slot and writes the request. The returned slot resolves exactly once.
func (c *Connection) send(z *Zone, target *Owner, method string, params interface{}) (*pendingCall, error) {
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params of %s: %w", method, err)
	}
	guid := ""
	if target != nil {
		guid = target.guid
	}

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	if target != nil && target.disposed {
		err := releasedError(target, method)
		c.mu.Unlock()
		return nil, err
	}
	id := c.lastID.Add(1)
	p := &pendingCall{id: id, method: method, done: make(chan callResult, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	body, err := json.Marshal(request{
		ID:       id,
		GUID:     guid,
		Method:   method,
		Params:   rawParams,
		Metadata: z.metadata(c.now().UnixMilli()),
	})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("encoding request %s: %w", method, err)
	}

	err = c.writer.Enqueue(func() error {
		c.protoLog.Debugf("SEND ► %s", body)
		return c.transport.Send(body)
	})
	if err != nil && c.forget(id) {
		c.log.Debugw("send failed", "ID", id, "Method", method, "Error", err)
		return nil, targetClosed(err)
	}
	// if the slot is already gone, close has resolved it with the terminal error
	return p, nil
}

func releasedError(target *Owner, method string) error {
	if target.reason == DisposeReasonGC {
		return fmt.Errorf("%w: %s was collected by the engine to bound its memory, %s cannot be called on it", ErrReleased, target.guid, method)
	}
	return fmt.Errorf("%w: %s was disposed, %s cannot be called on it", ErrReleased, target.guid, method)
}

func encodeParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return json.RawMessage("{}"), nil
	}
	return b, nil
}

// forget removes a slot without resolving it, reporting whether it was still registered.
func (c *Connection) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

// notify sends a call whose result nobody waits for. Failures are logged.
func (c *Connection) notify(target *Owner, method string, params interface{}) {
	z := &Zone{ID: uuid.NewString(), Title: method, Internal: true}
	p, err := c.send(z, target, method, params)
	if err != nil {
		c.log.Debugw("notification failed", "GUID", target.guid, "Method", method, "Error", err)
		return
	}
	go func() {
		if _, err := p.wait(context.Background()); err != nil {
			c.log.Debugw("notification failed", "GUID", target.guid, "Method", method, "Error", err)
		}
	}()
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is resolved by whoever removes it from the pending table.
type pendingCall struct {
	id     int64
	method string
	done   chan callResult
}

func (p *pendingCall) resolve(result json.RawMessage, err error) {
	p.done <- callResult{result: result, err: err}
}

func (p *pendingCall) wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-p.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch handles one inbound frame. A frame that contradicts the local state closes the connection.
func (c *Connection) Dispatch(frame []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.protoLog.Debugf("◀ RECV %s", frame)
	if err := c.dispatch(frame); err != nil {
		c.log.Debugw("closing connection after dispatch failure", "Error", err)
		c.close(err)
	}
}

func (c *Connection) dispatch(frame []byte) error {
	var msg message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return protocolErrorf("decoding frame: %s", err)
	}
	if msg.ID != nil {
		return c.handleResponse(*msg.ID, &msg)
	}
	switch msg.Method {
	case methodCreate:
		var p createParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return protocolErrorf("decoding %s params: %s", methodCreate, err)
		}
		return c.handleCreate(msg.GUID, p)
	case methodAdopt:
		var p adoptParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return protocolErrorf("decoding %s params: %s", methodAdopt, err)
		}
		return c.handleAdopt(msg.GUID, p.GUID)
	case methodDispose:
		var p disposeParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				return protocolErrorf("decoding %s params: %s", methodDispose, err)
			}
		}
		c.handleDispose(msg.GUID, p.Reason)
		return nil
	default:
		return c.handleEvent(msg.GUID, msg.Method, msg.Params)
	}
}

func (c *Connection) handleResponse(id int64, msg *message) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return protocolErrorf("response to unknown call id %d", id)
	}
	if msg.Error != nil {
		p.resolve(nil, parseError(msg.Error, msg.Log))
		return nil
	}
	p.resolve(msg.Result, nil)
	return nil
}

func (c *Connection) handleCreate(parentGUID string, p createParams) error {
	if p.GUID == "" {
		return protocolErrorf("%s without a guid", methodCreate)
	}

	c.mu.Lock()
	_, parentSkipped := c.skipped[parentGUID]
	if parentSkipped {
		c.skipped[p.GUID] = parentGUID
	}
	c.mu.Unlock()
	if parentSkipped {
		return nil
	}

	kind, ok := c.kinds[p.Type]
	if !ok {
		if c.fallback == nil {
			c.log.Warnw("ignoring object of unknown type", "Type", p.Type, "GUID", p.GUID)
			c.mu.Lock()
			c.skipped[p.GUID] = parentGUID
			c.mu.Unlock()
			return nil
		}
		kind = *c.fallback
	}

	o := newOwner(c, p.Type, p.GUID, p.Initializer, kind)
	if kind.New != nil {
		h, err := kind.New(o)
		if err != nil {
			return fmt.Errorf("building %s %s: %w", p.Type, p.GUID, err)
		}
		o.handler = h
	}

	c.mu.Lock()
	parent := c.lookupLocked(parentGUID)
	if parent == nil {
		c.mu.Unlock()
		return protocolErrorf("cannot find parent %q of %s", parentGUID, p.GUID)
	}
	if _, dup := c.objects[p.GUID]; dup {
		c.mu.Unlock()
		return protocolErrorf("duplicate guid %s", p.GUID)
	}
	c.registerLocked(o, parent)
	var disposed []*Owner
	if parent.disposed {
		disposed = c.disposeLocked(o, parent.reason, false, nil)
	}
	c.mu.Unlock()

	c.log.Debugw("created object", "GUID", p.GUID, "Type", p.Type, "Parent", parentGUID)
	c.notifyDisposed(disposed)
	return nil
}

func (c *Connection) handleAdopt(parentGUID, childGUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	child := c.objects[childGUID]
	if child == nil {
		if _, ok := c.skipped[childGUID]; ok {
			c.skipped[childGUID] = parentGUID
			return nil
		}
		return protocolErrorf("cannot find object %q to adopt", childGUID)
	}
	parent := c.lookupLocked(parentGUID)
	if parent == nil {
		return protocolErrorf("cannot find new parent %q of %s", parentGUID, childGUID)
	}
	for a := parent; a != nil; a = a.parent {
		if a == child {
			return protocolErrorf("adopting %s into %s would create a cycle", childGUID, parentGUID)
		}
	}
	child.parent.removeChild(child)
	parent.children = append(parent.children, child)
	child.parent = parent
	return nil
}

func (c *Connection) handleDispose(guid string, reason DisposeReason) {
	c.mu.Lock()
	if _, ok := c.skipped[guid]; ok {
		delete(c.skipped, guid)
		c.purgeSkippedLocked()
		c.mu.Unlock()
		return
	}
	o := c.objects[guid]
	if o == nil {
		c.mu.Unlock()
		c.log.Debugw("ignoring dispose of unknown object", "GUID", guid)
		return
	}
	disposed := c.disposeLocked(o, reason, true, nil)
	c.purgeSkippedLocked()
	c.mu.Unlock()

	c.log.Debugw("disposed object", "GUID", guid, "Reason", reason, "Count", len(disposed))
	c.notifyDisposed(disposed)
}

// purgeSkippedLocked forgets ignored objects whose nearest tracked ancestor is gone from the object table.
func (c *Connection) purgeSkippedLocked() {
	if len(c.skipped) == 0 {
		return
	}
	var stale []string
	for guid := range c.skipped {
		if !c.skippedAttachedLocked(guid) {
			stale = append(stale, guid)
		}
	}
	for _, guid := range stale {
		delete(c.skipped, guid)
	}
}

func (c *Connection) skippedAttachedLocked(guid string) bool {
	parent := c.skipped[guid]
	for steps := 0; steps <= len(c.skipped); steps++ {
		next, ok := c.skipped[parent]
		if !ok {
			return c.lookupLocked(parent) != nil
		}
		parent = next
	}
	return false
}

func (c *Connection) handleEvent(guid, method string, params json.RawMessage) error {
	c.mu.Lock()
	o := c.lookupLocked(guid)
	_, skipped := c.skipped[guid]
	disposed := o != nil && o.disposed
	c.mu.Unlock()

	switch {
	case o == nil && skipped:
		return nil
	case o == nil:
		return protocolErrorf("cannot find object %q to dispatch %s", guid, method)
	case disposed:
		c.log.Debugw("dropping event for disposed object", "GUID", guid, "Method", method)
		return nil
	case o.handler != nil:
		if err := o.handler.HandleEvent(method, params); err != nil {
			return fmt.Errorf("handling %s on %s: %w", method, guid, err)
		}
		return nil
	default:
		o.Emit(method, params)
		return nil
	}
}

func (c *Connection) dispose(o *Owner, reason DisposeReason, remove bool) {
	if o == c.root {
		return
	}
	c.mu.Lock()
	disposed := c.disposeLocked(o, reason, remove, nil)
	c.mu.Unlock()
	c.notifyDisposed(disposed)
}

// disposeLocked marks o and its subtree disposed, children first, appending newly disposed objects to out.
// With remove it also drops the subtree from the object table and detaches o from its parent.
func (c *Connection) disposeLocked(o *Owner, reason DisposeReason, remove bool, out []*Owner) []*Owner {
	if remove && o.parent != nil {
		o.parent.removeChild(o)
	}
	return c.disposeTreeLocked(o, reason, remove, out)
}

func (c *Connection) disposeTreeLocked(o *Owner, reason DisposeReason, remove bool, out []*Owner) []*Owner {
	for _, child := range o.children {
		out = c.disposeTreeLocked(child, reason, remove, out)
	}
	if remove {
		o.children = nil
		c.unregisterLocked(o)
	}
	if !o.disposed {
		o.disposed = true
		o.reason = reason
		close(o.done)
		out = append(out, o)
	}
	return out
}

func (c *Connection) notifyDisposed(owners []*Owner) {
	for _, o := range owners {
		if d, ok := o.handler.(Disposer); ok {
			d.OnDispose(o.reason)
		}
	}
}

// Close closes the connection and its transport. Pending and future calls fail with a target-closed error.
func (c *Connection) Close() error {
	return c.close(nil)
}

func (c *Connection) close(cause error) error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		termErr := targetClosed(cause)

		c.mu.Lock()
		c.closeErr = termErr
		pending := c.pending
		c.pending = map[int64]*pendingCall{}
		c.mu.Unlock()

		close(c.closed)
		for _, p := range pending {
			p.resolve(nil, termErr)
		}
		c.log.Debugw("connection closed", "Cause", cause, "Pending", len(pending))
	})
	if !first {
		return nil
	}
	return c.transport.Close(cause)
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal error, or nil while the connection is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
