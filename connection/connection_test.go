package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/enginewire/internal/enginetest"
	"github.com/guseggert/enginewire/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var logger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	logger = l
}

func setup(t *testing.T, opts ...Option) (*Connection, *enginetest.Engine) {
	t.Helper()
	e, tr, err := enginetest.Pipe(logger.Sugar())
	require.NoError(t, err)
	c := New(tr, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, c.Start())
	t.Cleanup(func() {
		c.Close()
		e.Close()
	})
	return c, e
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// flush makes a round trip, so every frame the engine sent before it has been dispatched.
func flush(t *testing.T, c *Connection) {
	t.Helper()
	_, err := c.Call(testCtx(t), nil, "echo", nil)
	require.NoError(t, err)
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close")
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	events   []string
	disposed []DisposeReason
}

func (h *recordingHandler) HandleEvent(method string, params json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, method+" "+string(params))
	return nil
}

func (h *recordingHandler) OnDispose(reason DisposeReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposed = append(h.disposed, reason)
}

func (h *recordingHandler) snapshot() ([]string, []DisposeReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...), append([]DisposeReason(nil), h.disposed...)
}

func recordingKind() Kind {
	return Kind{New: func(o *Owner) (Handler, error) { return &recordingHandler{}, nil }}
}

var testKinds = Registry{
	"BrowserContext": {},
	"Page":           {New: recordingKind().New, Subscriptions: []string{"request"}},
	"Frame":          {},
}

func TestInitialize(t *testing.T) {
	t.Run("unannounced entry", func(t *testing.T) {
		c, e := setup(t)

		entry, err := c.Initialize(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, "root@1", entry.GUID())
		assert.Equal(t, RootType, entry.Type())
		assert.Same(t, c.Root(), entry.Parent())
		assert.Same(t, entry, c.Entry())
		assert.Same(t, entry, c.Lookup("root@1"))

		reqs := e.RequestsFor("initialize")
		require.Len(t, reqs, 1)
		assert.Equal(t, "", reqs[0].GUID)
		assert.JSONEq(t, `{"sdkLanguage":"go"}`, string(reqs[0].Params))
		assert.True(t, reqs[0].Metadata.Internal)
		assert.Equal(t, "initialize", reqs[0].Metadata.Title)
	})

	t.Run("announced entry", func(t *testing.T) {
		c, e := setup(t, WithKinds(Registry{"Playwright": {}}), WithSDKLanguage("golang"))
		e.Handle("initialize", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
			if err := e.Create("", "Playwright", "Playwright", map[string]string{"version": "1"}); err != nil {
				return nil, err
			}
			return map[string]interface{}{"root": map[string]string{"guid": "Playwright"}}, nil
		})

		entry, err := c.Initialize(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, "Playwright", entry.Type())
		assert.JSONEq(t, `{"version":"1"}`, string(entry.Initializer()))
		assert.JSONEq(t, `{"sdkLanguage":"golang"}`, string(e.RequestsFor("initialize")[0].Params))
	})

	t.Run("missing root", func(t *testing.T) {
		c, e := setup(t)
		e.Handle("initialize", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
			return map[string]interface{}{}, nil
		})
		_, err := c.Initialize(testCtx(t))
		assert.ErrorContains(t, err, "initialize: initialize result has no root object")
	})
}

func TestCallErrors(t *testing.T) {
	cases := []struct {
		name      string
		reply     *enginetest.WireError
		is        error
		expectMsg string
	}{
		{
			name:      "timeout with call log",
			reply:     &enginetest.WireError{Name: "TimeoutError", Message: "Timeout 30000ms exceeded.", Log: []string{"navigating to \"https://example.com\"", "waiting for load"}},
			is:        ErrTimeout,
			expectMsg: "Timeout 30000ms exceeded.\nCall log:\n  - navigating to \"https://example.com\"\n  - waiting for load",
		},
		{
			name:      "target closed",
			reply:     &enginetest.WireError{Name: "TargetClosedError", Message: "Target page, context or browser has been closed"},
			is:        ErrTargetClosed,
			expectMsg: "Target page, context or browser has been closed",
		},
		{
			name:      "generic",
			reply:     &enginetest.WireError{Name: "Error", Message: "strict mode violation", Stack: "Error: strict mode violation\n    at x"},
			expectMsg: "strict mode violation",
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			conn, e := setup(t)
			e.Handle("goto", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
				return nil, c.reply
			})

			_, err := conn.Call(testCtx(t), nil, "goto", map[string]string{"url": "https://example.com"})
			require.Error(t, err)

			var engineErr *Error
			require.ErrorAs(t, err, &engineErr)
			assert.Equal(t, c.reply.Name, engineErr.Name)
			assert.Equal(t, c.expectMsg, engineErr.Message)
			assert.Equal(t, c.reply.Stack, engineErr.Stack)
			assert.Equal(t, c.reply.Log, engineErr.Log)
			if c.is != nil {
				assert.ErrorIs(t, err, c.is)
			}
			assert.NotErrorIs(t, err, ErrProtocol)

			var callErr *CallError
			require.ErrorAs(t, err, &callErr)
			assert.Equal(t, "goto", callErr.Title)
			assert.True(t, strings.HasPrefix(err.Error(), "goto: "+c.expectMsg))

			// the connection survives remote failures
			flush(t, conn)
		})
	}
}

func TestCallErrorRawValue(t *testing.T) {
	c, e := setup(t)
	e.Handle("evaluate", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		if err := e.ReplyValue(req.ID, map[string]int{"thrown": 42}); err != nil {
			return nil, err
		}
		return nil, enginetest.ErrNoReply
	})

	_, err := c.Call(testCtx(t), nil, "evaluate", nil)
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	assert.JSONEq(t, `{"thrown":42}`, string(engineErr.Value))
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestCallResult(t *testing.T) {
	c, e := setup(t)
	e.Handle("title", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		return map[string]string{"value": "Example Domain"}, nil
	})

	var res struct {
		Value string `json:"value"`
	}
	require.NoError(t, c.CallInto(testCtx(t), nil, "title", nil, &res))
	assert.Equal(t, "Example Domain", res.Value)

	raw, err := c.Call(testCtx(t), nil, "echo", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	reqs := e.RequestsFor("echo")
	require.Len(t, reqs, 1)
	assert.Equal(t, "echo", reqs[0].Metadata.Title)
	assert.False(t, reqs[0].Metadata.Internal)
	assert.NotZero(t, reqs[0].Metadata.WallTime)
	require.NotNil(t, reqs[0].Metadata.Location)
	assert.True(t, strings.HasSuffix(reqs[0].Metadata.Location.File, "connection_test.go"))

	// nil params go out as an empty object
	assert.JSONEq(t, `{}`, string(e.RequestsFor("title")[0].Params))
}

func TestCallObject(t *testing.T) {
	c, e := setup(t, WithKinds(testKinds))
	e.Handle("newPage", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		guid := e.NewGUID("page")
		if err := e.Create("", "Page", guid, nil); err != nil {
			return nil, err
		}
		return map[string]interface{}{"page": map[string]string{"guid": guid}}, nil
	})

	page, err := c.CallObject(testCtx(t), nil, "newPage", nil, "page")
	require.NoError(t, err)
	assert.Equal(t, "page@1", page.GUID())

	// proxies marshal as references
	_, err = c.Call(testCtx(t), nil, "echo", map[string]interface{}{"page": page})
	require.NoError(t, err)
	assert.JSONEq(t, `{"page":{"guid":"page@1"}}`, string(e.RequestsFor("echo")[0].Params))

	_, err = c.CallObject(testCtx(t), nil, "echo", map[string]interface{}{}, "page")
	assert.ErrorContains(t, err, `no "page" reference`)

	_, err = c.ResolveRefs([]Ref{{GUID: "page@1"}, {GUID: "page@9"}})
	assert.ErrorContains(t, err, "page@9")
}

func TestDisposeCascade(t *testing.T) {
	c, e := setup(t, WithKinds(testKinds))

	require.NoError(t, e.Create("", "BrowserContext", "context@1", nil))
	require.NoError(t, e.Create("context@1", "Page", "page@2", nil))
	require.NoError(t, e.Create("page@2", "Frame", "frame@3", nil))
	flush(t, c)

	ctxObj := c.Lookup("context@1")
	page := c.Lookup("page@2")
	frame := c.Lookup("frame@3")
	require.NotNil(t, ctxObj)
	require.NotNil(t, page)
	require.NotNil(t, frame)
	assert.Same(t, ctxObj, page.Parent())
	assert.Same(t, page, frame.Parent())
	assert.Equal(t, []*Owner{ctxObj}, c.Root().Children())

	require.NoError(t, e.Dispose("context@1", ""))
	flush(t, c)

	assert.Nil(t, c.Lookup("context@1"))
	assert.Nil(t, c.Lookup("page@2"))
	assert.Nil(t, c.Lookup("frame@3"))
	assert.Empty(t, c.Root().Children())
	for _, o := range []*Owner{ctxObj, page, frame} {
		assert.True(t, o.Disposed())
		assert.Equal(t, DisposeReasonClosed, o.DisposeReason())
		select {
		case <-o.Done():
		default:
			t.Errorf("%s: done not closed", o.GUID())
		}
	}
	_, disposed := page.Handler().(*recordingHandler).snapshot()
	assert.Equal(t, []DisposeReason{DisposeReasonClosed}, disposed)

	// calls on released objects fail locally
	before := len(e.Requests())
	_, err := page.Call(testCtx(t), "title", nil)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorContains(t, err, "page@2 was disposed")
	assert.Len(t, e.Requests(), before)

	// a second dispose of the same guid is ignored
	require.NoError(t, e.Dispose("context@1", ""))
	flush(t, c)
	assert.NoError(t, c.Err())
}

func TestDisposeGC(t *testing.T) {
	c, e := setup(t, WithKinds(testKinds))
	require.NoError(t, e.Create("", "Page", "page@1", nil))
	flush(t, c)
	page := c.Lookup("page@1")

	require.NoError(t, e.Dispose("page@1", "gc"))
	flush(t, c)

	assert.Equal(t, DisposeReasonGC, page.DisposeReason())
	_, err := page.Call(testCtx(t), "title", nil)
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorContains(t, err, "collected by the engine")
}

func TestLocalDispose(t *testing.T) {
	c, e := setup(t, WithKinds(testKinds))
	require.NoError(t, e.Create("", "BrowserContext", "context@1", nil))
	require.NoError(t, e.Create("context@1", "Page", "page@1", nil))
	flush(t, c)
	ctxObj := c.Lookup("context@1")
	page := c.Lookup("page@1")

	ctxObj.Dispose(DisposeReasonClosed)
	ctxObj.Dispose(DisposeReasonGC)
	assert.True(t, page.Disposed())
	assert.Equal(t, DisposeReasonClosed, ctxObj.DisposeReason())

	_, err := page.Call(testCtx(t), "title", nil)
	assert.ErrorIs(t, err, ErrReleased)

	// events racing with the engine's own dispose are dropped
	require.NoError(t, e.Emit("page@1", "console", map[string]string{"text": "hi"}))
	flush(t, c)
	events, disposed := page.Handler().(*recordingHandler).snapshot()
	assert.Empty(t, events)
	assert.Equal(t, []DisposeReason{DisposeReasonClosed}, disposed)

	require.NoError(t, e.Dispose("context@1", ""))
	flush(t, c)
	assert.Nil(t, c.Lookup("page@1"))
	_, disposed = page.Handler().(*recordingHandler).snapshot()
	assert.Len(t, disposed, 1)
	assert.NoError(t, c.Err())
}

func TestAdopt(t *testing.T) {
	c, e := setup(t, WithKinds(testKinds))
	require.NoError(t, e.Create("", "BrowserContext", "context@1", nil))
	require.NoError(t, e.Create("", "BrowserContext", "context@2", nil))
	require.NoError(t, e.Create("context@1", "Page", "page@1", nil))
	require.NoError(t, e.Adopt("context@2", "page@1"))
	flush(t, c)

	page := c.Lookup("page@1")
	assert.Equal(t, "context@2", page.Parent().GUID())
	assert.Empty(t, c.Lookup("context@1").Children())
	assert.Equal(t, []*Owner{page}, c.Lookup("context@2").Children())

	require.NoError(t, e.Dispose("context@1", ""))
	flush(t, c)
	assert.False(t, page.Disposed())
}

func skippedGUIDs(c *Connection) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	guids := []string{}
	for guid := range c.skipped {
		guids = append(guids, guid)
	}
	return guids
}

// treeModel tracks the parent of every live object, as the engine sees it.
type treeModel map[string]string

func (m treeModel) guids() []string {
	guids := make([]string, 0, len(m))
	for guid := range m {
		guids = append(guids, guid)
	}
	sort.Strings(guids)
	return guids
}

func (m treeModel) pick(r *rand.Rand, withRoot bool) string {
	guids := m.guids()
	if withRoot {
		guids = append(guids, "")
	}
	if len(guids) == 0 {
		return ""
	}
	return guids[r.Intn(len(guids))]
}

func (m treeModel) isAncestor(ancestor, guid string) bool {
	for g := guid; g != ""; g = m[g] {
		if g == ancestor {
			return true
		}
	}
	return false
}

func (m treeModel) remove(guid string) {
	var doomed []string
	for _, g := range m.guids() {
		if m.isAncestor(guid, g) {
			doomed = append(doomed, g)
		}
	}
	for _, g := range doomed {
		delete(m, g)
	}
}

func TestRandomTreeMutations(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			c, e := setup(t, WithKinds(testKinds))
			r := rand.New(rand.NewSource(seed))
			model := treeModel{}

			for i := 0; i < 200; i++ {
				switch op := r.Intn(10); {
				case op < 5 || len(model) == 0:
					parent := model.pick(r, true)
					guid := e.NewGUID("frame")
					require.NoError(t, e.Create(parent, "Frame", guid, nil))
					model[guid] = parent
				case op < 8:
					child := model.pick(r, false)
					parent := model.pick(r, true)
					if parent != "" && model.isAncestor(child, parent) {
						continue
					}
					require.NoError(t, e.Adopt(parent, child))
					model[child] = parent
				default:
					guid := model.pick(r, false)
					require.NoError(t, e.Dispose(guid, ""))
					model.remove(guid)
				}
			}
			flush(t, c)
			require.NoError(t, c.Err())

			c.mu.Lock()
			defer c.mu.Unlock()
			live := make([]string, 0, len(c.objects))
			for guid, o := range c.objects {
				live = append(live, guid)
				require.NotNil(t, o.parent, guid)
				assert.Equal(t, model[guid], o.parent.guid, guid)
				if o.parent != c.root {
					assert.Same(t, o.parent, c.objects[o.parent.guid], guid)
				}
				seen := 0
				for _, sibling := range o.parent.children {
					if sibling == o {
						seen++
					}
				}
				assert.Equal(t, 1, seen, guid)
				for _, child := range o.children {
					assert.Same(t, child, c.objects[child.guid], guid)
				}
			}
			for _, child := range c.root.children {
				assert.Same(t, child, c.objects[child.guid])
			}
			assert.ElementsMatch(t, model.guids(), live)
		})
	}
}

func TestEvents(t *testing.T) {
	c, e := setup(t, WithKinds(testKinds))
	require.NoError(t, e.Create("", "Page", "page@1", nil))
	require.NoError(t, e.Create("", "BrowserContext", "context@1", nil))
	require.NoError(t, e.Emit("page@1", "console", map[string]string{"text": "hi"}))
	flush(t, c)

	events, _ := c.Lookup("page@1").Handler().(*recordingHandler).snapshot()
	assert.Equal(t, []string{`console {"text":"hi"}`}, events)

	// objects without a typed handler emit to listeners
	var got []string
	var mu sync.Mutex
	off := c.Lookup("context@1").On("close", func(params json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(params))
	})
	require.NoError(t, e.Emit("context@1", "close", map[string]int{"n": 1}))
	flush(t, c)
	off()
	require.NoError(t, e.Emit("context@1", "close", map[string]int{"n": 2}))
	flush(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"n":1}`}, got)
}

func TestSubscriptions(t *testing.T) {
	ctx := testCtx(t)
	c, e := setup(t, WithKinds(Registry{"Page": {Subscriptions: []string{"request"}}}))
	require.NoError(t, e.Create("", "Page", "page@1", nil))
	flush(t, c)
	page := c.Lookup("page@1")

	var mu sync.Mutex
	calls := map[string]int{}
	listen := func(name string) func() {
		return page.On("request", func(json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			calls[name]++
		})
	}
	off1 := listen("a")
	off2 := listen("b")
	assert.Equal(t, 2, page.ListenerCount("request"))

	req, err := e.WaitForRequest(ctx, "updateSubscription", 1)
	require.NoError(t, err)
	assert.Equal(t, "page@1", req.GUID)
	assert.JSONEq(t, `{"event":"request","enabled":true}`, string(req.Params))
	assert.True(t, req.Metadata.Internal)

	require.NoError(t, e.Emit("page@1", "request", map[string]string{"url": "/"}))
	flush(t, c)
	mu.Lock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, calls)
	mu.Unlock()

	off1()
	off1()
	flush(t, c)
	assert.Len(t, e.RequestsFor("updateSubscription"), 1)

	off2()
	req, err = e.WaitForRequest(ctx, "updateSubscription", 2)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"request","enabled":false}`, string(req.Params))

	// events outside the kind's subscriptions are always sent, so no request is needed
	page.On("console", func(json.RawMessage) {})
	flush(t, c)
	assert.Len(t, e.RequestsFor("updateSubscription"), 2)
}

func TestUnknownTypes(t *testing.T) {
	t.Run("skipped", func(t *testing.T) {
		c, e := setup(t, WithKinds(testKinds))
		require.NoError(t, e.Create("", "Mystery", "mystery@1", nil))
		require.NoError(t, e.Create("mystery@1", "Page", "page@1", nil))
		require.NoError(t, e.Emit("mystery@1", "changed", nil))
		require.NoError(t, e.Emit("page@1", "console", nil))
		require.NoError(t, e.Adopt("", "page@1"))
		require.NoError(t, e.Dispose("mystery@1", ""))
		flush(t, c)

		assert.Nil(t, c.Lookup("mystery@1"))
		assert.Nil(t, c.Lookup("page@1"))
		assert.NoError(t, c.Err())
	})

	t.Run("forgotten with their ancestors", func(t *testing.T) {
		c, e := setup(t, WithKinds(testKinds))
		require.NoError(t, e.Create("", "BrowserContext", "context@1", nil))
		require.NoError(t, e.Create("context@1", "Mystery", "mystery@1", nil))
		require.NoError(t, e.Create("mystery@1", "Mystery", "mystery@2", nil))
		require.NoError(t, e.Create("", "Mystery", "mystery@3", nil))
		require.NoError(t, e.Create("mystery@3", "Mystery", "mystery@4", nil))
		require.NoError(t, e.Create("mystery@3", "Mystery", "mystery@5", nil))
		require.NoError(t, e.Adopt("", "mystery@5"))
		require.NoError(t, e.Create("", "Mystery", "mystery@6", nil))
		flush(t, c)
		assert.Len(t, skippedGUIDs(c), 6)

		require.NoError(t, e.Dispose("context@1", ""))
		require.NoError(t, e.Dispose("mystery@3", ""))
		flush(t, c)

		assert.ElementsMatch(t, []string{"mystery@5", "mystery@6"}, skippedGUIDs(c))
		assert.NoError(t, c.Err())
	})

	t.Run("fallback", func(t *testing.T) {
		c, e := setup(t, WithKinds(testKinds), WithFallbackKind(Kind{}))
		require.NoError(t, e.Create("", "Mystery", "mystery@1", map[string]int{"x": 1}))
		flush(t, c)

		o := c.Lookup("mystery@1")
		require.NotNil(t, o)
		assert.Equal(t, "Mystery", o.Type())
	})
}

func TestProtocolViolationsAreFatal(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{name: "unknown response id", frame: `{"id":999,"result":{}}`},
		{name: "malformed frame", frame: `{"id":`},
		{name: "duplicate guid", frame: `{"guid":"","method":"__create__","params":{"type":"Page","guid":"page@1"}}`},
		{name: "unknown parent", frame: `{"guid":"context@9","method":"__create__","params":{"type":"Page","guid":"page@2"}}`},
		{name: "create without guid", frame: `{"guid":"","method":"__create__","params":{"type":"Page"}}`},
		{name: "event for unknown object", frame: `{"guid":"page@9","method":"console","params":{}}`},
		{name: "adopt unknown object", frame: `{"guid":"","method":"__adopt__","params":{"guid":"page@9"}}`},
		{name: "adopt cycle", frame: `{"guid":"frame@1","method":"__adopt__","params":{"guid":"page@1"}}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			conn, e := setup(t, WithKinds(testKinds))
			require.NoError(t, e.Create("", "Page", "page@1", nil))
			require.NoError(t, e.Create("page@1", "Frame", "frame@1", nil))
			flush(t, conn)

			e.Handle("hang", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
				return nil, enginetest.ErrNoReply
			})
			pending := make(chan error, 1)
			go func() {
				_, err := conn.Call(context.Background(), nil, "hang", nil)
				pending <- err
			}()
			_, err := e.WaitForRequest(testCtx(t), "hang", 1)
			require.NoError(t, err)

			require.NoError(t, e.SendRaw([]byte(c.frame)))
			waitClosed(t, conn)

			assert.ErrorIs(t, conn.Err(), ErrProtocol)
			assert.ErrorIs(t, conn.Err(), ErrTargetClosed)
			err = <-pending
			assert.ErrorIs(t, err, ErrTargetClosed)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestClose(t *testing.T) {
	c, e := setup(t)
	e.Handle("hang", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		return nil, enginetest.ErrNoReply
	})

	const n = 5
	group, groupCtx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		group.Go(func() error {
			_, err := c.Call(groupCtx, nil, "hang", nil)
			if !errors.Is(err, ErrTargetClosed) {
				return fmt.Errorf("expected target closed, got %v", err)
			}
			return nil
		})
	}
	_, err := e.WaitForRequest(testCtx(t), "hang", n)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, group.Wait())
	assert.NoError(t, c.Close())

	start := time.Now()
	_, err = c.Call(testCtx(t), nil, "echo", nil)
	assert.ErrorIs(t, err, ErrTargetClosed)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, c.Err(), ErrTargetClosed)

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not see the close")
	}
}

func TestEngineHangsUp(t *testing.T) {
	c, e := setup(t)
	e.Handle("hang", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		return nil, enginetest.ErrNoReply
	})
	pending := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), nil, "hang", nil)
		pending <- err
	}()
	_, err := e.WaitForRequest(testCtx(t), "hang", 1)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	waitClosed(t, c)

	err = <-pending
	assert.ErrorIs(t, err, ErrTargetClosed)
	assert.ErrorIs(t, err, transport.ErrPeerClosed)
}

func TestOutOfOrderResponses(t *testing.T) {
	ctx := testCtx(t)
	c, e := setup(t)
	e.Handle("wait", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		return nil, enginetest.ErrNoReply
	})

	const n = 20
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			var res struct {
				N int `json:"n"`
			}
			if err := c.CallInto(groupCtx, nil, "wait", map[string]int{"n": i}, &res); err != nil {
				return err
			}
			if res.N != i {
				return fmt.Errorf("call %d got the result of call %d", i, res.N)
			}
			return nil
		})
	}
	_, err := e.WaitForRequest(ctx, "wait", n)
	require.NoError(t, err)

	reqs := e.RequestsFor("wait")
	ids := map[int64]bool{}
	for i := len(reqs) - 1; i >= 0; i-- {
		ids[reqs[i].ID] = true
		require.NoError(t, e.Reply(reqs[i].ID, reqs[i].Params))
	}
	require.Len(t, ids, n)
	require.NoError(t, group.Wait())
	assert.NoError(t, c.Err())
}

func TestCancelledWaitIsAdvisory(t *testing.T) {
	c, e := setup(t)
	e.Handle("slow", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		return nil, enginetest.ErrNoReply
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, nil, "slow", nil)
		done <- err
	}()
	req, err := e.WaitForRequest(testCtx(t), "slow", 1)
	require.NoError(t, err)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// the late response still finds its slot
	require.NoError(t, e.Reply(req.ID, map[string]string{}))
	flush(t, c)
	assert.NoError(t, c.Err())
}

func TestZonesAreIsolated(t *testing.T) {
	c, e := setup(t)
	e.Handle("step", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		time.Sleep(time.Millisecond)
		return nil, nil
	})

	group, groupCtx := errgroup.WithContext(testCtx(t))
	for _, title := range []string{"A", "B"} {
		title := title
		group.Go(func() error {
			return WrapAPICall(groupCtx, title, false, func(ctx context.Context) error {
				for i := 0; i < 3; i++ {
					if _, err := c.Call(ctx, nil, "step", map[string]string{"zone": title}); err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
	require.NoError(t, group.Wait())

	reqs := e.RequestsFor("step")
	require.Len(t, reqs, 6)
	locations := map[string]Location{}
	for _, r := range reqs {
		var p struct {
			Zone string `json:"zone"`
		}
		require.NoError(t, json.Unmarshal(r.Params, &p))
		assert.Equal(t, p.Zone, r.Metadata.Title)
		require.NotNil(t, r.Metadata.Location)
		loc := Location{File: r.Metadata.Location.File, Line: r.Metadata.Location.Line}
		if prev, ok := locations[p.Zone]; ok {
			assert.Equal(t, prev, loc, "nested calls share the outer call's location")
		}
		locations[p.Zone] = loc
	}
	assert.Len(t, locations, 2)
}

func TestZoneDecoratesFailures(t *testing.T) {
	c, e := setup(t)
	e.Handle("click", func(e *enginetest.Engine, req enginetest.Request) (interface{}, error) {
		return nil, &enginetest.WireError{Name: "TimeoutError", Message: "Timeout 5000ms exceeded."}
	})

	err := WrapAPICall(testCtx(t), "Locator.click", false, func(ctx context.Context) error {
		_, err := c.Call(ctx, nil, "click", nil)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, strings.HasPrefix(err.Error(), "Locator.click: Timeout 5000ms exceeded.\n    at "))
	assert.Contains(t, err.Error(), "connection_test.go:")

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "Locator.click", callErr.Title)
	assert.NotErrorIs(t, callErr.Err, ErrProtocol)
}
