package driver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/guseggert/enginewire/connection"
	"github.com/guseggert/enginewire/internal/debuglog"
	"github.com/guseggert/enginewire/launch"
	"go.uber.org/zap"
)

const loggerName = "driver"

// Driver binds a launched engine, its connection, and a context, and adds convenience methods around them.
// Test authors should generally use this instead of coding against a Connection directly.
type Driver struct {
	Conn  *connection.Connection
	Entry *connection.Owner
	Ctx   context.Context
	Log   *zap.SugaredLogger
}

type config struct {
	log      *zap.Logger
	connOpts []connection.Option
}

type Option func(c *config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

func WithConnectionOptions(opts ...connection.Option) Option {
	return func(c *config) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// Launch starts an engine with l, connects to it, and performs the handshake.
func Launch(ctx context.Context, l launch.Launcher, opts ...Option) (*Driver, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.log == nil {
		cfg.log = debuglog.New()
	}

	tr, err := l.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launching engine: %w", err)
	}
	conn := connection.New(tr, append([]connection.Option{connection.WithLogger(cfg.log)}, cfg.connOpts...)...)
	err = conn.Start()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("starting connection: %w", err)
	}
	entry, err := conn.Initialize(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Driver{
		Conn:  conn,
		Entry: entry,
		Ctx:   context.Background(),
		Log:   cfg.log.Sugar().Named(loggerName),
	}, nil
}

func MustLaunch(ctx context.Context, l launch.Launcher, opts ...Option) *Driver {
	return Must2(Launch(ctx, l, opts...))
}

func (d *Driver) Context(ctx context.Context) *Driver {
	newD := *d
	newD.Ctx = ctx
	return &newD
}

// Call calls method on target, or on the entry object if target is nil.
func (d *Driver) Call(target *connection.Owner, method string, params interface{}) (json.RawMessage, error) {
	if target == nil {
		target = d.Entry
	}
	return d.Conn.Call(d.Ctx, target, method, params)
}

func (d *Driver) MustCall(target *connection.Owner, method string, params interface{}) json.RawMessage {
	return Must2(d.Call(target, method, params))
}

// CallObject calls method and returns the object referenced under key in the result.
func (d *Driver) CallObject(target *connection.Owner, method string, params interface{}, key string) (*connection.Owner, error) {
	if target == nil {
		target = d.Entry
	}
	return d.Conn.CallObject(d.Ctx, target, method, params, key)
}

func (d *Driver) MustCallObject(target *connection.Owner, method string, params interface{}, key string) *connection.Owner {
	return Must2(d.CallObject(target, method, params, key))
}

// Step runs fn as one logical API call titled title: every call fn makes through the Driver it receives
// carries title, and a failure is reported as a failure of title.
func (d *Driver) Step(title string, fn func(d *Driver) error) error {
	return connection.WrapAPICall(d.Ctx, title, false, func(ctx context.Context) error {
		return fn(d.Context(ctx))
	})
}

func (d *Driver) MustStep(title string, fn func(d *Driver) error) {
	Must(d.Step(title, fn))
}

// Walk visits the object tree depth-first from the synthetic root, parents before children.
func (d *Driver) Walk(fn func(o *connection.Owner, depth int)) {
	walk(d.Conn.Root(), 0, fn)
}

func walk(o *connection.Owner, depth int, fn func(o *connection.Owner, depth int)) {
	fn(o, depth)
	for _, c := range o.Children() {
		walk(c, depth+1, fn)
	}
}

func (d *Driver) Close() error {
	return d.Conn.Close()
}

func (d *Driver) MustClose() {
	Must(d.Close())
}
