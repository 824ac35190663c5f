package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/guseggert/enginewire/connection"
	"github.com/guseggert/enginewire/driver"
	"github.com/guseggert/enginewire/internal/debuglog"
	"github.com/guseggert/enginewire/internal/enginetest"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "enginectl",
		Usage: "connect to an automation engine and inspect it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. Flags override its values.",
				EnvVars: []string{"ENGINEWIRE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "driver",
				Usage:   "Path to the engine driver binary.",
				EnvVars: []string{"ENGINEWIRE_DRIVER"},
			},
			&cli.StringSliceFlag{
				Name:  "driver-arg",
				Usage: "Argument for the driver, repeatable. Defaults to run-driver.",
			},
			&cli.StringFlag{
				Name:    "ws",
				Usage:   "WebSocket URL of an engine that is already running.",
				EnvVars: []string{"ENGINEWIRE_WS"},
			},
			&cli.StringFlag{
				Name:    "docker-image",
				Usage:   "Run the engine in a container from this image.",
				EnvVars: []string{"ENGINEWIRE_DOCKER_IMAGE"},
			},
			&cli.BoolFlag{
				Name:  "message-framing",
				Usage: "Carry one frame per WebSocket message instead of length-prefixed frames.",
			},
			&cli.StringFlag{
				Name:  "tls-ca",
				Usage: "CA certificate (PEM) that signed the engine's certificate, for wss:// URLs.",
			},
			&cli.StringFlag{
				Name:  "tls-cert",
				Usage: "Client certificate (PEM) presented to the engine.",
			},
			&cli.StringFlag{
				Name:  "tls-key",
				Usage: "Client private key (PEM).",
			},
			&cli.StringFlag{
				Name:  "sdk-language",
				Usage: "The SDK language reported in the handshake.",
				Value: "go",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "call",
				Usage: "issue one raw call and print its result",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "guid",
						Usage: "The target object. Defaults to the entry object.",
					},
					&cli.StringFlag{
						Name:     "method",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "params",
						Usage: "The call params as a JSON object.",
						Value: "{}",
					},
				},
				Action: func(ctx *cli.Context) error {
					d, err := connect(ctx)
					if err != nil {
						return err
					}
					defer d.Close()

					target := d.Entry
					if guid := ctx.String("guid"); guid != "" {
						target = d.Conn.Lookup(guid)
						if target == nil {
							return fmt.Errorf("no object with guid %q", guid)
						}
					}
					params := json.RawMessage(ctx.String("params"))
					if !json.Valid(params) {
						return errors.New("params must be valid JSON")
					}
					res, err := d.Call(target, ctx.String("method"), params)
					if err != nil {
						return err
					}
					if len(res) == 0 {
						res = json.RawMessage("null")
					}
					fmt.Fprintln(ctx.App.Writer, string(res))
					return nil
				},
			},
			{
				Name:  "tree",
				Usage: "print the object tree after the handshake",
				Action: func(ctx *cli.Context) error {
					d, err := connect(ctx)
					if err != nil {
						return err
					}
					defer d.Close()
					d.Walk(func(o *connection.Owner, depth int) {
						if o.GUID() == "" {
							return
						}
						fmt.Fprintf(ctx.App.Writer, "%s%s %s\n", strings.Repeat("  ", depth-1), o.Type(), o.GUID())
					})
					return nil
				},
			},
			{
				Name:  "serve-fake",
				Usage: "serve a scripted fake engine over WebSocket at /ws",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Value: "127.0.0.1:8080",
					},
					&cli.BoolFlag{
						Name: "message-framing",
					},
					&cli.StringFlag{
						Name:  "tls-dir",
						Usage: "Serve wss:// with generated certificates, writing the CA and client key pair to this directory.",
					},
				},
				Action: func(ctx *cli.Context) error {
					l := debuglog.New()
					s := &enginetest.Server{
						Log:            l.Sugar(),
						MessageFraming: ctx.Bool("message-framing"),
					}
					addr := ctx.String("listen-addr")
					srv, err := fakeEngineServer(addr, ctx.String("tls-dir"), s)
					if err != nil {
						return err
					}
					if srv.TLSConfig != nil {
						l.Sugar().Infof("serving fake engine at wss://%s/ws, client certificates in %s", addr, ctx.String("tls-dir"))
						return srv.ListenAndServeTLS("", "")
					}
					l.Sugar().Infof("serving fake engine at ws://%s/ws", addr)
					return srv.ListenAndServe()
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// buildConfig layers the flags that were set over the config file.
func buildConfig(ctx *cli.Context) (*Config, error) {
	cfg := &Config{}
	if p := ctx.String("config"); p != "" {
		loaded, err := LoadConfig(p)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if ctx.IsSet("driver") {
		cfg.Driver = ctx.String("driver")
	}
	if ctx.IsSet("driver-arg") {
		cfg.DriverArgs = ctx.StringSlice("driver-arg")
	}
	if ctx.IsSet("ws") {
		cfg.WebSocket = ctx.String("ws")
	}
	if ctx.IsSet("docker-image") {
		cfg.DockerImage = ctx.String("docker-image")
	}
	if ctx.IsSet("message-framing") {
		cfg.MessageFraming = ctx.Bool("message-framing")
	}
	if ctx.IsSet("tls-ca") {
		cfg.TLSCA = ctx.String("tls-ca")
	}
	if ctx.IsSet("tls-cert") {
		cfg.TLSCert = ctx.String("tls-cert")
	}
	if ctx.IsSet("tls-key") {
		cfg.TLSKey = ctx.String("tls-key")
	}
	if ctx.IsSet("sdk-language") || cfg.SDKLanguage == "" {
		cfg.SDKLanguage = ctx.String("sdk-language")
	}
	return cfg, nil
}

func connect(ctx *cli.Context) (*driver.Driver, error) {
	cfg, err := buildConfig(ctx)
	if err != nil {
		return nil, err
	}
	l := debuglog.New()
	launcher, err := cfg.Launcher(l.Sugar())
	if err != nil {
		return nil, err
	}
	d, err := driver.Launch(ctx.Context, launcher,
		driver.WithLogger(l),
		driver.WithConnectionOptions(
			connection.WithSDKLanguage(cfg.SDKLanguage),
			connection.WithFallbackKind(connection.Kind{}),
		),
	)
	if err != nil {
		return nil, err
	}
	return d.Context(ctx.Context), nil
}
