package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/guseggert/enginewire/launch"
	"github.com/guseggert/enginewire/launch/docker"
	"github.com/guseggert/enginewire/launch/local"
	"github.com/guseggert/enginewire/transport"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config selects how enginectl reaches an engine. Exactly one of WebSocket, DockerImage or Driver is used,
// in that order of preference; with none set, a local driver binary is searched for.
type Config struct {
	Driver         string            `yaml:"driver"`
	DriverArgs     []string          `yaml:"driver_args"`
	WebSocket      string            `yaml:"websocket"`
	DockerImage    string            `yaml:"docker_image"`
	MessageFraming bool              `yaml:"message_framing"`
	SDKLanguage    string            `yaml:"sdk_language"`
	Headers        map[string]string `yaml:"headers"`

	// PEM files for dialing a wss:// engine that requires client certificates. All three or none.
	TLSCA   string `yaml:"tls_ca"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Launcher(log *zap.SugaredLogger) (launch.Launcher, error) {
	switch {
	case c.WebSocket != "":
		opts := []transport.Option{transport.WithLogger(log)}
		if len(c.Headers) > 0 {
			h := http.Header{}
			for k, v := range c.Headers {
				h.Set(k, v)
			}
			opts = append(opts, transport.WithHeader(h))
		}
		if c.MessageFraming {
			opts = append(opts, transport.WithMessageFraming())
		}
		tlsConfig, err := c.clientTLSConfig()
		if err != nil {
			return nil, err
		}
		if tlsConfig != nil {
			opts = append(opts, transport.WithTLSConfig(tlsConfig))
		}
		return &launch.Remote{URL: c.WebSocket, Options: opts}, nil
	case c.DockerImage != "":
		l, err := docker.NewLauncher(c.DockerImage)
		if err != nil {
			return nil, err
		}
		l = l.WithLogger(log)
		if len(c.DriverArgs) > 0 {
			l.Cmd = c.DriverArgs
		}
		l.MessageFraming = c.MessageFraming
		return l, nil
	default:
		l := local.New().WithLogger(log)
		if c.Driver != "" {
			l.Command = c.Driver
		}
		if len(c.DriverArgs) > 0 {
			l.Args = c.DriverArgs
		}
		return l, nil
	}
}

func (c *Config) clientTLSConfig() (*tls.Config, error) {
	if c.TLSCA == "" && c.TLSCert == "" && c.TLSKey == "" {
		return nil, nil
	}
	if c.TLSCA == "" || c.TLSCert == "" || c.TLSKey == "" {
		return nil, errors.New("tls_ca, tls_cert and tls_key must be set together")
	}
	var pems [3][]byte
	for i, p := range []string{c.TLSCA, c.TLSCert, c.TLSKey} {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading TLS file: %w", err)
		}
		pems[i] = b
	}
	return transport.ClientTLSConfig(pems[0], pems[1], pems[2])
}
