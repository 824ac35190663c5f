package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/enginewire/driver"
	"github.com/guseggert/enginewire/internal/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServeFakeOverMutualTLS(t *testing.T) {
	log := zap.NewNop()
	dir := filepath.Join(t.TempDir(), "tls")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := fakeEngineServer(ln.Addr().String(), dir, &enginetest.Server{Log: log.Sugar()})
	require.NoError(t, err)
	require.NotNil(t, srv.TLSConfig)
	go srv.ServeTLS(ln, "", "")
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := "wss://" + ln.Addr().String() + "/ws"

	cfg := &Config{
		WebSocket: url,
		TLSCA:     filepath.Join(dir, "ca.pem"),
		TLSCert:   filepath.Join(dir, "client.pem"),
		TLSKey:    filepath.Join(dir, "client-key.pem"),
	}
	launcher, err := cfg.Launcher(log.Sugar())
	require.NoError(t, err)
	d, err := driver.Launch(ctx, launcher, driver.WithLogger(log))
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, "root@1", d.Entry.GUID())

	// without the client certificate the handshake is refused
	launcher, err = (&Config{WebSocket: url}).Launcher(log.Sugar())
	require.NoError(t, err)
	_, err = launcher.Launch(ctx)
	assert.Error(t, err)
}

func TestServeFakePlain(t *testing.T) {
	srv, err := fakeEngineServer("127.0.0.1:0", "", &enginetest.Server{})
	require.NoError(t, err)
	assert.Nil(t, srv.TLSConfig)
}
