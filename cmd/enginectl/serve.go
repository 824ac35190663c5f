package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/guseggert/enginewire/internal/enginetest"
	"github.com/guseggert/enginewire/transport"
)

// fakeEngineServer builds the HTTP server for serve-fake.
// With tlsDir set it generates a CA with a server and client pair, writes ca.pem, client.pem and client-key.pem
// to tlsDir, and only accepts clients presenting that client certificate.
func fakeEngineServer(addr, tlsDir string, s *enginetest.Server) (*http.Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if tlsDir == "" {
		return srv, nil
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing listen address: %w", err)
	}
	hosts := []string{"localhost", "127.0.0.1"}
	if host != "" && host != "localhost" && host != "127.0.0.1" {
		hosts = append(hosts, host)
	}
	certs, err := transport.GenerateCerts(hosts...)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tlsDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating TLS directory: %w", err)
	}
	files := map[string][]byte{
		"ca.pem":         certs.CA.CertPEMBytes,
		"client.pem":     certs.Client.CertPEMBytes,
		"client-key.pem": certs.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(tlsDir, name), b, 0o600); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	srv.TLSConfig, err = transport.ServerTLSConfig(certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes)
	if err != nil {
		return nil, err
	}
	return srv, nil
}
