package net

import (
	"fmt"
	"net"
)

// EphemeralPort asks the kernel for a free loopback TCP port. The port is released before returning,
// so it is only a good guess for a server that binds it soon after.
func EphemeralPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
