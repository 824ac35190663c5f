// Package launch starts engines and returns transports connected to them.
// Closing the returned transport also stops the engine.
package launch

import (
	"context"

	"github.com/guseggert/enginewire/transport"
)

type Launcher interface {
	Launch(ctx context.Context) (transport.Transport, error)
}

// DriverBinName is the file name launchers search for when no driver path is given.
const DriverBinName = "enginedriver"

// DefaultDriverArgs puts the driver into protocol mode on its stdio.
var DefaultDriverArgs = []string{"run-driver"}
