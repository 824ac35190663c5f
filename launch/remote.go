package launch

import (
	"context"

	"github.com/guseggert/enginewire/transport"
)

// Remote connects to an engine that is already listening for WebSocket connections at URL.
type Remote struct {
	URL     string
	Options []transport.Option
}

func (r *Remote) Launch(ctx context.Context) (transport.Transport, error) {
	return transport.DialWebSocket(ctx, r.URL, r.Options...)
}
