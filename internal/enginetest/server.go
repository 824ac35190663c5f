package enginetest

import (
	"net/http"
	"sync"

	"github.com/guseggert/enginewire/transport"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server serves fake engines over WebSocket at /ws, one Engine per connection.
type Server struct {
	Log *zap.SugaredLogger
	// Setup, if set, registers handlers on each engine before it starts.
	Setup func(e *Engine)
	// MessageFraming carries one frame per WebSocket message instead of length-prefixed frames.
	MessageFraming bool

	mu      sync.Mutex
	engines []*Engine
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.serveWS)
	return router
}

func (s *Server) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log().Debugf("error accepting WebSocket: %s", err)
		return
	}
	opts := []transport.Option{transport.WithLogger(s.log().Named("server"))}
	if s.MessageFraming {
		opts = append(opts, transport.WithMessageFraming())
	}
	e := New(transport.NewWebSocket(conn, opts...), s.Log)
	if s.Setup != nil {
		s.Setup(e)
	}
	s.mu.Lock()
	s.engines = append(s.engines, e)
	s.mu.Unlock()

	if err := e.Start(); err != nil {
		s.log().Debugf("error starting engine: %s", err)
		return
	}

	s.log().Debugw("engine connected", "Remote", r.RemoteAddr)
	<-e.Done()
}

// Engines returns the engines of every connection accepted so far.
func (s *Server) Engines() []*Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Engine(nil), s.engines...)
}
