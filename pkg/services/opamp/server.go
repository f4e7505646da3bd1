package opamp

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/open-telemetry/opamp-go/server"
	"github.com/open-telemetry/opamp-go/server/types"
	"github.com/otelfleet/fleetsync/pkg/engine"
	"github.com/otelfleet/fleetsync/pkg/engine/session"
	"github.com/otelfleet/fleetsync/pkg/logutil"
	services_int "github.com/otelfleet/fleetsync/pkg/services"
	"github.com/otelfleet/fleetsync/pkg/util"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DefaultListenAddr = "127.0.0.1:4320"

// Server terminates OpAMP connections and hands every inbound message to the
// engine. It also implements engine.Sender so server initiated offers reach the
// connection carrying the agent.
type Server struct {
	logger   *slog.Logger
	opampSrv server.OpAMPServer
	engine   *engine.Engine
	addr     string

	mu      sync.RWMutex
	streams map[types.Connection]session.StreamID
	conns   map[session.StreamID]types.Connection

	services.Service
}

var (
	_ services_int.OpAmpServerHandler = (*Server)(nil)
	_ engine.Sender                   = (*Server)(nil)
)

func NewServer(l *slog.Logger, eng *engine.Engine, addr string) *Server {
	if addr == "" {
		addr = DefaultListenAddr
	}
	s := &Server{
		logger:   l,
		opampSrv: server.New(logutil.NewOpAMPLogger(l)),
		engine:   eng,
		addr:     addr,
		streams:  map[types.Connection]session.StreamID{},
		conns:    map[session.StreamID]types.Connection{},
	}
	s.Service = services.NewBasicService(s.start, s.running, s.stop)
	return s
}

func (s *Server) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Server) start(_ context.Context) error {
	s.logger.With("addr", s.addr).Info("starting opamp server")
	settings := server.StartSettings{
		ListenEndpoint: s.addr,
		HTTPMiddleware: otelhttp.NewMiddleware("v1/opamp"),
		Settings:       s.Settings(),
	}
	if err := s.opampSrv.Start(settings); err != nil {
		s.logger.With("err", err.Error()).Error("failed to start opamp server")
		return err
	}
	return nil
}

func (s *Server) stop(_ error) error {
	ctxca, ca := context.WithTimeout(context.TODO(), time.Second)
	defer ca()
	return s.opampSrv.Stop(ctxca)
}

// Settings returns the opamp-go callbacks routing connections to this server.
func (s *Server) Settings() server.Settings {
	return server.Settings{
		Callbacks: types.Callbacks{
			OnConnecting: func(_ *http.Request) types.ConnectionResponse {
				return types.ConnectionResponse{
					Accept: true,
					ConnectionCallbacks: types.ConnectionCallbacks{
						OnConnected:        s.OnConnected,
						OnMessage:          s.OnMessage,
						OnConnectionClose:  s.OnConnectionClose,
						OnReadMessageError: s.OnReadMessageError,
					},
				}
			},
		},
	}
}

// Attach returns an http handler serving OpAMP without starting a listener. The
// returned ConnContext must be set on the http.Server serving the handler, plain
// HTTP requests look up their net.Conn through it.
func (s *Server) Attach() (http.HandlerFunc, func(context.Context, net.Conn) context.Context, error) {
	handler, connContext, err := s.opampSrv.Attach(s.Settings())
	if err != nil {
		return nil, nil, err
	}
	return http.HandlerFunc(handler), connContext, nil
}

func (s *Server) stream(conn types.Connection) session.StreamID {
	s.mu.RLock()
	id, ok := s.streams[conn]
	s.mu.RUnlock()
	if ok {
		return id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.streams[conn]; ok {
		return id
	}
	id = session.StreamID(util.NewUUID())
	s.streams[conn] = id
	s.conns[id] = conn
	return id
}

func remoteAddr(conn types.Connection) string {
	if c := conn.Connection(); c != nil && c.RemoteAddr() != nil {
		return c.RemoteAddr().String()
	}
	return ""
}

func (s *Server) OnConnected(_ context.Context, conn types.Connection) {
	stream := s.stream(conn)
	s.logger.With("remote_addr", remoteAddr(conn), "stream", stream).Info("agent connected")
}

func (s *Server) OnMessage(ctx context.Context, conn types.Connection, message *protobufs.AgentToServer) *protobufs.ServerToAgent {
	stream := s.stream(conn)
	s.logger.Log(ctx, logutil.LevelTrace, "received message from agent", "stream", stream, "seq", message.GetSequenceNum())
	return s.engine.Process(ctx, stream, message)
}

func (s *Server) OnConnectionClose(conn types.Connection) {
	logger := s.logger.With("remote_addr", remoteAddr(conn))
	s.mu.Lock()
	stream, ok := s.streams[conn]
	delete(s.streams, conn)
	delete(s.conns, stream)
	s.mu.Unlock()
	if !ok {
		logger.Debug("connection closed before any message")
		return
	}
	logger.With("stream", stream).Info("agent disconnected")
	if err := s.engine.CloseStream(context.Background(), stream); err != nil {
		logger.With("err", err).Error("failed to persist sessions of closed stream")
	}
}

func (s *Server) OnReadMessageError(conn types.Connection, _ int, msgByte []byte, err error) {
	s.logger.
		With("remote_addr", remoteAddr(conn)).
		With("size", len(msgByte)).
		With("err", err).
		Error("failed to read / deserialize agent message")
}

// Send delivers msg on the connection backing stream.
func (s *Server) Send(ctx context.Context, stream session.StreamID, msg *protobufs.ServerToAgent) error {
	s.mu.RLock()
	conn, ok := s.conns[stream]
	s.mu.RUnlock()
	if !ok {
		return engine.ErrAgentOffline
	}
	return conn.Send(ctx, msg)
}

// Connections reports the number of open transport connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
