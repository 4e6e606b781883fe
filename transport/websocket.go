package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Joett77/ussl/document"
	"github.com/Joett77/ussl/metrics"
	"github.com/Joett77/ussl/protocol"
	"github.com/Joett77/ussl/storage"
)

// wsShutdownTimeout bounds the graceful HTTP shutdown.
const wsShutdownTimeout = 5 * time.Second

// WebSocketServer upgrades HTTP requests to WebSocket sessions speaking
// the wire protocol. Text frames are treated as line-based commands
// (a missing trailing newline is supplied); binary frames carry the
// same bytes without adjustment. Responses mirror the frame type they
// answer.
type WebSocketServer struct {
	manager *document.Manager
	addr    string
	logger  *zap.Logger

	password  string
	storage   storage.Storage
	rateLimit *RateLimitConfig
	tlsConfig *tls.Config
	metrics   *metrics.Metrics

	upgrader      websocket.Upgrader
	clientCounter atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
}

// NewWebSocketServer creates a server that will listen on addr. Nothing
// is bound until Listen or ListenAndServe is called.
func NewWebSocketServer(manager *document.Manager, addr string, logger *zap.Logger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketServer{
		manager: manager,
		addr:    addr,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// WithPassword requires clients to AUTH before issuing commands.
func (s *WebSocketServer) WithPassword(password string) *WebSocketServer {
	s.password = password
	return s
}

// WithStorage enables write-behind persistence on every connection.
func (s *WebSocketServer) WithStorage(store storage.Storage) *WebSocketServer {
	s.storage = store
	return s
}

// WithRateLimit applies a per-connection command rate limit.
func (s *WebSocketServer) WithRateLimit(config RateLimitConfig) *WebSocketServer {
	s.rateLimit = &config
	return s
}

// WithTLS serves wss instead of ws.
func (s *WebSocketServer) WithTLS(config *tls.Config) *WebSocketServer {
	s.tlsConfig = config
	return s
}

// WithMetrics attaches a metrics collector.
func (s *WebSocketServer) WithMetrics(m *metrics.Metrics) *WebSocketServer {
	s.metrics = m
	return s
}

func (s *WebSocketServer) scheme() string {
	if s.tlsConfig != nil {
		return "wss"
	}
	return "ws"
}

// Listen binds the server's address. Call before Serve; using port 0
// picks a free port, readable afterwards via Addr.
func (s *WebSocketServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *WebSocketServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the address and serves until ctx is canceled or
// the listener fails.
func (s *WebSocketServer) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve upgrades and serves connections until ctx is canceled, then
// waits for active sessions to wind down. Shutdown does not touch
// hijacked WebSocket connections, so each session also watches ctx.
func (s *WebSocketServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	var wg sync.WaitGroup
	server := &http.Server{
		Handler: http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			conn, err := s.upgrader.Upgrade(rw, r, nil)
			if err != nil {
				s.logger.Error("Failed to upgrade connection",
					zap.String("remote", r.RemoteAddr),
					zap.Error(err))
				return
			}
			clientID := fmt.Sprintf("%s:%s:%d", s.scheme(), r.RemoteAddr, s.clientCounter.Add(1)-1)
			wg.Add(1)
			defer wg.Done()
			s.handleConnection(ctx, conn, clientID)
		}),
	}

	s.logger.Info("WebSocket server listening",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls", s.tlsConfig != nil))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err := server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	wg.Wait()
	s.logger.Info("WebSocket server stopped", zap.String("address", ln.Addr().String()))
	return nil
}

func (s *WebSocketServer) handleConnection(parent context.Context, conn *websocket.Conn, clientID string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.logger.Info("Client connected", zap.String("client_id", clientID))
	if s.metrics != nil {
		s.metrics.RecordConnection(s.scheme())
		defer s.metrics.RecordDisconnection(s.scheme())
	}

	handler := NewConnectionHandler(clientID, s.manager, s.logger)
	if s.password != "" {
		handler.WithAuth(s.password)
	}
	if s.storage != nil {
		handler.WithStorage(s.storage)
	}
	if s.rateLimit != nil {
		handler.WithRateLimit(*s.rateLimit)
	}
	if s.metrics != nil {
		handler.WithMetrics(s.metrics)
	}
	defer handler.Cleanup()

	sub := handler.SubscribeUpdates()
	defer sub.Close()

	w := &wsWriter{conn: conn}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpDeltas(ctx, w, handler, sub, clientID)
		cancel()
	}()

	s.serveReads(conn, w, handler, clientID)
	cancel()
	<-pumpDone

	s.logger.Info("Client disconnected", zap.String("client_id", clientID))
}

// serveReads executes commands from incoming frames until the client
// disconnects, sends QUIT, or breaks the protocol. Ping frames are
// answered by the upgrader's default handler, which echoes the payload
// in a Pong.
func (s *WebSocketServer) serveReads(conn *websocket.Conn, w *wsWriter, handler *ConnectionHandler, clientID string) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, net.ErrClosed) {
				s.logger.Error("Read error",
					zap.String("client_id", clientID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordBytes(len(data), 0)
		}

		// Browser clients tend to omit the line terminator on text
		// frames; supply it so the parser sees a complete command.
		if messageType == websocket.TextMessage && !bytes.HasSuffix(data, []byte("\n")) {
			data = append(data, '\r', '\n')
		}

		responses, procErr := handler.Process(data)
		for _, resp := range responses {
			if werr := s.writeFrame(w, messageType, resp.Encode()); werr != nil {
				s.logger.Error("Failed to write response",
					zap.String("client_id", clientID),
					zap.Error(werr))
				return
			}
			if resp.IsGoodbye() {
				return
			}
		}
		if procErr != nil {
			s.logger.Warn("Terminating connection",
				zap.String("client_id", clientID),
				zap.Error(procErr))
			return
		}
	}
}

// pumpDeltas forwards matching broadcast deltas as text frames until the
// context ends, the bus closes, or a write fails.
func (s *WebSocketServer) pumpDeltas(ctx context.Context, w *wsWriter, handler *ConnectionHandler, sub *document.Subscriber, clientID string) {
	for {
		delta, err := sub.Recv(ctx)
		if err != nil {
			var lagged document.LaggedError
			if errors.As(err, &lagged) {
				s.logger.Warn("Client lagged behind updates",
					zap.String("client_id", clientID),
					zap.Uint64("missed", lagged.Missed))
				continue
			}
			return
		}
		if !handler.MatchesSubscription(delta) {
			continue
		}
		frame := protocol.Delta(delta.Version, delta.Payload).Encode()
		if err := s.writeFrame(w, websocket.TextMessage, frame); err != nil {
			s.logger.Error("Failed to write delta",
				zap.String("client_id", clientID),
				zap.Error(err))
			return
		}
	}
}

func (s *WebSocketServer) writeFrame(w *wsWriter, messageType int, frame []byte) error {
	if err := w.WriteMessage(messageType, frame); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordBytes(0, len(frame))
	}
	return nil
}

// wsWriter serializes writes from the read loop and the delta pump.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(messageType, data)
}
