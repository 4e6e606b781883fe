package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Joett77/ussl/document"
	"github.com/Joett77/ussl/metrics"
	"github.com/Joett77/ussl/protocol"
	"github.com/Joett77/ussl/storage"
)

// readBufferSize is the per-connection read chunk. Frames larger than
// this are accumulated by the parser across reads.
const readBufferSize = 4096

// TCPServer accepts raw TCP (optionally TLS) connections and serves the
// wire protocol on each. One goroutine per connection reads and executes
// commands; a second pumps broadcast deltas to the client.
type TCPServer struct {
	manager *document.Manager
	addr    string
	logger  *zap.Logger

	password  string
	storage   storage.Storage
	rateLimit *RateLimitConfig
	tlsConfig *tls.Config
	metrics   *metrics.Metrics

	clientCounter atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
}

// NewTCPServer creates a server that will listen on addr. Nothing is
// bound until Listen or ListenAndServe is called.
func NewTCPServer(manager *document.Manager, addr string, logger *zap.Logger) *TCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPServer{
		manager: manager,
		addr:    addr,
		logger:  logger,
	}
}

// WithPassword requires clients to AUTH before issuing commands.
func (s *TCPServer) WithPassword(password string) *TCPServer {
	s.password = password
	return s
}

// WithStorage enables write-behind persistence on every connection.
func (s *TCPServer) WithStorage(store storage.Storage) *TCPServer {
	s.storage = store
	return s
}

// WithRateLimit applies a per-connection command rate limit.
func (s *TCPServer) WithRateLimit(config RateLimitConfig) *TCPServer {
	s.rateLimit = &config
	return s
}

// WithTLS wraps accepted connections in TLS.
func (s *TCPServer) WithTLS(config *tls.Config) *TCPServer {
	s.tlsConfig = config
	return s
}

// WithMetrics attaches a metrics collector.
func (s *TCPServer) WithMetrics(m *metrics.Metrics) *TCPServer {
	s.metrics = m
	return s
}

func (s *TCPServer) scheme() string {
	if s.tlsConfig != nil {
		return "tls"
	}
	return "tcp"
}

// Listen binds the server's address. Call before Serve; using port 0
// picks a free port, readable afterwards via Addr.
func (s *TCPServer) Listen() error {
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
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the address and serves until ctx is canceled or
// the listener fails.
func (s *TCPServer) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener until ctx is canceled,
// then waits for active connections to wind down.
func (s *TCPServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	s.logger.Info("TCP server listening",
		zap.String("address", ln.Addr().String()),
		zap.Bool("tls", s.tlsConfig != nil))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		clientID := fmt.Sprintf("%s:%s:%d", s.scheme(), conn.RemoteAddr(), s.clientCounter.Add(1)-1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn, clientID)
		}()
	}

	wg.Wait()
	s.logger.Info("TCP server stopped", zap.String("address", ln.Addr().String()))
	return nil
}

func (s *TCPServer) handleConnection(parent context.Context, conn net.Conn, clientID string) {
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

	w := &connWriter{conn: conn}

	// Closing the socket is the only way to interrupt a blocked read, so
	// tie its lifetime to the connection context.
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

// serveReads executes commands from the socket until the client
// disconnects, sends QUIT, or breaks the protocol.
func (s *TCPServer) serveReads(conn net.Conn, w *connWriter, handler *ConnectionHandler, clientID string) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if s.metrics != nil {
				s.metrics.RecordBytes(n, 0)
			}
			responses, procErr := handler.Process(buf[:n])
			for _, resp := range responses {
				if werr := s.writeFrame(w, resp.Encode()); werr != nil {
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
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Read error",
					zap.String("client_id", clientID),
					zap.Error(err))
			}
			return
		}
	}
}

// pumpDeltas forwards matching broadcast deltas to the client until the
// context ends, the bus closes, or a write fails.
func (s *TCPServer) pumpDeltas(ctx context.Context, w *connWriter, handler *ConnectionHandler, sub *document.Subscriber, clientID string) {
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
		if err := s.writeFrame(w, frame); err != nil {
			s.logger.Error("Failed to write delta",
				zap.String("client_id", clientID),
				zap.Error(err))
			return
		}
	}
}

func (s *TCPServer) writeFrame(w *connWriter, frame []byte) error {
	if err := w.Write(frame); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordBytes(0, len(frame))
	}
	return nil
}

// connWriter serializes writes from the read loop and the delta pump.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) Write(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.conn.Write(p)
	return err
}
