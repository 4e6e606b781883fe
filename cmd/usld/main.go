// The usld daemon serves the state synchronization protocol over TCP
// and WebSocket, with optional TLS, authentication, persistence, rate
// limiting, and Prometheus metrics.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Joett77/ussl/document"
	"github.com/Joett77/ussl/metrics"
	"github.com/Joett77/ussl/storage"
	"github.com/Joett77/ussl/transport"
)

type options struct {
	Bind    string `long:"bind" env:"USSL_BIND" default:"0.0.0.0" description:"Address both listeners bind to"`
	TCPPort uint16 `long:"tcp-port" env:"USSL_TCP_PORT" default:"6380" description:"TCP port to listen on"`
	WSPort  uint16 `long:"ws-port" env:"USSL_WS_PORT" default:"6381" description:"WebSocket port to listen on"`
	NoTCP   bool   `long:"no-tcp" env:"USSL_NO_TCP" description:"Disable the TCP server"`
	NoWS    bool   `long:"no-ws" env:"USSL_NO_WS" description:"Disable the WebSocket server"`

	DB       string `long:"db" env:"USSL_DB" description:"Persistence DSN: sqlite path, badger://dir, redis://, mongodb://, or memory:"`
	Password string `long:"password" env:"USSL_PASSWORD" description:"Require AUTH with this password"`

	TLSCert string `long:"tls-cert" env:"USSL_TLS_CERT" description:"PEM certificate; TCP serves TLS and WebSocket serves wss"`
	TLSKey  string `long:"tls-key" env:"USSL_TLS_KEY" description:"PEM private key for --tls-cert"`

	RateLimit uint32 `long:"rate-limit" env:"USSL_RATE_LIMIT" description:"Per-connection commands per second (0 disables limiting)"`
	RateBurst uint32 `long:"rate-burst" env:"USSL_RATE_BURST" description:"Token bucket capacity (defaults to twice the rate)"`

	MetricsAddr string `long:"metrics-addr" env:"USSL_METRICS_ADDR" description:"Prometheus exposition address, e.g. 127.0.0.1:9100 (empty disables it)"`
	LogLevel    string `long:"log-level" env:"USSL_LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	Config      string `short:"c" long:"config" env:"USSL_CONFIG" description:"INI configuration file; flags and environment override it"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(flagExitCode(err))
	}
	if opts.Config != "" {
		if err := flags.NewIniParser(parser).ParseFile(opts.Config); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config file %s: %v\n", opts.Config, err)
			os.Exit(1)
		}
		// Reapply the command line so flags and environment win over
		// file values.
		if _, err := parser.Parse(); err != nil {
			os.Exit(flagExitCode(err))
		}
	}

	logger := newLogger(opts.LogLevel)
	defer logger.Sync()

	if opts.NoTCP && opts.NoWS {
		logger.Fatal("At least one transport must be enabled")
	}
	if (opts.TLSCert == "") != (opts.TLSKey == "") {
		logger.Fatal("TLS requires both --tls-cert and --tls-key")
	}

	printBanner()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, err := document.NewManager(logger)
	if err != nil {
		logger.Fatal("Failed to create document manager", zap.Error(err))
	}
	defer manager.Close()
	go manager.RunGC(ctx, document.GCInterval)

	var store storage.Storage
	if opts.DB != "" {
		store, err = storage.Open(ctx, opts.DB)
		if err != nil {
			logger.Fatal("Failed to open storage",
				zap.String("dsn", opts.DB),
				zap.Error(err))
		}
		defer store.Close()
		restoreDocuments(ctx, manager, store, logger)
	}

	var tlsConfig *tls.Config
	if opts.TLSCert != "" {
		tlsConfig, err = transport.LoadTLSConfig(opts.TLSCert, opts.TLSKey)
		if err != nil {
			logger.Fatal("Failed to load TLS configuration", zap.Error(err))
		}
	}

	var rateLimit *transport.RateLimitConfig
	if opts.RateLimit > 0 {
		config := transport.RateLimitFromRate(opts.RateLimit)
		if opts.RateBurst > 0 {
			config.BurstSize = opts.RateBurst
		}
		rateLimit = &config
	}

	collector := metrics.New()
	collector.TrackDocuments(func() int {
		return manager.Stats().DocumentCount
	})
	if opts.MetricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, opts.MetricsAddr, logger); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Starting USSL daemon",
		zap.Uint16("tcp_port", opts.TCPPort),
		zap.Uint16("ws_port", opts.WSPort),
		zap.String("bind", opts.Bind))

	var wg sync.WaitGroup

	if !opts.NoTCP {
		srv := transport.NewTCPServer(manager, fmt.Sprintf("%s:%d", opts.Bind, opts.TCPPort), logger).
			WithMetrics(collector)
		if opts.Password != "" {
			srv.WithPassword(opts.Password)
		}
		if store != nil {
			srv.WithStorage(store)
		}
		if rateLimit != nil {
			srv.WithRateLimit(*rateLimit)
		}
		if tlsConfig != nil {
			srv.WithTLS(tlsConfig)
		}
		if err := srv.Listen(); err != nil {
			logger.Fatal("Failed to start TCP server", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				logger.Error("TCP server error", zap.Error(err))
			}
		}()
	}

	if !opts.NoWS {
		srv := transport.NewWebSocketServer(manager, fmt.Sprintf("%s:%d", opts.Bind, opts.WSPort), logger).
			WithMetrics(collector)
		if opts.Password != "" {
			srv.WithPassword(opts.Password)
		}
		if store != nil {
			srv.WithStorage(store)
		}
		if rateLimit != nil {
			srv.WithRateLimit(*rateLimit)
		}
		if tlsConfig != nil {
			srv.WithTLS(tlsConfig)
		}
		if err := srv.Listen(); err != nil {
			logger.Fatal("Failed to start WebSocket server", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				logger.Error("WebSocket server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down...", zap.String("signal", sig.String()))

	cancel()
	wg.Wait()
	logger.Info("Server stopped")
}

// restoreDocuments loads every persisted document into the manager.
func restoreDocuments(ctx context.Context, manager *document.Manager, store storage.Storage, logger *zap.Logger) {
	ids, err := store.List(ctx, "")
	if err != nil {
		logger.Warn("Failed to list persisted documents", zap.Error(err))
		return
	}

	restored := 0
	for _, id := range ids {
		meta, state, err := store.Load(ctx, id)
		if err != nil {
			logger.Warn("Failed to load persisted document",
				zap.String("doc_id", string(id)),
				zap.Error(err))
			continue
		}
		doc, err := document.Restore(meta, state)
		if err != nil {
			logger.Warn("Failed to restore document",
				zap.String("doc_id", string(id)),
				zap.Error(err))
			continue
		}
		manager.Restore(doc)
		restored++
	}
	if restored > 0 {
		logger.Info("Restored persisted documents", zap.Int("count", restored))
	}
}

// newLogger builds the process logger. Unknown levels fall back to info;
// trace maps to debug, the finest level zap offers.
func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	switch level {
	case "trace", "debug":
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := config.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func flagExitCode(err error) int {
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		return 0
	}
	return 1
}

func printBanner() {
	fmt.Printf(`
  ╦ ╦╔═╗╔═╗╦
  ║ ║╚═╗╚═╗║
  ╚═╝╚═╝╚═╝╩═╝
  Universal State Synchronization Layer
  Version %s

`, transport.Version)
}
