package transport

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joett77/ussl/document"
)

func startTCPServer(t *testing.T, configure func(*TCPServer)) *TCPServer {
	t.Helper()
	manager, err := document.NewManager(nil)
	require.NoError(t, err)

	srv := NewTCPServer(manager, "127.0.0.1:0", nil)
	if configure != nil {
		configure(srv)
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		manager.Close()
	})
	return srv
}

// testClient drives the wire protocol over a raw connection.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTCP(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return line
}

func (c *testClient) roundTrip(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

// readBulk reads a $-framed response and returns its payload.
func (c *testClient) readBulk() string {
	c.t.Helper()
	header := c.readLine()
	require.True(c.t, strings.HasPrefix(header, "$"), header)
	payload := c.readLine()
	return strings.TrimSuffix(payload, "\r\n")
}

func TestTCPServerPing(t *testing.T) {
	srv := startTCPServer(t, nil)
	client := dialTCP(t, srv.Addr().String())

	assert.Equal(t, "+PONG\r\n", client.roundTrip("PING"))
}

func TestTCPServerSetGet(t *testing.T) {
	srv := startTCPServer(t, nil)
	client := dialTCP(t, srv.Addr().String())

	assert.Equal(t, "+OK\r\n", client.roundTrip(`SET user:1 name "Alice"`))

	client.send("GET user:1 PATH name")
	assert.Equal(t, `"Alice"`, client.readBulk())
}

func TestTCPServerPipelinedFrames(t *testing.T) {
	srv := startTCPServer(t, nil)
	client := dialTCP(t, srv.Addr().String())

	client.send("PING\r\nPING")
	assert.Equal(t, "+PONG\r\n", client.readLine())
	assert.Equal(t, "+PONG\r\n", client.readLine())
}

func TestTCPServerQuit(t *testing.T) {
	srv := startTCPServer(t, nil)
	client := dialTCP(t, srv.Addr().String())

	assert.Equal(t, "+OK Goodbye\r\n", client.roundTrip("QUIT"))

	// The server hangs up after the goodbye
	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := client.r.ReadString('\n')
	assert.Error(t, err)
}

func TestTCPServerSubscriptionFanout(t *testing.T) {
	srv := startTCPServer(t, nil)
	subscriber := dialTCP(t, srv.Addr().String())
	publisher := dialTCP(t, srv.Addr().String())

	assert.Equal(t, "+OK Subscribed to user:*\r\n", subscriber.roundTrip("SUB user:*"))
	assert.Equal(t, "+OK\r\n", publisher.roundTrip("SET user:2 x 1"))

	frame := subscriber.readLine()
	require.True(t, strings.HasPrefix(frame, "#"), frame)

	parts := strings.SplitN(strings.TrimSuffix(frame[1:], "\r\n"), " ", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "2", parts[0], "post-mutation version")

	payload, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(payload))

	// Deltas for non-matching documents are filtered out
	assert.Equal(t, "+OK\r\n", publisher.roundTrip("SET cart:9 y 1"))
	assert.Equal(t, "+PONG\r\n", subscriber.roundTrip("PING"))
}

func TestTCPServerAuthGate(t *testing.T) {
	srv := startTCPServer(t, func(s *TCPServer) {
		s.WithPassword("hunter2")
	})
	client := dialTCP(t, srv.Addr().String())

	resp := client.roundTrip("SET user:1 x 1")
	assert.True(t, strings.HasPrefix(resp, "-ERR NOAUTH"), resp)

	assert.Equal(t, "-ERR WRONGPASS Invalid password\r\n", client.roundTrip("AUTH wrong"))
	assert.Equal(t, "+OK\r\n", client.roundTrip("AUTH hunter2"))
	assert.Equal(t, "+OK\r\n", client.roundTrip("SET user:1 x 1"))

	// Authentication is per connection
	second := dialTCP(t, srv.Addr().String())
	resp = second.roundTrip("GET user:1")
	assert.True(t, strings.HasPrefix(resp, "-ERR NOAUTH"), resp)
}

func TestTCPServerRateLimit(t *testing.T) {
	srv := startTCPServer(t, func(s *TCPServer) {
		s.WithRateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	})
	client := dialTCP(t, srv.Addr().String())

	assert.Equal(t, "+OK\r\n", client.roundTrip("SET doc:1 x 1"))
	assert.Equal(t, "-ERR RATE_LIMITED Rate limit exceeded\r\n", client.roundTrip("SET doc:1 x 2"))

	// Each connection gets its own bucket
	second := dialTCP(t, srv.Addr().String())
	assert.Equal(t, "+OK\r\n", second.roundTrip("SET doc:1 x 3"))
}

func TestTCPServerClientID(t *testing.T) {
	srv := startTCPServer(t, nil)
	client := dialTCP(t, srv.Addr().String())

	client.send("INFO")
	var info struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(client.readBulk()), &info))
	assert.True(t, strings.HasPrefix(info.ClientID, "tcp:127.0.0.1:"), info.ClientID)
}

func TestTCPServerTLS(t *testing.T) {
	certPath, keyPath := writeTestCert(t)
	tlsConfig, err := LoadTLSConfig(certPath, keyPath)
	require.NoError(t, err)

	srv := startTCPServer(t, func(s *TCPServer) {
		s.WithTLS(tlsConfig)
	})

	conn, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	assert.Equal(t, "+PONG\r\n", client.roundTrip("PING"))

	client.send("INFO")
	var info struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(client.readBulk()), &info))
	assert.True(t, strings.HasPrefix(info.ClientID, "tls:"), info.ClientID)
}

func TestLoadTLSConfigMissingFiles(t *testing.T) {
	_, err := LoadTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)
}

// writeTestCert generates a self-signed certificate for 127.0.0.1 and
// writes the PEM pair into a temporary directory.
func writeTestCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"ussl-test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	return certPath, keyPath
}
