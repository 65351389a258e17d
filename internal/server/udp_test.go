package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BoonHianLim/sc4051-distributed-systems/internal/config"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// loopbackConfig binds an ephemeral port on 127.0.0.1
func loopbackConfig(engine string) *config.ServerConfig {
	cfg := config.Default().Server
	cfg.BindAddress = "127.0.0.1"
	cfg.UDPPort = 0
	cfg.Engine = engine
	return &cfg
}

func startEchoServer(t *testing.T, cfg *config.ServerConfig, logger *slog.Logger) *EchoServer {
	t.Helper()

	s := NewEchoServer(cfg, logger, metrics.NewMetrics())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dialServer(t *testing.T, addr net.Addr) *net.UDPConn {
	t.Helper()

	conn, err := net.DialUDP("udp4", nil, addr.(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *net.UDPConn, p []byte) []byte {
	t.Helper()

	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Write(p)
	require.NoError(t, err)

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

// syncBuffer is a log sink that is safe to read while the server writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// records decodes every JSON log line written so far
func (b *syncBuffer) records() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	sc.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func (b *syncBuffer) find(msg string) map[string]any {
	for _, rec := range b.records() {
		if rec["msg"] == msg {
			return rec
		}
	}
	return nil
}

func TestEchoRoundTripIdentity(t *testing.T) {
	s := startEchoServer(t, loopbackConfig(config.EngineNet), testLogger())
	conn := dialServer(t, s.Addr())

	rng := rand.New(rand.NewSource(42))
	for _, size := range []int{1, 2, 64, 512, 1472, 9000, config.MaxDatagramSize} {
		p := make([]byte, size)
		rng.Read(p)

		got := roundTrip(t, conn, p)
		require.Equal(t, p, got, "payload of %d bytes not echoed unmodified", size)
	}

	require.Eventually(t, func() bool { return s.GetStatistics().EchoesSent == 7 },
		2*time.Second, 10*time.Millisecond)
	stats := s.GetStatistics()
	require.Equal(t, uint64(7), stats.DatagramsReceived)
	require.Equal(t, uint64(0), stats.SendErrors)
}

func TestEchoEmptyDatagram(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	s := startEchoServer(t, loopbackConfig(config.EngineNet), logger)
	conn := dialServer(t, s.Addr())

	got := roundTrip(t, conn, []byte{})
	require.Empty(t, got)

	require.Eventually(t, func() bool { return logs.find("Sent response") != nil },
		2*time.Second, 10*time.Millisecond)

	hexRec := logs.find("Hex dump")
	require.NotNil(t, hexRec)
	require.Equal(t, "", hexRec["hex"])

	arrRec := logs.find("Byte array")
	require.NotNil(t, arrRec)
	require.Equal(t, []any{}, arrRec["bytes"])

	rawRec := logs.find("Received raw buffer")
	require.NotNil(t, rawRec)
	require.Equal(t, "<Buffer >", rawRec["raw"])
}

func TestEchoLogsThreeViewsAndConfirmation(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	s := startEchoServer(t, loopbackConfig(config.EngineNet), logger)
	conn := dialServer(t, s.Addr())

	require.Equal(t, []byte("hi"), roundTrip(t, conn, []byte("hi")))

	var sent map[string]any
	require.Eventually(t, func() bool {
		sent = logs.find("Sent response")
		return sent != nil
	}, 2*time.Second, 10*time.Millisecond)

	local := conn.LocalAddr().(*net.UDPAddr)
	require.Equal(t, "127.0.0.1", sent["remote_address"])
	require.Equal(t, float64(local.Port), sent["remote_port"])

	require.Equal(t, "<Buffer 68 69>", logs.find("Received raw buffer")["raw"])
	require.Equal(t, "6869", logs.find("Hex dump")["hex"])
	require.Equal(t, []any{float64(104), float64(105)}, logs.find("Byte array")["bytes"])

	listening := logs.find("Server listening")
	require.NotNil(t, listening)
	require.Equal(t, float64(s.Addr().(*net.UDPAddr).Port), listening["port"])
}

func TestEchoNoCrossTalk(t *testing.T) {
	s := startEchoServer(t, loopbackConfig(config.EngineNet), testLogger())
	connX := dialServer(t, s.Addr())
	connY := dialServer(t, s.Addr())
	require.NotEqual(t, connX.LocalAddr().String(), connY.LocalAddr().String())

	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, connX.SetDeadline(deadline))
	require.NoError(t, connY.SetDeadline(deadline))

	_, err := connX.Write([]byte("A"))
	require.NoError(t, err)
	_, err = connY.Write([]byte("B"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := connX.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "A", string(buf[:n]))

	n, err = connY.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "B", string(buf[:n]))
}

func TestSecondBindFails(t *testing.T) {
	first := startEchoServer(t, loopbackConfig(config.EngineNet), testLogger())
	port := first.Addr().(*net.UDPAddr).Port

	cfg := loopbackConfig(config.EngineNet)
	cfg.UDPPort = port
	second := NewEchoServer(cfg, testLogger(), metrics.NewMetrics())

	err := second.Start()
	require.Error(t, err)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	require.Equal(t, cfg.ListenAddress(), bindErr.Address)
	require.ErrorIs(t, err, syscall.EADDRINUSE)

	require.Equal(t, StateUnbound, second.State())
	require.Nil(t, second.Addr())

	// The first instance is unaffected
	conn := dialServer(t, first.Addr())
	require.Equal(t, []byte("still here"), roundTrip(t, conn, []byte("still here")))
}

func TestReusePortAllowsSharedBind(t *testing.T) {
	cfg := loopbackConfig(config.EngineNet)
	cfg.ReusePort = true
	first := startEchoServer(t, cfg, testLogger())

	cfg2 := loopbackConfig(config.EngineNet)
	cfg2.ReusePort = true
	cfg2.UDPPort = first.Addr().(*net.UDPAddr).Port
	second := startEchoServer(t, cfg2, testLogger())

	require.Equal(t, StateListening, second.State())
	require.Equal(t, first.Addr().String(), second.Addr().String())
}

// flakyConn fails the next WriteTo when failNext is set
type flakyConn struct {
	net.PacketConn
	failNext atomic.Bool
}

func (c *flakyConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.failNext.CompareAndSwap(true, false) {
		return 0, errors.New("simulated destination unreachable")
	}
	return c.PacketConn.WriteTo(p, addr)
}

func TestSendFailureIsRecoverable(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	flaky := &flakyConn{PacketConn: pc}
	flaky.failNext.Store(true)

	logs := &syncBuffer{}
	s := NewEchoServer(loopbackConfig(config.EngineNet), slog.New(slog.NewJSONHandler(logs, nil)), metrics.NewMetrics())

	served := make(chan error, 1)
	go func() { served <- s.Serve(flaky) }()
	t.Cleanup(func() { _ = s.Stop() })

	require.Eventually(t, func() bool { return s.State() == StateListening },
		2*time.Second, 10*time.Millisecond)

	conn := dialServer(t, pc.LocalAddr())

	// First echo is dropped by the simulated failure
	require.NoError(t, conn.SetDeadline(time.Now().Add(300*time.Millisecond)))
	_, err = conn.Write([]byte("lost"))
	require.NoError(t, err)
	_, err = conn.Read(make([]byte, 16))
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())

	// The server keeps listening and echoes the next datagram
	require.Equal(t, []byte("kept"), roundTrip(t, conn, []byte("kept")))

	stats := s.GetStatistics()
	require.Equal(t, uint64(2), stats.DatagramsReceived)
	require.Equal(t, uint64(1), stats.SendErrors)

	failed := logs.find("Failed to send response")
	require.NotNil(t, failed)
	require.Contains(t, failed["error"], "simulated destination unreachable")
	require.Equal(t, float64(conn.LocalAddr().(*net.UDPAddr).Port), failed["remote_port"])

	require.NoError(t, s.Stop())
	select {
	case err := <-served:
		require.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestStopLifecycle(t *testing.T) {
	s := NewEchoServer(loopbackConfig(config.EngineNet), testLogger(), metrics.NewMetrics())
	require.Equal(t, StateUnbound, s.State())

	require.NoError(t, s.Start())
	require.Equal(t, StateListening, s.State())
	addr := s.Addr()
	require.NotNil(t, addr)

	require.NoError(t, s.Stop())
	require.Equal(t, StateTerminated, s.State())

	// Stop is idempotent and a stopped server does not restart
	require.NoError(t, s.Stop())
	require.Error(t, s.Start())

	// The port is released
	pc, err := net.ListenPacket("udp4", addr.String())
	require.NoError(t, err)
	require.NoError(t, pc.Close())
}

func TestStopBeforeStart(t *testing.T) {
	s := NewEchoServer(loopbackConfig(config.EngineNet), testLogger(), metrics.NewMetrics())
	require.NoError(t, s.Stop())
	require.Equal(t, StateTerminated, s.State())
}

func TestNewSelectsEngine(t *testing.T) {
	eng, err := New(loopbackConfig(config.EngineNet), testLogger(), metrics.NewMetrics())
	require.NoError(t, err)
	require.IsType(t, &EchoServer{}, eng)

	eng, err = New(loopbackConfig(config.EngineGnet), testLogger(), metrics.NewMetrics())
	require.NoError(t, err)
	require.IsType(t, &GnetServer{}, eng)

	_, err = New(loopbackConfig("epoll"), testLogger(), metrics.NewMetrics())
	require.Error(t, err)
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		host string
		port int
	}{
		{name: "ipv4", addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 12000}, host: "10.0.0.1", port: 12000},
		{name: "ipv6", addr: &net.UDPAddr{IP: net.ParseIP("::1"), Port: 5353}, host: "::1", port: 5353},
		{name: "nil", addr: nil, host: "", port: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := splitAddr(tt.addr)
			require.Equal(t, tt.host, host)
			require.Equal(t, tt.port, port)
		})
	}
}
