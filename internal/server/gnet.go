//go:build linux || darwin

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/panjf2000/gnet/v2/pkg/logging"

	"github.com/BoonHianLim/sc4051-distributed-systems/internal/config"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/metrics"
)

const gnetStopTimeout = 5 * time.Second

// GnetServer echoes UDP datagrams from a single gnet event loop. Each
// readiness event is handled to completion in OnTraffic.
type GnetServer struct {
	gnet.BuiltinEventEngine

	config  *config.ServerConfig
	logger  *slog.Logger
	handler *datagramHandler

	booted chan struct{}
	done   chan error

	mu     sync.Mutex
	engine gnet.Engine
	addr   net.Addr
	state  atomic.Int32
}

// NewGnetServer creates a new gnet-backed echo server instance
func NewGnetServer(cfg *config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) *GnetServer {
	return &GnetServer{
		config:  cfg,
		logger:  logger,
		handler: newDatagramHandler(logger, m),
		booted:  make(chan struct{}),
		done:    make(chan error, 1),
	}
}

// Start runs the gnet engine and blocks until the socket is bound
func (s *GnetServer) Start() error {
	if s.State() != StateUnbound {
		return fmt.Errorf("echo server already %s", s.State())
	}

	// gnet sets SO_REUSEPORT on every UDP listener, so an exclusive bind
	// has to be checked before handing the address over
	if !s.config.ReusePort && s.config.UDPPort != 0 {
		if err := s.checkPortFree(); err != nil {
			return &BindError{Network: s.config.Network, Address: s.config.ListenAddress(), Err: err}
		}
	}

	protoAddr := fmt.Sprintf("%s://%s", s.config.Network, s.config.ListenAddress())
	go func() {
		s.done <- gnet.Run(s, protoAddr,
			gnet.WithMulticore(false),
			gnet.WithReusePort(s.config.ReusePort),
			gnet.WithSocketRecvBuffer(s.config.BufferSize),
			gnet.WithLogger(newGnetLogger(s.logger)),
		)
	}()

	select {
	case <-s.booted:
		return nil
	case err := <-s.done:
		if err == nil {
			err = errors.New("engine exited before boot")
		}
		return &BindError{Network: s.config.Network, Address: s.config.ListenAddress(), Err: err}
	}
}

// checkPortFree binds the listen address without SO_REUSEPORT and releases it
func (s *GnetServer) checkPortFree() error {
	pc, err := net.ListenPacket(s.config.Network, s.config.ListenAddress())
	if err != nil {
		return err
	}
	return pc.Close()
}

// OnBoot fires once the listener is bound
func (s *GnetServer) OnBoot(eng gnet.Engine) gnet.Action {
	s.mu.Lock()
	s.engine = eng
	s.addr = s.resolveBoundAddr(eng)
	s.mu.Unlock()

	if s.config.DSCP != 0 {
		if err := s.withListenerFd(eng, func(fd int) error {
			return setDSCPFd(fd, uint8(s.config.DSCP))
		}); err != nil {
			s.logger.Warn("Failed to set DSCP",
				slog.Int("dscp", s.config.DSCP),
				slog.String("error", err.Error()),
			)
		}
	}

	s.state.Store(int32(StateListening))

	host, port := splitAddr(s.Addr())
	s.logger.Info("Server listening",
		slog.String("address", host),
		slog.Int("port", port),
		slog.String("engine", config.EngineGnet),
		slog.Int("buffer_size", s.config.BufferSize),
	)

	close(s.booted)
	return gnet.None
}

// OnTraffic handles one inbound datagram
func (s *GnetServer) OnTraffic(c gnet.Conn) gnet.Action {
	buf, err := c.Next(-1)
	if err != nil {
		s.handler.recordReadError()
		s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
		return gnet.None
	}

	// The event loop reuses buf once OnTraffic returns
	data := make([]byte, len(buf))
	copy(data, buf)

	s.handler.handleDatagram(data, c.RemoteAddr(), func(p []byte) error {
		_, err := c.Write(p)
		return err
	})

	return gnet.None
}

// resolveBoundAddr reads the listener address so port 0 reports the real port
func (s *GnetServer) resolveBoundAddr(eng gnet.Engine) net.Addr {
	var addr net.Addr
	err := s.withListenerFd(eng, func(fd int) error {
		ua, err := boundAddr(fd)
		if err != nil {
			return err
		}
		addr = ua
		return nil
	})
	if err != nil {
		s.logger.Debug("Falling back to configured listen address", slog.String("error", err.Error()))
		if ua, rerr := net.ResolveUDPAddr(s.config.Network, s.config.ListenAddress()); rerr == nil {
			return ua
		}
		return nil
	}
	return addr
}

// withListenerFd runs fn on a duplicate of the listener descriptor
func (s *GnetServer) withListenerFd(eng gnet.Engine, fn func(fd int) error) error {
	fd, err := eng.Dup()
	if err != nil {
		return fmt.Errorf("failed to duplicate listener: %w", err)
	}
	defer closeFd(fd)

	return fn(fd)
}

// Stop shuts the event loop down and waits for gnet.Run to return
func (s *GnetServer) Stop() error {
	prev := State(s.state.Swap(int32(StateTerminated)))
	if prev == StateTerminated {
		return nil
	}
	if prev == StateUnbound {
		return nil
	}

	s.logger.Info("Stopping echo server...")

	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gnetStopTimeout)
	defer cancel()

	var stopErr error
	if err := eng.Stop(ctx); err != nil {
		stopErr = fmt.Errorf("failed to stop gnet engine: %w", err)
	}

	select {
	case err := <-s.done:
		if err != nil && stopErr == nil {
			stopErr = fmt.Errorf("gnet engine exited with error: %w", err)
		}
	case <-ctx.Done():
		if stopErr == nil {
			stopErr = fmt.Errorf("timed out waiting for gnet engine: %w", ctx.Err())
		}
	}

	stats := s.handler.statistics()
	s.logger.Info("Echo server stopped",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("echoes_sent", stats.EchoesSent),
		slog.Uint64("send_errors", stats.SendErrors),
	)

	return stopErr
}

// Addr returns the bound local address
func (s *GnetServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// State returns the current lifecycle state
func (s *GnetServer) State() State {
	return State(s.state.Load())
}

// GetStatistics returns current server statistics
func (s *GnetServer) GetStatistics() ServerStatistics {
	stats := s.handler.statistics()
	stats.Engine = config.EngineGnet
	stats.State = s.State().String()
	if addr := s.Addr(); addr != nil {
		stats.ListenAddress = addr.String()
	}
	return stats
}

// gnetLogger routes gnet's internal logging through slog. Fatal messages
// raise SIGTERM instead of exiting so the process shuts down through its
// normal path and releases the socket.
type gnetLogger struct {
	logger *slog.Logger
	raise  func()
}

var _ logging.Logger = (*gnetLogger)(nil)

func newGnetLogger(logger *slog.Logger) *gnetLogger {
	return &gnetLogger{
		logger: logger,
		raise: func() {
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		},
	}
}

func (l *gnetLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "gnet"))
}

func (l *gnetLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...), slog.String("component", "gnet"))
}

func (l *gnetLogger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gnet"))
}

func (l *gnetLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "gnet"))
}

func (l *gnetLogger) Fatalf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...),
		slog.String("component", "gnet"),
		slog.Bool("fatal", true),
	)
	l.raise()
}
