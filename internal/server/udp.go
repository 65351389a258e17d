package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/libp2p/go-reuseport"

	"github.com/BoonHianLim/sc4051-distributed-systems/internal/config"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/metrics"
)

// EchoServer echoes UDP datagrams from a single blocking receive loop
type EchoServer struct {
	config  *config.ServerConfig
	logger  *slog.Logger
	handler *datagramHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conn  net.PacketConn
	state atomic.Int32
}

// NewEchoServer creates a new UDP echo server instance
func NewEchoServer(cfg *config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) *EchoServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &EchoServer{
		config:  cfg,
		logger:  logger,
		handler: newDatagramHandler(logger, m),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the UDP socket and starts the receive loop
func (s *EchoServer) Start() error {
	if s.State() != StateUnbound {
		return fmt.Errorf("echo server already %s", s.State())
	}

	conn, err := s.listen()
	if err != nil {
		return &BindError{Network: s.config.Network, Address: s.config.ListenAddress(), Err: err}
	}

	s.applySocketOptions(conn)

	if err := s.attach(conn); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.receiveLoop(conn); err != nil && !errors.Is(err, ErrServerClosed) {
			s.logger.Error("Receive loop terminated", slog.String("error", err.Error()))
		}
	}()

	return nil
}

func (s *EchoServer) listen() (net.PacketConn, error) {
	if s.config.ReusePort {
		return reuseport.ListenPacket(s.config.Network, s.config.ListenAddress())
	}

	addr, err := net.ResolveUDPAddr(s.config.Network, s.config.ListenAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	return net.ListenUDP(s.config.Network, addr)
}

func (s *EchoServer) applySocketOptions(conn net.PacketConn) {
	if udpConn, ok := conn.(*net.UDPConn); ok {
		if err := udpConn.SetReadBuffer(s.config.BufferSize); err != nil {
			s.logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", s.config.BufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.config.DSCP == 0 {
		return
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	if err := setDSCP(sc, uint8(s.config.DSCP)); err != nil {
		s.logger.Warn("Failed to set DSCP",
			slog.Int("dscp", s.config.DSCP),
			slog.String("error", err.Error()),
		)
	}
}

// Serve runs the receive loop on pc until Stop is called. The server takes
// ownership of pc and closes it on Stop.
func (s *EchoServer) Serve(pc net.PacketConn) error {
	if err := s.attach(pc); err != nil {
		return err
	}

	return s.receiveLoop(pc)
}

// attach moves the server from unbound to listening on pc
func (s *EchoServer) attach(pc net.PacketConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("echo server already serving on %s", s.conn.LocalAddr())
	}
	if !s.state.CompareAndSwap(int32(StateUnbound), int32(StateListening)) {
		pc.Close()
		return ErrServerClosed
	}
	s.conn = pc

	host, port := splitAddr(pc.LocalAddr())
	s.logger.Info("Server listening",
		slog.String("address", host),
		slog.Int("port", port),
		slog.String("engine", config.EngineNet),
		slog.Int("buffer_size", s.config.BufferSize),
	)

	return nil
}

// receiveLoop reads one datagram at a time and echoes it before the next read
func (s *EchoServer) receiveLoop(pc net.PacketConn) error {
	buffer := make([]byte, readBufferSize)

	for {
		n, remoteAddr, err := pc.ReadFrom(buffer)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("socket closed: %w", err)
			}

			s.handler.recordReadError()
			s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
			continue
		}

		// Copy out of the reused read buffer
		data := make([]byte, n)
		copy(data, buffer[:n])

		s.handler.handleDatagram(data, remoteAddr, func(p []byte) error {
			_, err := pc.WriteTo(p, remoteAddr)
			return err
		})
	}
}

// Stop closes the socket and waits for the receive loop to exit
func (s *EchoServer) Stop() error {
	prev := State(s.state.Swap(int32(StateTerminated)))
	if prev == StateTerminated {
		return nil
	}

	s.logger.Info("Stopping echo server...")
	s.cancel()

	var closeErr error
	s.mu.Lock()
	if s.conn != nil {
		closeErr = s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	stats := s.handler.statistics()
	s.logger.Info("Echo server stopped",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("echoes_sent", stats.EchoesSent),
		slog.Uint64("send_errors", stats.SendErrors),
	)

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("failed to close UDP socket: %w", closeErr)
	}
	return nil
}

// Addr returns the bound local address
func (s *EchoServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// State returns the current lifecycle state
func (s *EchoServer) State() State {
	return State(s.state.Load())
}

// GetStatistics returns current server statistics
func (s *EchoServer) GetStatistics() ServerStatistics {
	stats := s.handler.statistics()
	stats.Engine = config.EngineNet
	stats.State = s.State().String()
	if addr := s.Addr(); addr != nil {
		stats.ListenAddress = addr.String()
	}
	return stats
}
