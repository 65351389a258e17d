//go:build !linux && !darwin

package server

import (
	"errors"
	"log/slog"
	"net"

	"github.com/BoonHianLim/sc4051-distributed-systems/internal/config"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/metrics"
)

// GnetServer is unavailable on this platform; Start always fails
type GnetServer struct {
	config  *config.ServerConfig
	handler *datagramHandler
}

// NewGnetServer creates a placeholder whose Start reports a BindError
func NewGnetServer(cfg *config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) *GnetServer {
	return &GnetServer{config: cfg, handler: newDatagramHandler(logger, m)}
}

func (s *GnetServer) Start() error {
	return &BindError{
		Network: s.config.Network,
		Address: s.config.ListenAddress(),
		Err:     errors.New("gnet engine is only built for linux and darwin"),
	}
}

func (s *GnetServer) Stop() error { return nil }

func (s *GnetServer) Addr() net.Addr { return nil }

func (s *GnetServer) State() State { return StateUnbound }

func (s *GnetServer) GetStatistics() ServerStatistics {
	stats := s.handler.statistics()
	stats.Engine = config.EngineGnet
	stats.State = StateUnbound.String()
	return stats
}
