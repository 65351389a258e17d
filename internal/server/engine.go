package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/BoonHianLim/sc4051-distributed-systems/internal/config"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/metrics"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/payload"
)

// readBufferSize holds the largest possible UDP payload
const readBufferSize = 65535

// Engine is a UDP echo reactor
type Engine interface {
	// Start binds the socket and begins echoing. It returns a *BindError if
	// the socket cannot be bound.
	Start() error
	// Stop closes the socket and waits for the reactor to exit
	Stop() error
	// Addr returns the bound local address, or nil before Start
	Addr() net.Addr
	State() State
	GetStatistics() ServerStatistics
}

// New creates the engine selected by cfg.Engine
func New(cfg *config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) (Engine, error) {
	switch cfg.Engine {
	case config.EngineNet, "":
		return NewEchoServer(cfg, logger, m), nil
	case config.EngineGnet:
		return NewGnetServer(cfg, logger, m), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

// State is the lifecycle state of an engine
type State int32

const (
	StateUnbound State = iota
	StateListening
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateListening:
		return "listening"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// ServerStatistics represents server counters
type ServerStatistics struct {
	Engine            string `json:"engine"`
	State             string `json:"state"`
	ListenAddress     string `json:"listen_address"`
	DatagramsReceived uint64 `json:"datagrams_received"`
	BytesReceived     uint64 `json:"bytes_received"`
	EchoesSent        uint64 `json:"echoes_sent"`
	BytesSent         uint64 `json:"bytes_sent"`
	SendErrors        uint64 `json:"send_errors"`
	ReadErrors        uint64 `json:"read_errors"`
}

// datagramHandler logs and echoes one datagram at a time. It is shared by
// both engines; the engine supplies the send function bound to its socket.
type datagramHandler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	datagramsReceived atomic.Uint64
	bytesReceived     atomic.Uint64
	echoesSent        atomic.Uint64
	bytesSent         atomic.Uint64
	sendErrors        atomic.Uint64
	readErrors        atomic.Uint64
}

func newDatagramHandler(logger *slog.Logger, m *metrics.Metrics) *datagramHandler {
	return &datagramHandler{logger: logger, metrics: m}
}

// handleDatagram logs the three payload views, then sends data back to src
func (h *datagramHandler) handleDatagram(data []byte, src net.Addr, send func([]byte) error) {
	start := time.Now()
	host, port := splitAddr(src)

	h.datagramsReceived.Add(1)
	h.bytesReceived.Add(uint64(len(data)))
	if h.metrics != nil {
		h.metrics.RecordDatagramReceived(len(data))
	}

	views := payload.Describe(data)
	h.logger.Info("Received raw buffer",
		slog.String("raw", views.Raw),
		slog.Int("size", len(data)),
		slog.String("remote_address", host),
		slog.Int("remote_port", port),
	)
	h.logger.Info("Hex dump", slog.String("hex", views.Hex))
	h.logger.Info("Byte array", slog.Any("bytes", views.Array))

	if err := send(data); err != nil {
		sendErr := &SendError{Destination: net.JoinHostPort(host, strconv.Itoa(port)), Err: err}
		h.sendErrors.Add(1)
		if h.metrics != nil {
			h.metrics.RecordSendError(time.Since(start).Seconds())
		}
		h.logger.Error("Failed to send response",
			slog.String("remote_address", host),
			slog.Int("remote_port", port),
			slog.String("error", sendErr.Error()),
		)
		return
	}

	h.echoesSent.Add(1)
	h.bytesSent.Add(uint64(len(data)))
	if h.metrics != nil {
		h.metrics.RecordEchoSent(len(data), time.Since(start).Seconds())
	}
	h.logger.Info("Sent response",
		slog.String("remote_address", host),
		slog.Int("remote_port", port),
	)
}

func (h *datagramHandler) recordReadError() {
	h.readErrors.Add(1)
	if h.metrics != nil {
		h.metrics.RecordReadError()
	}
}

func (h *datagramHandler) statistics() ServerStatistics {
	return ServerStatistics{
		DatagramsReceived: h.datagramsReceived.Load(),
		BytesReceived:     h.bytesReceived.Load(),
		EchoesSent:        h.echoesSent.Load(),
		BytesSent:         h.bytesSent.Load(),
		SendErrors:        h.sendErrors.Load(),
		ReadErrors:        h.readErrors.Load(),
	}
}

// splitAddr returns the IP string and port of a UDP source address
func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if ua, ok := addr.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return ap.Addr().Unmap().String(), int(ap.Port())
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap.Addr().Unmap().String(), int(ap.Port())
	}
	return addr.String(), 0
}
