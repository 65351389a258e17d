package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.RecordDatagramReceived(10)

	if got := testutil.ToFloat64(m1.DatagramsReceived); got != 1 {
		t.Errorf("Expected 1 datagram on first registry, got %v", got)
	}
	if got := testutil.ToFloat64(m2.DatagramsReceived); got != 0 {
		t.Errorf("Expected 0 datagrams on second registry, got %v", got)
	}
}

func TestRecordEcho(t *testing.T) {
	m := NewMetrics()

	m.RecordDatagramReceived(5)
	m.RecordEchoSent(5, 0.0001)
	m.RecordDatagramReceived(3)
	m.RecordSendError(0.0002)

	if got := testutil.ToFloat64(m.BytesReceived); got != 8 {
		t.Errorf("Expected 8 bytes received, got %v", got)
	}
	if got := testutil.ToFloat64(m.EchoesSent); got != 1 {
		t.Errorf("Expected 1 echo sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 5 {
		t.Errorf("Expected 5 bytes sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.SendErrors); got != 1 {
		t.Errorf("Expected 1 send error, got %v", got)
	}
}

func TestGathererExposesServiceMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)

	count, err := testutil.GatherAndCount(m.Gatherer(),
		"udp_echo_datagrams_received_total",
		"udp_echo_http_requests_total",
	)
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 series, got %d", count)
	}
}
