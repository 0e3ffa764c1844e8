package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.FrameSent(4)
	m.FrameSent(0)
	m.FrameReceived(100)
	m.Error(ErrorDecode)
	m.Unsolicited()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.CallbackAdded()
	m.CallbackAdded()
	m.CallbacksRemoved(1)

	if got := testutil.ToFloat64(m.frames.WithLabelValues(DirectionSent)); got != 2 {
		t.Fatalf("expect 2 frames sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.bytes.WithLabelValues(DirectionSent)); got != 28 {
		t.Fatalf("expect 28 bytes sent, got %v", got)
	}
	if got := testutil.ToFloat64(m.bytes.WithLabelValues(DirectionReceived)); got != 112 {
		t.Fatalf("expect 112 bytes received, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues(ErrorDecode)); got != 1 {
		t.Fatalf("expect 1 decode error, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeConnections); got != 1 {
		t.Fatalf("expect 1 active connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.pendingCallbacks); got != 1 {
		t.Fatalf("expect 1 pending callback, got %v", got)
	}
	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Fatal("expect registered collectors")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.FrameSent(1)
	m.FrameReceived(1)
	m.Error(ErrorTransport)
	m.Unsolicited()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.CallbackAdded()
	m.CallbacksRemoved(3)
}
