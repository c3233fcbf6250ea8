package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/transport"
)

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func newCollector(t *testing.T) (*ProtocolCollector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewProtocolCollector(reg)
	if err != nil {
		t.Fatalf("NewProtocolCollector: %v", err)
	}
	return c, reg
}

func TestProtocolCollectorCountsTraffic(t *testing.T) {
	c, _ := newCollector(t)
	ctx := context.Background()

	probe := protocol.Message{Kind: protocol.KindProbe, Sender: 1, Seq: 1}
	c.MessageSent(ctx, 1, probe, epoch)
	c.MessageSent(ctx, 1, probe, epoch)
	c.MessageReceived(ctx, 2, probe, epoch)
	c.Delivered(ctx, 1, 2, protocol.KindProbe, 2*time.Millisecond)
	c.Dropped(ctx, 1, 3, protocol.KindProbe, transport.DropOutOfRange)
	c.Anomaly(ctx, 2, protocol.Anomaly{Kind: protocol.AnomalyDuplicateSeq})
	c.DataDelivered(ctx, 2, 1, 1024, epoch)

	if got := testutil.ToFloat64(c.MessagesSent.WithLabelValues("probe")); got != 2 {
		t.Fatalf("messages_sent{probe} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.MessagesReceived.WithLabelValues("probe")); got != 1 {
		t.Fatalf("messages_received{probe} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.MessagesDelivered.WithLabelValues("probe")); got != 1 {
		t.Fatalf("messages_delivered{probe} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.MessagesDropped.WithLabelValues("out_of_range")); got != 1 {
		t.Fatalf("messages_dropped{out_of_range} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Anomalies.WithLabelValues("duplicate_seq")); got != 1 {
		t.Fatalf("anomalies{duplicate_seq} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.DataBytes); got != 1024 {
		t.Fatalf("data bytes = %v, want 1024", got)
	}
}

func TestProtocolCollectorTracksActiveSessions(t *testing.T) {
	c, _ := newCollector(t)
	ctx := context.Background()

	c.SessionChanged(ctx, 1, 2, protocol.SessionNone, protocol.SessionRequesting, epoch)
	c.SessionChanged(ctx, 1, 2, protocol.SessionRequesting, protocol.SessionActive, epoch)
	c.SessionChanged(ctx, 2, 1, protocol.SessionNone, protocol.SessionActive, epoch)
	if got := testutil.ToFloat64(c.SessionsActive); got != 2 {
		t.Fatalf("sessions_active = %v, want 2", got)
	}

	c.SessionChanged(ctx, 1, 2, protocol.SessionActive, protocol.SessionClosing, epoch)
	c.SessionChanged(ctx, 1, 2, protocol.SessionClosing, protocol.SessionClosed, epoch)
	if got := testutil.ToFloat64(c.SessionsActive); got != 1 {
		t.Fatalf("sessions_active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SessionTransitions.WithLabelValues("closed")); got != 1 {
		t.Fatalf("session_transitions{closed} = %v, want 1", got)
	}
}

func TestProtocolCollectorPhaseAndNeighborTransitions(t *testing.T) {
	c, _ := newCollector(t)
	ctx := context.Background()

	c.PhaseChanged(ctx, 1, protocol.PhaseIdle, protocol.PhaseDiscovering, epoch)
	c.PhaseChanged(ctx, 2, protocol.PhaseIdle, protocol.PhaseDiscovering, epoch)
	c.NeighborChanged(ctx, 1, 2, protocol.NeighborNone, protocol.NeighborProbed, epoch)
	c.NeighborChanged(ctx, 1, 2, protocol.NeighborProbed, protocol.NeighborConfirmed, epoch)

	if got := testutil.ToFloat64(c.PhaseTransitions.WithLabelValues("discovering")); got != 2 {
		t.Fatalf("phase_transitions{discovering} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.NeighborTransitions.WithLabelValues("confirmed")); got != 1 {
		t.Fatalf("neighbor_transitions{confirmed} = %v, want 1", got)
	}
}

func TestSimTimeListener(t *testing.T) {
	c, _ := newCollector(t)
	listen := c.SimTimeListener(epoch)
	listen(epoch.Add(2500 * time.Millisecond))
	if got := testutil.ToFloat64(c.SimTime); got != 2.5 {
		t.Fatalf("sim_time = %v, want 2.5", got)
	}
}

func TestDeliveryLatencyHistogram(t *testing.T) {
	c, reg := newCollector(t)
	c.Delivered(context.Background(), 1, 2, protocol.KindData, 5*time.Millisecond)
	c.Delivered(context.Background(), 2, 1, protocol.KindData, 7*time.Millisecond)

	if count := histogramSampleCount(t, reg, "discosim_delivery_latency_seconds", map[string]string{"kind": "data"}); count != 2 {
		t.Fatalf("delivery latency sample_count = %d, want 2", count)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *ProtocolCollector
	ctx := context.Background()
	c.MessageSent(ctx, 1, protocol.Message{Kind: protocol.KindProbe}, epoch)
	c.SessionChanged(ctx, 1, 2, protocol.SessionNone, protocol.SessionActive, epoch)
	c.Dropped(ctx, 1, 2, protocol.KindProbe, transport.DropLoss)
	c.SimTimeListener(epoch)(epoch)
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewProtocolCollector(reg)
	if err != nil {
		t.Fatalf("NewProtocolCollector: %v", err)
	}
	second, err := NewProtocolCollector(reg)
	if err != nil {
		t.Fatalf("second NewProtocolCollector: %v", err)
	}
	second.MessagesSent.WithLabelValues("data").Inc()
	if got := testutil.ToFloat64(first.MessagesSent.WithLabelValues("data")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	c, reg := newCollector(t)

	interceptor := c.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(c.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("grpc_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "discosim_grpc_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("grpc_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	c, _ := newCollector(t)

	interceptor := c.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(c.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("grpc_requests_total error label = %v, want 1", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct{ in, service, method string }{
		{"/grpc.health.v1.Health/Check", "Health", "Check"},
		{"Health/Watch", "Health", "Watch"},
		{"", "unknown", "unknown"},
		{"/nomethod", "unknown", "unknown"},
	}
	for _, tc := range cases {
		service, method := SplitMethod(tc.in)
		if service != tc.service || method != tc.method {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", tc.in, service, method, tc.service, tc.method)
		}
	}
}

func TestMetricsHandlerExposesProtocolMetrics(t *testing.T) {
	c, _ := newCollector(t)
	c.MessageSent(context.Background(), 1, protocol.Message{Kind: protocol.KindSessionRequest}, epoch)
	c.SessionChanged(context.Background(), 1, 2, protocol.SessionRequesting, protocol.SessionActive, epoch)
	c.Dropped(context.Background(), 1, 2, protocol.KindData, transport.DropLoss)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		`discosim_messages_sent_total{kind="session_request"} 1`,
		`discosim_messages_dropped_total{reason="loss"} 1`,
		"discosim_sessions_active 1",
		`discosim_anomalies_total{kind="misaddressed"} 0`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestSchedulerCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	c.ObserveBatch(6, 3, 40)
	c.ObserveBatch(1, 0, 39)

	if got := testutil.ToFloat64(c.BatchesTotal); got != 2 {
		t.Fatalf("batches_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.EventsPending); got != 39 {
		t.Fatalf("events_pending = %v, want 39", got)
	}
	if count := histogramSampleCount(t, reg, "discosim_scheduler_batch_events", nil); count != 2 {
		t.Fatalf("batch_events sample_count = %d, want 2", count)
	}
	if count := histogramSampleCount(t, reg, "discosim_scheduler_batch_owners", nil); count != 1 {
		t.Fatalf("batch_owners sample_count = %d, want 1", count)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
