package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/internal/transport"
)

// ProtocolCollector bundles Prometheus metrics for protocol traffic and
// state transitions. It implements protocol.Observer and
// transport.Observer, and also instruments the health gRPC server.
type ProtocolCollector struct {
	gatherer prometheus.Gatherer

	MessagesSent      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	DeliveryLatency   *prometheus.HistogramVec
	Anomalies         *prometheus.CounterVec

	PhaseTransitions    *prometheus.CounterVec
	NeighborTransitions *prometheus.CounterVec
	SessionTransitions  *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	DataBytes           prometheus.Counter
	SimTime             prometheus.Gauge

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

var (
	_ protocol.Observer  = (*ProtocolCollector)(nil)
	_ transport.Observer = (*ProtocolCollector)(nil)
)

// NewProtocolCollector registers protocol metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewProtocolCollector(reg prometheus.Registerer) (*ProtocolCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &ProtocolCollector{gatherer: gatherer}
	var err error

	counters := []struct {
		dst    **prometheus.CounterVec
		name   string
		help   string
		labels []string
	}{
		{&c.MessagesSent, "discosim_messages_sent_total", "Messages handed to the transport, by kind.", []string{"kind"}},
		{&c.MessagesReceived, "discosim_messages_received_total", "Messages accepted by agents, by kind.", []string{"kind"}},
		{&c.MessagesDelivered, "discosim_messages_delivered_total", "Datagrams delivered by the transport, by kind.", []string{"kind"}},
		{&c.MessagesDropped, "discosim_messages_dropped_total", "Datagrams dropped by the transport, by reason.", []string{"reason"}},
		{&c.Anomalies, "discosim_anomalies_total", "Protocol anomalies detected and dropped, by kind.", []string{"kind"}},
		{&c.PhaseTransitions, "discosim_phase_transitions_total", "Agent phase transitions, by target phase.", []string{"phase"}},
		{&c.NeighborTransitions, "discosim_neighbor_transitions_total", "Neighbor entry transitions, by target state.", []string{"state"}},
		{&c.SessionTransitions, "discosim_session_transitions_total", "Collaboration session transitions, by target state.", []string{"state"}},
		{&c.RPCRequests, "discosim_grpc_requests_total", "Handled gRPC requests, labeled by service, method, and status code.", []string{"service", "method", "code"}},
	}
	for _, spec := range counters {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: spec.name, Help: spec.help}, spec.labels)
		if *spec.dst, err = registerCounterVec(reg, vec, spec.name); err != nil {
			return nil, err
		}
	}

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "discosim_delivery_latency_seconds",
		Help:    "Virtual-time latency between send and delivery.",
		Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"kind"})
	if c.DeliveryLatency, err = registerHistogramVec(reg, latency, "discosim_delivery_latency_seconds"); err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "discosim_grpc_request_duration_seconds",
		Help:    "gRPC request latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"})
	if c.RPCDurations, err = registerHistogramVec(reg, durations, "discosim_grpc_request_duration_seconds"); err != nil {
		return nil, err
	}

	if c.SessionsActive, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discosim_sessions_active",
		Help: "Collaboration sessions currently active, counted per endpoint.",
	}), "discosim_sessions_active"); err != nil {
		return nil, err
	}
	if c.SimTime, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discosim_sim_time_seconds",
		Help: "Current virtual time as seconds since the run epoch.",
	}), "discosim_sim_time_seconds"); err != nil {
		return nil, err
	}
	if c.DataBytes, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discosim_data_bytes_delivered_total",
		Help: "Application payload bytes delivered on active sessions.",
	}), "discosim_data_bytes_delivered_total"); err != nil {
		return nil, err
	}

	// Pre-create label values so dashboards see zeroes before traffic.
	for _, k := range protocol.Kinds() {
		c.MessagesSent.WithLabelValues(k.String())
		c.MessagesReceived.WithLabelValues(k.String())
	}
	for _, k := range protocol.AnomalyKinds() {
		c.Anomalies.WithLabelValues(string(k))
	}

	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ProtocolCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *ProtocolCollector) PhaseChanged(_ context.Context, _ protocol.AgentID, _, to protocol.Phase, _ time.Time) {
	if c == nil {
		return
	}
	c.PhaseTransitions.WithLabelValues(to.String()).Inc()
}

func (c *ProtocolCollector) NeighborChanged(_ context.Context, _, _ protocol.AgentID, _, to protocol.NeighborState, _ time.Time) {
	if c == nil {
		return
	}
	c.NeighborTransitions.WithLabelValues(to.String()).Inc()
}

func (c *ProtocolCollector) SessionChanged(_ context.Context, _, _ protocol.AgentID, from, to protocol.SessionState, _ time.Time) {
	if c == nil {
		return
	}
	c.SessionTransitions.WithLabelValues(to.String()).Inc()
	switch {
	case to == protocol.SessionActive && from != protocol.SessionActive:
		c.SessionsActive.Inc()
	case from == protocol.SessionActive && to != protocol.SessionActive:
		c.SessionsActive.Dec()
	}
}

func (c *ProtocolCollector) MessageSent(_ context.Context, _ protocol.AgentID, msg protocol.Message, _ time.Time) {
	if c == nil {
		return
	}
	c.MessagesSent.WithLabelValues(msg.Kind.String()).Inc()
}

func (c *ProtocolCollector) MessageReceived(_ context.Context, _ protocol.AgentID, msg protocol.Message, _ time.Time) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(msg.Kind.String()).Inc()
}

func (c *ProtocolCollector) DataDelivered(_ context.Context, _, _ protocol.AgentID, size int, _ time.Time) {
	if c == nil || size <= 0 {
		return
	}
	c.DataBytes.Add(float64(size))
}

func (c *ProtocolCollector) Anomaly(_ context.Context, _ protocol.AgentID, a protocol.Anomaly) {
	if c == nil {
		return
	}
	c.Anomalies.WithLabelValues(string(a.Kind)).Inc()
}

// Delivered records a transport delivery and its virtual latency.
func (c *ProtocolCollector) Delivered(_ context.Context, _, _ protocol.AgentID, kind protocol.Kind, latency time.Duration) {
	if c == nil {
		return
	}
	c.MessagesDelivered.WithLabelValues(kind.String()).Inc()
	c.DeliveryLatency.WithLabelValues(kind.String()).Observe(latency.Seconds())
}

// Dropped records a transport drop.
func (c *ProtocolCollector) Dropped(_ context.Context, _, _ protocol.AgentID, _ protocol.Kind, reason transport.DropReason) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(string(reason)).Inc()
}

// SimTimeListener returns a clock listener that keeps the sim-time gauge
// current relative to epoch.
func (c *ProtocolCollector) SimTimeListener(epoch time.Time) func(time.Time) {
	return func(now time.Time) {
		if c == nil {
			return
		}
		c.SimTime.Set(now.Sub(epoch).Seconds())
	}
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *ProtocolCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ProtocolCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

func handlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
