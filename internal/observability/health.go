package observability

import (
	"context"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

// Health service names reported alongside the overall ("") status.
const (
	ServiceDiscovery     = "discovery"
	ServiceCollaboration = "collaboration"
)

// HealthServer serves the standard gRPC health protocol for a running
// simulation. Discovery and collaboration report SERVING while at least
// one agent is in the matching phase.
type HealthServer struct {
	protocol.NopObserver

	srv    *grpc.Server
	health *health.Server

	mu     sync.Mutex
	counts map[protocol.Phase]int
}

var _ protocol.Observer = (*HealthServer)(nil)

// NewHealthServer builds the gRPC server. A nil collector disables RPC
// metrics but tracing stats are always attached.
func NewHealthServer(collector *ProtocolCollector) *HealthServer {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	}
	if collector != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(collector.UnaryServerInterceptor()))
	}

	h := &HealthServer{
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		counts: make(map[protocol.Phase]int),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(ServiceDiscovery, healthpb.HealthCheckResponse_NOT_SERVING)
	h.health.SetServingStatus(ServiceCollaboration, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Serve blocks serving on lis until Stop.
func (h *HealthServer) Serve(lis net.Listener) error {
	return h.srv.Serve(lis)
}

// Finish marks every service NOT_SERVING; the server keeps answering.
func (h *HealthServer) Finish() {
	h.health.Shutdown()
}

// Stop finishes and then stops the gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.Stop()
}

// PhaseChanged tracks how many agents are in each phase.
func (h *HealthServer) PhaseChanged(_ context.Context, _ protocol.AgentID, from, to protocol.Phase, _ time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts[from] > 0 {
		h.counts[from]--
	}
	h.counts[to]++
	h.health.SetServingStatus(ServiceDiscovery, servingIf(h.counts[protocol.PhaseDiscovering] > 0))
	h.health.SetServingStatus(ServiceCollaboration, servingIf(h.counts[protocol.PhaseCollaborating] > 0))
}

func servingIf(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
