package observability

import (
	"context"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

func startHealth(t *testing.T, c *ProtocolCollector) (*HealthServer, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	h := NewHealthServer(c)
	go func() { _ = h.Serve(lis) }()
	t.Cleanup(h.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return h, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthFollowsAgentPhases(t *testing.T) {
	c, _ := newCollector(t)
	h, client := startHealth(t, c)
	ctx := context.Background()

	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall = %v, want SERVING", got)
	}
	if got := check(t, client, ServiceDiscovery); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("discovery before start = %v, want NOT_SERVING", got)
	}

	h.PhaseChanged(ctx, 0, protocol.PhaseIdle, protocol.PhaseDiscovering, epoch)
	h.PhaseChanged(ctx, 1, protocol.PhaseIdle, protocol.PhaseDiscovering, epoch)
	if got := check(t, client, ServiceDiscovery); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("discovery = %v, want SERVING", got)
	}

	h.PhaseChanged(ctx, 0, protocol.PhaseDiscovering, protocol.PhaseCollaborating, epoch)
	if got := check(t, client, ServiceDiscovery); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("discovery with one agent left = %v, want SERVING", got)
	}
	h.PhaseChanged(ctx, 1, protocol.PhaseDiscovering, protocol.PhaseCollaborating, epoch)
	if got := check(t, client, ServiceDiscovery); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("discovery after all moved on = %v, want NOT_SERVING", got)
	}
	if got := check(t, client, ServiceCollaboration); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("collaboration = %v, want SERVING", got)
	}

	h.Finish()
	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("overall after finish = %v, want NOT_SERVING", got)
	}

	if got := testutil.ToFloat64(c.RPCRequests.WithLabelValues("Health", "Check", "OK")); got < 6 {
		t.Fatalf("health checks recorded = %v, want at least 6", got)
	}
}
