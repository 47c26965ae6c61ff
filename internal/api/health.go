package api

import (
	"context"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/status"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthStatus maps a daemon state onto the gRPC health protocol. A
// degraded daemon still serves sessions.
func healthStatus(s status.State) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case status.Serving, status.Degraded:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// ReflectHealth keeps hs in step with the daemon state machine, for the
// overall server and for the Admin service, until ctx ends.
func ReflectHealth(ctx context.Context, hs *health.Server, m *status.Machine, b *bus.Bus) {
	ch, unsub := b.Subscribe("daemon.", 16)
	defer unsub()

	set := func(s status.State) {
		hs.SetServingStatus("", healthStatus(s))
		hs.SetServingStatus(ServiceName, healthStatus(s))
	}
	set(m.Current())
	for {
		select {
		case evt := <-ch:
			if change, ok := evt.Payload.(status.StatusChange); ok {
				set(change.To)
			}
		case <-ctx.Done():
			return
		}
	}
}
