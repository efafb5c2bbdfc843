// ABOUTME: gRPC health service reporting overall readiness and per-service serving state
// ABOUTME: Receives lifecycle events from the service manager as an observer

package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/grimoire/internal/services"
	"github.com/2389/grimoire/internal/store"
)

// healthServicePrefix namespaces published services in health checks.
const healthServicePrefix = "grimoire.service/"

type healthReporter struct {
	server *health.Server
}

func newHealthReporter() *healthReporter {
	h := &healthReporter{server: health.NewServer()}
	// Not serving until boot reconciliation finishes
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *healthReporter) register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

func (h *healthReporter) setOverall(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", status)
}

// ServiceChanged implements services.Observer.
func (h *healthReporter) ServiceChanged(ctx context.Context, ev services.Event) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	switch ev.Status {
	case string(store.StatusRunning):
		status = healthpb.HealthCheckResponse_SERVING
	case services.EventDeleted:
		status = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	h.server.SetServingStatus(healthServicePrefix+ev.ServiceID, status)
}

// shutdown flips every status to NOT_SERVING and ignores later updates.
func (h *healthReporter) shutdown() {
	h.server.Shutdown()
}
