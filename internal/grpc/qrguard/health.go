// Package qrguard hosts the gRPC side of the service.
package qrguard

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"qrguard-lab/pkg/logger"
)

// ServiceName is the name health checks report against
const ServiceName = "qrguard.v1.QRDecisionService"

const defaultCheckInterval = 10 * time.Second

// Pinger is a dependency that can report its health
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker keeps the gRPC health status in line with backing stores
type HealthChecker struct {
	server   *health.Server
	deps     map[string]Pinger
	interval time.Duration
	logger   *logger.Logger
}

// RegisterHealthServer registers the gRPC health service and returns the
// checker that drives it. deps may be empty; nil entries are skipped.
func RegisterHealthServer(grpcServer *grpc.Server, deps map[string]Pinger, interval time.Duration, log *logger.Logger) *HealthChecker {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	hc := &HealthChecker{
		server:   health.NewServer(),
		deps:     deps,
		interval: interval,
		logger:   log.WithComponent("grpc-health"),
	}
	hc.setStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, hc.server)
	return hc
}

// Server returns the underlying health server
func (hc *HealthChecker) Server() *health.Server {
	return hc.server
}

// Run checks dependencies every interval until ctx is cancelled, then
// reports NOT_SERVING.
func (hc *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	hc.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			hc.server.Shutdown()
			return
		case <-ticker.C:
			hc.CheckOnce(ctx)
		}
	}
}

// CheckOnce pings every dependency and updates the serving status
func (hc *HealthChecker) CheckOnce(ctx context.Context) bool {
	healthy := true
	for name, dep := range hc.deps {
		if dep == nil {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := dep.Ping(pingCtx)
		cancel()
		if err != nil {
			healthy = false
			hc.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
		}
	}

	if healthy {
		hc.setStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	} else {
		hc.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return healthy
}

func (hc *HealthChecker) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	hc.server.SetServingStatus("", status)
	hc.server.SetServingStatus(ServiceName, status)
}
