// Package server assembles the courier's ops gRPC surface: the stock
// health, channelz and reflection services behind the interceptor chain.
// Session control stays on the Go API; this surface exists for probes,
// debugging and dashboards.
package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	channelzservice "google.golang.org/grpc/channelz/service"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"messenger-courier/internal/security"
	"messenger-courier/internal/server/interceptors"
	"messenger-courier/internal/telemetry"
)

// healthMethods are exempt from auth and telemetry so load balancer probes
// stay cheap and unauthenticated.
var healthMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
}

// Options configures the ops server.
type Options struct {
	// Telemetry receives one ops_request event per RPC. If nil, no events are emitted.
	Telemetry telemetry.Emitter
	// Tokens verifies bearer connect tokens when RequireAuth is set.
	Tokens *security.ConnectTokenProvider
	// RequireAuth closes every non-health RPC to callers without a valid token.
	RequireAuth bool
}

// New returns a grpc.Server with the otelgrpc stats handler and the unary
// interceptor chain installed.
func New(opts Options) *grpc.Server {
	chain := []grpc.UnaryServerInterceptor{
		interceptors.MetaUnary(),
		interceptors.TelemetryUnary(opts.Telemetry, healthMethods),
	}
	if opts.RequireAuth && opts.Tokens != nil {
		chain = append(chain, interceptors.AuthUnary(opts.Tokens, healthMethods))
	}
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)
}

// Deps holds the services exposed on the ops surface.
type Deps struct {
	// Health is the serving status registry. It is shared with the session
	// status mirror and the readiness checker, which update it out of band.
	Health *health.Server
}

// RegisterServices registers the health, channelz and reflection services
// with the given server.
func RegisterServices(s *grpc.Server, deps Deps) {
	healthpb.RegisterHealthServer(s, deps.Health)
	channelzservice.RegisterChannelzServiceToServer(s)
	reflection.Register(s)
}
