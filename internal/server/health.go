package server

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"messenger-courier/internal/session"
	"messenger-courier/internal/session/domain"
)

// SessionHealth mirrors session status transitions onto the health service
// as per-session statuses named "session/<id>". Connected maps to SERVING,
// every other status to NOT_SERVING, so `grpc_health_probe
// -service=session/<id>` answers whether one account is live.
//
// Wire it as the manager's Observer; the manager invokes it from each
// session's actor goroutine, so updates arrive in transition order.
type SessionHealth struct {
	session.NopSink
	hs *health.Server
}

// NewSessionHealth returns a mirror writing into hs.
func NewSessionHealth(hs *health.Server) *SessionHealth {
	return &SessionHealth{hs: hs}
}

var _ session.StatusSink = (*SessionHealth)(nil)

func (h *SessionHealth) OnStatus(sessionID string, status domain.Status, accountID string) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if status == domain.StatusConnected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("session/"+sessionID, st)
}
