package interceptors

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"messenger-courier/internal/telemetry"
)

// EventOpsRequest is the telemetry event type emitted for ops-surface RPCs.
const EventOpsRequest = "ops_request"

// opsRequestDetail is the JSON shape stored in the event detail for ops_request events.
type opsRequestDetail struct {
	FullMethod string `json:"full_method"`
	StatusCode string `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	ClientIP   string `json:"client_ip"`
	RequestID  string `json:"request_id,omitempty"`
}

// TelemetryUnary returns a unary server interceptor that emits a telemetry
// event after each RPC. Best-effort: failures are logged and do not fail the
// RPC. If emitter is nil, the interceptor no-ops. skipMethods is the set of
// full method names to not emit (health probes).
func TelemetryUnary(emitter telemetry.Emitter, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if emitter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		ip, ok := GetClientIP(ctx)
		if !ok {
			ip = ClientIP(ctx)
		}
		requestID, _ := GetRequestID(ctx)
		detail := opsRequestDetail{
			FullMethod: info.FullMethod,
			StatusCode: status.Code(err).String(),
			DurationMs: time.Since(start).Milliseconds(),
			ClientIP:   ip,
			RequestID:  requestID,
		}
		detailJSON, _ := json.Marshal(detail)
		sessionID, _ := GetSessionID(ctx)
		telemetry.EmitAsync(emitter, telemetry.NewEvent(EventOpsRequest, sessionID, "", string(detailJSON)))
		return resp, err
	}
}
