package telemetry

import (
	"context"

	"messenger-courier/internal/telemetry/domain"
)

// Emitter publishes telemetry events (to Kafka, OTel logs, or both).
// Best-effort; callers log and ignore errors.
type Emitter interface {
	Emit(ctx context.Context, event *domain.Event) error
}

// Multi fans one event out to every emitter. Each emitter is attempted even
// when an earlier one fails; the first error is returned.
func Multi(emitters ...Emitter) Emitter {
	live := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return multiEmitter(live)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(ctx context.Context, event *domain.Event) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
