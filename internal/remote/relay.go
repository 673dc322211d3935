package remote

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/rpc"
)

// relay re-emits worker events through the host emitter. Worker clocks
// are not trusted: timestamps are clamped to the host's view of the step
// and kept monotonic.
type relay struct {
	emitter *events.Emitter
	clock   clock.Clock
	logger  *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// floor raises the lower bound for relayed timestamps.
func (r *relay) floor(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.last) {
		r.last = t
	}
}

func (r *relay) normalize(ts time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	ts = ts.UTC()
	if ts.IsZero() || ts.After(now) {
		ts = now
	}
	if ts.Before(r.last) {
		ts = r.last
	}
	r.last = ts
	return ts
}

func (r *relay) relayEvent(e rpc.EventEmit) {
	fields := e.Fields
	if events.Type(e.Type) == events.StepFailed {
		fields = maskUnknownCode(fields)
	}
	r.report(r.emitter.EmitAt(r.normalize(e.Timestamp), events.Type(e.Type), e.StepID, fields))
}

func (r *relay) relayMetric(m rpc.MetricEmit) {
	r.report(r.emitter.MetricAt(r.normalize(m.Timestamp), m.Name, m.Value, m.StepID, m.Tags))
}

// emit reports a host-side event, e.g. a synthesized step_failed.
func (r *relay) emit(typ events.Type, stepID string, fields map[string]any) {
	r.report(r.emitter.EmitAt(r.normalize(time.Time{}), typ, stepID, fields))
}

func (r *relay) report(err error) {
	if err != nil {
		r.logger.Warn("relayed event dropped", "error", err)
	}
}

// maskUnknownCode hides codes outside the taxonomy and their messages.
func maskUnknownCode(fields map[string]any) map[string]any {
	code, _ := fields[events.FieldErrorCode].(string)
	if failure.KnownCode(code) {
		return fields
	}
	out := maps.Clone(fields)
	out[events.FieldErrorCode] = failure.CodeRemoteUnknown
	out[events.FieldError] = "worker reported an unrecognized failure"
	return out
}
