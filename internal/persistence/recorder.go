package persistence

import (
	"context"
	"log/slog"

	"github.com/talgya/cavesim/internal/engine"
)

// Recorder copies events from a bus subscription into the archive. Either
// sink may be nil.
type Recorder struct {
	DB  *DB
	Log *EventLog
}

// Run records events until the channel closes or ctx is done.
func (r *Recorder) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.record(ev)
		}
	}
}

func (r *Recorder) record(ev engine.Event) {
	if r.DB != nil {
		if err := r.DB.SaveEvents([]engine.Event{ev}); err != nil {
			slog.Error("archive event failed", "type", ev.Type, "error", err)
		}
	}
	if r.Log != nil {
		if err := r.Log.Write(ev); err != nil {
			slog.Error("event log write failed", "type", ev.Type, "error", err)
		}
	}
}
