package engine

import (
	"context"

	"github.com/seantiz/igprov/internal/model"
)

// HistoryWriter persists published transitions.
type HistoryWriter interface {
	InsertTransition(ctx context.Context, t model.Transition) error
}

// HistoryRecorder copies broadcast transitions into a HistoryWriter. A slow
// writer delays recording but loses nothing.
type HistoryRecorder struct {
	engine *Engine
	writer HistoryWriter
	ch     <-chan model.Transition
	unsub  func()
}

// NewHistoryRecorder subscribes w to the engine's broadcasts. The control
// loop must be running. When nothing has been published yet, the startup
// state is written immediately as seq 0. Transitions published after it
// returns are delivered to Run.
func (e *Engine) NewHistoryRecorder(ctx context.Context, w HistoryWriter) (*HistoryRecorder, error) {
	r := &HistoryRecorder{engine: e, writer: w}
	var snap model.Transition
	if err := e.call(ctx, func() {
		r.ch, r.unsub = e.broker.SubscribeQueued()
		snap = e.snapshot()
	}); err != nil {
		return nil, err
	}

	if snap.Seq == 0 {
		if err := w.InsertTransition(ctx, snap); err != nil {
			e.logger.Error("record startup status", "error", err)
		}
	}
	return r, nil
}

// Run writes transitions until ctx is done or the engine stops.
func (r *HistoryRecorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-r.ch:
			if !ok {
				return nil
			}
			if err := r.writer.InsertTransition(ctx, t); err != nil {
				r.engine.logger.Error("record transition", "seq", t.Seq, "error", err)
			}
		}
	}
}

// snapshot describes the current state without publishing it.
func (e *Engine) snapshot() model.Transition {
	return model.Transition{
		Seq:             e.seq,
		Status:          e.status,
		StatusName:      e.status.String(),
		CoreProvisioned: e.coreProvisioned,
		EdgeProvisioned: e.edgeProvisioned,
		Source:          model.SourceStartup,
		BootID:          e.bootID,
		At:              e.clock.Now().UTC(),
	}
}
