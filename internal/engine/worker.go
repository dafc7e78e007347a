package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/model"
)

// Mode selects which phases of a backend workflow a worker runs.
type Mode int

const (
	ModeFull Mode = iota
	ModeDownloadOnly
	ModeApplyOnly
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeDownloadOnly:
		return "download"
	case ModeApplyOnly:
		return "apply"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Worker runs one backend's blocking workflow. It holds no engine state:
// Run returns the terminal status and the caller hands it back to the
// control loop.
type Worker struct {
	ID      string
	Backend backend.Backend
	Mode    Mode
	Logger  *slog.Logger

	// Progress, if set, is called with StatusApplyingInProgress between the
	// download and apply phases of a full run.
	Progress func(model.Status)
}

// Run executes the workflow and always returns a terminal status. A panic
// in the backend is reported as StatusFailedUnknown.
func (w *Worker) Run(ctx context.Context) (status model.Status) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("operation_id", w.ID, "backend", w.Backend.Kind(), "mode", w.Mode.String())

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panicked", "panic", r, "stack", string(debug.Stack()))
			status = model.StatusFailedUnknown
		}
	}()

	if w.Mode != ModeApplyOnly {
		logger.Info("downloading")
		if err := w.Backend.StartDownload(ctx); err != nil {
			status = Classify(err)
			logger.Error("download failed", "error", err, "status", status.String())
			return status
		}
		if w.Mode == ModeDownloadOnly {
			logger.Info("download complete")
			return model.StatusSuccess
		}
		if w.Progress != nil {
			w.Progress(model.StatusApplyingInProgress)
		}
	}

	logger.Info("applying")
	if err := w.Backend.ApplyUpdate(ctx); err != nil {
		status = Classify(err)
		logger.Error("apply failed", "error", err, "status", status.String())
		return status
	}

	logger.Info("provisioning complete")
	return model.StatusSuccess
}
