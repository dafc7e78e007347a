package engine

import (
	"context"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/model"
	"github.com/seantiz/igprov/internal/netmon"
)

// StartProvisioning routes endpointURL to a backend and, unless that backend
// is already provisioned, starts a full download and apply run. The returned
// status is the one published synchronously; the worker's terminal status
// follows as a broadcast.
func (e *Engine) StartProvisioning(ctx context.Context, endpointURL string, auth backend.AuthParams) (model.Status, error) {
	var (
		status model.Status
		opErr  error
	)
	if err := e.call(ctx, func() {
		status, opErr = e.startProvisioning(endpointURL, auth)
	}); err != nil {
		return model.StatusFailedInvalid, err
	}
	return status, opErr
}

func (e *Engine) startProvisioning(endpointURL string, auth backend.AuthParams) (model.Status, error) {
	if e.active != nil {
		return model.StatusFailedInvalid, ErrBusy
	}

	kind := e.registry.Route(endpointURL)
	e.logger.Info("provisioning requested", "backend", kind, "url", endpointURL)

	switch kind {
	case model.BackendEdge:
		if e.edgeProvisioned {
			e.logger.Warn("edge already provisioned")
			e.publish(model.StatusFailedInvalid, model.SourceRequest, nil)
			return model.StatusFailedInvalid, ErrAlreadyProvisioned
		}
		companyID, err := backend.CompanyIDFromURL(endpointURL)
		if err != nil {
			e.logger.Warn("rejecting edge url", "error", err)
			e.publish(model.StatusFailedBadConfig, model.SourceRequest, nil)
			return model.StatusFailedBadConfig, err
		}
		edge := e.registry.Edge()
		edge.SetCompanyID(companyID)
		edge.SetEscrowToken("")
	default:
		if e.coreProvisioned {
			e.logger.Warn("core already provisioned")
			e.publish(model.StatusFailedInvalid, model.SourceRequest, nil)
			return model.StatusFailedInvalid, ErrAlreadyProvisioned
		}
		e.registry.Core().SetEndpoint(endpointURL, auth)
	}

	return e.launch(kind, ModeFull, model.SourceRequest), nil
}

// StartCoreDownload stages a core download without applying it. It does not
// consult the provisioned flags.
func (e *Engine) StartCoreDownload(ctx context.Context, endpointURL string, auth backend.AuthParams) (model.Status, error) {
	var (
		status model.Status
		opErr  error
	)
	if err := e.call(ctx, func() {
		if e.active != nil {
			status, opErr = model.StatusFailedInvalid, ErrBusy
			return
		}
		e.logger.Info("core download requested", "url", endpointURL)
		e.registry.Core().SetEndpoint(endpointURL, auth)
		status = e.launch(model.BackendCore, ModeDownloadOnly, model.SourceRequest)
	}); err != nil {
		return model.StatusFailedInvalid, err
	}
	return status, opErr
}

// PerformCoreUpdate applies a previously staged core download.
func (e *Engine) PerformCoreUpdate(ctx context.Context) (model.Status, error) {
	var (
		status model.Status
		opErr  error
	)
	if err := e.call(ctx, func() {
		if e.active != nil {
			status, opErr = model.StatusFailedInvalid, ErrBusy
			return
		}
		e.logger.Info("core update requested")
		status = e.launch(model.BackendCore, ModeApplyOnly, model.SourceRequest)
	}); err != nil {
		return model.StatusFailedInvalid, err
	}
	return status, opErr
}

// SyncLogs runs the core log sync and returns 0 on success or -1. It does
// not touch engine state and runs on the caller's goroutine.
func (e *Engine) SyncLogs(ctx context.Context) int {
	e.logger.Info("syncing core logs")
	if err := e.registry.Core().SyncLogs(ctx); err != nil {
		e.logger.Error("log sync failed", "error", err)
		return -1
	}
	return 0
}

// ConnectivityChanged feeds a connectivity level into the escrow scheduler.
// It does not wait for the level to be processed.
func (e *Engine) ConnectivityChanged(level netmon.Level) {
	if !e.post(func() { e.connectivityChanged(level) }) {
		e.logger.Warn("engine stopped, dropping connectivity change", "level", level.String())
	}
}

func (e *Engine) connectivityChanged(level netmon.Level) {
	e.connectivity = level
	e.logger.Info("connectivity changed", "level", level.String(), "escrow", e.escrow.state.String())

	switch {
	case level == netmon.LevelFull && e.escrow.state == EscrowArmed:
		e.scheduleEscrow()
	case level != netmon.LevelFull && e.escrow.state == EscrowCountingDown:
		e.escrow.cancel()
		escrowEvents.WithLabelValues("cancelled").Inc()
		e.logger.Info("connectivity dropped, escrow install cancelled")
	}
}

// launch publishes the in-progress status for mode and starts a worker.
func (e *Engine) launch(kind model.BackendKind, mode Mode, source string) model.Status {
	op := &operation{
		id:      model.NewOperationID(),
		kind:    kind,
		mode:    mode,
		source:  source,
		started: e.clock.Now(),
	}
	initial := model.StatusDownloadingInProgress
	if mode == ModeApplyOnly {
		initial = model.StatusApplyingInProgress
	}
	// The backend is probed once more before the worker takes it over.
	e.publish(initial, source, op)
	e.active = op
	e.startWorker(op)
	return initial
}

func (e *Engine) startWorker(op *operation) {
	w := &Worker{
		ID:      op.id,
		Backend: e.registry.Get(op.kind),
		Mode:    op.mode,
		Logger:  e.logger,
		Progress: func(s model.Status) {
			e.post(func() { e.progress(op, s) })
		},
	}

	e.workers.Go(func() {
		status := w.Run(context.Background())
		if !e.post(func() { e.finish(op, status) }) {
			e.logger.Warn("engine stopped before worker result was delivered",
				"operation_id", op.id, "status", status.String())
		}
	})
}

func (e *Engine) progress(op *operation, status model.Status) {
	if e.active != op {
		return
	}
	e.publish(status, model.SourceWorker, op)
}

func (e *Engine) finish(op *operation, status model.Status) {
	if e.active != op {
		e.logger.Error("completion for unknown operation", "operation_id", op.id)
		return
	}
	e.active = nil

	workerDuration.
		WithLabelValues(string(op.kind), op.mode.String(), status.String()).
		Observe(e.clock.Now().Sub(op.started).Seconds())
	e.publish(status, model.SourceWorker, op)

	if op.source == model.SourceEscrow && e.escrow.state == EscrowFired {
		e.escrow.state = EscrowArmed
		e.logger.Warn("escrow install did not provision edge, waiting for next connectivity change",
			"status", status.String())
	}
}

func (e *Engine) scheduleEscrow() {
	delay := e.escrow.schedule(func(gen uint64) {
		e.post(func() { e.fireEscrow(gen) })
	})
	escrowEvents.WithLabelValues("scheduled").Inc()
	e.logger.Info("escrow install scheduled", "company_id", e.escrow.cfg.CompanyID, "delay", delay.String())
}

// escrowRetry returns the scheduler to armed and, when connectivity is
// still full, draws a new delay.
func (e *Engine) escrowRetry() {
	e.escrow.state = EscrowArmed
	if e.connectivity == netmon.LevelFull {
		e.scheduleEscrow()
	}
}

func (e *Engine) fireEscrow(gen uint64) {
	if gen != e.escrow.gen || e.escrow.state != EscrowCountingDown {
		e.logger.Debug("ignoring stale escrow timer")
		return
	}
	e.escrow.timer = nil
	escrowEvents.WithLabelValues("fired").Inc()

	if e.active != nil {
		e.logger.Info("operation in progress, postponing escrow install", "operation_id", e.active.id)
		e.escrowRetry()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.checkTimeout)
	defer cancel()

	edge := e.registry.Edge()
	installed, err := edge.CheckInstalled(ctx)
	if err != nil {
		e.logger.Warn("edge check failed before escrow install", "error", err)
		installed = false
	}
	if installed {
		e.edgeProvisioned = true
		e.escrow.disarm()
		escrowEvents.WithLabelValues("disarmed").Inc()
		e.logger.Info("edge was installed manually, escrow install disarmed")
		return
	}

	if e.addrs == nil {
		e.logger.Error("no hardware address source, escrow install skipped")
		e.escrowRetry()
		return
	}
	addr, err := e.addrs.HardwareAddr(ctx)
	if err != nil {
		e.logger.Error("read hardware address", "error", err)
		e.escrowRetry()
		return
	}

	cfg := e.escrow.cfg
	token := EscrowToken(cfg.Prefix, addr)
	edge.SetCompanyID(cfg.CompanyID)
	edge.SetEscrowToken(token)
	e.escrow.state = EscrowFired
	e.logger.Info("starting escrow install", "company_id", cfg.CompanyID, "token", token)
	e.launch(model.BackendEdge, ModeFull, model.SourceEscrow)
}
