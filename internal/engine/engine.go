package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/model"
	"github.com/seantiz/igprov/internal/netmon"
)

const (
	// DefaultCheckTimeout bounds a single installed-state probe.
	DefaultCheckTimeout = 30 * time.Second

	taskBuffer = 64
)

var (
	// ErrBusy is returned when a request arrives while a worker is active.
	ErrBusy = errors.New("provisioning operation already in progress")

	// ErrAlreadyProvisioned is returned when the targeted backend is
	// already installed.
	ErrAlreadyProvisioned = errors.New("backend already provisioned")

	// ErrStopped is returned once the control loop has exited.
	ErrStopped = errors.New("engine stopped")
)

// AddressSource supplies the hardware address used to derive escrow tokens.
type AddressSource interface {
	HardwareAddr(ctx context.Context) (string, error)
}

// Config configures an Engine.
type Config struct {
	Registry     *backend.Registry
	Addresses    AddressSource
	Connectivity netmon.Level
	Logger       *slog.Logger
	BootID       string

	// Escrow enables autonomous edge installation. When it is nil,
	// LoadEscrow, if set, is called once at construction only if the edge
	// backend is not installed; a loader error disables escrow.
	Escrow     *EscrowConfig
	LoadEscrow func() (*EscrowConfig, error)

	// CheckTimeout bounds each CheckInstalled probe. Zero means
	// DefaultCheckTimeout.
	CheckTimeout time.Duration

	// Clock and Intn are replaced in tests.
	Clock clock.Clock
	Intn  func(n int) int
}

// Engine owns the provisioning status, the provisioned flags and the escrow
// scheduler. All of that state is touched only by tasks drained from a
// single control loop (Run); workers and timers hand their results back to
// the loop instead of mutating state themselves.
type Engine struct {
	registry     *backend.Registry
	addrs        AddressSource
	clock        clock.Clock
	logger       *slog.Logger
	checkTimeout time.Duration
	bootID       string
	broker       *StatusBroker

	tasks   chan func()
	stopped chan struct{}
	workers sync.WaitGroup

	// Loop-owned state.
	status          model.Status
	coreProvisioned bool
	edgeProvisioned bool
	seq             int64
	active          *operation
	connectivity    netmon.Level
	escrow          *escrowScheduler
}

// operation is the worker run currently owned by the engine.
type operation struct {
	id      string
	kind    model.BackendKind
	mode    Mode
	source  string
	started time.Time
}

// New creates an engine and computes the initial status from both
// backends' installed state. The escrow scheduler is armed when it is
// configured and the edge backend is not installed.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Intn == nil {
		cfg.Intn = rand.IntN
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}

	e := &Engine{
		registry:     cfg.Registry,
		addrs:        cfg.Addresses,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		checkTimeout: cfg.CheckTimeout,
		bootID:       cfg.BootID,
		broker:       NewStatusBroker(),
		tasks:        make(chan func(), taskBuffer),
		stopped:      make(chan struct{}),
		connectivity: cfg.Connectivity,
		escrow:       newEscrowScheduler(cfg.Escrow, cfg.Clock, cfg.Intn),
	}
	e.startup(ctx, cfg.LoadEscrow)
	return e, nil
}

func (e *Engine) startup(ctx context.Context, loadEscrow func() (*EscrowConfig, error)) {
	e.logger.Info("checking core configuration")
	core, err := e.checkInstalled(ctx, e.registry.Core())
	switch {
	case err != nil:
		e.logger.Error("core check failed", "error", err)
		e.status = model.StatusFailedInvalid
	case core:
		e.logger.Info("core is provisioned")
		e.coreProvisioned = true
		e.status = model.StatusSuccess
	default:
		e.logger.Info("core is not provisioned")
		e.status = model.StatusUnprovisioned
	}

	e.logger.Info("checking edge configuration")
	edge, err := e.checkInstalled(ctx, e.registry.Edge())
	switch {
	case err != nil:
		e.logger.Error("edge check failed", "error", err)
		e.status = model.StatusFailedInvalid
	case edge:
		e.logger.Info("edge is provisioned")
		e.edgeProvisioned = true
	default:
		e.logger.Info("edge is not provisioned")
		if e.escrow.cfg == nil && loadEscrow != nil {
			if cfg, err := loadEscrow(); err != nil {
				e.logger.Info("escrow install disabled", "reason", err)
			} else {
				e.escrow.cfg = cfg
			}
		}
		if e.escrow.arm() {
			e.logger.Info("escrow install armed", "connectivity", e.connectivity.String())
			if e.connectivity == netmon.LevelFull {
				e.scheduleEscrow()
			}
		}
	}

	statusGauge.Set(float64(e.status))
}

// Broker returns the broker carrying status-changed broadcasts.
func (e *Engine) Broker() *StatusBroker {
	return e.broker
}

// Run drains the control loop until ctx is done. It must be called exactly
// once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.logger.Info("engine running", "status", e.status.String())

	for {
		select {
		case <-ctx.Done():
			e.escrow.stop()
			e.broker.Close()
			e.logger.Info("engine stopped")
			return nil
		case task := <-e.tasks:
			task()
		}
	}
}

// Wait blocks until all in-flight workers have returned.
func (e *Engine) Wait() {
	e.workers.Wait()
}

// post queues fn on the control loop without waiting for it. It reports
// false if the loop has exited.
func (e *Engine) post(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	case <-e.stopped:
		return false
	}
}

// call runs fn on the control loop and waits for it to finish. ctx bounds
// only the wait for a queue slot.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case e.tasks <- task:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// Once queued, fn runs to completion; ctx no longer applies.
	select {
	case <-finished:
		return nil
	case <-e.stopped:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// checkInstalled probes one backend with a bounded timeout.
func (e *Engine) checkInstalled(ctx context.Context, b backend.Backend) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()
	return b.CheckInstalled(ctx)
}

// recheck recomputes both provisioned flags. A failed probe counts as not
// provisioned. The backend owned by the active worker is not probed and
// keeps its last flag.
func (e *Engine) recheck() {
	for _, b := range []backend.Backend{e.registry.Core(), e.registry.Edge()} {
		if e.active != nil && e.active.kind == b.Kind() {
			continue
		}
		ok, err := e.checkInstalled(context.Background(), b)
		if err != nil {
			e.logger.Warn("installed check failed", "backend", b.Kind(), "error", err)
			ok = false
		}
		switch b.Kind() {
		case model.BackendCore:
			e.coreProvisioned = ok
		case model.BackendEdge:
			e.edgeProvisioned = ok
		}
	}
}

// publish makes status current, recomputes the provisioned flags and
// broadcasts the transition.
func (e *Engine) publish(status model.Status, source string, op *operation) {
	e.status = status
	e.recheck()
	e.seq++

	t := model.Transition{
		Seq:             e.seq,
		Status:          status,
		StatusName:      status.String(),
		CoreProvisioned: e.coreProvisioned,
		EdgeProvisioned: e.edgeProvisioned,
		Source:          source,
		BootID:          e.bootID,
		At:              e.clock.Now().UTC(),
	}
	if op != nil {
		t.OperationID = op.id
		t.Backend = op.kind
	}

	statusGauge.Set(float64(status))
	transitionsTotal.WithLabelValues(status.String()).Inc()
	e.logger.Info("status changed",
		"status", int(status),
		"status_name", status.String(),
		"core_provisioned", e.coreProvisioned,
		"edge_provisioned", e.edgeProvisioned,
		"source", source,
		"operation_id", t.OperationID,
	)
	e.broker.Publish(t)

	if e.edgeProvisioned && e.escrow.state != EscrowIdle {
		e.escrow.disarm()
		escrowEvents.WithLabelValues("disarmed").Inc()
		e.logger.Info("edge provisioned, escrow install disarmed")
	}
}

// Properties is a snapshot of the engine's published state.
type Properties struct {
	Status          model.Status `json:"status"`
	StatusName      string       `json:"status_name"`
	CoreProvisioned bool         `json:"core_provisioned"`
	EdgeProvisioned bool         `json:"edge_provisioned"`
	Busy            bool         `json:"busy"`
	OperationID     string       `json:"operation_id,omitempty"`
	Connectivity    string       `json:"connectivity"`
	Escrow          EscrowInfo   `json:"escrow"`
	Seq             int64        `json:"seq"`
}

// Properties returns the current status and provisioned flags.
func (e *Engine) Properties(ctx context.Context) (Properties, error) {
	var p Properties
	err := e.call(ctx, func() {
		p = Properties{
			Status:          e.status,
			StatusName:      e.status.String(),
			CoreProvisioned: e.coreProvisioned,
			EdgeProvisioned: e.edgeProvisioned,
			Busy:            e.active != nil,
			Connectivity:    e.connectivity.String(),
			Escrow:          e.escrow.info(),
			Seq:             e.seq,
		}
		if e.active != nil {
			p.OperationID = e.active.id
		}
	})
	return p, err
}
