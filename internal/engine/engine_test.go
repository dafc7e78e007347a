package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/engine"
	"github.com/seantiz/igprov/internal/model"
	"github.com/seantiz/igprov/internal/netmon"
)

const (
	edgeMarker = "edge.example"
	coreURL    = "https://mgmt.example/config/device-1"
	edgeURL    = "https://edge.example/api/acme"
	testAddr   = "C0:EE:40:DE:AD:01"
)

// fakeBackend implements both CoreBackend and EdgeBackend.
type fakeBackend struct {
	kind model.BackendKind

	mu             sync.Mutex
	installed      bool
	installOnApply bool
	checkErr       error
	downloadErr    error
	applyErr       error
	syncErr        error
	panicOnApply   bool
	gate           chan struct{}
	checkGate      chan struct{}
	downloads      int
	applies        int
	endpoint       string
	auth           backend.AuthParams
	companyID      string
	token          string
}

func (f *fakeBackend) Kind() model.BackendKind { return f.kind }

func (f *fakeBackend) StartDownload(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.downloads++
	err := f.downloadErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeBackend) ApplyUpdate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	if f.panicOnApply {
		panic("installer exploded")
	}
	if f.applyErr != nil {
		return f.applyErr
	}
	if f.installOnApply {
		f.installed = true
	}
	return nil
}

func (f *fakeBackend) CheckInstalled(ctx context.Context) (bool, error) {
	f.mu.Lock()
	gate := f.checkGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed, f.checkErr
}

func (f *fakeBackend) SetEndpoint(endpointURL string, auth backend.AuthParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = endpointURL
	f.auth = auth
}

func (f *fakeBackend) SyncLogs(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncErr
}

func (f *fakeBackend) SetCompanyID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companyID = id
}

func (f *fakeBackend) SetEscrowToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) counts() (downloads, applies int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads, f.applies
}

// ownedBackend counts installed probes made while a worker holds the
// backend, from the start of a download or apply until the run ends.
type ownedBackend struct {
	*fakeBackend

	mu       sync.Mutex
	running  bool
	overlaps int
}

func (o *ownedBackend) setRunning(running bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = running
}

func (o *ownedBackend) overlapCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overlaps
}

func (o *ownedBackend) StartDownload(ctx context.Context) error {
	o.setRunning(true)
	err := o.fakeBackend.StartDownload(ctx)
	if err != nil {
		o.setRunning(false)
	}
	return err
}

func (o *ownedBackend) ApplyUpdate(ctx context.Context) error {
	o.setRunning(true)
	defer o.setRunning(false)
	return o.fakeBackend.ApplyUpdate(ctx)
}

func (o *ownedBackend) CheckInstalled(ctx context.Context) (bool, error) {
	o.mu.Lock()
	if o.running {
		o.overlaps++
	}
	o.mu.Unlock()
	return o.fakeBackend.CheckInstalled(ctx)
}

// releaseOnce returns a function closing gate at most once, also run at
// cleanup so a failed assertion cannot leave a worker blocked.
func releaseOnce(t *testing.T, gate chan struct{}) func() {
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

type fakeAddrs struct {
	addr string
	err  error
}

func (a fakeAddrs) HardwareAddr(ctx context.Context) (string, error) {
	return a.addr, a.err
}

type harness struct {
	eng   *engine.Engine
	core  *fakeBackend
	edge  *fakeBackend
	clock *clock.Mock
	ch    <-chan model.Transition

	mu    sync.Mutex
	draws int
}

type harnessOpts struct {
	escrow       *engine.EscrowConfig
	connectivity netmon.Level
	addrs        engine.AddressSource
	setup        func(core, edge *fakeBackend)
	wrap         func(core, edge *fakeBackend) (backend.CoreBackend, backend.EdgeBackend)
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	h := &harness{
		core:  &fakeBackend{kind: model.BackendCore, installOnApply: true},
		edge:  &fakeBackend{kind: model.BackendEdge, installOnApply: true},
		clock: clock.NewMock(),
	}
	if opts.setup != nil {
		opts.setup(h.core, h.edge)
	}
	if opts.addrs == nil {
		opts.addrs = fakeAddrs{addr: testAddr}
	}

	var (
		core backend.CoreBackend = h.core
		edge backend.EdgeBackend = h.edge
	)
	if opts.wrap != nil {
		core, edge = opts.wrap(h.core, h.edge)
	}

	eng, err := engine.New(context.Background(), engine.Config{
		Registry:     backend.NewRegistry(core, edge, edgeMarker),
		Addresses:    opts.addrs,
		Connectivity: opts.connectivity,
		Logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		BootID:       "boot-1",
		Escrow:       opts.escrow,
		Clock:        h.clock,
		Intn: func(n int) int {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.draws++
			return n / 2
		},
	})
	require.NoError(t, err)
	h.eng = eng

	ch, unsub := eng.Broker().Subscribe()
	h.ch = ch

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		unsub()
		cancel()
		<-done
		eng.Wait()
	})
	return h
}

func (h *harness) next(t *testing.T) model.Transition {
	t.Helper()
	select {
	case tr, ok := <-h.ch:
		require.True(t, ok, "broker closed")
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transition")
		return model.Transition{}
	}
}

func (h *harness) expectNone(t *testing.T) {
	t.Helper()
	select {
	case tr := <-h.ch:
		t.Fatalf("unexpected transition: %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) props(t *testing.T) engine.Properties {
	t.Helper()
	p, err := h.eng.Properties(context.Background())
	require.NoError(t, err)
	return p
}

func (h *harness) drawCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draws
}

func statuses(ts ...model.Transition) []model.Status {
	out := make([]model.Status, len(ts))
	for i, tr := range ts {
		out[i] = tr.Status
	}
	return out
}

func TestInitialStatus(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(core, edge *fakeBackend)
		want     model.Status
		wantCore bool
		wantEdge bool
	}{
		{
			name: "nothing installed",
			want: model.StatusUnprovisioned,
		},
		{
			name:     "core installed",
			setup:    func(core, _ *fakeBackend) { core.installed = true },
			want:     model.StatusSuccess,
			wantCore: true,
		},
		{
			name:     "edge installed",
			setup:    func(_, edge *fakeBackend) { edge.installed = true },
			want:     model.StatusUnprovisioned,
			wantEdge: true,
		},
		{
			name:  "core check fails",
			setup: func(core, _ *fakeBackend) { core.checkErr = errors.New("tool missing") },
			want:  model.StatusFailedInvalid,
		},
		{
			name: "edge check fails",
			setup: func(core, edge *fakeBackend) {
				core.installed = true
				edge.checkErr = errors.New("tool missing")
			},
			want:     model.StatusFailedInvalid,
			wantCore: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{setup: tt.setup})
			p := h.props(t)
			assert.Equal(t, tt.want, p.Status)
			assert.Equal(t, tt.want.String(), p.StatusName)
			assert.Equal(t, tt.wantCore, p.CoreProvisioned)
			assert.Equal(t, tt.wantEdge, p.EdgeProvisioned)
			assert.False(t, p.Busy)
			assert.Zero(t, p.Seq)
		})
	}
}

func TestCoreProvisioningSuccess(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	auth := backend.AuthParams{Username: "u", Password: "p"}

	status, err := h.eng.StartProvisioning(context.Background(), coreURL, auth)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloadingInProgress, status)

	downloading := h.next(t)
	applying := h.next(t)
	done := h.next(t)

	assert.Equal(t, []model.Status{
		model.StatusDownloadingInProgress,
		model.StatusApplyingInProgress,
		model.StatusSuccess,
	}, statuses(downloading, applying, done))
	assert.Equal(t, []int64{1, 2, 3}, []int64{downloading.Seq, applying.Seq, done.Seq})

	assert.Equal(t, model.SourceRequest, downloading.Source)
	assert.Equal(t, model.SourceWorker, done.Source)
	assert.Equal(t, model.BackendCore, done.Backend)
	assert.Equal(t, downloading.OperationID, done.OperationID)
	assert.Equal(t, "boot-1", done.BootID)
	assert.False(t, downloading.CoreProvisioned)
	assert.True(t, done.CoreProvisioned)
	assert.False(t, done.EdgeProvisioned)

	h.core.set(func(f *fakeBackend) {
		assert.Equal(t, coreURL, f.endpoint)
		assert.Equal(t, auth, f.auth)
	})

	p := h.props(t)
	assert.Equal(t, model.StatusSuccess, p.Status)
	assert.False(t, p.Busy)
}

func TestEdgeProvisioningSetsCompanyID(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(_, edge *fakeBackend) { edge.token = "stale" }})

	status, err := h.eng.StartProvisioning(context.Background(), edgeURL, backend.AuthParams{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloadingInProgress, status)

	first := h.next(t)
	assert.Equal(t, model.BackendEdge, first.Backend)
	h.next(t)
	done := h.next(t)
	assert.Equal(t, model.StatusSuccess, done.Status)
	assert.True(t, done.EdgeProvisioned)

	h.edge.set(func(f *fakeBackend) {
		assert.Equal(t, "acme", f.companyID)
		assert.Empty(t, f.token)
	})
	downloads, _ := h.core.counts()
	assert.Zero(t, downloads)
}

func TestAlreadyProvisioned(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		setup func(core, edge *fakeBackend)
	}{
		{"core", coreURL, func(core, _ *fakeBackend) { core.installed = true }},
		{"edge", edgeURL, func(_, edge *fakeBackend) { edge.installed = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{setup: tt.setup})

			status, err := h.eng.StartProvisioning(context.Background(), tt.url, backend.AuthParams{})
			require.ErrorIs(t, err, engine.ErrAlreadyProvisioned)
			assert.Equal(t, model.StatusFailedInvalid, status)

			tr := h.next(t)
			assert.Equal(t, model.StatusFailedInvalid, tr.Status)
			assert.Empty(t, tr.OperationID)
			assert.False(t, h.props(t).Busy)
		})
	}
}

func TestBadEdgeURL(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	status, err := h.eng.StartProvisioning(context.Background(), "edge.example/acme", backend.AuthParams{})
	require.ErrorIs(t, err, backend.ErrBadConfig)
	assert.Equal(t, model.StatusFailedBadConfig, status)
	assert.Equal(t, model.StatusFailedBadConfig, h.next(t).Status)

	downloads, _ := h.edge.counts()
	assert.Zero(t, downloads)
}

func TestDownloadFailureSkipsApply(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(core, _ *fakeBackend) {
		core.downloadErr = &backend.HTTPError{StatusCode: 404, URL: coreURL}
	}})

	_, err := h.eng.StartProvisioning(context.Background(), coreURL, backend.AuthParams{Username: "u"})
	require.NoError(t, err)

	assert.Equal(t, model.StatusDownloadingInProgress, h.next(t).Status)
	done := h.next(t)
	assert.Equal(t, model.StatusFailedNotFound, done.Status)
	assert.False(t, done.CoreProvisioned)

	_, applies := h.core.counts()
	assert.Zero(t, applies)
}

func TestApplyPanicReportsUnknown(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(core, _ *fakeBackend) { core.panicOnApply = true }})

	_, err := h.eng.StartProvisioning(context.Background(), coreURL, backend.AuthParams{Username: "u"})
	require.NoError(t, err)

	h.next(t)
	h.next(t)
	assert.Equal(t, model.StatusFailedUnknown, h.next(t).Status)
	assert.False(t, h.props(t).Busy)
}

func TestBusyRejectsSecondRequest(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, harnessOpts{setup: func(core, _ *fakeBackend) { core.gate = gate }})
	release := releaseOnce(t, gate)

	_, err := h.eng.StartProvisioning(context.Background(), coreURL, backend.AuthParams{Username: "u"})
	require.NoError(t, err)
	first := h.next(t)
	assert.Equal(t, model.StatusDownloadingInProgress, first.Status)

	p := h.props(t)
	assert.True(t, p.Busy)
	assert.Equal(t, first.OperationID, p.OperationID)

	status, err := h.eng.StartProvisioning(context.Background(), edgeURL, backend.AuthParams{})
	require.ErrorIs(t, err, engine.ErrBusy)
	assert.Equal(t, model.StatusFailedInvalid, status)

	_, err = h.eng.StartCoreDownload(context.Background(), coreURL, backend.AuthParams{Username: "u"})
	require.ErrorIs(t, err, engine.ErrBusy)
	_, err = h.eng.PerformCoreUpdate(context.Background())
	require.ErrorIs(t, err, engine.ErrBusy)

	h.expectNone(t)
	h.edge.set(func(f *fakeBackend) { assert.Empty(t, f.companyID) })

	release()
	h.next(t)
	assert.Equal(t, model.StatusSuccess, h.next(t).Status)
}

func TestCoreDownloadOnly(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(core, _ *fakeBackend) { core.installed = true }})

	status, err := h.eng.StartCoreDownload(context.Background(), coreURL, backend.AuthParams{Username: "u"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloadingInProgress, status)

	assert.Equal(t, model.StatusDownloadingInProgress, h.next(t).Status)
	assert.Equal(t, model.StatusSuccess, h.next(t).Status)

	downloads, applies := h.core.counts()
	assert.Equal(t, 1, downloads)
	assert.Zero(t, applies)
}

func TestPerformCoreUpdate(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	status, err := h.eng.PerformCoreUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusApplyingInProgress, status)

	assert.Equal(t, model.StatusApplyingInProgress, h.next(t).Status)
	done := h.next(t)
	assert.Equal(t, model.StatusSuccess, done.Status)
	assert.True(t, done.CoreProvisioned)

	downloads, applies := h.core.counts()
	assert.Zero(t, downloads)
	assert.Equal(t, 1, applies)
}

func TestRecheckErrorCountsAsNotProvisioned(t *testing.T) {
	h := newHarness(t, harnessOpts{setup: func(_, edge *fakeBackend) { edge.installed = true }})
	require.True(t, h.props(t).EdgeProvisioned)

	h.edge.set(func(f *fakeBackend) { f.checkErr = errors.New("probe failed") })

	_, err := h.eng.StartProvisioning(context.Background(), coreURL, backend.AuthParams{Username: "u"})
	require.NoError(t, err)
	first := h.next(t)
	assert.False(t, first.EdgeProvisioned)
}

func TestWorkerBackendNotProbedDuringRun(t *testing.T) {
	var owned *ownedBackend
	h := newHarness(t, harnessOpts{wrap: func(core, edge *fakeBackend) (backend.CoreBackend, backend.EdgeBackend) {
		owned = &ownedBackend{fakeBackend: core}
		return owned, edge
	}})

	_, err := h.eng.StartProvisioning(context.Background(), coreURL, backend.AuthParams{Username: "u", Password: "p"})
	require.NoError(t, err)

	downloading := h.next(t)
	applying := h.next(t)
	done := h.next(t)
	assert.Equal(t, []model.Status{
		model.StatusDownloadingInProgress,
		model.StatusApplyingInProgress,
		model.StatusSuccess,
	}, statuses(downloading, applying, done))

	assert.Zero(t, owned.overlapCount())
	assert.False(t, applying.CoreProvisioned)
	assert.True(t, done.CoreProvisioned)
}

func TestQueuedRequestOutlivesCancelledContext(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	gate := make(chan struct{})
	release := releaseOnce(t, gate)
	h.edge.set(func(f *fakeBackend) { f.checkGate = gate })

	type result struct {
		status model.Status
		err    error
	}
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan result, 1)
	go func() {
		status, err := h.eng.StartProvisioning(ctx, coreURL, backend.AuthParams{Username: "u", Password: "p"})
		results <- result{status, err}
	}()

	// The launch publish probes the edge backend and blocks the loop.
	time.Sleep(50 * time.Millisecond)
	cancel()
	release()

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, model.StatusDownloadingInProgress, r.status)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not return")
	}

	assert.Equal(t, model.StatusDownloadingInProgress, h.next(t).Status)
	h.next(t)
	assert.Equal(t, model.StatusSuccess, h.next(t).Status)
}

func TestSyncLogs(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	assert.Equal(t, 0, h.eng.SyncLogs(context.Background()))

	h.core.set(func(f *fakeBackend) { f.syncErr = errors.New("rsync exited 23") })
	assert.Equal(t, -1, h.eng.SyncLogs(context.Background()))
}

func TestStoppedEngine(t *testing.T) {
	eng, err := engine.New(context.Background(), engine.Config{
		Registry: backend.NewRegistry(
			&fakeBackend{kind: model.BackendCore},
			&fakeBackend{kind: model.BackendEdge},
			edgeMarker,
		),
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Clock:  clock.NewMock(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, eng.Run(ctx))

	_, err = eng.Properties(context.Background())
	assert.ErrorIs(t, err, engine.ErrStopped)

	_, err = eng.StartProvisioning(context.Background(), coreURL, backend.AuthParams{})
	assert.ErrorIs(t, err, engine.ErrStopped)

	ch, _ := eng.Broker().Subscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := engine.New(context.Background(), engine.Config{})
	assert.Error(t, err)
}
