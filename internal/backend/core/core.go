package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/model"
)

const (
	resourceFileName = "setup.tar.gz"
	coreFileName     = "ggcore.tar.gz"
	configFilePath   = "config/config.json"
	rootCAPath       = "certs/root.ca.pem"

	updatePeerFailed = -1
)

// Peers are the sibling gateway services that receive sections of the
// configuration document.
type Peers interface {
	SetUpdateSchedule(ctx context.Context, doc string) (int32, error)
	SetWirelessConfig(ctx context.Context, doc string) (int32, error)
}

// Config configures the core installer.
type Config struct {
	ToolPath       string
	DeviceCertFile string
	RequestTimeout time.Duration
	LogSyncCommand []string

	// StagingDir is the parent of per-download staging directories. Empty
	// means the system temp dir.
	StagingDir string
}

type document struct {
	Update     map[string]json.RawMessage `json:"update"`
	UpdateAPS  json.RawMessage            `json:"updateAPS"`
	CoreThing  map[string]any             `json:"coreThing"`
	Greengrass *greengrass                `json:"greengrass"`
}

type greengrass struct {
	ResourceFile  string `json:"resourceFile"`
	CoreFile      string `json:"coreFile"`
	CoreSignature string `json:"coreSignature"`
	RootCACert    string `json:"rootCACert"`
}

// Backend installs the fleet-management core from a remote configuration
// document. Endpoint fields are written by the engine only while no worker
// runs this backend; the mutex guards them against the concurrent
// CheckInstalled probe.
type Backend struct {
	cfg    Config
	runner backend.Runner
	peers  Peers
	logger *slog.Logger

	mu       sync.Mutex
	endpoint string
	auth     backend.AuthParams

	// Staging state carried from StartDownload to ApplyUpdate.
	staging   string
	coreThing map[string]any
	gg        *greengrass
}

var _ backend.CoreBackend = (*Backend)(nil)

// New creates a core backend.
func New(cfg Config, runner backend.Runner, peers Peers, logger *slog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		runner: runner,
		peers:  peers,
		logger: logger.With("backend", model.BackendCore),
	}
}

func (b *Backend) Kind() model.BackendKind {
	return model.BackendCore
}

func (b *Backend) SetEndpoint(endpointURL string, auth backend.AuthParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoint = endpointURL
	b.auth = auth
}

func (b *Backend) params() (string, backend.AuthParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoint, b.auth
}

func (b *Backend) fetcher() (*backend.Fetcher, error) {
	_, auth := b.params()
	f := backend.NewFetcher(b.cfg.RequestTimeout)
	switch {
	case auth.ClientCert != "":
		return f.WithClientCert([]byte(auth.ClientCert))
	case auth.Username != "" && auth.Password != "":
		return f.WithBasicAuth(auth.Username, auth.Password), nil
	default:
		return nil, fmt.Errorf("%w: missing username and password or client certificate", backend.ErrInvalid)
	}
}

// StartDownload reads the configuration document, hands its update and
// wireless sections to the peer services, and stages the resource bundle,
// the signed core archive and the root CA certificate.
func (b *Backend) StartDownload(ctx context.Context) (err error) {
	b.cleanup()

	endpoint, _ := b.params()
	base, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint url: %v", backend.ErrInvalid, err)
	}

	f, err := b.fetcher()
	if err != nil {
		return err
	}

	staging, err := os.MkdirTemp(b.cfg.StagingDir, "igprov-core-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			b.logger.Warn("download failed, removing staging", "dir", staging, "error", err)
			os.RemoveAll(staging)
			return
		}
		b.staging = staging
	}()

	b.logger.Info("reading configuration", "url", endpoint)
	var doc document
	if err := f.ReadJSON(ctx, endpoint, &doc); err != nil {
		return fmt.Errorf("read configuration: %w", err)
	}

	if err := b.applyUpdateSchedule(ctx, doc.Update); err != nil {
		return err
	}
	if doc.CoreThing != nil {
		b.coreThing = doc.CoreThing
	}
	if err := b.applyWirelessConfig(ctx, doc.UpdateAPS); err != nil {
		return err
	}

	gg := doc.Greengrass
	if gg == nil {
		return fmt.Errorf("%w: missing greengrass section", backend.ErrBadConfig)
	}
	if gg.CoreFile == "" || gg.CoreSignature == "" || gg.RootCACert == "" {
		return fmt.Errorf("%w: greengrass section needs coreFile, coreSignature and rootCACert", backend.ErrBadConfig)
	}
	b.gg = gg

	if gg.ResourceFile != "" {
		b.logger.Info("downloading resources", "file", gg.ResourceFile)
		if err := f.Download(ctx, resolve(base, gg.ResourceFile), filepath.Join(staging, resourceFileName), 0o600); err != nil {
			return fmt.Errorf("download resources: %w", err)
		}
	}

	corePath := filepath.Join(staging, coreFileName)
	b.logger.Info("downloading core", "file", gg.CoreFile)
	if err := f.Download(ctx, resolve(base, gg.CoreFile), corePath, 0o600); err != nil {
		return fmt.Errorf("download core: %w", err)
	}
	if err := verifySignature(corePath, gg.CoreSignature, b.cfg.DeviceCertFile); err != nil {
		return err
	}

	if err := os.Mkdir(filepath.Join(staging, "certs"), 0o700); err != nil {
		return fmt.Errorf("create certs dir: %w", err)
	}
	b.logger.Info("downloading root CA certificate", "url", gg.RootCACert)
	if err := f.Download(ctx, resolve(base, gg.RootCACert), filepath.Join(staging, rootCAPath), 0o644); err != nil {
		return fmt.Errorf("download root CA: %w", err)
	}

	return nil
}

func (b *Backend) applyUpdateSchedule(ctx context.Context, section map[string]json.RawMessage) error {
	if section == nil {
		return nil
	}
	_, hasUpdate := section["update_schedule"]
	_, hasDownload := section["download_schedule"]
	if !hasUpdate && !hasDownload {
		return nil
	}

	doc, err := json.Marshal(section)
	if err != nil {
		return fmt.Errorf("encode update section: %w", err)
	}
	res, err := b.peers.SetUpdateSchedule(ctx, string(doc))
	if err != nil {
		return fmt.Errorf("set update schedule: %w", err)
	}
	if res == updatePeerFailed {
		return fmt.Errorf("%w: update service rejected schedule", backend.ErrBadConfig)
	}
	b.logger.Info("update schedule modified")
	return nil
}

func (b *Backend) applyWirelessConfig(ctx context.Context, section json.RawMessage) error {
	if len(section) == 0 || string(section) == "null" {
		return nil
	}
	res, err := b.peers.SetWirelessConfig(ctx, string(section))
	if err != nil {
		return fmt.Errorf("set wireless config: %w", err)
	}
	if res == updatePeerFailed {
		return errors.New("config service rejected wireless configuration")
	}
	b.logger.Info("wireless configuration modified")
	return nil
}

// ApplyUpdate installs the staged download. On installer failure the
// previous installation is restored. The staging directory is removed in
// every case.
func (b *Backend) ApplyUpdate(ctx context.Context) error {
	staging := b.staging
	if staging == "" || b.gg == nil {
		return fmt.Errorf("%w: no staged download to apply", backend.ErrInvalid)
	}
	defer b.cleanup()

	args := []string{"install", staging}
	if b.gg.ResourceFile != "" {
		b.logger.Info("extracting configuration files")
		if err := backend.ExtractTarGzFile(filepath.Join(staging, resourceFileName), staging); err != nil {
			return b.restore(ctx, staging, fmt.Errorf("%w: extract resources: %v", backend.ErrBadConfig, err))
		}
		if err := pruneConfig(filepath.Join(staging, configFilePath), b.coreThing); err != nil {
			return b.restore(ctx, staging, err)
		}
	} else {
		args = append(args, "core-only")
	}

	b.logger.Info("installing core", "args", args)
	code, err := b.runner.Run(ctx, b.cfg.ToolPath, args...)
	if err != nil {
		return b.restore(ctx, staging, err)
	}
	if code != 0 {
		return b.restore(ctx, staging, fmt.Errorf("install exited with code %d", code))
	}
	return nil
}

func (b *Backend) restore(ctx context.Context, staging string, cause error) error {
	b.logger.Error("install failed, restoring", "error", cause)
	if code, err := b.runner.Run(ctx, b.cfg.ToolPath, "restore", staging); err != nil || code != 0 {
		b.logger.Error("restore failed", "code", code, "error", err)
	}
	return cause
}

func (b *Backend) cleanup() {
	if b.staging != "" {
		os.RemoveAll(b.staging)
	}
	b.staging = ""
	b.gg = nil
	b.coreThing = nil
}

func (b *Backend) CheckInstalled(ctx context.Context) (bool, error) {
	code, err := b.runner.Run(ctx, b.cfg.ToolPath, "check")
	if err != nil {
		return false, err
	}
	return backend.CheckResult(filepath.Base(b.cfg.ToolPath), code)
}

// SyncLogs runs the configured log sync command.
func (b *Backend) SyncLogs(ctx context.Context) error {
	if len(b.cfg.LogSyncCommand) == 0 {
		return errors.New("no log sync command configured")
	}
	code, err := b.runner.Run(ctx, b.cfg.LogSyncCommand[0], b.cfg.LogSyncCommand[1:]...)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("log sync exited with code %d", code)
	}
	return nil
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
