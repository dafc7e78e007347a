package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/model"
)

const (
	assetsFileName    = "edge-assets-latest.tar.gz"
	binaryPath        = "edge/edge"
	bootstrapFilePath = "edge/conf/bootstrap.json"
	confFilePath      = "edge/conf/conf.json"
	escrowTokenPath   = "edge/escrow_token"
)

// Candidate install roots, in order of preference.
var installRoots = []string{"/gg", "/opt"}

// Config configures the edge installer.
type Config struct {
	ToolPath       string
	AssetsURL      string
	BinaryURL      string
	PlatformURL    string
	ServiceName    string
	RequestTimeout time.Duration
	Broker         Broker

	// InstallDir overrides install root detection.
	InstallDir string
}

// Broker holds the MQTT broker settings written into the agent config.
type Broker struct {
	Protocol string
	Host     string
	Port     string
	Username string
	Password string
}

// Backend installs the device-management agent.
type Backend struct {
	cfg        Config
	installDir string
	runner     backend.Runner
	fetcher    *backend.Fetcher
	logger     *slog.Logger

	mu          sync.Mutex
	companyID   string
	escrowToken string
}

var _ backend.EdgeBackend = (*Backend)(nil)

// New creates an edge backend.
func New(cfg Config, runner backend.Runner, logger *slog.Logger) *Backend {
	dir := cfg.InstallDir
	if dir == "" {
		dir = detectInstallDir()
	}
	return &Backend{
		cfg:        cfg,
		installDir: dir,
		runner:     runner,
		fetcher:    backend.NewFetcher(cfg.RequestTimeout),
		logger:     logger.With("backend", model.BackendEdge),
	}
}

func detectInstallDir() string {
	for _, dir := range installRoots[:len(installRoots)-1] {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return installRoots[len(installRoots)-1]
}

func (b *Backend) Kind() model.BackendKind {
	return model.BackendEdge
}

// InstallDir returns the install root in use.
func (b *Backend) InstallDir() string {
	return b.installDir
}

func (b *Backend) SetCompanyID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.companyID = id
}

func (b *Backend) SetEscrowToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.escrowToken = token
}

func (b *Backend) params() (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.companyID, b.escrowToken
}

func (b *Backend) path(rel string) string {
	return filepath.Join(b.installDir, filepath.FromSlash(rel))
}

// StartDownload stops the running agent, installs the asset bundle and
// agent binary, and writes the agent configuration for the company.
func (b *Backend) StartDownload(ctx context.Context) error {
	companyID, token := b.params()
	if companyID == "" {
		return fmt.Errorf("%w: missing company id", backend.ErrInvalid)
	}

	if code, err := b.runner.Run(ctx, "systemctl", "stop", b.cfg.ServiceName); err != nil || code != 0 {
		b.logger.Warn("stop service", "service", b.cfg.ServiceName, "code", code, "error", err)
	}

	assets := b.path(assetsFileName)
	b.logger.Info("downloading assets", "url", b.cfg.AssetsURL)
	if err := b.fetcher.Download(ctx, b.cfg.AssetsURL, assets, 0o600); err != nil {
		return fmt.Errorf("download assets: %w", err)
	}
	err := backend.ExtractTarGzFile(assets, b.installDir)
	os.Remove(assets)
	if err != nil {
		return fmt.Errorf("extract assets: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path(binaryPath)), 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	b.logger.Info("downloading agent", "url", b.cfg.BinaryURL)
	if err := b.fetcher.Download(ctx, b.cfg.BinaryURL, b.path(binaryPath), 0o755); err != nil {
		return fmt.Errorf("download agent: %w", err)
	}

	if err := b.writeJSON(bootstrapFilePath, bootstrapConfig(companyID)); err != nil {
		return err
	}
	if err := b.writeJSON(confFilePath, b.agentConfig(companyID)); err != nil {
		return err
	}

	if token != "" {
		b.logger.Info("writing escrow token", "path", b.path(escrowTokenPath))
		if err := os.WriteFile(b.path(escrowTokenPath), []byte(token), 0o600); err != nil {
			return fmt.Errorf("write escrow token: %w", err)
		}
	}
	return nil
}

func (b *Backend) writeJSON(rel string, v any) error {
	path := b.path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ApplyUpdate runs the agent's install step.
func (b *Backend) ApplyUpdate(ctx context.Context) error {
	code, err := b.runner.Run(ctx, b.cfg.ToolPath, "install")
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("install exited with code %d", code)
	}
	return nil
}

func (b *Backend) CheckInstalled(ctx context.Context) (bool, error) {
	code, err := b.runner.Run(ctx, b.cfg.ToolPath, "check")
	if err != nil {
		return false, err
	}
	return backend.CheckResult(filepath.Base(b.cfg.ToolPath), code)
}
