package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "IGPROVD"
	configName = "igprovd"

	defaultListenAddr   = "unix:/run/igprovd.sock"
	defaultStorePath    = "/var/lib/igprovd/history.db"
	defaultStoreRetain  = 1000
	defaultEscrowFile   = "/etc/escrow.cfg"
	defaultInterface    = "eth0"
	defaultCheckTimeout = 30 * time.Second
)

// Config holds the daemon configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Store   StoreConfig   `mapstructure:"store"`
	Escrow  EscrowConfig  `mapstructure:"escrow"`
	Network NetworkConfig `mapstructure:"network"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Core    CoreConfig    `mapstructure:"core"`
	Edge    EdgeConfig    `mapstructure:"edge"`
	LogSync LogSyncConfig `mapstructure:"logsync"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	// UID adds a per-boot identifier to every log record.
	UID bool `mapstructure:"uid"`
}

// HTTPConfig configures the control surface. ListenAddr is either a TCP
// address or "unix:" followed by a socket path.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
}

// StoreConfig configures the transition history database. Retain bounds
// the number of kept rows; zero keeps everything.
type StoreConfig struct {
	Path   string `mapstructure:"path" validate:"required"`
	Retain int    `mapstructure:"retain" validate:"gte=0"`
}

type EscrowConfig struct {
	ConfigFile string `mapstructure:"config_file"`
}

// NetworkConfig selects where connectivity and the hardware address come
// from. The static source is intended for development hosts without
// NetworkManager.
type NetworkConfig struct {
	Source      string `mapstructure:"source" validate:"oneof=networkmanager static"`
	Interface   string `mapstructure:"interface" validate:"required"`
	StaticLevel uint32 `mapstructure:"static_level" validate:"lte=4"`
	StaticAddr  string `mapstructure:"static_addr"`
}

type EngineConfig struct {
	CheckTimeout time.Duration `mapstructure:"check_timeout" validate:"gt=0"`
}

type CoreConfig struct {
	ToolPath       string        `mapstructure:"tool_path" validate:"required"`
	DeviceCertFile string        `mapstructure:"device_cert_file" validate:"required"`
	StagingDir     string        `mapstructure:"staging_dir"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

type EdgeConfig struct {
	ToolPath       string        `mapstructure:"tool_path" validate:"required"`
	DomainMarker   string        `mapstructure:"domain_marker" validate:"required"`
	AssetsURL      string        `mapstructure:"assets_url" validate:"required,url"`
	BinaryURL      string        `mapstructure:"binary_url" validate:"required,url"`
	PlatformURL    string        `mapstructure:"platform_url" validate:"required,url"`
	InstallDir     string        `mapstructure:"install_dir"`
	ServiceName    string        `mapstructure:"service_name" validate:"required"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	Broker         BrokerConfig  `mapstructure:"broker"`
}

type BrokerConfig struct {
	Protocol string `mapstructure:"protocol"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogSyncConfig struct {
	Command []string `mapstructure:"command" validate:"min=1"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.uid", false)
	v.SetDefault("http.listen_addr", defaultListenAddr)
	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("store.retain", defaultStoreRetain)
	v.SetDefault("escrow.config_file", defaultEscrowFile)
	v.SetDefault("network.source", "networkmanager")
	v.SetDefault("network.interface", defaultInterface)
	v.SetDefault("network.static_level", 4)
	v.SetDefault("network.static_addr", "")
	v.SetDefault("engine.check_timeout", defaultCheckTimeout)

	v.SetDefault("core.tool_path", "/usr/bin/ggconf")
	v.SetDefault("core.device_cert_file", "/etc/ssl/misc/dev.crt")
	v.SetDefault("core.staging_dir", "")
	v.SetDefault("core.request_timeout", 30*time.Second)

	v.SetDefault("edge.tool_path", "/usr/bin/edge_iq_config")
	v.SetDefault("edge.domain_marker", "http://api.edgeiq.io/")
	v.SetDefault("edge.assets_url", "http://api.edgeiq.io/api/v1/platform/downloads/latest/edge-assets-latest.tar.gz")
	v.SetDefault("edge.binary_url", "http://api.edgeiq.io/api/v1/platform/downloads/latest/edge-linux-arm7-latest")
	v.SetDefault("edge.platform_url", "https://api.edgeiq.io/api/v1/platform/")
	v.SetDefault("edge.install_dir", "")
	v.SetDefault("edge.service_name", "edge")
	v.SetDefault("edge.request_timeout", 30*time.Second)
	v.SetDefault("edge.broker.protocol", "ssl")
	v.SetDefault("edge.broker.host", "mqtt.ms-io.com")
	v.SetDefault("edge.broker.port", "443")
	v.SetDefault("edge.broker.username", "edge")
	v.SetDefault("edge.broker.password", "")

	v.SetDefault("logsync.command", []string{
		"rsync", "-rltmog", "--delete",
		"--chmod=Dug+rx,Fug+r", "--chown=ggc_user:ggc_group",
		"/gg/greengrass/ggc/var/log", "/gg",
	})
}

// Load reads igprovd.yaml from the working directory or /etc/igprovd (an
// explicit path wins), then applies IGPROVD_* environment overrides. A
// missing file is not an error; every key has a default.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/igprovd")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// Format "text" selects the text handler; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
