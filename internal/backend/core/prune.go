package core

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/seantiz/igprov/internal/backend"
)

var (
	validMQTTPorts = []int{8883, 443}
	validHTTPPorts = []int{8443, 443}
)

const (
	minLocalPort = 1024
	maxLocalPort = 65535
)

// pruneConfig rewrites the extracted core config so that only the
// coreThing element survives, systemd cgroups are enabled, and whitelisted
// port settings from the downloaded document's coreThing are carried over.
func pruneConfig(path string, coreThing map[string]any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read core config: %w", err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("%w: parse core config: %v", backend.ErrBadConfig, err)
	}
	thing, ok := cfg["coreThing"].(map[string]any)
	if !ok {
		return fmt.Errorf("%w: core config has no coreThing", backend.ErrBadConfig)
	}

	if err := copyPorts(thing, coreThing); err != nil {
		return err
	}

	pruned := map[string]any{
		"coreThing": thing,
		"runtime": map[string]any{
			"cgroup": map[string]any{"useSystemd": "yes"},
		},
	}

	out, err := json.MarshalIndent(pruned, "", "  ")
	if err != nil {
		return fmt.Errorf("encode core config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write core config: %w", err)
	}
	return nil
}

func copyPorts(dst, src map[string]any) error {
	if src == nil {
		return nil
	}

	checks := []struct {
		key   string
		valid func(int) bool
	}{
		{"iotMqttPort", func(p int) bool { return slices.Contains(validMQTTPorts, p) }},
		{"iotHttpPort", func(p int) bool { return slices.Contains(validHTTPPorts, p) }},
		{"ggMqttPort", func(p int) bool { return p >= minLocalPort && p <= maxLocalPort }},
		{"ggHttpPort", func(p int) bool { return slices.Contains(validHTTPPorts, p) }},
	}

	for _, c := range checks {
		v, ok := src[c.key]
		if !ok {
			continue
		}
		port, err := toPort(v)
		if err != nil || !c.valid(port) {
			return fmt.Errorf("%w: invalid %s %v", backend.ErrBadConfig, c.key, v)
		}
		dst[c.key] = v
	}

	if v, ok := src["keepAlive"]; ok {
		dst["keepAlive"] = v
	}
	return nil
}

func toPort(v any) (int, error) {
	switch p := v.(type) {
	case float64:
		return int(p), nil
	case string:
		return strconv.Atoi(p)
	default:
		return 0, fmt.Errorf("unexpected port type %T", v)
	}
}
