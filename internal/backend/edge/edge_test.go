package edge_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/backend/edge"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	codes map[string]int
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.codes[args[0]], nil
}

func (r *fakeRunner) commands() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func assetsArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "edge/conf/", Mode: 0o755, Typeflag: tar.TypeDir}))
	body := []byte("old bootstrap")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "edge/conf/bootstrap.json", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	assets := assetsArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/downloads/latest/edge-assets-latest.tar.gz":
			w.Write(assets)
		case "/downloads/latest/edge-linux-arm7-latest":
			w.Write([]byte("ELF"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBackend(t *testing.T, srvURL string, runner *fakeRunner) *edge.Backend {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return edge.New(edge.Config{
		ToolPath:       "/usr/bin/edge_iq_config",
		AssetsURL:      srvURL + "/downloads/latest/edge-assets-latest.tar.gz",
		BinaryURL:      srvURL + "/downloads/latest/edge-linux-arm7-latest",
		PlatformURL:    "https://platform.example/api/v1/platform/",
		ServiceName:    "edge",
		RequestTimeout: 5 * time.Second,
		Broker:         edge.Broker{Protocol: "ssl", Host: "mqtt.example", Port: "443", Username: "edge", Password: "secret"},
		InstallDir:     t.TempDir(),
	}, runner, logger)
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestStartDownload(t *testing.T) {
	srv := newTestServer(t)
	runner := &fakeRunner{}
	b := newTestBackend(t, srv.URL, runner)
	b.SetCompanyID("acme")

	require.NoError(t, b.StartDownload(context.Background()))
	dir := b.InstallDir()

	require.NotEmpty(t, runner.commands())
	assert.Equal(t, []string{"systemctl", "stop", "edge"}, runner.commands()[0])

	_, err := os.Stat(filepath.Join(dir, "edge-assets-latest.tar.gz"))
	assert.True(t, os.IsNotExist(err), "assets archive removed after extraction")

	info, err := os.Stat(filepath.Join(dir, "edge", "edge"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	boot := readJSON(t, filepath.Join(dir, "edge", "conf", "bootstrap.json"))
	assert.Equal(t, "acme", boot["company_id"])
	assert.Equal(t, "laird", boot["platform"])
	assert.Equal(t, "nmcli", boot["network_configurer"])
	assert.Equal(t, false, boot["local"])

	conf := readJSON(t, filepath.Join(dir, "edge", "conf", "conf.json"))
	assert.Equal(t, "acme", conf["edge"].(map[string]any)["company"])
	broker := conf["mqtt"].(map[string]any)["broker"].(map[string]any)
	assert.Equal(t, "mqtt.example", broker["host"])
	assert.Equal(t, filepath.Join(dir, "edge", "escrow_token"), broker["escrow_token_path"])
	assert.Equal(t, "https://platform.example/api/v1/platform/", conf["platform"].(map[string]any)["url"])

	_, err = os.Stat(filepath.Join(dir, "edge", "escrow_token"))
	assert.True(t, os.IsNotExist(err), "no token file without an escrow token")
}

func TestStartDownloadWritesEscrowToken(t *testing.T) {
	srv := newTestServer(t)
	b := newTestBackend(t, srv.URL, &fakeRunner{})
	b.SetCompanyID("acme")
	b.SetEscrowToken("esc_c0ee40dead01")

	require.NoError(t, b.StartDownload(context.Background()))

	token, err := os.ReadFile(filepath.Join(b.InstallDir(), "edge", "escrow_token"))
	require.NoError(t, err)
	assert.Equal(t, "esc_c0ee40dead01", string(token))
}

func TestStartDownloadMissingCompany(t *testing.T) {
	srv := newTestServer(t)
	runner := &fakeRunner{}
	b := newTestBackend(t, srv.URL, runner)

	assert.ErrorIs(t, b.StartDownload(context.Background()), backend.ErrInvalid)
	assert.Empty(t, runner.commands())
}

func TestStartDownloadAssetsNotFound(t *testing.T) {
	srv := newTestServer(t)
	b := edge.New(edge.Config{
		ToolPath:       "/usr/bin/edge_iq_config",
		AssetsURL:      srv.URL + "/missing.tar.gz",
		BinaryURL:      srv.URL + "/downloads/latest/edge-linux-arm7-latest",
		ServiceName:    "edge",
		RequestTimeout: 5 * time.Second,
		InstallDir:     t.TempDir(),
	}, &fakeRunner{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.SetCompanyID("acme")

	err := b.StartDownload(context.Background())
	var httpErr *backend.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestApplyUpdate(t *testing.T) {
	runner := &fakeRunner{}
	b := newTestBackend(t, "http://unused", runner)

	require.NoError(t, b.ApplyUpdate(context.Background()))
	assert.Equal(t, [][]string{{"/usr/bin/edge_iq_config", "install"}}, runner.commands())

	failing := newTestBackend(t, "http://unused", &fakeRunner{codes: map[string]int{"install": 1}})
	assert.Error(t, failing.ApplyUpdate(context.Background()))
}

func TestCheckInstalled(t *testing.T) {
	installed := newTestBackend(t, "http://unused", &fakeRunner{codes: map[string]int{"check": 0}})
	ok, err := installed.CheckInstalled(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	missing := newTestBackend(t, "http://unused", &fakeRunner{codes: map[string]int{"check": 1}})
	ok, err = missing.CheckInstalled(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	broken := newTestBackend(t, "http://unused", &fakeRunner{codes: map[string]int{"check": 127}})
	_, err = broken.CheckInstalled(context.Background())
	assert.Error(t, err)
}
