package backend_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/igprov/internal/backend"
)

func TestFetcherReadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"greengrass": {"coreFile": "core.tar.gz"}}`))
	}))
	defer srv.Close()

	var doc map[string]map[string]string
	err := backend.NewFetcher(5*time.Second).ReadJSON(context.Background(), srv.URL, &doc)
	require.NoError(t, err)
	assert.Equal(t, "core.tar.gz", doc["greengrass"]["coreFile"])
}

func TestFetcherBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != "u" || p != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := backend.NewFetcher(5 * time.Second)

	var doc map[string]any
	err := f.ReadJSON(context.Background(), srv.URL, &doc)
	var httpErr *backend.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)

	require.NoError(t, f.WithBasicAuth("u", "p").ReadJSON(context.Background(), srv.URL, &doc))
}

func TestFetcherStatusErrors(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		err := backend.NewFetcher(5*time.Second).Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "out"), 0o644)
		var httpErr *backend.HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, code, httpErr.StatusCode)
		srv.Close()
	}
}

func TestFetcherMalformedJSONIsBadConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"greengrass": `))
	}))
	defer srv.Close()

	var doc map[string]any
	err := backend.NewFetcher(5*time.Second).ReadJSON(context.Background(), srv.URL, &doc)
	assert.ErrorIs(t, err, backend.ErrBadConfig)
}

func TestFetcherReadJSONSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pad": "`))
		w.Write([]byte(strings.Repeat("x", backend.MaxConfigSize)))
		w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	var doc map[string]any
	err := backend.NewFetcher(5*time.Second).ReadJSON(context.Background(), srv.URL, &doc)
	assert.ErrorIs(t, err, backend.ErrBadConfig)
}

func TestFetcherDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("binary-content"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "edge")
	require.NoError(t, backend.NewFetcher(5*time.Second).Download(context.Background(), srv.URL, dest, 0o755))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "binary-content", string(data))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestFetcherConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var doc map[string]any
	err := backend.NewFetcher(time.Second).ReadJSON(context.Background(), url, &doc)
	require.Error(t, err)
	var httpErr *backend.HTTPError
	assert.NotErrorAs(t, err, &httpErr)
}

func TestFetcherWithClientCertRejectsGarbage(t *testing.T) {
	_, err := backend.NewFetcher(time.Second).WithClientCert([]byte("not pem"))
	assert.ErrorIs(t, err, backend.ErrInvalid)
}
