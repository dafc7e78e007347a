package backend_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/igprov/internal/backend"
)

func TestCompanyIDFromURL(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"http://api.edgeiq.io/acme", "acme", false},
		{"http://api.edgeiq.io/api/v1/companies/acme-42", "acme-42", false},
		{"http://api.edgeiq.io", "", true},
		{"api.edgeiq.io/acme", "", true},
		{"http://api.edgeiq.io/", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := backend.CompanyIDFromURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, backend.ErrBadConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPErrorUnwrapsWithAs(t *testing.T) {
	var err error = &backend.HTTPError{StatusCode: 404, URL: "http://x/y"}
	wrapped := errors.Join(errors.New("download core"), err)

	var httpErr *backend.HTTPError
	require.ErrorAs(t, wrapped, &httpErr)
	assert.Equal(t, 404, httpErr.StatusCode)
	assert.Contains(t, err.Error(), "404")
}

func TestCheckResult(t *testing.T) {
	ok, err := backend.CheckResult("ggconf", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.CheckResult("ggconf", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = backend.CheckResult("ggconf", 2)
	assert.Error(t, err)

	_, err = backend.CheckResult("ggconf", -1)
	assert.Error(t, err)
}
