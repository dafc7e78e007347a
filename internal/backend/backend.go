package backend

import (
	"context"

	"github.com/seantiz/igprov/internal/model"
)

// Backend is the contract every provisioning target implements. All three
// operations may block on network or subprocess I/O and must only be driven
// from a worker goroutine, except CheckInstalled which is a bounded local
// probe.
type Backend interface {
	Kind() model.BackendKind

	// StartDownload fetches and stages everything the install needs.
	StartDownload(ctx context.Context) error

	// ApplyUpdate installs what StartDownload staged.
	ApplyUpdate(ctx context.Context) error

	// CheckInstalled reports whether the target is installed and configured.
	CheckInstalled(ctx context.Context) (bool, error)
}

// AuthParams carries the caller supplied credentials of a provisioning
// request. Either ClientCert (PEM, certificate and key) or Username and
// Password must be set for the core target.
type AuthParams struct {
	ClientCert string `json:"clientcert,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// CoreBackend is the fleet-management installer.
type CoreBackend interface {
	Backend

	// SetEndpoint records the configuration URL and credentials used by the
	// next download.
	SetEndpoint(endpointURL string, auth AuthParams)

	// SyncLogs copies the installer's runtime logs to a readable location.
	SyncLogs(ctx context.Context) error
}

// EdgeBackend is the device-management installer.
type EdgeBackend interface {
	Backend

	SetCompanyID(id string)

	// SetEscrowToken sets the token written during download. An empty token
	// means no token file is written.
	SetEscrowToken(token string)
}
