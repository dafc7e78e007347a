package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"

	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/model"
)

// Classify maps a worker error onto a failure status. The first matching
// rule wins.
func Classify(err error) model.Status {
	if err == nil {
		return model.StatusSuccess
	}

	var httpErr *backend.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return model.StatusFailedAuth
		case http.StatusNotFound:
			return model.StatusFailedNotFound
		default:
			return model.StatusFailedUnknown
		}
	}

	switch {
	case errors.Is(err, backend.ErrBadConfig):
		return model.StatusFailedBadConfig
	case errors.Is(err, backend.ErrInvalid):
		return model.StatusFailedInvalid
	case isTimeout(err):
		return model.StatusFailedTimeout
	case isConnect(err):
		return model.StatusFailedConnect
	default:
		return model.StatusFailedUnknown
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnect(err error) bool {
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
		urlErr *url.Error
	)
	return errors.As(err, &opErr) ||
		errors.As(err, &dnsErr) ||
		errors.As(err, &urlErr) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
