package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBadConfig marks a malformed or rejected configuration document.
	ErrBadConfig = errors.New("bad configuration")

	// ErrInvalid marks invalid request parameters such as missing
	// credentials.
	ErrInvalid = errors.New("invalid request parameters")
)

// HTTPError is returned for a non-2xx response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// minCompanyURLParts is the number of "/"-separated parts of the shortest
// accepted edge URL: "scheme:", "", host, company.
const minCompanyURLParts = 4

// CompanyIDFromURL returns the final "/"-separated segment of an edge
// provisioning URL.
func CompanyIDFromURL(endpointURL string) (string, error) {
	parts := strings.Split(endpointURL, "/")
	if len(parts) < minCompanyURLParts {
		return "", fmt.Errorf("%w: missing url or company id in %q", ErrBadConfig, endpointURL)
	}
	id := parts[len(parts)-1]
	if id == "" {
		return "", fmt.Errorf("%w: empty company id in %q", ErrBadConfig, endpointURL)
	}
	return id, nil
}
