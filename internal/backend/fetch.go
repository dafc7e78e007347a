package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// MaxConfigSize caps the size of a configuration document read by ReadJSON.
const MaxConfigSize = 1 << 20

// Fetcher performs authenticated GET requests. The timeout bounds connect
// and time-to-first-byte, not the whole transfer, so large downloads on slow
// links still complete.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	username string
	password string
}

// NewFetcher creates an unauthenticated fetcher.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client:  &http.Client{Transport: newTransport(timeout, nil)},
		timeout: timeout,
	}
}

func newTransport(timeout time.Duration, cert *tls.Certificate) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	if cert != nil {
		t.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return t
}

// WithBasicAuth returns a copy that sends HTTP basic credentials.
func (f *Fetcher) WithBasicAuth(username, password string) *Fetcher {
	c := *f
	c.username = username
	c.password = password
	return &c
}

// WithClientCert returns a copy that presents the client certificate and key
// contained in pemData. A PEM bundle without a usable key pair is an
// invalid request parameter.
func (f *Fetcher) WithClientCert(pemData []byte) (*Fetcher, error) {
	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return nil, fmt.Errorf("%w: client certificate: %v", ErrInvalid, err)
	}
	c := *f
	c.client = &http.Client{Transport: newTransport(f.timeout, &cert)}
	return &c, nil
}

// get issues the request and converts non-2xx responses into *HTTPError.
// The caller closes the body.
func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: request url: %v", ErrBadConfig, err)
	}
	if f.username != "" || f.password != "" {
		req.SetBasicAuth(f.username, f.password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	return resp, nil
}

// Download streams rawURL into dest with the given file mode.
func (f *Fetcher) Download(ctx context.Context, rawURL, dest string, mode os.FileMode) error {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

// ReadJSON decodes at most MaxConfigSize bytes of rawURL into v. A body
// that is not valid JSON is a bad configuration.
func (f *Fetcher) ReadJSON(ctx context.Context, rawURL string, v any) error {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxConfigSize))
	if err != nil {
		return fmt.Errorf("read %s: %w", rawURL, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrBadConfig, rawURL, err)
	}
	return nil
}
