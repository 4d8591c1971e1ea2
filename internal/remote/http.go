package remote

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPOptions parameterise the direct transport.
type HTTPOptions struct {
	UserAgent string
}

// HTTPTransport calls the financial endpoint directly from this host.
type HTTPTransport struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPTransport constructs a direct transport. Per-call timeouts come from Fetch.
func NewHTTPTransport(opts HTTPOptions, logger zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		opts:   opts,
		logger: logger.With().Str("component", "http_transport").Logger(),
		client: &http.Client{},
	}
}

// Fetch performs the GET. Any HTTP status is returned as a Reply; only
// transport failures produce an error.
func (h *HTTPTransport) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (Reply, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "dailybalance/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Status: resp.StatusCode, Body: body}, nil
}

// Close releases idle connections.
func (h *HTTPTransport) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// HTTPDialer hands out direct transports.
type HTTPDialer struct {
	Options HTTPOptions
	Logger  zerolog.Logger
}

// Dial never fails.
func (d HTTPDialer) Dial(context.Context) (Transport, error) {
	return NewHTTPTransport(d.Options, d.Logger), nil
}

var (
	_ Transport = (*HTTPTransport)(nil)
	_ Dialer    = HTTPDialer{}
)
