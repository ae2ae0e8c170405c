package feeds

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"iocpipe/util"
)

const (
	defaultHTTPTimeout  = 60 * time.Second
	defaultMaxBodyBytes = 256 * 1024 * 1024
)

// HTTPFetcherConfig configures the shared feed transport.
type HTTPFetcherConfig struct {
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration // first backoff interval, grows exponentially
	RateLimit float64       // requests per second, 0 = unlimited
	UserAgent string

	// Client certificate for providers that authenticate with mutual TLS.
	// KeyFile may be empty when CertFile is a combined PEM.
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool

	MaxBodyBytes int64
}

// HTTPFetcher implements Fetcher over net/http with retries and a rate limit.
type HTTPFetcher struct {
	client       *http.Client
	limiter      *rate.Limiter
	retries      int
	retryWait    time.Duration
	userAgent    string
	maxBodyBytes int64
	logger       *zap.SugaredLogger
}

// NewHTTPFetcher creates a fetcher, loading the client certificate if configured.
func NewHTTPFetcher(cfg HTTPFetcherConfig, logger *zap.SugaredLogger) (*HTTPFetcher, error) {
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter:      rate.NewLimiter(limit, 1),
		retries:      cfg.Retries,
		retryWait:    cfg.RetryWait,
		userAgent:    cfg.UserAgent,
		maxBodyBytes: maxBody,
		logger:       logger,
	}, nil
}

func buildTLSConfig(cfg HTTPFetcherConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- opt-in per deployment
	}

	if cfg.CertFile != "" {
		keyFile := cfg.KeyFile
		if keyFile == "" {
			keyFile = cfg.CertFile
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidConfig, cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Get fetches url, retrying connection failures and 5xx/429 responses.
func (f *HTTPFetcher) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	var resp *Response

	operation := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		r, err := f.do(ctx, url, headers)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	if f.retryWait > 0 {
		expo.InitialInterval = f.retryWait
	}
	var policy backoff.BackOff = backoff.WithMaxRetries(expo, uint64(max(f.retries, 0)))
	policy = backoff.WithContext(policy, ctx)

	notify := func(err error, wait time.Duration) {
		f.logger.Debugw("Retrying feed request", "url", util.RedactURL(url), "error", util.RedactError(err), "wait", wait)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *HTTPFetcher) do(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpResp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(fmt.Errorf("%w: HTTP %d from %s", ErrAuthFailed, httpResp.StatusCode, url))
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrHTTPStatus, httpResp.StatusCode, url)
	default:
		return nil, backoff.Permanent(fmt.Errorf("%w: HTTP %d from %s", ErrHTTPStatus, httpResp.StatusCode, url))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrConnectionFailed, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, backoff.Permanent(fmt.Errorf("%w: response from %s exceeds %d bytes", ErrMalformedPayload, url, f.maxBodyBytes))
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, nil
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
