package query

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize      = 1000
	defaultClientTimeout = 2 * time.Minute
	maxErrorSnippet      = 512
)

// strippedEventKeys are the nested collections dropped from attached events.
var strippedEventKeys = []string{"Attribute", "Object", "RelatedEvent", "Galaxy"}

// ClientConfig configures the MISP API client.
type ClientConfig struct {
	URL                string
	Token              string
	InsecureSkipVerify bool
	RateLimit          float64 // requests per second, 0 = unlimited
	PageSize           int
	Timeout            time.Duration
	UserAgent          string
}

// MISPClient talks to the MISP REST API.
type MISPClient struct {
	base      string
	token     string
	userAgent string
	pageSize  int
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.SugaredLogger
}

// NewMISPClient validates the base URL and builds the HTTP client.
func NewMISPClient(cfg ClientConfig, logger *zap.SugaredLogger) (*MISPClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: misp url %q", ErrInvalidOptions, cfg.URL)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- self-signed MISP instances
	}

	return &MISPClient{
		base:      strings.TrimRight(cfg.URL, "/"),
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		pageSize:  pageSize,
		client:    &http.Client{Timeout: timeout, Transport: transport},
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
	}, nil
}

// Search runs restSearch page by page until a short page and returns the
// matching attributes. With the events controller every attribute already
// carries its stripped parent event under "Event".
func (c *MISPClient) Search(ctx context.Context, f Filters) ([]map[string]any, error) {
	path := "/" + f.Controller + "/restSearch"
	var attrs []map[string]any

	for page := 1; ; page++ {
		var resp struct {
			Response json.RawMessage `json:"response"`
		}
		if err := c.do(ctx, http.MethodPost, path, f.searchBody(page, c.pageSize), &resp); err != nil {
			return nil, err
		}

		var (
			batch []map[string]any
			n     int
			err   error
		)
		switch f.Controller {
		case ControllerEvents:
			batch, n, err = eventAttributes(resp.Response)
		default:
			batch, err = attributeList(resp.Response)
			n = len(batch)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: page %d of %s: %v", ErrRemote, page, path, err)
		}
		attrs = append(attrs, batch...)

		c.logger.Debugw("Fetched search page", "controller", f.Controller, "page", page, "items", n)
		if n < c.pageSize {
			break
		}
	}
	return attrs, nil
}

// GetEvent fetches one event and strips its nested collections.
func (c *MISPClient) GetEvent(ctx context.Context, id string) (map[string]any, error) {
	var resp struct {
		Event map[string]any `json:"Event"`
	}
	if err := c.do(ctx, http.MethodGet, "/events/view/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Event == nil {
		return nil, fmt.Errorf("%w: event %s: no Event in response", ErrRemote, id)
	}
	return StripEvent(resp.Event), nil
}

// StripEvent returns a copy of event without its nested collections.
func StripEvent(event map[string]any) map[string]any {
	out := make(map[string]any, len(event))
	for k, v := range event {
		out[k] = v
	}
	for _, k := range strippedEventKeys {
		delete(out, k)
	}
	return out
}

func (c *MISPClient) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrRemote, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		return fmt.Errorf("%w: %s %s: HTTP %d: %s", ErrRemote, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: decoding response: %v", ErrRemote, method, path, err)
	}
	return nil
}

// attributeList reads {"Attribute": [...]}.
func attributeList(raw json.RawMessage) ([]map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var body struct {
		Attribute []map[string]any `json:"Attribute"`
	}
	if err := decodeNumbers(raw, &body); err != nil {
		return nil, err
	}
	return body.Attribute, nil
}

// eventAttributes reads [{"Event": {..., "Attribute": [...]}}] and attaches
// each stripped event to its attributes. It also returns the event count,
// which is what the page size applies to.
func eventAttributes(raw json.RawMessage) ([]map[string]any, int, error) {
	if len(raw) == 0 {
		return nil, 0, nil
	}
	var events []struct {
		Event map[string]any `json:"Event"`
	}
	if err := decodeNumbers(raw, &events); err != nil {
		return nil, 0, err
	}

	var attrs []map[string]any
	for _, e := range events {
		if e.Event == nil {
			continue
		}
		stripped := StripEvent(e.Event)
		list, _ := e.Event["Attribute"].([]any)
		for _, item := range list {
			attr, ok := item.(map[string]any)
			if !ok {
				continue
			}
			attr["Event"] = stripped
			attrs = append(attrs, attr)
		}
	}
	return attrs, len(events), nil
}

func decodeNumbers(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}
