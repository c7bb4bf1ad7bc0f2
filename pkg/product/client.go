// Package product provides the client for the external product service:
// read-only product lookups for import and validation, and the patch
// write-back used when an insight is accepted.
package product

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/resilience"
)

// Client talks to the product service.
type Client interface {
	// GetProduct fetches one product. A missing product is (nil, nil),
	// not an error.
	GetProduct(ctx context.Context, barcode string) (*model.Product, error)

	// UpdateProduct applies a field patch with an audit comment.
	UpdateProduct(ctx context.Context, barcode string, patch map[string]string, comment string) error
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	retry     resilience.RetryConfig
}

// NewClient creates a Client against the given base URL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(10, 11),
		userAgent: "curator",
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) GetProduct(ctx context.Context, barcode string) (*model.Product, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*model.Product, error) {
		return c.getProduct(ctx, barcode)
	})
}

func (c *httpClient) getProduct(ctx context.Context, barcode string) (*model.Product, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "product: rate limit wait")
	}

	endpoint := fmt.Sprintf("%s/api/v2/product/%s", c.baseURL, url.PathEscape(barcode))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "product: build request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "product: fetch %s", barcode)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("product: fetch %s: status %d", barcode, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var payload struct {
		Status  int            `json:"status"`
		Product *model.Product `json:"product"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, eris.Wrapf(err, "product: decode %s", barcode)
	}
	// The service reports deleted products with a 200 and status 0.
	if payload.Status == 0 || payload.Product == nil {
		return nil, nil
	}
	payload.Product.Barcode = barcode
	return payload.Product, nil
}

func (c *httpClient) UpdateProduct(ctx context.Context, barcode string, patch map[string]string, comment string) error {
	// The update sets absolute field values, so replaying it on a
	// transient failure is safe.
	return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.updateProduct(ctx, barcode, patch, comment)
	})
}

func (c *httpClient) updateProduct(ctx context.Context, barcode string, patch map[string]string, comment string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "product: rate limit wait")
	}

	form := url.Values{}
	form.Set("code", barcode)
	form.Set("comment", comment)
	for field, value := range patch {
		form.Set(field, value)
	}

	endpoint := c.baseURL + "/cgi/product_jqm2.pl"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return eris.Wrap(err, "product: build update request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "product: update %s", barcode)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("product: update %s: status %d: %s", barcode, resp.StatusCode, string(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	var payload struct {
		Status int `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return eris.Wrapf(err, "product: decode update response %s", barcode)
	}
	if payload.Status != 1 {
		return eris.Errorf("product: update %s rejected with status %d", barcode, payload.Status)
	}
	return nil
}
