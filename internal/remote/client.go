package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"stoktracker/internal/pos"
)

// APIError classifies a failed remote call. Status 0 means the request
// never reached the server (network failure).
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote unreachable: %s", e.Message)
	}
	return fmt.Sprintf("remote returned %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure is worth retrying: network
// failures and 5xx are, 4xx rejections are not.
func (e *APIError) Retryable() bool {
	return e.Status == 0 || e.Status >= http.StatusInternalServerError
}

// Client is a thin REST wrapper over the backend API. It holds no sync
// logic; the sync engine owns ordering and retries.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second)
	return &Client{http: c, logger: logger}
}

// Close releases the underlying HTTP resources.
func (c *Client) Close() error {
	return c.http.Close()
}

func classify(res *resty.Response, err error) error {
	if err != nil {
		return &APIError{Status: 0, Message: err.Error()}
	}
	if res.IsError() {
		return &APIError{Status: res.StatusCode(), Message: res.String()}
	}
	return nil
}

// CreateProduct creates a product on the server and returns the canonical
// record carrying the server-assigned id.
func (c *Client) CreateProduct(ctx context.Context, p *pos.Product) (*pos.Product, error) {
	var out pos.Product
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(p).
		SetResult(&out).
		Post("/products")
	if cerr := classify(res, err); cerr != nil {
		return nil, cerr
	}
	return &out, nil
}

// UpdateProduct updates a product on the server.
func (c *Client) UpdateProduct(ctx context.Context, p *pos.Product) (*pos.Product, error) {
	var out pos.Product
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(p).
		SetResult(&out).
		Put("/products/" + p.ID)
	if cerr := classify(res, err); cerr != nil {
		return nil, cerr
	}
	return &out, nil
}

// DeleteProduct deletes a product on the server.
func (c *Client) DeleteProduct(ctx context.Context, id string) error {
	res, err := c.http.R().
		SetContext(ctx).
		Delete("/products/" + id)
	return classify(res, err)
}

// CreateSale creates a sale on the server and returns the canonical
// record carrying the server-assigned id.
func (c *Client) CreateSale(ctx context.Context, s *pos.Sale) (*pos.Sale, error) {
	var out pos.Sale
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(s).
		SetResult(&out).
		Post("/sales")
	if cerr := classify(res, err); cerr != nil {
		return nil, cerr
	}
	return &out, nil
}

// Health probes the server's health endpoint. A nil return means the
// server is reachable, not just the link.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.http.R().
		SetContext(ctx).
		Get("/ping")
	return classify(res, err)
}

// Probe implements the connectivity monitor's Prober interface.
func (c *Client) Probe(ctx context.Context) error {
	return c.Health(ctx)
}
