// Package technitium implements the provider backend for Technitium DNS
// Server, which speaks a token-authenticated JSON-over-HTTP API.
package technitium

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trafegodns/trafegodns/pkg/provider"
)

// apiRecord represents a DNS record from the Technitium API.
type apiRecord struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	TTL      int      `json:"ttl"`
	RData    apiRData `json:"rData"`
	Disabled bool     `json:"disabled"`
}

// apiRData contains the record-specific data from Technitium.
type apiRData struct {
	IPAddress  string `json:"ipAddress,omitempty"`  // A / AAAA
	CName      string `json:"cname,omitempty"`      // CNAME
	Text       string `json:"text,omitempty"`       // TXT
	Exchange   string `json:"exchange,omitempty"`   // MX
	Preference uint16 `json:"preference,omitempty"` // MX
	Priority   uint16 `json:"priority,omitempty"`   // SRV
	Weight     uint16 `json:"weight,omitempty"`     // SRV
	Port       uint16 `json:"port,omitempty"`       // SRV
	Target     string `json:"target,omitempty"`     // SRV
	Flags      uint8  `json:"flags,omitempty"`      // CAA
	Tag        string `json:"tag,omitempty"`        // CAA
	Value      string `json:"value,omitempty"`      // CAA
}

// apiResponse is the standard Technitium API response wrapper.
type apiResponse struct {
	Status       string          `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
}

// Client is a Technitium DNS Server API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClientLogger sets a custom logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a new Technitium API client.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest performs an HTTP request to the Technitium API and classifies
// failures onto the provider error taxonomy.
func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values) (*apiResponse, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("token", c.token)

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, params.Encode())

	c.logger.Debug("making API request",
		slog.String("endpoint", endpoint),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, provider.NewError(provider.KindAuthFailed, "technitium", endpoint,
			fmt.Errorf("status %d", resp.StatusCode))
	case http.StatusTooManyRequests:
		return nil, provider.NewError(provider.KindRateLimited, "technitium", endpoint,
			fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}

	if apiResp.Status != "ok" {
		return nil, classifyMessage(endpoint, apiResp.ErrorMessage)
	}
	return &apiResp, nil
}

// classifyMessage maps Technitium error strings onto error kinds.
func classifyMessage(endpoint, message string) error {
	lower := strings.ToLower(message)
	kind := provider.KindNetworkFailed
	switch {
	case strings.Contains(lower, "invalid token"), strings.Contains(lower, "session expired"),
		strings.Contains(lower, "unauthorized"):
		kind = provider.KindAuthFailed
	case strings.Contains(lower, "record already exists"):
		kind = provider.KindConflict
	case strings.Contains(lower, "no such record"), strings.Contains(lower, "record does not exist"),
		strings.Contains(lower, "cannot be found"):
		kind = provider.KindNotFound
	case strings.Contains(lower, "no such zone"), strings.Contains(lower, "zone does not exist"),
		strings.Contains(lower, "zone was not found"):
		kind = provider.KindMisconfiguredZone
	case strings.Contains(lower, "invalid"):
		kind = provider.KindValidationFailed
	}
	return provider.NewError(kind, "technitium", endpoint, fmt.Errorf("API error: %s", message))
}

// Ping checks connectivity and token validity.
// Uses the /api/user/session/get endpoint which is lightweight.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.doRequest(ctx, "/api/user/session/get", nil); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// ListZoneRecords retrieves all records in a zone.
func (c *Client) ListZoneRecords(ctx context.Context, zone string) ([]apiRecord, error) {
	params := url.Values{}
	params.Set("zone", zone)
	params.Set("domain", zone)
	params.Set("listZone", "true")

	apiResp, err := c.doRequest(ctx, "/api/zones/records/get", params)
	if err != nil {
		return nil, fmt.Errorf("listing zone %s: %w", zone, err)
	}

	var result struct {
		Records []apiRecord `json:"records"`
	}
	if err := json.Unmarshal(apiResp.Response, &result); err != nil {
		return nil, fmt.Errorf("parsing zone records response: %w", err)
	}

	c.logger.Debug("listed zone records",
		slog.String("zone", zone),
		slog.Int("count", len(result.Records)),
	)
	return result.Records, nil
}

// AddRecord creates a record with type-specific parameters.
func (c *Client) AddRecord(ctx context.Context, zone string, params url.Values) error {
	params.Set("zone", zone)
	if _, err := c.doRequest(ctx, "/api/zones/records/add", params); err != nil {
		return err
	}
	return nil
}

// DeleteRecord removes a record with type-specific parameters.
func (c *Client) DeleteRecord(ctx context.Context, zone string, params url.Values) error {
	params.Set("zone", zone)
	if _, err := c.doRequest(ctx, "/api/zones/records/delete", params); err != nil {
		return err
	}
	return nil
}
