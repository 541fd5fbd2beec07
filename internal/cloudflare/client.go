// Package cloudflare is a small client for the parts of the Cloudflare v4 REST
// API needed to expose the platform through a Cloudflare Tunnel: zone and
// account lookup, tunnel creation and deletion, proxied CNAME records and
// tunnel ingress configuration.
//
// Every call is bound to one API token, carries a fixed timeout and is never
// retried. Failures come back as ErrNotFound, *TransportError or *APIError.
package cloudflare

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deployx/deployx/internal/telemetry"
)

// Defaults for a client built without options
const (
	DefaultBaseURL        = "https://api.cloudflare.com/client/v4"
	DefaultTunnelDomain   = "cfargotunnel.com"
	DefaultIngressService = "http://traefik:80"
	DefaultTimeout        = 30 * time.Second
)

// catch-all rule required as the last ingress entry
const ingressFallback = "http_status:404"

const maxResponseBytes = 1 << 20

// Client talks to the Cloudflare API on behalf of one API token
type Client struct {
	apiToken       string
	baseURL        string
	tunnelDomain   string
	ingressService string
	httpClient     *http.Client
}

// Option customises a Client
type Option func(*Client)

// WithBaseURL points the client at another API root
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTunnelDomain sets the domain tunnel CNAMEs point into
func WithTunnelDomain(domain string) Option {
	return func(c *Client) {
		if domain != "" {
			c.tunnelDomain = domain
		}
	}
}

// WithIngressService sets the origin tunnel traffic is routed to
func WithIngressService(service string) Option {
	return func(c *Client) {
		if service != "" {
			c.ingressService = service
		}
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a client authenticating with apiToken
func New(apiToken string, opts ...Option) *Client {
	c := &Client{
		apiToken:       apiToken,
		baseURL:        DefaultBaseURL,
		tunnelDomain:   DefaultTunnelDomain,
		ingressService: DefaultIngressService,
		httpClient:     &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tunnel is a newly created tunnel and the token its connector runs with
type Tunnel struct {
	ID    string
	Token string
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiMessage    `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type zone struct {
	ID      string `json:"id"`
	Account struct {
		ID string `json:"id"`
	} `json:"account"`
}

type dnsRecordRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

type ingressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
}

type tunnelConfiguration struct {
	Config struct {
		Ingress []ingressRule `json:"ingress"`
	} `json:"config"`
}

// ResolveZone returns the ID of the zone named domain
func (c *Client) ResolveZone(ctx context.Context, domain string) (string, error) {
	var zones []zone
	err := c.call(ctx, "resolve_zone", http.MethodGet, "/zones", url.Values{"name": {domain}}, nil, &zones, http.StatusOK)
	if err != nil {
		return "", notFoundOnAPIError(err)
	}
	if len(zones) == 0 || zones[0].ID == "" {
		return "", fmt.Errorf("zone %q: %w", domain, ErrNotFound)
	}
	return zones[0].ID, nil
}

// ResolveAccount returns the account owning the first zone the token can see
func (c *Client) ResolveAccount(ctx context.Context) (string, error) {
	var zones []zone
	err := c.call(ctx, "resolve_account", http.MethodGet, "/zones", nil, nil, &zones, http.StatusOK)
	if err != nil {
		return "", notFoundOnAPIError(err)
	}
	if len(zones) == 0 || zones[0].Account.ID == "" {
		return "", fmt.Errorf("account: %w", ErrNotFound)
	}
	return zones[0].Account.ID, nil
}

// CreateTunnel creates a remotely managed tunnel and fetches its connector
// token. A failed token fetch is returned as an error; the tunnel then exists
// remotely without a token on our side.
func (c *Client) CreateTunnel(ctx context.Context, accountID, name string) (*Tunnel, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate tunnel secret: %w", err)
	}

	body := map[string]string{
		"name":          name,
		"tunnel_secret": base64.StdEncoding.EncodeToString(secret),
	}
	var created struct {
		ID string `json:"id"`
	}
	path := "/accounts/" + url.PathEscape(accountID) + "/cfd_tunnel"
	if err := c.call(ctx, "create_tunnel", http.MethodPost, path, nil, body, &created, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, &APIError{Op: "create_tunnel", StatusCode: http.StatusOK, Messages: []string{"response carried no tunnel id"}}
	}

	token, err := c.tunnelToken(ctx, accountID, created.ID)
	if err != nil {
		return &Tunnel{ID: created.ID}, err
	}
	return &Tunnel{ID: created.ID, Token: token}, nil
}

func (c *Client) tunnelToken(ctx context.Context, accountID, tunnelID string) (string, error) {
	var token string
	path := "/accounts/" + url.PathEscape(accountID) + "/cfd_tunnel/" + url.PathEscape(tunnelID) + "/token"
	if err := c.call(ctx, "get_tunnel_token", http.MethodGet, path, nil, nil, &token, http.StatusOK); err != nil {
		return "", err
	}
	if token == "" {
		return "", &APIError{Op: "get_tunnel_token", StatusCode: http.StatusOK, Messages: []string{"empty tunnel token"}}
	}
	return token, nil
}

// CreateDNSRecord points subdomain at the tunnel with a proxied CNAME
func (c *Client) CreateDNSRecord(ctx context.Context, zoneID, subdomain, tunnelID string) error {
	body := dnsRecordRequest{
		Type:    "CNAME",
		Name:    subdomain,
		Content: tunnelID + "." + c.tunnelDomain,
		TTL:     1,
		Proxied: true,
	}
	path := "/zones/" + url.PathEscape(zoneID) + "/dns_records"
	return c.call(ctx, "create_dns_record", http.MethodPost, path, nil, body, nil, http.StatusOK)
}

// ConfigureRouting replaces the tunnel's ingress with a single hostname rule
// followed by the 404 catch-all.
func (c *Client) ConfigureRouting(ctx context.Context, accountID, tunnelID, hostname string) error {
	var body tunnelConfiguration
	body.Config.Ingress = []ingressRule{
		{Hostname: hostname, Service: c.ingressService},
		{Service: ingressFallback},
	}
	path := "/accounts/" + url.PathEscape(accountID) + "/cfd_tunnel/" + url.PathEscape(tunnelID) + "/configurations"
	return c.call(ctx, "configure_routing", http.MethodPut, path, nil, body, nil, http.StatusOK)
}

// DeleteTunnel resolves the account again and deletes the tunnel
func (c *Client) DeleteTunnel(ctx context.Context, tunnelID string) error {
	accountID, err := c.ResolveAccount(ctx)
	if err != nil {
		return err
	}
	path := "/accounts/" + url.PathEscape(accountID) + "/cfd_tunnel/" + url.PathEscape(tunnelID)
	return c.call(ctx, "delete_tunnel", http.MethodDelete, path, nil, nil, nil, http.StatusOK)
}

// call performs one API request and records its metrics. result, when
// non-nil, receives the envelope's result field.
func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, body, result interface{}, okStatus ...int) error {
	start := time.Now()
	err := c.do(ctx, op, method, path, query, body, result, okStatus)
	telemetry.CloudflareRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	telemetry.CloudflareRequestsTotal.WithLabelValues(op, Outcome(err)).Inc()
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, result interface{}, okStatus []int) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cloudflare %s: failed to encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("cloudflare %s: failed to create request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if !statusIn(resp.StatusCode, okStatus) || decodeErr != nil || !env.Success {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Messages: failureMessages(env, raw, decodeErr)}
	}

	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return &APIError{Op: op, StatusCode: resp.StatusCode, Messages: []string{"unexpected result shape: " + err.Error()}}
		}
	}
	return nil
}

func statusIn(code int, allowed []int) bool {
	for _, s := range allowed {
		if code == s {
			return true
		}
	}
	return false
}

func failureMessages(env envelope, raw []byte, decodeErr error) []string {
	var msgs []string
	for _, e := range env.Errors {
		if e.Code != 0 {
			msgs = append(msgs, fmt.Sprintf("%s (code %d)", e.Message, e.Code))
		} else if e.Message != "" {
			msgs = append(msgs, e.Message)
		}
	}
	if len(msgs) == 0 && decodeErr != nil {
		text := strings.TrimSpace(string(raw))
		if len(text) > 200 {
			text = text[:200]
		}
		if text != "" {
			msgs = append(msgs, text)
		}
	}
	return msgs
}

// Lookups treat a failed response like an empty one: the zone does not exist
// or the token cannot see it. Transport errors pass through.
func notFoundOnAPIError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Detail())
	}
	return err
}
