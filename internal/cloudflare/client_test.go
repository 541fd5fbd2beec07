package cloudflare

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deployx/deployx/internal/telemetry"
)

const testToken = "cf-test-token"

// fakeAPI is a minimal stand-in for the Cloudflare API. Handlers are keyed by
// "METHOD /path"; every request is checked for the bearer token.
type fakeAPI struct {
	t        *testing.T
	handlers map[string]http.HandlerFunc
	calls    []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{t: t, handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		key := r.Method + " " + r.URL.Path
		f.calls = append(f.calls, key)
		h, ok := f.handlers[key]
		if !ok {
			t.Errorf("unexpected request %s", key)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, New(testToken, WithBaseURL(srv.URL+"/"))
}

func (f *fakeAPI) on(method, path string, h http.HandlerFunc) {
	f.handlers[method+" "+path] = h
}

func respond(status int, success bool, result interface{}, errs ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env := map[string]interface{}{"success": success, "result": result}
		var list []map[string]interface{}
		for i, e := range errs {
			list = append(list, map[string]interface{}{"code": 1000 + i, "message": e})
		}
		env["errors"] = list
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(env)
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

var zonesResult = []map[string]interface{}{
	{"id": "zone-1", "name": "example.com", "account": map[string]string{"id": "acct-1"}},
}

// ---------------------------------------------------------------------------
// ResolveZone / ResolveAccount
// ---------------------------------------------------------------------------

func TestResolveZone(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("GET", "/zones", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("name"); got != "example.com" {
			t.Errorf("name query = %q, want example.com", got)
		}
		respond(200, true, zonesResult)(w, r)
	})

	id, err := c.ResolveZone(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("ResolveZone() error: %v", err)
	}
	if id != "zone-1" {
		t.Errorf("ResolveZone() = %q, want zone-1", id)
	}
}

func TestResolveZone_NotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"empty result", respond(200, true, []interface{}{})},
		{"unsuccessful envelope", respond(200, false, nil, "denied")},
		{"forbidden", respond(403, false, nil, "Authentication error")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, c := newFakeAPI(t)
			f.on("GET", "/zones", tt.handler)

			_, err := c.ResolveZone(context.Background(), "missing.com")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("ResolveZone() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestResolveAccount(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("GET", "/zones", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("account lookup should not filter zones, query = %q", r.URL.RawQuery)
		}
		respond(200, true, zonesResult)(w, r)
	})

	id, err := c.ResolveAccount(context.Background())
	if err != nil || id != "acct-1" {
		t.Errorf("ResolveAccount() = %q, %v; want acct-1", id, err)
	}
}

func TestResolveAccount_NoZones(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("GET", "/zones", respond(200, true, []interface{}{}))

	if _, err := c.ResolveAccount(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolveAccount() error = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// CreateTunnel
// ---------------------------------------------------------------------------

func TestCreateTunnel(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("POST", "/accounts/acct-1/cfd_tunnel", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["name"] != "deployx-alice" {
			t.Errorf("name = %v, want deployx-alice", body["name"])
		}
		secret, _ := base64.StdEncoding.DecodeString(body["tunnel_secret"].(string))
		if len(secret) != 32 {
			t.Errorf("tunnel_secret decodes to %d bytes, want 32", len(secret))
		}
		respond(201, true, map[string]string{"id": "tun-1"})(w, r)
	})
	f.on("GET", "/accounts/acct-1/cfd_tunnel/tun-1/token", respond(200, true, "eyJ0b2tlbiI6IngifQ=="))

	tunnel, err := c.CreateTunnel(context.Background(), "acct-1", "deployx-alice")
	if err != nil {
		t.Fatalf("CreateTunnel() error: %v", err)
	}
	if tunnel.ID != "tun-1" || tunnel.Token != "eyJ0b2tlbiI6IngifQ==" {
		t.Errorf("CreateTunnel() = %+v", tunnel)
	}
}

func TestCreateTunnel_UpstreamFailure(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("POST", "/accounts/acct-1/cfd_tunnel", respond(409, false, nil, "tunnel name already exists"))

	_, err := c.CreateTunnel(context.Background(), "acct-1", "dup")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("CreateTunnel() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != 409 || apiErr.Op != "create_tunnel" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Detail(), "tunnel name already exists") {
		t.Errorf("Detail() = %q, want provider message", apiErr.Detail())
	}
}

func TestCreateTunnel_SuccessFalseOn200(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("POST", "/accounts/acct-1/cfd_tunnel", respond(200, false, nil))

	var apiErr *APIError
	if _, err := c.CreateTunnel(context.Background(), "acct-1", "x"); !errors.As(err, &apiErr) {
		t.Errorf("CreateTunnel() error = %v, want *APIError", err)
	}
}

func TestCreateTunnel_TokenFetchFailurePropagates(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("POST", "/accounts/acct-1/cfd_tunnel", respond(200, true, map[string]string{"id": "tun-1"}))
	f.on("GET", "/accounts/acct-1/cfd_tunnel/tun-1/token", respond(500, false, nil, "internal"))

	tunnel, err := c.CreateTunnel(context.Background(), "acct-1", "x")
	if err == nil {
		t.Fatal("CreateTunnel() expected error when token fetch fails")
	}
	if tunnel == nil || tunnel.ID != "tun-1" {
		t.Errorf("tunnel = %+v, want ID of the created tunnel", tunnel)
	}
	if tunnel != nil && tunnel.Token != "" {
		t.Errorf("Token = %q, the tunnel ID must never stand in for a token", tunnel.Token)
	}
}

// ---------------------------------------------------------------------------
// CreateDNSRecord / ConfigureRouting
// ---------------------------------------------------------------------------

func TestCreateDNSRecord(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("POST", "/zones/zone-1/dns_records", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		want := map[string]interface{}{
			"type":    "CNAME",
			"name":    "app",
			"content": "tun-1.cfargotunnel.com",
			"ttl":     float64(1),
			"proxied": true,
		}
		for k, v := range want {
			if body[k] != v {
				t.Errorf("body[%q] = %v, want %v", k, body[k], v)
			}
		}
		respond(200, true, map[string]string{"id": "rec-1"})(w, r)
	})

	if err := c.CreateDNSRecord(context.Background(), "zone-1", "app", "tun-1"); err != nil {
		t.Errorf("CreateDNSRecord() error: %v", err)
	}
}

func TestCreateDNSRecord_Failure(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("POST", "/zones/zone-1/dns_records", respond(400, false, nil, "Record already exists."))

	err := c.CreateDNSRecord(context.Background(), "zone-1", "app", "tun-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Errorf("CreateDNSRecord() error = %v, want *APIError 400", err)
	}
}

func TestConfigureRouting(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("PUT", "/accounts/acct-1/cfd_tunnel/tun-1/configurations", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		want := `{"config":{"ingress":[{"hostname":"app.example.com","service":"http://traefik:80"},{"service":"http_status:404"}]}}`
		if strings.TrimSpace(string(raw)) != want {
			t.Errorf("body = %s\nwant  %s", raw, want)
		}
		respond(200, true, map[string]string{})(w, r)
	})

	if err := c.ConfigureRouting(context.Background(), "acct-1", "tun-1", "app.example.com"); err != nil {
		t.Errorf("ConfigureRouting() error: %v", err)
	}
}

func TestConfigureRouting_CustomIngressService(t *testing.T) {
	f, c := newFakeAPI(t)
	WithIngressService("http://caddy:8080")(c)
	f.on("PUT", "/accounts/a/cfd_tunnel/t/configurations", func(w http.ResponseWriter, r *http.Request) {
		if raw, _ := io.ReadAll(r.Body); !strings.Contains(string(raw), `"service":"http://caddy:8080"`) {
			t.Errorf("body = %s, want custom service", raw)
		}
		respond(200, true, nil)(w, r)
	})
	if err := c.ConfigureRouting(context.Background(), "a", "t", "h"); err != nil {
		t.Errorf("ConfigureRouting() error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// DeleteTunnel
// ---------------------------------------------------------------------------

func TestDeleteTunnel(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("GET", "/zones", respond(200, true, zonesResult))
	f.on("DELETE", "/accounts/acct-1/cfd_tunnel/tun-1", respond(200, true, map[string]string{"id": "tun-1"}))

	if err := c.DeleteTunnel(context.Background(), "tun-1"); err != nil {
		t.Fatalf("DeleteTunnel() error: %v", err)
	}
	want := []string{"GET /zones", "DELETE /accounts/acct-1/cfd_tunnel/tun-1"}
	if strings.Join(f.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", f.calls, want)
	}
}

func TestDeleteTunnel_AccountResolutionFails(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("GET", "/zones", respond(200, true, []interface{}{}))

	if err := c.DeleteTunnel(context.Background(), "tun-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteTunnel() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteTunnel_Non200(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("GET", "/zones", respond(200, true, zonesResult))
	f.on("DELETE", "/accounts/acct-1/cfd_tunnel/tun-1", respond(204, true, nil))

	var apiErr *APIError
	if err := c.DeleteTunnel(context.Background(), "tun-1"); !errors.As(err, &apiErr) {
		t.Errorf("DeleteTunnel() error = %v, want *APIError", err)
	}
}

// ---------------------------------------------------------------------------
// Transport failures, outcome classification and metrics
// ---------------------------------------------------------------------------

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	c := New(testToken, WithBaseURL(srv.URL))

	_, err := c.ResolveZone(context.Background(), "example.com")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("ResolveZone() error = %v, want *TransportError", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("transport failures must not read as not found")
	}
	if te.Op != "resolve_zone" {
		t.Errorf("Op = %q, want resolve_zone", te.Op)
	}
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := New(testToken, WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))

	var te *TransportError
	if _, err := c.ResolveAccount(context.Background()); !errors.As(err, &te) {
		t.Errorf("ResolveAccount() error = %v, want *TransportError", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New("tok")
	if c.baseURL != DefaultBaseURL || c.tunnelDomain != DefaultTunnelDomain || c.ingressService != DefaultIngressService {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if c.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, DefaultTimeout)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrNotFound, "not_found"},
		{&TransportError{Op: "x", Err: io.EOF}, "transport_error"},
		{&APIError{Op: "x", StatusCode: 500}, "api_error"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestAPIError_Detail(t *testing.T) {
	if d := (&APIError{StatusCode: 502}).Detail(); d != "Bad Gateway" {
		t.Errorf("Detail() = %q, want status text", d)
	}
	e := &APIError{Op: "create_dns_record", StatusCode: 400, Messages: []string{"a", "b"}}
	if e.Detail() != "a; b" {
		t.Errorf("Detail() = %q", e.Detail())
	}
	if !strings.Contains(e.Error(), "create_dns_record") || !strings.Contains(e.Error(), "400") {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestMetricsRecorded(t *testing.T) {
	f, c := newFakeAPI(t)
	f.on("POST", "/zones/z/dns_records", respond(400, false, nil, "bad"))

	labels := prometheus.Labels{"operation": "create_dns_record", "outcome": "api_error"}
	before := telemetry.CounterValue(telemetry.CloudflareRequestsTotal, labels)
	_ = c.CreateDNSRecord(context.Background(), "z", "s", "t")
	if after := telemetry.CounterValue(telemetry.CloudflareRequestsTotal, labels); after-before != 1 {
		t.Errorf("cloudflare_requests_total delta = %v, want 1", after-before)
	}
}
