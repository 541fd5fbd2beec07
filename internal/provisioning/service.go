// Package provisioning runs the tunnel provisioning workflow: given a user's
// Cloudflare API token and a domain it creates a tunnel, points a proxied
// CNAME at it, routes the hostname to the ingress service, stores the result
// and hands the connector token to the tunnel agent through the token file.
//
// Steps run strictly in order and the first failure aborts the run. Remote
// resources created before the failure are left in place and logged; a later
// successful run for the same user overwrites the stored record.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deployx/deployx/internal/audit"
	"github.com/deployx/deployx/internal/cloudflare"
	"github.com/deployx/deployx/internal/db/models"
	"github.com/deployx/deployx/internal/db/repositories"
	"github.com/deployx/deployx/internal/telemetry"
)

var (
	// ErrZoneNotFound means the domain is not a zone the token can see
	ErrZoneNotFound = errors.New("zone not found")
	// ErrAccountNotFound means no account could be derived from the token's zones
	ErrAccountNotFound = errors.New("cloudflare account not found")
	// ErrConfigNotFound means the user has no (active) provisioning record
	ErrConfigNotFound = errors.New("provisioning config not found")
	// ErrInProgress means another run for the same user holds the lock
	ErrInProgress = errors.New("provisioning already in progress")
)

// DefaultTokenKey is the token file key the tunnel agent reads
const DefaultTokenKey = "TUNNEL_TOKEN"

// DefaultTunnelPrefix prefixes tunnel names: <prefix>-<username>
const DefaultTunnelPrefix = "deployx"

// Provider is the subset of the Cloudflare client the workflow drives
type Provider interface {
	ResolveZone(ctx context.Context, domain string) (string, error)
	ResolveAccount(ctx context.Context) (string, error)
	CreateTunnel(ctx context.Context, accountID, name string) (*cloudflare.Tunnel, error)
	CreateDNSRecord(ctx context.Context, zoneID, subdomain, tunnelID string) error
	ConfigureRouting(ctx context.Context, accountID, tunnelID, hostname string) error
	DeleteTunnel(ctx context.Context, tunnelID string) error
}

// ProviderFactory builds a Provider bound to one API token
type ProviderFactory func(apiToken string) Provider

// ConfigStore persists provisioning records
type ConfigStore interface {
	GetByUserID(ctx context.Context, userID string) (*models.ProvisioningConfig, error)
	GetActiveByTunnel(ctx context.Context, userID, tunnelID string) (*models.ProvisioningConfig, error)
	Save(ctx context.Context, userID string, values models.ProvisioningValues) (*models.ProvisioningConfig, error)
	Deactivate(ctx context.Context, userID, id string) error
}

// Locker serializes runs per user. The returned func releases the lock.
type Locker interface {
	LockUser(ctx context.Context, userID string) (func(), error)
}

// TokenWriter publishes the connector token
type TokenWriter interface {
	Set(key, value string) error
}

// AuditRecorder records audit events without failing the caller
type AuditRecorder interface {
	Record(ctx context.Context, ev audit.Event)
}

// SecretSealer encrypts secrets before they are stored
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Options tunes naming and the token file key
type Options struct {
	TunnelPrefix string
	TokenKey     string
}

// Service runs provisioning for API handlers
type Service struct {
	providers ProviderFactory
	store     ConfigStore
	locker    Locker
	tokens    TokenWriter
	audit     AuditRecorder
	sealer    SecretSealer
	opts      Options
}

// NewService wires the workflow's collaborators
func NewService(providers ProviderFactory, store ConfigStore, locker Locker, tokens TokenWriter, recorder AuditRecorder, sealer SecretSealer, opts Options) *Service {
	if opts.TunnelPrefix == "" {
		opts.TunnelPrefix = DefaultTunnelPrefix
	}
	if opts.TokenKey == "" {
		opts.TokenKey = DefaultTokenKey
	}
	return &Service{
		providers: providers,
		store:     store,
		locker:    locker,
		tokens:    tokens,
		audit:     recorder,
		sealer:    sealer,
		opts:      opts,
	}
}

// SetupRequest is one provisioning run
type SetupRequest struct {
	User      *models.User
	APIToken  string
	Domain    string
	Subdomain string
	IPAddress string
}

// SetupResult describes the exposed hostname
type SetupResult struct {
	TunnelID  string
	Hostname  string
	PublicURL string
}

// Setup provisions a tunnel for req.User and exposes <subdomain>.<domain>
func (s *Service) Setup(ctx context.Context, req SetupRequest) (result *SetupResult, err error) {
	start := time.Now()
	defer func() { observe("setup", start, err) }()

	unlock, err := s.locker.LockUser(ctx, req.User.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrLockHeld) {
			return nil, ErrInProgress
		}
		return nil, err
	}
	defer unlock()

	provider := s.providers(req.APIToken)
	hostname := req.Subdomain + "." + req.Domain
	log := slog.With("user_id", req.User.ID, "hostname", hostname)

	zoneID, err := provider.ResolveZone(ctx, req.Domain)
	if err != nil {
		if errors.Is(err, cloudflare.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrZoneNotFound, req.Domain)
		}
		return nil, fmt.Errorf("resolving zone: %w", err)
	}

	accountID, err := provider.ResolveAccount(ctx)
	if err != nil {
		if errors.Is(err, cloudflare.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("resolving account: %w", err)
	}

	tunnelName := s.opts.TunnelPrefix + "-" + req.User.Username
	tunnel, err := provider.CreateTunnel(ctx, accountID, tunnelName)
	if err != nil {
		if tunnel != nil && tunnel.ID != "" {
			log.Warn("tunnel created without a usable token and left in place", "tunnel_id", tunnel.ID, "error", err)
		}
		return nil, fmt.Errorf("creating tunnel: %w", err)
	}
	log = log.With("tunnel_id", tunnel.ID)
	log.Info("tunnel created", "tunnel_name", tunnelName)

	if err := provider.CreateDNSRecord(ctx, zoneID, req.Subdomain, tunnel.ID); err != nil {
		log.Warn("DNS record creation failed; tunnel left in place", "error", err)
		return nil, fmt.Errorf("creating DNS record: %w", err)
	}

	if err := provider.ConfigureRouting(ctx, accountID, tunnel.ID, hostname); err != nil {
		log.Warn("routing configuration failed; tunnel and DNS record left in place", "error", err)
		return nil, fmt.Errorf("configuring routing: %w", err)
	}

	sealedAPIToken, err := s.sealer.Seal(req.APIToken)
	if err != nil {
		return nil, fmt.Errorf("sealing api token: %w", err)
	}
	sealedTunnelToken, err := s.sealer.Seal(tunnel.Token)
	if err != nil {
		return nil, fmt.Errorf("sealing tunnel token: %w", err)
	}

	if _, err := s.store.Save(ctx, req.User.ID, models.ProvisioningValues{
		APITokenEncrypted:    sealedAPIToken,
		ZoneID:               zoneID,
		Domain:               req.Domain,
		Subdomain:            req.Subdomain,
		TunnelID:             tunnel.ID,
		TunnelName:           tunnelName,
		TunnelTokenEncrypted: sealedTunnelToken,
	}); err != nil {
		log.Warn("saving provisioning config failed; remote tunnel is not linked", "error", err)
		return nil, fmt.Errorf("saving provisioning config: %w", err)
	}

	if err := s.tokens.Set(s.opts.TokenKey, tunnel.Token); err != nil {
		return nil, fmt.Errorf("writing tunnel token: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		UserID:       req.User.ID,
		Action:       models.ActionTunnelCreated,
		ResourceType: "tunnel",
		ResourceID:   tunnel.ID,
		Details:      map[string]interface{}{"subdomain": req.Subdomain, "domain": req.Domain},
		IPAddress:    req.IPAddress,
	})

	log.Info("tunnel provisioned")
	return &SetupResult{
		TunnelID:  tunnel.ID,
		Hostname:  hostname,
		PublicURL: "https://" + hostname,
	}, nil
}

// Teardown deletes the user's active tunnel. The remote delete is best
// effort: the local record is deactivated even when Cloudflare cannot be
// reached or refuses.
func (s *Service) Teardown(ctx context.Context, user *models.User, tunnelID, ipAddress string) (err error) {
	start := time.Now()
	defer func() { observe("teardown", start, err) }()

	cfg, err := s.store.GetActiveByTunnel(ctx, user.ID, tunnelID)
	if err != nil {
		return fmt.Errorf("loading provisioning config: %w", err)
	}
	if cfg == nil {
		return ErrConfigNotFound
	}

	log := slog.With("user_id", user.ID, "tunnel_id", tunnelID)

	apiToken, err := s.sealer.Open(cfg.APITokenEncrypted)
	if err != nil {
		log.Warn("cannot decrypt stored api token; skipping remote delete", "error", err)
	} else if err := s.providers(apiToken).DeleteTunnel(ctx, tunnelID); err != nil {
		log.Warn("remote tunnel delete failed; deactivating locally", "error", err)
	}

	if err := s.store.Deactivate(ctx, user.ID, cfg.ID); err != nil {
		return fmt.Errorf("deactivating provisioning config: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		UserID:       user.ID,
		Action:       models.ActionTunnelDeleted,
		ResourceType: "tunnel",
		ResourceID:   tunnelID,
		IPAddress:    ipAddress,
	})
	return nil
}

// Current returns the user's provisioning record
func (s *Service) Current(ctx context.Context, userID string) (*models.ProvisioningConfig, error) {
	cfg, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrConfigNotFound
	}
	return cfg, nil
}

func observe(operation string, start time.Time, err error) {
	telemetry.ProvisioningDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	telemetry.ProvisioningTotal.WithLabelValues(operation, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	var apiErr *cloudflare.APIError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrZoneNotFound), errors.Is(err, ErrConfigNotFound):
		return "not_found"
	case errors.Is(err, ErrInProgress):
		return "in_progress"
	case errors.As(err, &apiErr):
		return "upstream_error"
	default:
		return "error"
	}
}
