// Package tunnel maintains Cloudflare Tunnel ingress routes for discovered
// hostnames: a parallel reconciliation loop that edits the remote tunnel
// configuration with a read-merge-write cycle, preserving rules it does not
// own.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/state"
	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

// Settings is the slice of the settings store the manager reads.
type Settings interface {
	Get(key string) string
	GetDuration(key string) time.Duration
}

// API is the slice of the Cloudflare client the manager uses.
type API interface {
	ListTunnels(ctx context.Context, rc *cf.ResourceContainer, params cf.TunnelListParams) ([]cf.Tunnel, *cf.ResultInfo, error)
	GetTunnelConfiguration(ctx context.Context, rc *cf.ResourceContainer, tunnelID string) (cf.TunnelConfigurationResult, error)
	UpdateTunnelConfiguration(ctx context.Context, rc *cf.ResourceContainer, params cf.TunnelConfigurationParams) (cf.TunnelConfigurationResult, error)
}

// Config holds tunnel manager configuration, read from the environment the
// same way provider credentials are.
type Config struct {
	// AccountID scopes every tunnel API call.
	AccountID string

	// TunnelID addresses the tunnel directly. When empty, TunnelName is
	// resolved via the API.
	TunnelID   string
	TunnelName string

	// Service is the default backend URL for ingress routes, e.g.
	// "http://traefik:80".
	Service string
}

// LoadConfig reads tunnel configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AccountID:  os.Getenv("CLOUDFLARE_TUNNEL_ACCOUNT_ID"),
		TunnelID:   os.Getenv("CLOUDFLARE_TUNNEL_ID"),
		TunnelName: os.Getenv("CLOUDFLARE_TUNNEL_NAME"),
		Service:    os.Getenv("CLOUDFLARE_TUNNEL_TARGET"),
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("tunnel: CLOUDFLARE_TUNNEL_ACCOUNT_ID is required")
	}
	if cfg.TunnelID == "" && cfg.TunnelName == "" {
		return nil, fmt.Errorf("tunnel: CLOUDFLARE_TUNNEL_ID or CLOUDFLARE_TUNNEL_NAME is required")
	}
	if cfg.Service == "" {
		cfg.Service = "http://traefik:80"
	}
	return cfg, nil
}

// Manager reconciles tunnel ingress routes against discovered hostnames.
type Manager struct {
	cfg      *Config
	api      API
	repo     *state.Repository
	settings Settings
	bus      *bus.Bus
	logger   *slog.Logger

	tunnelID string
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBus attaches the event bus.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) {
		m.bus = b
	}
}

// New creates a tunnel manager over an already authenticated Cloudflare
// client (shared with the cloudflare DNS provider).
func New(cfg *Config, api API, repo *state.Repository, settings Settings, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("tunnel: config is required")
	}
	m := &Manager{
		cfg:      cfg,
		api:      api,
		repo:     repo,
		settings: settings,
		logger:   slog.Default(),
		tunnelID: cfg.TunnelID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) rc() *cf.ResourceContainer {
	return cf.AccountIdentifier(m.cfg.AccountID)
}

// Init resolves the tunnel id from its name when needed and records the
// tunnel in the repository.
func (m *Manager) Init(ctx context.Context) error {
	if m.tunnelID == "" {
		tunnels, _, err := m.api.ListTunnels(ctx, m.rc(), cf.TunnelListParams{
			Name:      m.cfg.TunnelName,
			IsDeleted: cf.BoolPtr(false),
		})
		if err != nil {
			return fmt.Errorf("listing tunnels: %w", err)
		}
		if len(tunnels) == 0 {
			return fmt.Errorf("tunnel %q not found", m.cfg.TunnelName)
		}
		m.tunnelID = tunnels[0].ID
	}

	return m.repo.SaveTunnel(state.Tunnel{
		ID:        m.tunnelID,
		Name:      m.cfg.TunnelName,
		AccountID: m.cfg.AccountID,
		LastSeen:  time.Now().UTC(),
	})
}

// desiredRoutes picks the hostnames labelled for tunnel routing and their
// backend services. The label value is either a truthy switch or a tunnel
// name; a name addressing a different tunnel than the managed one is
// skipped.
func (m *Manager) desiredRoutes(hostnames []string, labels map[string]map[string]string) map[string]string {
	prefix := m.settings.Get("DNS_LABEL_PREFIX")
	desired := make(map[string]string)
	for _, hostname := range hostnames {
		hostname = dnsrecord.Normalize(hostname)
		hostLabels := labels[hostname]
		value := strings.TrimSpace(hostLabels[prefix+"tunnel"])
		switch strings.ToLower(value) {
		case "", "false", "0", "no", "off":
			continue
		case "true", "1", "yes", "on":
		default:
			if !strings.EqualFold(value, m.cfg.TunnelName) {
				m.logger.Debug("hostname routed to a different tunnel",
					slog.String("hostname", hostname),
					slog.String("tunnel", value),
				)
				continue
			}
		}
		service := strings.TrimSpace(hostLabels[prefix+"tunnel.service"])
		if service == "" {
			service = m.cfg.Service
		}
		desired[hostname] = service
	}
	return desired
}

// Reconcile ensures one ingress route per tunnel-labelled hostname. Routes
// created by other tools and the trailing catch-all rule are preserved
// verbatim; routes this manager created but whose hostname disappeared
// follow the orphan protocol (mark, wait out the grace period, delete).
func (m *Manager) Reconcile(ctx context.Context, hostnames []string, labels map[string]map[string]string) error {
	if m.tunnelID == "" {
		return fmt.Errorf("tunnel manager not initialized")
	}
	desired := m.desiredRoutes(hostnames, labels)
	now := time.Now().UTC()
	grace := m.settings.GetDuration("CLEANUP_GRACE_PERIOD")

	result, err := m.api.GetTunnelConfiguration(ctx, m.rc(), m.tunnelID)
	if err != nil {
		return fmt.Errorf("reading tunnel configuration: %w", err)
	}
	config := result.Config

	// Bookkeeping first: decide which of our routes stay, which get
	// marked, and which expired.
	tracked := m.repo.ListIngress(m.tunnelID)

	var expired []state.IngressRoute
	err = m.repo.Transact(func(tx *state.Tx) error {
		for hostname, service := range desired {
			tx.UpsertIngress(state.IngressRoute{
				TunnelID: m.tunnelID,
				Hostname: hostname,
				Service:  service,
				Source:   "auto",
			})
		}
		for _, route := range tracked {
			if route.Source != "auto" {
				continue
			}
			if _, active := desired[route.Hostname]; active {
				continue
			}
			if route.OrphanedAt == nil {
				route.OrphanedAt = &now
				tx.UpsertIngress(route)
				m.logger.Info("tunnel route marked orphaned",
					slog.String("hostname", route.Hostname),
					slog.Duration("grace_period", grace),
				)
				m.publish(bus.TopicTunnelRouteOrphaned, bus.TunnelEvent{
					TunnelID: m.tunnelID, Hostname: route.Hostname, Service: route.Service,
				})
			}
			// A fresh mark falls through so a zero grace period deletes the
			// route in the marking pass.
			if !route.OrphanedAt.After(now.Add(-grace)) {
				if err := tx.DeleteIngress(m.tunnelID, route.Hostname); err != nil {
					return err
				}
				expired = append(expired, route)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tunnel route bookkeeping: %w", err)
	}

	removed := make(map[string]struct{}, len(expired))
	for _, route := range expired {
		removed[route.Hostname] = struct{}{}
		m.publish(bus.TopicTunnelRouteDeleted, bus.TunnelEvent{
			TunnelID: m.tunnelID, Hostname: route.Hostname, Service: route.Service,
		})
	}

	ingress, changed := mergeIngress(config.Ingress, desired, removed)
	if !changed {
		return nil
	}
	config.Ingress = ingress

	_, err = m.api.UpdateTunnelConfiguration(ctx, m.rc(), cf.TunnelConfigurationParams{
		TunnelID: m.tunnelID,
		Config:   config,
	})
	if err != nil {
		return fmt.Errorf("updating tunnel configuration: %w", err)
	}
	m.logger.Info("tunnel configuration updated",
		slog.String("tunnel_id", m.tunnelID),
		slog.Int("routes", len(desired)),
	)
	m.publish(bus.TopicTunnelUpdated, bus.TunnelEvent{TunnelID: m.tunnelID})
	return nil
}

// mergeIngress rewrites the rule list: desired routes are inserted or
// updated in place, rules for hostnames this manager never tracked are
// kept untouched, expired orphans are dropped, and the catch-all rule
// (empty hostname) stays last. Reports whether anything changed.
func mergeIngress(rules []cf.UnvalidatedIngressRule, desired map[string]string, removed map[string]struct{}) ([]cf.UnvalidatedIngressRule, bool) {
	var out []cf.UnvalidatedIngressRule
	var catchAll *cf.UnvalidatedIngressRule
	changed := false
	seen := make(map[string]struct{})

	for i := range rules {
		rule := rules[i]
		if rule.Hostname == "" {
			catchAll = &rule
			continue
		}
		hostname := dnsrecord.Normalize(rule.Hostname)

		if service, ok := desired[hostname]; ok {
			seen[hostname] = struct{}{}
			if rule.Service != service {
				rule.Service = service
				changed = true
			}
			out = append(out, rule)
			continue
		}
		if _, gone := removed[hostname]; gone {
			changed = true
			continue
		}
		// Foreign rules and still-graced orphans stay as they are.
		out = append(out, rule)
	}

	missing := make([]string, 0, len(desired))
	for hostname := range desired {
		if _, ok := seen[hostname]; !ok {
			missing = append(missing, hostname)
		}
	}
	sort.Strings(missing)
	for _, hostname := range missing {
		out = append(out, cf.UnvalidatedIngressRule{Hostname: hostname, Service: desired[hostname]})
		changed = true
	}

	if catchAll == nil {
		catchAll = &cf.UnvalidatedIngressRule{Service: "http_status:404"}
		changed = true
	}
	out = append(out, *catchAll)
	return out, changed
}

func (m *Manager) publish(topic bus.Topic, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}
