// Package router decides which DNS providers manage a hostname, combining
// per-container label overrides with zone-based routing modes.
package router

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/trafegodns/trafegodns/internal/config"
	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
	"github.com/trafegodns/trafegodns/pkg/provider"
)

// Settings is the slice of the settings store the router reads.
type Settings interface {
	Get(key string) string
	GetBool(key string) bool
}

// Router resolves hostnames to provider instances. Resolution is pure: the
// same hostname, labels and registry state always produce the same answer.
type Router struct {
	registry *provider.Registry
	settings Settings
	logger   *slog.Logger
}

// Option is a functional option for configuring the Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a router over the given registry and settings.
func New(registry *provider.Registry, settings Settings, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		settings: settings,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the providers that should manage hostname, in priority
// order:
//
//  1. the "{prefix}providers" label ("all" or a comma-separated name list)
//  2. the "{prefix}provider.id" label (durable provider row id)
//  3. the "{prefix}provider" label (provider name)
//  4. the configured routing mode
//
// An empty result means no provider manages the hostname; the caller skips
// it.
func (r *Router) Resolve(hostname string, labels map[string]string) []*provider.Provider {
	hostname = dnsrecord.Normalize(hostname)
	prefix := r.settings.Get("DNS_LABEL_PREFIX")

	if raw, ok := labels[prefix+"providers"]; ok && strings.TrimSpace(raw) != "" {
		return r.fromProvidersLabel(hostname, raw)
	}
	if id, ok := labels[prefix+"provider.id"]; ok && strings.TrimSpace(id) != "" {
		if p, found := r.registry.GetByID(strings.TrimSpace(id)); found {
			return r.ifEnabled(hostname, p)
		}
		r.logger.Warn("provider id from label not found",
			slog.String("hostname", hostname),
			slog.String("provider_id", strings.TrimSpace(id)),
		)
		return nil
	}
	if name, ok := labels[prefix+"provider"]; ok && strings.TrimSpace(name) != "" {
		if p, found := r.registry.Get(strings.TrimSpace(name)); found {
			return r.ifEnabled(hostname, p)
		}
		r.logger.Warn("provider name from label not found",
			slog.String("hostname", hostname),
			slog.String("provider", strings.TrimSpace(name)),
		)
		return nil
	}

	return r.fromRoutingMode(hostname)
}

// fromProvidersLabel resolves the explicit multi-provider label. Unknown
// names are logged and skipped rather than failing the hostname.
func (r *Router) fromProvidersLabel(hostname, raw string) []*provider.Provider {
	if strings.EqualFold(strings.TrimSpace(raw), "all") {
		return r.registry.Enabled()
	}
	var out []*provider.Provider
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, ok := r.registry.Get(name)
		if !ok {
			r.logger.Warn("provider from label not found, skipping",
				slog.String("hostname", hostname),
				slog.String("provider", name),
			)
			continue
		}
		if !p.Enabled() {
			r.logger.Warn("provider from label is disabled, skipping",
				slog.String("hostname", hostname),
				slog.String("provider", name),
			)
			continue
		}
		out = append(out, p)
	}
	return out
}

// ifEnabled admits an explicitly addressed provider only when it is enabled.
func (r *Router) ifEnabled(hostname string, p *provider.Provider) []*provider.Provider {
	if !p.Enabled() {
		r.logger.Warn("provider from label is disabled, skipping",
			slog.String("hostname", hostname),
			slog.String("provider", p.Name()),
		)
		return nil
	}
	return []*provider.Provider{p}
}

func (r *Router) fromRoutingMode(hostname string) []*provider.Provider {
	mode := r.settings.Get("DNS_ROUTING_MODE")
	switch mode {
	case config.RoutingAuto, config.RoutingAutoWithFallback:
		if matched := r.matchByZone(hostname); len(matched) > 0 {
			return matched
		}
		if mode == config.RoutingAutoWithFallback {
			if p, ok := r.registry.Default(); ok {
				return []*provider.Provider{p}
			}
		}
		r.logger.Info("no provider zone matches hostname",
			slog.String("hostname", hostname),
			slog.String("routing_mode", mode),
		)
		return nil
	default: // default-only
		if p, ok := r.registry.Default(); ok {
			return []*provider.Provider{p}
		}
		r.logger.Info("no default provider configured",
			slog.String("hostname", hostname),
		)
		return nil
	}
}

// matchByZone finds enabled providers whose zone contains the hostname.
// The most specific (longest) matching zone wins; ties go to every provider
// of that zone when DNS_MULTI_PROVIDER_SAME_ZONE is set, otherwise to the
// first registered.
func (r *Router) matchByZone(hostname string) []*provider.Provider {
	type match struct {
		p    *provider.Provider
		zone string
	}
	var matches []match
	for _, p := range r.registry.Enabled() {
		zone := dnsrecord.Normalize(p.Zone())
		if zone == "" {
			continue
		}
		if hostname == zone || strings.HasSuffix(hostname, "."+zone) {
			matches = append(matches, match{p: p, zone: zone})
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].zone) > len(matches[j].zone)
	})
	best := matches[0].zone

	if !r.settings.GetBool("DNS_MULTI_PROVIDER_SAME_ZONE") {
		return []*provider.Provider{matches[0].p}
	}
	var out []*provider.Provider
	for _, m := range matches {
		if m.zone == best {
			out = append(out, m.p)
		}
	}
	return out
}
