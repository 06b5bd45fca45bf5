// Package publicip resolves and caches the host's public IPv4 and IPv6
// addresses. The primary probe asks OpenDNS for myip.opendns.com; when that
// fails the resolver falls back to an HTTPS echo service. Explicit
// PUBLIC_IP / PUBLIC_IPV6 settings short-circuit probing entirely.
package publicip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	miekgdns "github.com/miekg/dns"
)

// OpenDNS probe targets.
const (
	probeName = "myip.opendns.com."

	resolver1 = "resolver1.opendns.com:53"
	resolver2 = "resolver2.opendns.com:53"
)

// HTTPS fallback endpoints.
const (
	ipifyV4 = "https://api.ipify.org"
	ipifyV6 = "https://api6.ipify.org"
)

// probeTimeout bounds each individual probe attempt.
const probeTimeout = 5 * time.Second

// Settings is the subset of the settings store the resolver reads.
type Settings interface {
	Get(key string) string
	GetDuration(key string) time.Duration
}

// Prober fetches the public address for one family ("ip4" or "ip6").
type Prober func(ctx context.Context, family string) (string, error)

// Resolver holds the last-known public addresses. Accessors never block on
// the network; Refresh and the background loop update the cache. A probe
// failure keeps the prior value and warns at most once per refresh cycle.
type Resolver struct {
	settings Settings
	logger   *slog.Logger
	probe    Prober

	mu     sync.RWMutex
	ipv4   string
	ipv6   string
	warned bool
}

// Option is a functional option for configuring the Resolver.
type Option func(*Resolver)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProber replaces the network probe, for tests.
func WithProber(p Prober) Option {
	return func(r *Resolver) {
		if p != nil {
			r.probe = p
		}
	}
}

// New creates a resolver. It does not probe; call Refresh or Start.
func New(settings Settings, opts ...Option) *Resolver {
	r := &Resolver{
		settings: settings,
		logger:   slog.Default(),
	}
	r.probe = r.networkProbe
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IPv4 returns the cached public IPv4 address, or "" when unknown.
func (r *Resolver) IPv4() string {
	if v := r.settings.Get("PUBLIC_IP"); v != "" {
		return v
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ipv4
}

// IPv6 returns the cached public IPv6 address, or "" when unknown.
func (r *Resolver) IPv6() string {
	if v := r.settings.Get("PUBLIC_IPV6"); v != "" {
		return v
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ipv6
}

// Refresh re-probes both families. Failures leave the prior values in
// place; the first failure of a cycle logs a warning, repeats stay quiet
// until a probe succeeds again.
func (r *Resolver) Refresh(ctx context.Context) {
	r.refreshFamily(ctx, "ip4", &r.ipv4)
	if r.settings.Get("PUBLIC_IPV6") != "" || r.hasIPv6Interface() {
		r.refreshFamily(ctx, "ip6", &r.ipv6)
	}
}

func (r *Resolver) refreshFamily(ctx context.Context, family string, slot *string) {
	override := "PUBLIC_IP"
	if family == "ip6" {
		override = "PUBLIC_IPV6"
	}
	if r.settings.Get(override) != "" {
		return
	}

	addr, err := r.probe(ctx, family)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if !r.warned {
			r.warned = true
			r.logger.Warn("public IP probe failed, keeping last-known value",
				slog.String("family", family),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	r.warned = false
	if addr != *slot {
		r.logger.Info("public IP changed",
			slog.String("family", family),
			slog.String("address", addr),
		)
	}
	*slot = addr
}

// Start refreshes immediately and then on IP_REFRESH_INTERVAL until the
// context is cancelled.
func (r *Resolver) Start(ctx context.Context) {
	r.Refresh(ctx)
	interval := r.settings.GetDuration("IP_REFRESH_INTERVAL")
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// networkProbe tries the OpenDNS resolvers first, then the HTTPS fallback.
func (r *Resolver) networkProbe(ctx context.Context, family string) (string, error) {
	var firstErr error
	for _, server := range []string{resolver1, resolver2} {
		addr, err := probeOpenDNS(ctx, server, family)
		if err == nil {
			return addr, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	addr, err := probeHTTPS(ctx, family)
	if err == nil {
		return addr, nil
	}
	return "", fmt.Errorf("opendns: %v; https: %w", firstErr, err)
}

func probeOpenDNS(ctx context.Context, server, family string) (string, error) {
	qtype := miekgdns.TypeA
	network := "udp4"
	if family == "ip6" {
		qtype = miekgdns.TypeAAAA
		network = "udp6"
	}

	msg := new(miekgdns.Msg)
	msg.SetQuestion(probeName, qtype)

	client := &miekgdns.Client{Net: network, Timeout: probeTimeout}
	reply, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", err
	}
	if reply.Rcode != miekgdns.RcodeSuccess {
		return "", fmt.Errorf("opendns returned rcode %s", miekgdns.RcodeToString[reply.Rcode])
	}
	for _, rr := range reply.Answer {
		switch answer := rr.(type) {
		case *miekgdns.A:
			return answer.A.String(), nil
		case *miekgdns.AAAA:
			return answer.AAAA.String(), nil
		}
	}
	return "", fmt.Errorf("opendns returned no address records")
}

func probeHTTPS(ctx context.Context, family string) (string, error) {
	url := ipifyV4
	if family == "ip6" {
		url = ipifyV6
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(body))
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("%s returned %q, not an IP", url, addr)
	}
	return addr, nil
}

// hasIPv6Interface reports whether any interface carries a global IPv6
// address, so hosts without IPv6 skip the probe entirely.
func (r *Resolver) hasIPv6Interface() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.To4() == nil && ip.IsGlobalUnicast() {
			return true
		}
	}
	return false
}
