package traefik

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/pkg/httputil"
)

// Settings is the slice of the settings store the monitor reads.
type Settings interface {
	Get(key string) string
	GetDuration(key string) time.Duration
}

// LabelSource resolves a Traefik router name to the labels of the container
// that declared it. The container monitor implements this.
type LabelSource interface {
	LabelsForRouter(router string) map[string]string
}

// apiRouter is one entry of the Traefik /api/http/routers response.
type apiRouter struct {
	Name     string `json:"name"`
	Rule     string `json:"rule"`
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

// Monitor polls the Traefik API and publishes the discovered hostname set.
type Monitor struct {
	settings   Settings
	labels     LabelSource
	bus        *bus.Bus
	httpClient *http.Client
	logger     *slog.Logger
}

// Option is a functional option for configuring the Monitor.
type Option func(*Monitor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) {
		m.httpClient = c
	}
}

// WithLabelSource attaches the container monitor's router label index.
func WithLabelSource(ls LabelSource) Option {
	return func(m *Monitor) {
		m.labels = ls
	}
}

// NewMonitor creates a Traefik API monitor.
func NewMonitor(settings Settings, b *bus.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		settings: settings,
		bus:      b,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = httputil.NewClient(&httputil.ClientConfig{Logger: m.logger})
	}
	return m
}

// Start polls immediately and then at POLL_INTERVAL until ctx is done.
// Poll failures are logged and the previous cadence continues.
func (m *Monitor) Start(ctx context.Context) {
	if err := m.Poll(ctx); err != nil {
		m.logger.Warn("initial traefik poll failed", slog.String("error", err.Error()))
	}

	interval := m.settings.GetDuration("POLL_INTERVAL")
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Warn("traefik poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll fetches the router list, resolves hostnames and labels, and
// publishes one HOSTNAMES_DISCOVERED event carrying the complete set.
func (m *Monitor) Poll(ctx context.Context) error {
	routers, err := m.fetchRouters(ctx)
	if err != nil {
		return err
	}

	hostnames, labels := m.collect(routers)

	if dir := m.settings.Get("TRAEFIK_FILE_PROVIDER_DIR"); dir != "" {
		fromFiles, err := DiscoverFromFiles(ctx, dir, m.logger)
		if err != nil {
			m.logger.Warn("traefik file provider scan failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
		for _, hostname := range fromFiles {
			if _, ok := labels[hostname]; !ok {
				hostnames = append(hostnames, hostname)
				labels[hostname] = nil
			}
		}
	}

	m.logger.Debug("traefik poll complete",
		slog.Int("routers", len(routers)),
		slog.Int("hostnames", len(hostnames)),
	)
	m.bus.Publish(bus.TopicHostnamesDiscovered, bus.HostnamesDiscovered{
		Source:    "traefik",
		Hostnames: hostnames,
		Labels:    labels,
	})
	return nil
}

// collect extracts the hostname set from enabled routers and merges each
// hostname with the labels of its originating container.
func (m *Monitor) collect(routers []apiRouter) ([]string, map[string]map[string]string) {
	var hostnames []string
	labels := make(map[string]map[string]string)

	for _, r := range routers {
		if r.Status != "" && r.Status != "enabled" {
			continue
		}
		var routerLabels map[string]string
		if m.labels != nil {
			routerLabels = m.labels.LabelsForRouter(routerName(r.Name))
		}
		for _, hostname := range HostsFromRule(r.Rule) {
			if _, ok := labels[hostname]; ok {
				continue
			}
			hostnames = append(hostnames, hostname)
			labels[hostname] = routerLabels
		}
	}
	return hostnames, labels
}

func (m *Monitor) fetchRouters(ctx context.Context) ([]apiRouter, error) {
	base := strings.TrimSuffix(m.settings.Get("TRAEFIK_API_URL"), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/http/routers", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if user := m.settings.Get("TRAEFIK_API_USERNAME"); user != "" {
		req.SetBasicAuth(user, m.settings.Get("TRAEFIK_API_PASSWORD"))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying traefik API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("traefik API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var routers []apiRouter
	if err := json.NewDecoder(resp.Body).Decode(&routers); err != nil {
		return nil, fmt.Errorf("parsing router list: %w", err)
	}
	return routers, nil
}
