// trafegodns keeps DNS provider zones in sync with the hostnames exposed by
// a container stack: it discovers hostnames from the Traefik API or directly
// from container labels, extracts record intent from dns.* labels, and
// reconciles one or more DNS providers, cleaning up records whose hostnames
// disappeared.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/config"
	"github.com/trafegodns/trafegodns/internal/docker"
	"github.com/trafegodns/trafegodns/internal/engine"
	"github.com/trafegodns/trafegodns/internal/health"
	"github.com/trafegodns/trafegodns/internal/intent"
	"github.com/trafegodns/trafegodns/internal/metrics"
	"github.com/trafegodns/trafegodns/internal/publicip"
	"github.com/trafegodns/trafegodns/internal/router"
	"github.com/trafegodns/trafegodns/internal/state"
	"github.com/trafegodns/trafegodns/internal/traefik"
	"github.com/trafegodns/trafegodns/internal/tunnel"
	"github.com/trafegodns/trafegodns/pkg/provider"
	"github.com/trafegodns/trafegodns/providers/cloudflare"
	"github.com/trafegodns/trafegodns/providers/digitalocean"
	"github.com/trafegodns/trafegodns/providers/route53"
	"github.com/trafegodns/trafegodns/providers/technitium"
)

// Version and BuildDate are set via ldflags during build.
// Example: -ldflags="-X main.Version=v1.0.0 -X main.BuildDate=2026-08-24"
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	b := bus.New()
	defer b.Close()

	settings, err := config.New("", config.WithBus(b))
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	logger := setupLogger(settings)
	slog.SetDefault(logger)

	logger.Info("trafegodns starting",
		slog.String("version", Version),
		slog.String("build_date", BuildDate),
		slog.String("go_version", runtime.Version()),
		slog.String("operation_mode", settings.Get("OPERATION_MODE")),
		slog.Bool("dry_run", settings.GetBool("DRY_RUN")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configDir := settings.Get("CONFIG_DIR")
	repo, err := state.Open(configDir, state.WithRepoLogger(logger))
	if err != nil {
		return fmt.Errorf("opening state repository: %w", err)
	}
	defer repo.Close()

	sealer, err := state.NewSealer(configDir)
	if err != nil {
		return fmt.Errorf("loading credential sealer: %w", err)
	}

	// Resolve the public IP before the first discovery pass needs it, then
	// keep it fresh in the background.
	ips := publicip.New(settings, publicip.WithLogger(logger))
	ips.Refresh(ctx)
	go ips.Start(ctx)

	registry := provider.NewRegistry(provider.WithRegistryLogger(logger))
	registry.RegisterFactory(cloudflare.Type, cloudflare.Factory(logger))
	registry.RegisterFactory(route53.Type, route53.Factory(logger))
	registry.RegisterFactory(digitalocean.Type, digitalocean.Factory(logger))
	registry.RegisterFactory(technitium.Type, technitium.Factory(logger))

	if err := createProviders(ctx, registry, repo, sealer, settings, logger); err != nil {
		return err
	}

	if err := seedManagedHostnames(repo, settings, logger); err != nil {
		return fmt.Errorf("seeding managed hostnames: %w", err)
	}

	rtr := router.New(registry, settings, router.WithLogger(logger))
	extractor := intent.New(settings, ips, intent.WithLogger(logger))
	eng := engine.New(repo, registry, rtr, extractor, settings,
		engine.WithLogger(logger),
		engine.WithBus(b),
	)

	m := metrics.New(Version, BuildDate)
	unbindMetrics := m.Bind(b)
	defer unbindMetrics()

	tunnelMgr, err := setupTunnel(ctx, registry, repo, settings, b, logger)
	if err != nil {
		return err
	}

	unsubscribe := b.Subscribe(bus.TopicHostnamesDiscovered, "engine", func(ev bus.Event) {
		payload, ok := ev.Payload.(bus.HostnamesDiscovered)
		if !ok {
			return
		}
		source := state.SourceProxy
		if payload.Source == "docker" {
			source = state.SourceDirect
		}
		// The engine logs the pass summary itself.
		eng.ProcessHostnames(ctx, payload.Hostnames, payload.Labels, source)
		if tunnelMgr != nil {
			if err := tunnelMgr.Reconcile(ctx, payload.Hostnames, payload.Labels); err != nil {
				logger.Error("tunnel reconciliation failed", slog.String("error", err.Error()))
			}
		}
	})
	defer unsubscribe()

	// In traefik mode the container monitor feeds router labels to the
	// Traefik monitor and shortens its polling latency on container churn;
	// in direct mode it publishes the hostname set itself.
	var traefikMonitor *traefik.Monitor
	dockerMonitor, err := docker.NewMonitor(settings, b,
		docker.WithLogger(logger),
		docker.WithOnChange(func() {
			if traefikMonitor != nil {
				if err := traefikMonitor.Poll(ctx); err != nil {
					logger.Warn("container-triggered poll failed", slog.String("error", err.Error()))
				}
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("creating container monitor: %w", err)
	}
	if settings.Get("OPERATION_MODE") == config.ModeTraefik {
		traefikMonitor = traefik.NewMonitor(settings, b,
			traefik.WithLogger(logger),
			traefik.WithLabelSource(dockerMonitor),
		)
	}

	healthServer := health.New(settings.Get("HEALTH_ADDR"),
		health.WithLogger(logger),
		health.WithMetricsHandler(m.Handler()),
	)
	for _, p := range registry.Enabled() {
		p := p
		healthServer.RegisterChecker("provider:"+p.Name(), func(ctx context.Context) error {
			return p.Init(ctx)
		})
	}
	healthServer.RegisterDegradedChecker("providers", func(ctx context.Context) (bool, string) {
		var down int
		for _, p := range registry.Enabled() {
			if !p.Healthy() {
				down++
			}
		}
		if down == 0 {
			return false, ""
		}
		return true, fmt.Sprintf("%d of %d providers unavailable", down, len(registry.Enabled()))
	})
	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("starting health server: %w", err)
	}

	go dockerMonitor.Start(ctx)
	if traefikMonitor != nil {
		go traefikMonitor.Start(ctx)
	}

	logger.Info("trafegodns initialized",
		slog.Int("providers", len(registry.Enabled())),
		slog.String("health_addr", settings.Get("HEALTH_ADDR")),
		slog.Bool("tunnel", tunnelMgr != nil),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("trafegodns shutdown complete")
	return nil
}

func setupLogger(settings *config.Store) *slog.Logger {
	opts := &slog.HandlerOptions{Level: settings.LogLevel()}
	var handler slog.Handler
	if settings.Get("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// createProviders builds the provider instances: rows persisted in the
// repository first (credentials unsealed), then environment bootstrap for
// each backend named in DNS_PROVIDER that has no instance yet. The first
// bootstrapped backend becomes the default unless a persisted row already
// is.
func createProviders(ctx context.Context, registry *provider.Registry, repo *state.Repository, sealer *state.Sealer, settings *config.Store, logger *slog.Logger) error {
	dryRun := settings.GetBool("DRY_RUN")

	for _, row := range repo.ListProviders() {
		creds := make(map[string]string)
		if row.Credentials != "" {
			plaintext, err := sealer.Open(row.Credentials)
			if err != nil {
				logger.Error("cannot unseal provider credentials, skipping",
					slog.String("provider", row.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := json.Unmarshal(plaintext, &creds); err != nil {
				logger.Error("cannot parse provider credentials, skipping",
					slog.String("provider", row.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		if creds["zone"] == "" {
			creds["zone"] = row.Zone
		}
		_, err := registry.CreateInstance(provider.Config{
			ID:        row.ID,
			Name:      row.Name,
			Type:      row.Type,
			Zone:      row.Zone,
			IsDefault: row.IsDefault,
			Enabled:   row.Enabled,
			DryRun:    dryRun,
		}, creds)
		if err != nil {
			logger.Error("creating persisted provider failed",
				slog.String("provider", row.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	_, haveDefault := registry.Default()
	for _, typ := range settings.GetList("DNS_PROVIDER") {
		if _, exists := registry.Get(typ); exists {
			continue
		}
		creds, zone, err := envProviderSettings(typ)
		if err != nil {
			logger.Warn("provider not configured, skipping",
				slog.String("provider", typ),
				slog.String("error", err.Error()),
			)
			continue
		}
		_, err = registry.CreateInstance(provider.Config{
			ID:        "env-" + typ,
			Name:      typ,
			Type:      typ,
			Zone:      zone,
			IsDefault: !haveDefault,
			Enabled:   true,
			DryRun:    dryRun,
		}, creds)
		if err != nil {
			return fmt.Errorf("creating provider %s: %w", typ, err)
		}
		haveDefault = true
		logger.Info("provider configured from environment", slog.String("provider", typ))
	}

	enabled := registry.Enabled()
	if len(enabled) == 0 {
		return fmt.Errorf("no DNS provider configured; set DNS_PROVIDER and its credentials")
	}

	// Init failures are not fatal: the backend stays registered and the
	// health endpoint reports it until it recovers.
	for _, p := range enabled {
		if err := p.Init(ctx); err != nil {
			logger.Warn("provider init failed",
				slog.String("provider", p.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// envProviderSettings flattens a backend's environment configuration into
// the map its factory consumes.
func envProviderSettings(typ string) (map[string]string, string, error) {
	switch typ {
	case cloudflare.Type:
		cfg, err := cloudflare.LoadConfig()
		if err != nil {
			return nil, "", err
		}
		return map[string]string{
			"token":      cfg.Token,
			"zone":       cfg.Zone,
			"zone_id":    cfg.ZoneID,
			"account_id": cfg.AccountID,
		}, cfg.Zone, nil
	case route53.Type:
		cfg, err := route53.LoadConfig()
		if err != nil {
			return nil, "", err
		}
		return map[string]string{
			"zone":              cfg.Zone,
			"zone_id":           cfg.ZoneID,
			"region":            cfg.Region,
			"access_key_id":     cfg.AccessKeyID,
			"secret_access_key": cfg.SecretAccessKey,
			"session_token":     cfg.SessionToken,
		}, cfg.Zone, nil
	case digitalocean.Type:
		cfg, err := digitalocean.LoadConfig()
		if err != nil {
			return nil, "", err
		}
		return map[string]string{"token": cfg.Token, "zone": cfg.Zone}, cfg.Zone, nil
	case technitium.Type:
		cfg, err := technitium.LoadConfig()
		if err != nil {
			return nil, "", err
		}
		return map[string]string{"url": cfg.URL, "token": cfg.Token, "zone": cfg.Zone}, cfg.Zone, nil
	default:
		return nil, "", fmt.Errorf("unknown provider type %q", typ)
	}
}

// seedManagedHostnames imports MANAGED_HOSTNAMES entries into the
// repository, where they are ensured on every reconciliation pass.
func seedManagedHostnames(repo *state.Repository, settings *config.Store, logger *slog.Logger) error {
	for _, entry := range settings.GetList("MANAGED_HOSTNAMES") {
		m, err := state.ParseManagedHostname(entry)
		if err != nil {
			return err
		}
		if err := repo.AddManaged(m); err != nil {
			return err
		}
		logger.Debug("managed hostname registered", slog.String("hostname", m.Hostname))
	}
	return nil
}

// setupTunnel wires the Cloudflare tunnel manager when enabled, reusing the
// Cloudflare provider's API client.
func setupTunnel(ctx context.Context, registry *provider.Registry, repo *state.Repository, settings *config.Store, b *bus.Bus, logger *slog.Logger) (*tunnel.Manager, error) {
	if !settings.GetBool("CLOUDFLARE_TUNNEL_ENABLED") {
		return nil, nil
	}
	cfg, err := tunnel.LoadConfig()
	if err != nil {
		return nil, err
	}

	p, ok := registry.Get(cloudflare.Type)
	if !ok {
		return nil, fmt.Errorf("tunnel: the cloudflare provider must be configured")
	}
	backend, ok := p.API().(*cloudflare.Backend)
	if !ok {
		return nil, fmt.Errorf("tunnel: the cloudflare provider has an unexpected backend")
	}

	mgr, err := tunnel.New(cfg, backend.Client(), repo, settings,
		tunnel.WithLogger(logger),
		tunnel.WithBus(b),
	)
	if err != nil {
		return nil, err
	}
	if err := mgr.Init(ctx); err != nil {
		return nil, fmt.Errorf("tunnel init: %w", err)
	}
	logger.Info("tunnel manager initialized", slog.String("tunnel", cfg.TunnelName))
	return mgr, nil
}
