package tunnel

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/trafegodns/trafegodns/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSettings map[string]string

func (f fakeSettings) Get(key string) string { return f[key] }
func (f fakeSettings) GetDuration(key string) time.Duration {
	d, _ := time.ParseDuration(f[key])
	return d
}

type fakeAPI struct {
	tunnels []cf.Tunnel
	config  cf.TunnelConfiguration
	updates int
}

func (f *fakeAPI) ListTunnels(ctx context.Context, rc *cf.ResourceContainer, params cf.TunnelListParams) ([]cf.Tunnel, *cf.ResultInfo, error) {
	var out []cf.Tunnel
	for _, t := range f.tunnels {
		if params.Name == "" || t.Name == params.Name {
			out = append(out, t)
		}
	}
	return out, &cf.ResultInfo{}, nil
}

func (f *fakeAPI) GetTunnelConfiguration(ctx context.Context, rc *cf.ResourceContainer, tunnelID string) (cf.TunnelConfigurationResult, error) {
	return cf.TunnelConfigurationResult{TunnelID: tunnelID, Config: f.config}, nil
}

func (f *fakeAPI) UpdateTunnelConfiguration(ctx context.Context, rc *cf.ResourceContainer, params cf.TunnelConfigurationParams) (cf.TunnelConfigurationResult, error) {
	f.config = params.Config
	f.updates++
	return cf.TunnelConfigurationResult{TunnelID: params.TunnelID, Config: f.config}, nil
}

func newFixture(t *testing.T) (*Manager, *fakeAPI, *state.Repository) {
	t.Helper()
	return newFixtureWithGrace(t, "1h")
}

func newFixtureWithGrace(t *testing.T, grace string) (*Manager, *fakeAPI, *state.Repository) {
	t.Helper()
	repo, err := state.Open(t.TempDir(), state.WithRepoLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })

	api := &fakeAPI{
		tunnels: []cf.Tunnel{{ID: "tun-1", Name: "homelab"}},
		config: cf.TunnelConfiguration{
			Ingress: []cf.UnvalidatedIngressRule{
				{Hostname: "foreign.example.com", Service: "http://other:9000"},
				{Service: "http_status:404"},
			},
		},
	}
	settings := fakeSettings{
		"DNS_LABEL_PREFIX":     "dns.",
		"CLEANUP_GRACE_PERIOD": grace,
	}
	cfg := &Config{AccountID: "acct", TunnelName: "homelab", Service: "http://traefik:80"}
	m, err := New(cfg, api, repo, settings, WithLogger(testLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return m, api, repo
}

func ruleFor(rules []cf.UnvalidatedIngressRule, hostname string) (cf.UnvalidatedIngressRule, bool) {
	for _, r := range rules {
		if r.Hostname == hostname {
			return r, true
		}
	}
	return cf.UnvalidatedIngressRule{}, false
}

func TestInitResolvesTunnelByName(t *testing.T) {
	m, _, repo := newFixture(t)

	if m.tunnelID != "tun-1" {
		t.Errorf("tunnelID = %q", m.tunnelID)
	}
	tunnels := repo.ListTunnels()
	if len(tunnels) != 1 || tunnels[0].ID != "tun-1" {
		t.Errorf("tunnels = %+v", tunnels)
	}
}

func TestReconcileAddsLabelledRoutes(t *testing.T) {
	m, api, repo := newFixture(t)

	labels := map[string]map[string]string{
		"web.example.com": {"dns.tunnel": "true"},
		"api.example.com": {"dns.tunnel": "true", "dns.tunnel.service": "http://api:8080"},
		"off.example.com": {},
	}
	hostnames := []string{"web.example.com", "api.example.com", "off.example.com"}
	if err := m.Reconcile(context.Background(), hostnames, labels); err != nil {
		t.Fatal(err)
	}

	if rule, ok := ruleFor(api.config.Ingress, "web.example.com"); !ok || rule.Service != "http://traefik:80" {
		t.Errorf("web rule = %+v ok=%v", rule, ok)
	}
	if rule, ok := ruleFor(api.config.Ingress, "api.example.com"); !ok || rule.Service != "http://api:8080" {
		t.Errorf("api rule = %+v ok=%v", rule, ok)
	}
	if _, ok := ruleFor(api.config.Ingress, "off.example.com"); ok {
		t.Error("unlabelled hostname routed")
	}
	if rule, ok := ruleFor(api.config.Ingress, "foreign.example.com"); !ok || rule.Service != "http://other:9000" {
		t.Error("foreign rule not preserved")
	}
	last := api.config.Ingress[len(api.config.Ingress)-1]
	if last.Hostname != "" || last.Service != "http_status:404" {
		t.Errorf("catch-all not last: %+v", last)
	}

	routes := repo.ListIngress("tun-1")
	if len(routes) != 2 {
		t.Errorf("tracked routes = %+v", routes)
	}
}

func TestTunnelNameLabelRouting(t *testing.T) {
	m, api, _ := newFixture(t)

	labels := map[string]map[string]string{
		"named.example.com": {"dns.tunnel": "homelab"},
		"other.example.com": {"dns.tunnel": "staging"},
	}
	hostnames := []string{"named.example.com", "other.example.com"}
	if err := m.Reconcile(context.Background(), hostnames, labels); err != nil {
		t.Fatal(err)
	}

	if rule, ok := ruleFor(api.config.Ingress, "named.example.com"); !ok || rule.Service != "http://traefik:80" {
		t.Errorf("named rule = %+v ok=%v, want routed by tunnel name", rule, ok)
	}
	if _, ok := ruleFor(api.config.Ingress, "other.example.com"); ok {
		t.Error("hostname addressed to a different tunnel was routed")
	}
}

func TestZeroGraceRemovesRouteInMarkingPass(t *testing.T) {
	m, api, repo := newFixtureWithGrace(t, "0s")
	ctx := context.Background()

	labels := map[string]map[string]string{"web.example.com": {"dns.tunnel": "true"}}
	if err := m.Reconcile(ctx, []string{"web.example.com"}, labels); err != nil {
		t.Fatal(err)
	}

	if err := m.Reconcile(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}
	if routes := repo.ListIngress("tun-1"); len(routes) != 0 {
		t.Errorf("routes = %+v, want the row gone in the marking pass", routes)
	}
	if _, ok := ruleFor(api.config.Ingress, "web.example.com"); ok {
		t.Error("rule survived a zero grace period")
	}
}

func TestReconcileIdempotent(t *testing.T) {
	m, api, _ := newFixture(t)

	labels := map[string]map[string]string{"web.example.com": {"dns.tunnel": "true"}}
	hostnames := []string{"web.example.com"}
	if err := m.Reconcile(context.Background(), hostnames, labels); err != nil {
		t.Fatal(err)
	}
	updates := api.updates
	if err := m.Reconcile(context.Background(), hostnames, labels); err != nil {
		t.Fatal(err)
	}
	if api.updates != updates {
		t.Error("unchanged reconcile rewrote the configuration")
	}
}

func TestOrphanedRouteDeletedAfterGrace(t *testing.T) {
	m, api, repo := newFixture(t)
	ctx := context.Background()

	labels := map[string]map[string]string{"web.example.com": {"dns.tunnel": "true"}}
	if err := m.Reconcile(ctx, []string{"web.example.com"}, labels); err != nil {
		t.Fatal(err)
	}

	// Hostname disappears: the route is marked but the rule stays.
	if err := m.Reconcile(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}
	routes := repo.ListIngress("tun-1")
	if len(routes) != 1 || routes[0].OrphanedAt == nil {
		t.Fatalf("routes = %+v, want one orphaned", routes)
	}
	if _, ok := ruleFor(api.config.Ingress, "web.example.com"); !ok {
		t.Fatal("rule removed during the marking pass")
	}

	// Age the mark; the next pass removes the rule and the row.
	old := time.Now().Add(-2 * time.Hour)
	err := repo.Transact(func(tx *state.Tx) error {
		route := routes[0]
		route.OrphanedAt = &old
		tx.UpsertIngress(route)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Reconcile(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(repo.ListIngress("tun-1")) != 0 {
		t.Error("tracked route survived grace expiry")
	}
	if _, ok := ruleFor(api.config.Ingress, "web.example.com"); ok {
		t.Error("rule survived grace expiry")
	}
	if _, ok := ruleFor(api.config.Ingress, "foreign.example.com"); !ok {
		t.Error("foreign rule lost")
	}
}
