package router

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
	"github.com/trafegodns/trafegodns/pkg/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubAPI is a no-op backend carrying only a zone name.
type stubAPI struct {
	zone string
}

func (s *stubAPI) Init(ctx context.Context) error { return nil }
func (s *stubAPI) ZoneName() string               { return s.zone }
func (s *stubAPI) ListRecords(ctx context.Context) ([]dnsrecord.ProviderRecord, error) {
	return nil, nil
}
func (s *stubAPI) CreateRecord(ctx context.Context, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	return dnsrecord.ProviderRecord{Desired: d}, nil
}
func (s *stubAPI) UpdateRecord(ctx context.Context, id string, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	return dnsrecord.ProviderRecord{Desired: d}, nil
}
func (s *stubAPI) DeleteRecord(ctx context.Context, id string) error { return nil }

type fakeSettings map[string]string

func (f fakeSettings) Get(key string) string { return f[key] }
func (f fakeSettings) GetBool(key string) bool {
	return f[key] == "true"
}

func defaultSettings() fakeSettings {
	return fakeSettings{
		"DNS_LABEL_PREFIX": "dns.",
		"DNS_ROUTING_MODE": "default-only",
	}
}

// newTestRegistry registers providers: cf (example.com, default),
// r53 (internal.example.com), do (other.org, disabled).
func newTestRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry(provider.WithRegistryLogger(testLogger()))
	reg.RegisterFactory("stub", func(name string, config map[string]string) (provider.API, error) {
		return &stubAPI{zone: config["zone"]}, nil
	})

	instances := []provider.Config{
		{ID: "id-cf", Name: "cf", Type: "stub", Zone: "example.com", IsDefault: true, Enabled: true},
		{ID: "id-r53", Name: "r53", Type: "stub", Zone: "internal.example.com", Enabled: true},
		{ID: "id-do", Name: "do", Type: "stub", Zone: "other.org"},
	}
	for _, cfg := range instances {
		if _, err := reg.CreateInstance(cfg, map[string]string{"zone": cfg.Zone}); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func names(providers []*provider.Provider) []string {
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Name())
	}
	return out
}

func equal(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestProvidersLabelAll(t *testing.T) {
	r := New(newTestRegistry(t), defaultSettings(), WithLogger(testLogger()))

	got := names(r.Resolve("web.example.com", map[string]string{"dns.providers": "all"}))
	if !equal(got, []string{"cf", "r53"}) {
		t.Errorf("providers = %v, want enabled only", got)
	}
}

func TestProvidersLabelListSkipsUnknown(t *testing.T) {
	r := New(newTestRegistry(t), defaultSettings(), WithLogger(testLogger()))

	got := names(r.Resolve("web.example.com", map[string]string{"dns.providers": "R53, nosuch, cf"}))
	if !equal(got, []string{"r53", "cf"}) {
		t.Errorf("providers = %v, want known names in label order", got)
	}
}

func TestProviderIDLabel(t *testing.T) {
	r := New(newTestRegistry(t), defaultSettings(), WithLogger(testLogger()))

	got := names(r.Resolve("web.example.com", map[string]string{"dns.provider.id": "id-r53"}))
	if !equal(got, []string{"r53"}) {
		t.Errorf("providers = %v", got)
	}
	if got := r.Resolve("web.example.com", map[string]string{"dns.provider.id": "id-gone"}); got != nil {
		t.Errorf("unknown id = %v, want nil", names(got))
	}
}

func TestDisabledProviderNotAdmittedByLabels(t *testing.T) {
	r := New(newTestRegistry(t), defaultSettings(), WithLogger(testLogger()))

	if got := r.Resolve("web.other.org", map[string]string{"dns.provider": "do"}); got != nil {
		t.Errorf("name label admitted disabled provider: %v", names(got))
	}
	if got := r.Resolve("web.other.org", map[string]string{"dns.provider.id": "id-do"}); got != nil {
		t.Errorf("id label admitted disabled provider: %v", names(got))
	}
	got := names(r.Resolve("web.other.org", map[string]string{"dns.providers": "do, cf"}))
	if !equal(got, []string{"cf"}) {
		t.Errorf("list label = %v, want disabled entries dropped", got)
	}
}

func TestProviderNameLabelBeatsRoutingMode(t *testing.T) {
	settings := defaultSettings()
	settings["DNS_ROUTING_MODE"] = "auto"
	r := New(newTestRegistry(t), settings, WithLogger(testLogger()))

	got := names(r.Resolve("api.internal.example.com", map[string]string{"dns.provider": "cf"}))
	if !equal(got, []string{"cf"}) {
		t.Errorf("providers = %v, want label target", got)
	}
}

func TestDefaultOnlyMode(t *testing.T) {
	r := New(newTestRegistry(t), defaultSettings(), WithLogger(testLogger()))

	got := names(r.Resolve("web.anything.net", nil))
	if !equal(got, []string{"cf"}) {
		t.Errorf("providers = %v, want default", got)
	}
}

func TestAutoModePrefersLongestZone(t *testing.T) {
	settings := defaultSettings()
	settings["DNS_ROUTING_MODE"] = "auto"
	r := New(newTestRegistry(t), settings, WithLogger(testLogger()))

	got := names(r.Resolve("api.internal.example.com", nil))
	if !equal(got, []string{"r53"}) {
		t.Errorf("providers = %v, want most specific zone", got)
	}
	got = names(r.Resolve("web.example.com", nil))
	if !equal(got, []string{"cf"}) {
		t.Errorf("providers = %v", got)
	}
}

func TestAutoModeNoMatch(t *testing.T) {
	settings := defaultSettings()
	settings["DNS_ROUTING_MODE"] = "auto"
	r := New(newTestRegistry(t), settings, WithLogger(testLogger()))

	if got := r.Resolve("web.other.org", nil); got != nil {
		t.Errorf("disabled provider matched: %v", names(got))
	}
}

func TestAutoWithFallback(t *testing.T) {
	settings := defaultSettings()
	settings["DNS_ROUTING_MODE"] = "auto-with-fallback"
	r := New(newTestRegistry(t), settings, WithLogger(testLogger()))

	got := names(r.Resolve("web.nowhere.net", nil))
	if !equal(got, []string{"cf"}) {
		t.Errorf("providers = %v, want default fallback", got)
	}
}

func TestMultiProviderSameZone(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.CreateInstance(
		provider.Config{ID: "id-cf2", Name: "cf2", Type: "stub", Zone: "example.com", Enabled: true},
		map[string]string{"zone": "example.com"},
	); err != nil {
		t.Fatal(err)
	}

	settings := defaultSettings()
	settings["DNS_ROUTING_MODE"] = "auto"
	r := New(reg, settings, WithLogger(testLogger()))

	got := names(r.Resolve("web.example.com", nil))
	if !equal(got, []string{"cf"}) {
		t.Errorf("single mode providers = %v, want first registered", got)
	}

	settings["DNS_MULTI_PROVIDER_SAME_ZONE"] = "true"
	got = names(r.Resolve("web.example.com", nil))
	if !equal(got, []string{"cf", "cf2"}) {
		t.Errorf("multi mode providers = %v, want all of best zone", got)
	}
}

func TestResolveIdempotent(t *testing.T) {
	settings := defaultSettings()
	settings["DNS_ROUTING_MODE"] = "auto"
	r := New(newTestRegistry(t), settings, WithLogger(testLogger()))

	labels := map[string]string{"dns.providers": "cf,r53"}
	first := names(r.Resolve("web.example.com", labels))
	for i := 0; i < 5; i++ {
		if got := names(r.Resolve("web.example.com", labels)); !equal(got, first) {
			t.Fatalf("resolution changed between calls: %v vs %v", got, first)
		}
	}
}
