package intent

import (
	"io"
	"log/slog"
	"testing"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSettings map[string]string

func (f fakeSettings) Get(key string) string { return f[key] }
func (f fakeSettings) GetInt(key string) int {
	switch f[key] {
	case "1":
		return 1
	case "300":
		return 300
	default:
		return 0
	}
}
func (f fakeSettings) GetBool(key string) bool { return f[key] == "true" }

type fakeIPs struct {
	v4, v6 string
}

func (f fakeIPs) IPv4() string { return f.v4 }
func (f fakeIPs) IPv6() string { return f.v6 }

func defaults() fakeSettings {
	return fakeSettings{
		"DNS_LABEL_PREFIX":    "dns.",
		"DNS_DEFAULT_TYPE":    "A",
		"DNS_DEFAULT_TTL":     "1",
		"DNS_DEFAULT_PROXIED": "true",
		"DNS_DEFAULT_MANAGE":  "true",
	}
}

func newExtractor(settings Settings) *Extractor {
	return New(settings, fakeIPs{v4: "203.0.113.7", v6: "2001:db8::7"}, WithLogger(testLogger()))
}

func TestDefaultsProduceProxiedARecord(t *testing.T) {
	e := newExtractor(defaults())

	res, err := e.Extract("Web.Example.COM.", nil, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if res.Skip {
		t.Fatal("unexpected skip")
	}
	rec := res.Record
	if rec.Type != dnsrecord.TypeA || rec.Name != "web.example.com" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Content != "203.0.113.7" {
		t.Errorf("content = %q, want public IPv4", rec.Content)
	}
	if rec.TTL != dnsrecord.TTLAuto {
		t.Errorf("ttl = %d", rec.TTL)
	}
	if rec.Proxied == nil || !*rec.Proxied {
		t.Error("proxied default not applied")
	}
	if !res.Managed {
		t.Error("manage default not applied")
	}
}

func TestSkipLabel(t *testing.T) {
	e := newExtractor(defaults())

	res, err := e.Extract("web.example.com", map[string]string{"dns.skip": "true"}, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skip {
		t.Error("skip label ignored")
	}
}

func TestLabelsOverrideDefaults(t *testing.T) {
	e := newExtractor(defaults())

	labels := map[string]string{
		"dns.type":    "CNAME",
		"dns.content": "target.example.com",
		"dns.ttl":     "120",
		"dns.proxied": "false",
		"dns.manage":  "false",
	}
	res, err := e.Extract("web.example.com", labels, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	rec := res.Record
	if rec.Type != dnsrecord.TypeCNAME || rec.Content != "target.example.com" || rec.TTL != 120 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Proxied == nil || *rec.Proxied {
		t.Error("proxied label not applied")
	}
	if res.Managed {
		t.Error("manage label not applied")
	}
}

func TestAAAAUsesPublicIPv6(t *testing.T) {
	e := newExtractor(defaults())

	res, err := e.Extract("web.example.com", map[string]string{"dns.type": "AAAA"}, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Content != "2001:db8::7" {
		t.Errorf("content = %q", res.Record.Content)
	}
}

func TestNoPublicIPFails(t *testing.T) {
	e := New(defaults(), fakeIPs{}, WithLogger(testLogger()))

	_, err := e.Extract("web.example.com", nil, "example.com")
	if !dnsrecord.IsValidation(err) {
		t.Errorf("err = %v, want validation failure", err)
	}
}

func TestApexCNAMESkips(t *testing.T) {
	e := newExtractor(defaults())

	labels := map[string]string{"dns.type": "CNAME", "dns.content": "elsewhere.net"}
	res, err := e.Extract("example.com", labels, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skip {
		t.Error("apex CNAME not skipped")
	}

	// The same labels on a subdomain are fine.
	res, err = e.Extract("www.example.com", labels, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if res.Skip {
		t.Error("subdomain CNAME skipped")
	}
}

func TestTTLValidation(t *testing.T) {
	e := newExtractor(defaults())

	_, err := e.Extract("web.example.com", map[string]string{"dns.ttl": "30"}, "example.com")
	if !dnsrecord.IsValidation(err) {
		t.Errorf("ttl 30 err = %v, want validation failure", err)
	}
	_, err = e.Extract("web.example.com", map[string]string{"dns.ttl": "soon"}, "example.com")
	if !dnsrecord.IsValidation(err) {
		t.Errorf("non-numeric ttl err = %v, want validation failure", err)
	}
	if _, err := e.Extract("web.example.com", map[string]string{"dns.ttl": "60"}, "example.com"); err != nil {
		t.Errorf("ttl 60 rejected: %v", err)
	}
}

func TestSRVLabels(t *testing.T) {
	e := newExtractor(defaults())

	labels := map[string]string{
		"dns.type":     "SRV",
		"dns.content":  "sip.example.com",
		"dns.priority": "10",
		"dns.weight":   "5",
		"dns.port":     "5060",
	}
	res, err := e.Extract("_sip._tcp.example.com", labels, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	rec := res.Record
	if rec.Priority != 10 || rec.Weight != 5 || rec.Port != 5060 {
		t.Errorf("record = %+v", rec)
	}

	labels["dns.port"] = "70000"
	if _, err := e.Extract("_sip._tcp.example.com", labels, "example.com"); !dnsrecord.IsValidation(err) {
		t.Errorf("port overflow err = %v, want validation failure", err)
	}
}

func TestUnknownTypeFails(t *testing.T) {
	e := newExtractor(defaults())

	_, err := e.Extract("web.example.com", map[string]string{"dns.type": "PTR"}, "example.com")
	if !dnsrecord.IsValidation(err) {
		t.Errorf("err = %v, want validation failure", err)
	}
}
