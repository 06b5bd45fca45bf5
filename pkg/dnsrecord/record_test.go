package dnsrecord

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Web.Example.COM", "web.example.com"},
		{"web.example.com.", "web.example.com"},
		{"  app.example.com  ", "app.example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseType(t *testing.T) {
	if typ, err := ParseType("cname"); err != nil || typ != TypeCNAME {
		t.Errorf("ParseType(cname) = %v, %v", typ, err)
	}
	if _, err := ParseType("PTR"); err == nil {
		t.Error("ParseType(PTR) should fail")
	}
}

func TestValidate_TTLBoundaries(t *testing.T) {
	tests := []struct {
		ttl int
		ok  bool
	}{
		{1, true},
		{59, false},
		{60, true},
		{300, true},
		{0, false},
	}
	for _, tt := range tests {
		d := Desired{Type: TypeA, Name: "web.example.com", Content: "10.0.0.1", TTL: tt.ttl}
		err := d.Validate()
		if tt.ok && err != nil {
			t.Errorf("ttl=%d: unexpected error %v", tt.ttl, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ttl=%d: expected error", tt.ttl)
		}
	}
}

func TestValidate_AddressFamilies(t *testing.T) {
	a := Desired{Type: TypeA, Name: "web.example.com", Content: "2001:db8::1", TTL: 300}
	if err := a.Validate(); err == nil {
		t.Error("A record with IPv6 content should fail")
	}
	aaaa := Desired{Type: TypeAAAA, Name: "web.example.com", Content: "10.0.0.1", TTL: 300}
	if err := aaaa.Validate(); err == nil {
		t.Error("AAAA record with IPv4 content should fail")
	}
	ok := Desired{Type: TypeAAAA, Name: "web.example.com", Content: "2001:db8::1", TTL: 300}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid AAAA rejected: %v", err)
	}
}

func TestValidate_SRVPort(t *testing.T) {
	d := Desired{Type: TypeSRV, Name: "_sip._tcp.example.com", Content: "sip.example.com", TTL: 300, Port: 0}
	if err := d.Validate(); err == nil {
		t.Error("SRV with port 0 should fail")
	}
	d.Port = 5060
	if err := d.Validate(); err != nil {
		t.Errorf("valid SRV rejected: %v", err)
	}
}

func TestValidate_MXPriorityMax(t *testing.T) {
	d := Desired{Type: TypeMX, Name: "example.com", Content: "mail.example.com", TTL: 300, Priority: 65535}
	if err := d.Validate(); err != nil {
		t.Errorf("MX priority 65535 rejected: %v", err)
	}
}

func TestValidate_CAATag(t *testing.T) {
	d := Desired{Type: TypeCAA, Name: "example.com", Content: "letsencrypt.org", TTL: 300, Tag: "issue"}
	if err := d.Validate(); err != nil {
		t.Errorf("valid CAA rejected: %v", err)
	}
	d.Tag = "bogus"
	if err := d.Validate(); err == nil {
		t.Error("CAA with unknown tag should fail")
	}
	var ve *ValidationError
	if err := d.Validate(); !errors.As(err, &ve) {
		t.Error("validation failure should be a *ValidationError")
	}
}

func TestValidate_EmptyContent(t *testing.T) {
	txt := Desired{Type: TypeTXT, Name: "example.com", Content: "", TTL: 300}
	if err := txt.Validate(); err != nil {
		t.Errorf("empty TXT content rejected: %v", err)
	}
	a := Desired{Type: TypeA, Name: "example.com", Content: "", TTL: 300}
	if err := a.Validate(); err == nil {
		t.Error("empty A content should fail")
	}
}

func TestKey_Discriminators(t *testing.T) {
	mx1 := Desired{Type: TypeMX, Name: "example.com", Content: "mx1.example.com", Priority: 10}
	mx2 := Desired{Type: TypeMX, Name: "example.com", Content: "mx2.example.com", Priority: 20}
	if mx1.Key() == mx2.Key() {
		t.Error("MX records with different priorities should have distinct keys")
	}

	srv1 := Desired{Type: TypeSRV, Name: "_sip._tcp.example.com", Content: "a.example.com", Port: 5060}
	srv2 := Desired{Type: TypeSRV, Name: "_sip._tcp.example.com", Content: "a.example.com", Port: 5061}
	if srv1.Key() == srv2.Key() {
		t.Error("SRV records with different ports should have distinct keys")
	}

	a1 := Desired{Type: TypeA, Name: "Web.Example.Com.", Content: "10.0.0.1"}
	a2 := Desired{Type: TypeA, Name: "web.example.com", Content: "10.0.0.2"}
	if a1.Key() != a2.Key() {
		t.Error("A record keys should ignore case, trailing dot and content")
	}
}

func TestFingerprint_DetectsDrift(t *testing.T) {
	base := Desired{Type: TypeA, Name: "web.example.com", Content: "10.0.0.1", TTL: 120}
	same := base
	if base.Fingerprint() != same.Fingerprint() {
		t.Error("identical records should fingerprint equal")
	}
	changed := base
	changed.Content = "10.0.0.2"
	if base.Fingerprint() == changed.Fingerprint() {
		t.Error("content change should alter fingerprint")
	}
}

func TestProviderRecordMatches_ProxiedUnset(t *testing.T) {
	proxied := true
	remote := ProviderRecord{Desired: Desired{Type: TypeA, Name: "web.example.com", Content: "10.0.0.1", TTL: 120, Proxied: &proxied}}
	desired := Desired{Type: TypeA, Name: "web.example.com", Content: "10.0.0.1", TTL: 120}
	if !remote.Matches(desired) {
		t.Error("nil desired proxied flag should ignore remote proxy state")
	}
	pin := false
	desired.Proxied = &pin
	if remote.Matches(desired) {
		t.Error("pinned proxied flag should detect drift")
	}
}
