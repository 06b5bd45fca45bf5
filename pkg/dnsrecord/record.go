// Package dnsrecord defines the canonical record model shared by the
// reconciliation engine and all DNS providers: the engine's desired state
// (Desired), the provider's observed state (ProviderRecord), hostname
// normalization, and per-type validation.
package dnsrecord

import (
	"fmt"
	"strings"
)

// Type represents the type of DNS record.
type Type string

const (
	TypeA     Type = "A"
	TypeAAAA  Type = "AAAA"
	TypeCNAME Type = "CNAME"
	TypeMX    Type = "MX"
	TypeTXT   Type = "TXT"
	TypeSRV   Type = "SRV"
	TypeCAA   Type = "CAA"
)

// TTLAuto is the provider-sentinel TTL meaning "automatic".
const TTLAuto = 1

// ParseType parses a record type string (case-insensitive).
func ParseType(s string) (Type, error) {
	switch Type(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeA:
		return TypeA, nil
	case TypeAAAA:
		return TypeAAAA, nil
	case TypeCNAME:
		return TypeCNAME, nil
	case TypeMX:
		return TypeMX, nil
	case TypeTXT:
		return TypeTXT, nil
	case TypeSRV:
		return TypeSRV, nil
	case TypeCAA:
		return TypeCAA, nil
	default:
		return "", fmt.Errorf("unknown record type %q", s)
	}
}

// Desired is the engine's intent for one DNS name.
type Desired struct {
	// Type is the record type (A, AAAA, CNAME, MX, TXT, SRV, CAA).
	Type Type

	// Name is the fully qualified hostname, normalized lowercase without
	// a trailing dot.
	Name string

	// Content is the provider-parsable record value (IPv4 literal for A,
	// target hostname for CNAME, text for TXT, ...).
	Content string

	// TTL in seconds. TTLAuto (1) means "automatic".
	TTL int

	// Proxied is meaningful only for providers with a front-proxy flag
	// (Cloudflare). Nil means "use the provider default".
	Proxied *bool

	// Priority applies to MX and SRV records.
	Priority uint16

	// Weight and Port apply to SRV records.
	Weight uint16
	Port   uint16

	// Flags and Tag apply to CAA records.
	Flags uint8
	Tag   string
}

// ProviderRecord is a record as returned by a provider: the desired fields
// plus the provider-assigned identifier and a drift-detection fingerprint.
type ProviderRecord struct {
	Desired

	// ExternalID is the provider-assigned opaque record identifier.
	ExternalID string

	// Fingerprint is a stable hash of the canonical fields, used to
	// detect drift without a field-by-field compare.
	Fingerprint string
}

// Normalize lowercases a hostname and strips any trailing dot.
func Normalize(hostname string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))
}

// String returns a compact human-readable form, e.g. "A web.example.com -> 10.0.0.1".
func (d Desired) String() string {
	return fmt.Sprintf("%s %s -> %s", d.Type, d.Name, d.Content)
}

// ProxiedValue returns the proxied flag, treating nil as false.
func (d Desired) ProxiedValue() bool {
	return d.Proxied != nil && *d.Proxied
}

// txtPrefixLen is the number of content bytes used as the cache-match
// discriminator for TXT records, which may legitimately coexist at one name.
const txtPrefixLen = 32

// Key returns the cache-match key for a record: (type, name) plus the
// discriminator needed for multi-record types (MX priority, SRV
// target+port, CAA tag, TXT content prefix).
func (d Desired) Key() string {
	base := string(d.Type) + "|" + Normalize(d.Name)
	switch d.Type {
	case TypeMX:
		return fmt.Sprintf("%s|%d", base, d.Priority)
	case TypeSRV:
		return fmt.Sprintf("%s|%s|%d", base, Normalize(d.Content), d.Port)
	case TypeCAA:
		return base + "|" + d.Tag
	case TypeTXT:
		prefix := d.Content
		if len(prefix) > txtPrefixLen {
			prefix = prefix[:txtPrefixLen]
		}
		return base + "|" + prefix
	default:
		return base
	}
}
