// Package state implements the durable store shared by the reconciliation
// engine and the tunnel manager: tracked DNS records, provider rows,
// preserved patterns, managed hostnames and tunnel ingress routes.
//
// Everything lives in one JSON file under the configuration directory,
// written atomically (temp file + rename) and guarded against concurrent
// processes by an advisory lock file. Booleans serialize as 0/1 and
// timestamps as RFC 3339 strings so the file stays portable.
package state

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

// Record sources.
const (
	SourceProxy      = "proxy"
	SourceDirect     = "direct"
	SourceAPI        = "api"
	SourceManaged    = "managed"
	SourceDiscovered = "discovered"
)

// numBool marshals as 0/1 but tolerates true/false on input.
type numBool bool

func (b numBool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (b *numBool) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "1", "true":
		*b = true
	case "0", "false", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %q", data)
	}
	return nil
}

// timestamp marshals as an RFC 3339 string; empty means unset.
type timestamp struct {
	time.Time
}

func (t timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + t.UTC().Format(time.RFC3339) + `"`), nil
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// ProviderConfig is one configured DNS backend.
type ProviderConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Zone        string `json:"zone"`
	Credentials string `json:"credentials,omitempty"` // sealed blob, base64
	IsDefault   bool   `json:"-"`
	Enabled     bool   `json:"-"`
}

type providerJSON struct {
	ProviderConfig
	IsDefaultNum numBool `json:"is_default"`
	EnabledNum   numBool `json:"enabled"`
}

// TrackedRecord is the engine's durable tombstone for one remote record.
// Identity is (ProviderID, ExternalID).
type TrackedRecord struct {
	ID           string
	ProviderID   string
	ExternalID   string
	Record       dnsrecord.Desired
	Source       string
	Managed      bool
	OrphanedAt   *time.Time
	LastSyncedAt time.Time
}

// Orphaned reports whether the record is currently marked orphaned.
func (r TrackedRecord) Orphaned() bool {
	return r.OrphanedAt != nil
}

type trackedRecordJSON struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"provider_id"`
	ExternalID   string    `json:"external_id"`
	Type         string    `json:"type"`
	Name         string    `json:"name"`
	Content      string    `json:"content"`
	TTL          int       `json:"ttl"`
	Proxied      *numBool  `json:"proxied,omitempty"`
	Priority     uint16    `json:"priority,omitempty"`
	Weight       uint16    `json:"weight,omitempty"`
	Port         uint16    `json:"port,omitempty"`
	Flags        uint8     `json:"flags,omitempty"`
	Tag          string    `json:"tag,omitempty"`
	Source       string    `json:"source"`
	Managed      numBool   `json:"managed"`
	OrphanedAt   timestamp `json:"orphaned_at"`
	LastSyncedAt timestamp `json:"last_synced_at"`
}

func toJSON(r TrackedRecord) trackedRecordJSON {
	row := trackedRecordJSON{
		ID:           r.ID,
		ProviderID:   r.ProviderID,
		ExternalID:   r.ExternalID,
		Type:         string(r.Record.Type),
		Name:         r.Record.Name,
		Content:      r.Record.Content,
		TTL:          r.Record.TTL,
		Priority:     r.Record.Priority,
		Weight:       r.Record.Weight,
		Port:         r.Record.Port,
		Flags:        r.Record.Flags,
		Tag:          r.Record.Tag,
		Source:       r.Source,
		Managed:      numBool(r.Managed),
		LastSyncedAt: timestamp{r.LastSyncedAt},
	}
	if r.Record.Proxied != nil {
		b := numBool(*r.Record.Proxied)
		row.Proxied = &b
	}
	if r.OrphanedAt != nil {
		row.OrphanedAt = timestamp{*r.OrphanedAt}
	}
	return row
}

func fromJSON(row trackedRecordJSON) TrackedRecord {
	r := TrackedRecord{
		ID:         row.ID,
		ProviderID: row.ProviderID,
		ExternalID: row.ExternalID,
		Record: dnsrecord.Desired{
			Type:     dnsrecord.Type(row.Type),
			Name:     row.Name,
			Content:  row.Content,
			TTL:      row.TTL,
			Priority: row.Priority,
			Weight:   row.Weight,
			Port:     row.Port,
			Flags:    row.Flags,
			Tag:      row.Tag,
		},
		Source:       row.Source,
		Managed:      bool(row.Managed),
		LastSyncedAt: row.LastSyncedAt.Time,
	}
	if row.Proxied != nil {
		b := bool(*row.Proxied)
		r.Record.Proxied = &b
	}
	if !row.OrphanedAt.IsZero() {
		t := row.OrphanedAt.Time
		r.OrphanedAt = &t
	}
	return r
}

// ManagedHostname is a statically configured record ensured on every pass
// regardless of discovery.
type ManagedHostname struct {
	Hostname string            `json:"hostname"`
	Provider string            `json:"provider"`
	Record   dnsrecord.Desired `json:"-"`
}

type managedHostnameJSON struct {
	Hostname string   `json:"hostname"`
	Provider string   `json:"provider"`
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	TTL      int      `json:"ttl"`
	Proxied  *numBool `json:"proxied,omitempty"`
}

// Tunnel is one provider-side HTTP tunnel known to the daemon.
type Tunnel struct {
	ID        string
	Name      string
	AccountID string
	LastSeen  time.Time
}

type tunnelJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AccountID string    `json:"account_id"`
	LastSeen  timestamp `json:"last_seen"`
}

// IngressRoute is one tunnel ingress rule owned by the daemon.
// Identity is (TunnelID, Hostname).
type IngressRoute struct {
	TunnelID   string
	Hostname   string
	Service    string
	Path       string
	Source     string // auto | api
	OrphanedAt *time.Time
}

type ingressRouteJSON struct {
	TunnelID   string    `json:"tunnel_id"`
	Hostname   string    `json:"hostname"`
	Service    string    `json:"service"`
	Path       string    `json:"path,omitempty"`
	Source     string    `json:"source"`
	OrphanedAt timestamp `json:"orphaned_at"`
}

// MatchesPreserved reports whether hostname matches any preserved pattern:
// an exact hostname, or *.suffix where hostname is a proper subdomain.
func MatchesPreserved(hostname string, patterns []string) bool {
	hostname = dnsrecord.Normalize(hostname)
	for _, pat := range patterns {
		pat = dnsrecord.Normalize(pat)
		if pat == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(pat, "*."); ok {
			if strings.HasSuffix(hostname, "."+suffix) {
				return true
			}
			continue
		}
		if hostname == pat {
			return true
		}
	}
	return false
}

// ParseManagedHostname parses one MANAGED_HOSTNAMES entry of the form
// hostname:type:content:ttl[:proxied]. Content is parsed from the ends
// inward so IPv6 literals with embedded colons survive.
func ParseManagedHostname(entry string) (ManagedHostname, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) < 4 {
		return ManagedHostname{}, fmt.Errorf("managed hostname %q: want hostname:type:content:ttl", entry)
	}
	typ, err := dnsrecord.ParseType(parts[1])
	if err != nil {
		return ManagedHostname{}, fmt.Errorf("managed hostname %q: %w", entry, err)
	}

	// Optional trailing proxied flag, then TTL, then everything between
	// the type and the TTL is content.
	var proxied *bool
	rest := parts[2:]
	if len(rest) >= 3 {
		switch strings.ToLower(rest[len(rest)-1]) {
		case "true", "false", "1", "0":
			p := rest[len(rest)-1] == "true" || rest[len(rest)-1] == "1"
			proxied = &p
			rest = rest[:len(rest)-1]
		}
	}
	var ttl int
	if _, err := fmt.Sscanf(rest[len(rest)-1], "%d", &ttl); err != nil {
		return ManagedHostname{}, fmt.Errorf("managed hostname %q: bad ttl %q", entry, rest[len(rest)-1])
	}
	content := strings.Join(rest[:len(rest)-1], ":")

	m := ManagedHostname{
		Hostname: dnsrecord.Normalize(parts[0]),
		Record: dnsrecord.Desired{
			Type:    typ,
			Name:    dnsrecord.Normalize(parts[0]),
			Content: content,
			TTL:     ttl,
			Proxied: proxied,
		},
	}
	if err := m.Record.Validate(); err != nil {
		return ManagedHostname{}, err
	}
	return m, nil
}
