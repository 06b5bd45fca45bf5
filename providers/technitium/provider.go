package technitium

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
	"github.com/trafegodns/trafegodns/pkg/provider"
)

// Type is the backend type name used in configuration and routing.
const Type = "technitium"

// defaultTTL replaces the TTL-auto sentinel; Technitium has no automatic
// TTL.
const defaultTTL = 300

// Config holds Technitium backend configuration.
type Config struct {
	// URL is the server base URL, e.g. "http://technitium:5380".
	URL string

	// Token is the API token.
	Token string

	// Zone is the managed zone apex.
	Zone string
}

// envPrefix is the environment prefix for Technitium settings.
const envPrefix = "TECHNITIUM_"

// LoadConfig reads Technitium configuration from the environment. The token
// supports the _FILE Docker-secrets suffix.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		URL:   os.Getenv(envPrefix + "URL"),
		Token: getEnvOrFile(envPrefix+"TOKEN", envPrefix+"TOKEN_FILE"),
		Zone:  os.Getenv(envPrefix + "ZONE"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("technitium: URL is required")
	}
	if c.Token == "" {
		return fmt.Errorf("technitium: TOKEN is required")
	}
	if c.Zone == "" {
		return fmt.Errorf("technitium: ZONE is required")
	}
	return nil
}

// getEnvOrFile retrieves a value from either a direct environment variable
// or a file path specified by the file key (Docker secrets pattern).
func getEnvOrFile(directKey, fileKey string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return os.Getenv(directKey)
}

// Backend implements provider.API for one Technitium zone. Technitium has
// no record identifiers, so the external id encodes type, name, content
// and ttl, enough to address the record for delete and update.
type Backend struct {
	name   string
	zone   string
	client *Client
	logger *slog.Logger
}

// Option is a functional option for configuring the Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// withClient replaces the API client, for tests.
func withClient(c *Client) Option {
	return func(b *Backend) {
		b.client = c
	}
}

// New creates a Technitium backend.
func New(name string, cfg *Config, opts ...Option) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("technitium: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{
		name:   name,
		zone:   dnsrecord.Normalize(cfg.Zone),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.client == nil {
		b.client = NewClient(cfg.URL, cfg.Token, WithClientLogger(b.logger))
	}
	return b, nil
}

// Factory returns a provider.Factory building Technitium backends from a
// flat configuration map.
func Factory(logger *slog.Logger) provider.Factory {
	return func(name string, config map[string]string) (provider.API, error) {
		cfg := &Config{
			URL:   config["url"],
			Token: config["token"],
			Zone:  config["zone"],
		}
		return New(name, cfg, WithLogger(logger))
	}
}

// Init verifies connectivity and token validity.
func (b *Backend) Init(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// ZoneName returns the zone apex.
func (b *Backend) ZoneName() string { return b.zone }

// ListRecords returns every supported record in the zone.
func (b *Backend) ListRecords(ctx context.Context) ([]dnsrecord.ProviderRecord, error) {
	records, err := b.client.ListZoneRecords(ctx, b.zone)
	if err != nil {
		return nil, err
	}
	var out []dnsrecord.ProviderRecord
	for _, rec := range records {
		if rec.Disabled {
			continue
		}
		converted, ok := toRecord(rec)
		if !ok {
			continue
		}
		out = append(out, converted)
	}
	return out, nil
}

// CreateRecord creates one record.
func (b *Backend) CreateRecord(ctx context.Context, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	d = normalizeTTL(d)
	params, err := recordParams(d, true)
	if err != nil {
		return dnsrecord.ProviderRecord{}, provider.NewError(provider.KindValidationFailed, b.name, "create", err)
	}
	if err := b.client.AddRecord(ctx, b.zone, params); err != nil {
		return dnsrecord.ProviderRecord{}, err
	}
	rec := dnsrecord.ProviderRecord{Desired: d, ExternalID: externalID(d)}
	rec.Fingerprint = d.Fingerprint()
	return rec, nil
}

// UpdateRecord deletes the old record and adds the new one; Technitium's
// update endpoint addresses records by full old/new value pairs anyway.
func (b *Backend) UpdateRecord(ctx context.Context, externalIDStr string, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	old, err := parseExternalID(externalIDStr)
	if err != nil {
		return dnsrecord.ProviderRecord{}, provider.NewError(provider.KindNotFound, b.name, "update", err)
	}
	oldParams, err := recordParams(old, false)
	if err == nil {
		if delErr := b.client.DeleteRecord(ctx, b.zone, oldParams); delErr != nil && !provider.IsNotFound(delErr) {
			return dnsrecord.ProviderRecord{}, delErr
		}
	}
	return b.CreateRecord(ctx, d)
}

// DeleteRecord removes the record encoded in the external id.
func (b *Backend) DeleteRecord(ctx context.Context, externalIDStr string) error {
	d, err := parseExternalID(externalIDStr)
	if err != nil {
		return provider.NewError(provider.KindNotFound, b.name, "delete", err)
	}
	params, err := recordParams(d, false)
	if err != nil {
		return provider.NewError(provider.KindNotFound, b.name, "delete", err)
	}
	return b.client.DeleteRecord(ctx, b.zone, params)
}

// NormalizeRecord substitutes the concrete TTL the zone will store, so the
// batch logic compares against what a later list returns.
func (b *Backend) NormalizeRecord(d dnsrecord.Desired) dnsrecord.Desired {
	return normalizeTTL(d)
}

func normalizeTTL(d dnsrecord.Desired) dnsrecord.Desired {
	if d.TTL == dnsrecord.TTLAuto {
		d.TTL = defaultTTL
	}
	d.Proxied = nil // no front-proxy concept
	return d
}

// recordParams builds the type-specific query parameters. withTTL is false
// for deletes, which address records by value only.
func recordParams(d dnsrecord.Desired, withTTL bool) (url.Values, error) {
	params := url.Values{}
	params.Set("domain", d.Name)
	params.Set("type", string(d.Type))
	if withTTL {
		params.Set("ttl", strconv.Itoa(d.TTL))
	}

	switch d.Type {
	case dnsrecord.TypeA, dnsrecord.TypeAAAA:
		params.Set("ipAddress", d.Content)
	case dnsrecord.TypeCNAME:
		params.Set("cname", d.Content)
	case dnsrecord.TypeTXT:
		params.Set("text", d.Content)
	case dnsrecord.TypeMX:
		params.Set("exchange", d.Content)
		params.Set("preference", strconv.Itoa(int(d.Priority)))
	case dnsrecord.TypeSRV:
		params.Set("target", d.Content)
		params.Set("priority", strconv.Itoa(int(d.Priority)))
		params.Set("weight", strconv.Itoa(int(d.Weight)))
		params.Set("port", strconv.Itoa(int(d.Port)))
	case dnsrecord.TypeCAA:
		params.Set("value", d.Content)
		params.Set("tag", d.Tag)
		params.Set("flags", strconv.Itoa(int(d.Flags)))
	default:
		return nil, fmt.Errorf("unsupported record type %s", d.Type)
	}
	return params, nil
}

// toRecord converts an API record, skipping unsupported types.
func toRecord(rec apiRecord) (dnsrecord.ProviderRecord, bool) {
	typ, err := dnsrecord.ParseType(rec.Type)
	if err != nil {
		return dnsrecord.ProviderRecord{}, false
	}
	d := dnsrecord.Desired{
		Type: typ,
		Name: dnsrecord.Normalize(rec.Name),
		TTL:  rec.TTL,
	}
	switch typ {
	case dnsrecord.TypeA, dnsrecord.TypeAAAA:
		d.Content = rec.RData.IPAddress
	case dnsrecord.TypeCNAME:
		d.Content = dnsrecord.Normalize(rec.RData.CName)
	case dnsrecord.TypeTXT:
		d.Content = rec.RData.Text
	case dnsrecord.TypeMX:
		d.Content = dnsrecord.Normalize(rec.RData.Exchange)
		d.Priority = rec.RData.Preference
	case dnsrecord.TypeSRV:
		d.Content = dnsrecord.Normalize(rec.RData.Target)
		d.Priority = rec.RData.Priority
		d.Weight = rec.RData.Weight
		d.Port = rec.RData.Port
	case dnsrecord.TypeCAA:
		d.Content = rec.RData.Value
		d.Tag = rec.RData.Tag
		d.Flags = rec.RData.Flags
	}
	out := dnsrecord.ProviderRecord{Desired: d, ExternalID: externalID(d)}
	out.Fingerprint = d.Fingerprint()
	return out, true
}

// externalID encodes enough of a record to address it for delete.
func externalID(d dnsrecord.Desired) string {
	return strings.Join([]string{
		string(d.Type), d.Name, d.Content, strconv.Itoa(d.TTL),
		strconv.Itoa(int(d.Priority)), strconv.Itoa(int(d.Weight)),
		strconv.Itoa(int(d.Port)), strconv.Itoa(int(d.Flags)), d.Tag,
	}, "\x1f")
}

func parseExternalID(id string) (dnsrecord.Desired, error) {
	parts := strings.Split(id, "\x1f")
	if len(parts) != 9 {
		return dnsrecord.Desired{}, fmt.Errorf("malformed external id %q", id)
	}
	typ, err := dnsrecord.ParseType(parts[0])
	if err != nil {
		return dnsrecord.Desired{}, err
	}
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	return dnsrecord.Desired{
		Type:     typ,
		Name:     parts[1],
		Content:  parts[2],
		TTL:      atoi(parts[3]),
		Priority: uint16(atoi(parts[4])),
		Weight:   uint16(atoi(parts[5])),
		Port:     uint16(atoi(parts[6])),
		Flags:    uint8(atoi(parts[7])),
		Tag:      parts[8],
	}, nil
}
