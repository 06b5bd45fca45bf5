// Package digitalocean implements the provider backend for DigitalOcean DNS
// using the godo client.
//
// DigitalOcean stores record names relative to the domain, with "@" for the
// apex; the backend converts to and from fully qualified names at the API
// boundary.
package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/digitalocean/godo"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
	"github.com/trafegodns/trafegodns/pkg/provider"
)

// Type is the backend type name used in configuration and routing.
const Type = "digitalocean"

// defaultTTL replaces the TTL-auto sentinel; DigitalOcean has no automatic
// TTL.
const defaultTTL = 300

// Config holds DigitalOcean backend configuration.
type Config struct {
	// Token is the personal access token.
	Token string

	// Zone is the managed domain, e.g. "example.com".
	Zone string
}

// envPrefix is the environment prefix for DigitalOcean settings.
const envPrefix = "DIGITALOCEAN_"

// LoadConfig reads DigitalOcean configuration from the environment. The
// token supports the _FILE Docker-secrets suffix.
func LoadConfig() (*Config, error) {
	cfg := &Config{
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
	if c.Token == "" {
		return fmt.Errorf("digitalocean: TOKEN is required")
	}
	if c.Zone == "" {
		return fmt.Errorf("digitalocean: ZONE is required")
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

// domainsService is the slice of godo the backend uses, extracted for
// tests.
type domainsService interface {
	Get(ctx context.Context, name string) (*godo.Domain, *godo.Response, error)
	Records(ctx context.Context, domain string, opt *godo.ListOptions) ([]godo.DomainRecord, *godo.Response, error)
	CreateRecord(ctx context.Context, domain string, editRequest *godo.DomainRecordEditRequest) (*godo.DomainRecord, *godo.Response, error)
	EditRecord(ctx context.Context, domain string, id int, editRequest *godo.DomainRecordEditRequest) (*godo.DomainRecord, *godo.Response, error)
	DeleteRecord(ctx context.Context, domain string, id int) (*godo.Response, error)
}

// Backend implements provider.API for one DigitalOcean domain.
type Backend struct {
	name    string
	zone    string
	domains domainsService
	logger  *slog.Logger
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

// withDomains replaces the godo domains service, for tests.
func withDomains(s domainsService) Option {
	return func(b *Backend) {
		b.domains = s
	}
}

// New creates a DigitalOcean backend.
func New(name string, cfg *Config, opts ...Option) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("digitalocean: config is required")
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
	if b.domains == nil {
		b.domains = godo.NewFromToken(cfg.Token).Domains
	}
	return b, nil
}

// Factory returns a provider.Factory building DigitalOcean backends from a
// flat configuration map.
func Factory(logger *slog.Logger) provider.Factory {
	return func(name string, config map[string]string) (provider.API, error) {
		cfg := &Config{Token: config["token"], Zone: config["zone"]}
		return New(name, cfg, WithLogger(logger))
	}
}

// Init verifies the token can see the domain.
func (b *Backend) Init(ctx context.Context) error {
	_, resp, err := b.domains.Get(ctx, b.zone)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return provider.NewError(provider.KindMisconfiguredZone, b.name, "init", err)
		}
		return classify(b.name, "init", err)
	}
	return nil
}

// ZoneName returns the zone apex.
func (b *Backend) ZoneName() string { return b.zone }

// ListRecords returns every supported record in the domain.
func (b *Backend) ListRecords(ctx context.Context) ([]dnsrecord.ProviderRecord, error) {
	var out []dnsrecord.ProviderRecord

	opt := &godo.ListOptions{PerPage: 200}
	for {
		records, resp, err := b.domains.Records(ctx, b.zone, opt)
		if err != nil {
			return nil, classify(b.name, "list", err)
		}
		for _, rec := range records {
			converted, ok := b.toRecord(rec)
			if !ok {
				continue
			}
			out = append(out, converted)
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			break
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			break
		}
		opt.Page = page + 1
	}
	return out, nil
}

// CreateRecord creates one record.
func (b *Backend) CreateRecord(ctx context.Context, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	rec, _, err := b.domains.CreateRecord(ctx, b.zone, b.toEditRequest(d))
	if err != nil {
		return dnsrecord.ProviderRecord{}, classify(b.name, "create", err)
	}
	created, _ := b.toRecord(*rec)
	return created, nil
}

// UpdateRecord rewrites the record with the given external id.
func (b *Backend) UpdateRecord(ctx context.Context, externalID string, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	id, err := strconv.Atoi(externalID)
	if err != nil {
		return dnsrecord.ProviderRecord{}, provider.NewError(provider.KindNotFound, b.name, "update",
			fmt.Errorf("malformed external id %q", externalID))
	}
	rec, _, err := b.domains.EditRecord(ctx, b.zone, id, b.toEditRequest(d))
	if err != nil {
		return dnsrecord.ProviderRecord{}, classify(b.name, "update", err)
	}
	updated, _ := b.toRecord(*rec)
	return updated, nil
}

// DeleteRecord removes the record with the given external id.
func (b *Backend) DeleteRecord(ctx context.Context, externalID string) error {
	id, err := strconv.Atoi(externalID)
	if err != nil {
		return provider.NewError(provider.KindNotFound, b.name, "delete",
			fmt.Errorf("malformed external id %q", externalID))
	}
	if _, err := b.domains.DeleteRecord(ctx, b.zone, id); err != nil {
		return classify(b.name, "delete", err)
	}
	return nil
}

// relativeName converts a fully qualified name to DigitalOcean's relative
// form.
func (b *Backend) relativeName(fqdn string) string {
	fqdn = dnsrecord.Normalize(fqdn)
	if fqdn == b.zone {
		return "@"
	}
	return strings.TrimSuffix(fqdn, "."+b.zone)
}

// absoluteName converts a relative record name back to a fully qualified
// one.
func (b *Backend) absoluteName(name string) string {
	name = dnsrecord.Normalize(name)
	if name == "@" || name == "" {
		return b.zone
	}
	if strings.HasSuffix(name, "."+b.zone) || name == b.zone {
		return name
	}
	return name + "." + b.zone
}

// NormalizeRecord substitutes the concrete TTL the zone will store, so the
// batch logic compares against what a later list returns.
func (b *Backend) NormalizeRecord(d dnsrecord.Desired) dnsrecord.Desired {
	if d.TTL == dnsrecord.TTLAuto {
		d.TTL = defaultTTL
	}
	return d
}

func (b *Backend) toEditRequest(d dnsrecord.Desired) *godo.DomainRecordEditRequest {
	ttl := d.TTL
	if ttl == dnsrecord.TTLAuto {
		ttl = defaultTTL
	}
	req := &godo.DomainRecordEditRequest{
		Type: string(d.Type),
		Name: b.relativeName(d.Name),
		Data: d.Content,
		TTL:  ttl,
	}
	switch d.Type {
	case dnsrecord.TypeMX:
		req.Priority = int(d.Priority)
		req.Data = d.Content + "."
	case dnsrecord.TypeSRV:
		req.Priority = int(d.Priority)
		req.Weight = int(d.Weight)
		req.Port = int(d.Port)
		req.Data = d.Content + "."
	case dnsrecord.TypeCNAME:
		req.Data = d.Content + "."
	case dnsrecord.TypeCAA:
		req.Flags = int(d.Flags)
		req.Tag = d.Tag
	}
	return req
}

// toRecord converts a godo record, skipping unsupported types.
func (b *Backend) toRecord(rec godo.DomainRecord) (dnsrecord.ProviderRecord, bool) {
	typ, err := dnsrecord.ParseType(rec.Type)
	if err != nil {
		return dnsrecord.ProviderRecord{}, false
	}
	d := dnsrecord.Desired{
		Type:    typ,
		Name:    b.absoluteName(rec.Name),
		Content: strings.TrimSuffix(rec.Data, "."),
		TTL:     rec.TTL,
	}
	switch typ {
	case dnsrecord.TypeMX, dnsrecord.TypeSRV:
		d.Priority = uint16(rec.Priority)
		d.Weight = uint16(rec.Weight)
		d.Port = uint16(rec.Port)
	case dnsrecord.TypeCAA:
		d.Flags = uint8(rec.Flags)
		d.Tag = rec.Tag
	}
	out := dnsrecord.ProviderRecord{Desired: d, ExternalID: strconv.Itoa(rec.ID)}
	out.Fingerprint = d.Fingerprint()
	return out, true
}

// classify maps godo failures onto the provider error taxonomy.
func classify(name, op string, err error) error {
	if err == nil {
		return nil
	}
	var respErr *godo.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return provider.NewError(provider.KindAuthFailed, name, op, err)
		case http.StatusTooManyRequests:
			return provider.NewError(provider.KindRateLimited, name, op, err)
		case http.StatusNotFound:
			return provider.NewError(provider.KindNotFound, name, op, err)
		case http.StatusUnprocessableEntity:
			if strings.Contains(respErr.Message, "already exists") || strings.Contains(respErr.Message, "duplicate") {
				return provider.NewError(provider.KindConflict, name, op, err)
			}
			return provider.NewError(provider.KindValidationFailed, name, op, err)
		}
	}
	return provider.NewError(provider.KindNetworkFailed, name, op, err)
}
