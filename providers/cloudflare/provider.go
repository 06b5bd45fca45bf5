// Package cloudflare implements the provider backend for Cloudflare DNS on
// top of the official cloudflare-go client.
package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
	"github.com/trafegodns/trafegodns/pkg/provider"
)

// Type is the backend type name used in configuration and routing.
const Type = "cloudflare"

// Backend implements provider.API for one Cloudflare zone.
type Backend struct {
	name   string
	cfg    *Config
	api    *cf.API
	zone   string
	zoneID string
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

// New creates a Cloudflare backend.
func New(name string, cfg *Config, opts ...Option) (*Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cloudflare: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	api, err := cf.NewWithAPIToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %w", err)
	}

	b := &Backend{
		name:   name,
		cfg:    cfg,
		api:    api,
		zone:   dnsrecord.Normalize(cfg.Zone),
		zoneID: cfg.ZoneID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Factory returns a provider.Factory building Cloudflare backends from a
// flat configuration map.
func Factory(logger *slog.Logger) provider.Factory {
	return func(name string, config map[string]string) (provider.API, error) {
		cfg := &Config{
			Token:     config["token"],
			Zone:      config["zone"],
			ZoneID:    config["zone_id"],
			AccountID: config["account_id"],
		}
		return New(name, cfg, WithLogger(logger))
	}
}

// Client exposes the underlying API client for the tunnel manager, which
// shares credentials with the DNS backend.
func (b *Backend) Client() *cf.API { return b.api }

// AccountID returns the configured account id.
func (b *Backend) AccountID() string { return b.cfg.AccountID }

// Init resolves the zone id and verifies the token can see the zone.
func (b *Backend) Init(ctx context.Context) error {
	if b.zoneID != "" {
		if b.zone == "" {
			zone, err := b.api.ZoneDetails(ctx, b.zoneID)
			if err != nil {
				return classify(b.name, "init", err)
			}
			b.zone = dnsrecord.Normalize(zone.Name)
		}
		return nil
	}
	id, err := b.api.ZoneIDByName(b.zone)
	if err != nil {
		if strings.Contains(err.Error(), "could not find zone") {
			return provider.NewError(provider.KindMisconfiguredZone, b.name, "init", err)
		}
		return classify(b.name, "init", err)
	}
	b.zoneID = id
	b.logger.Debug("resolved zone id",
		slog.String("zone", b.zone),
		slog.String("zone_id", id),
	)
	return nil
}

// ZoneName returns the zone apex.
func (b *Backend) ZoneName() string { return b.zone }

// ListRecords returns every supported record in the zone.
func (b *Backend) ListRecords(ctx context.Context) ([]dnsrecord.ProviderRecord, error) {
	rc := cf.ZoneIdentifier(b.zoneID)
	var out []dnsrecord.ProviderRecord

	params := cf.ListDNSRecordsParams{}
	for {
		records, info, err := b.api.ListDNSRecords(ctx, rc, params)
		if err != nil {
			return nil, classify(b.name, "list", err)
		}
		for _, rec := range records {
			converted, ok := toRecord(rec)
			if !ok {
				continue
			}
			out = append(out, converted)
		}
		if info == nil || info.Page >= info.TotalPages {
			break
		}
		params.ResultInfo = cf.ResultInfo{Page: info.Page + 1}
	}
	return out, nil
}

// CreateRecord creates one record.
func (b *Backend) CreateRecord(ctx context.Context, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	params := cf.CreateDNSRecordParams{
		Type:    string(d.Type),
		Name:    d.Name,
		Content: d.Content,
		TTL:     d.TTL,
		Proxied: d.Proxied,
	}
	if d.Type == dnsrecord.TypeMX || d.Type == dnsrecord.TypeSRV {
		prio := d.Priority
		params.Priority = &prio
	}
	if data := recordData(d); data != nil {
		params.Data = data
	}

	rec, err := b.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(b.zoneID), params)
	if err != nil {
		return dnsrecord.ProviderRecord{}, classify(b.name, "create", err)
	}
	created, _ := toRecord(rec)
	return created, nil
}

// UpdateRecord rewrites the record with the given external id.
func (b *Backend) UpdateRecord(ctx context.Context, externalID string, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	params := cf.UpdateDNSRecordParams{
		ID:      externalID,
		Type:    string(d.Type),
		Name:    d.Name,
		Content: d.Content,
		TTL:     d.TTL,
		Proxied: d.Proxied,
	}
	if d.Type == dnsrecord.TypeMX || d.Type == dnsrecord.TypeSRV {
		prio := d.Priority
		params.Priority = &prio
	}
	if data := recordData(d); data != nil {
		params.Data = data
	}

	rec, err := b.api.UpdateDNSRecord(ctx, cf.ZoneIdentifier(b.zoneID), params)
	if err != nil {
		return dnsrecord.ProviderRecord{}, classify(b.name, "update", err)
	}
	updated, _ := toRecord(rec)
	return updated, nil
}

// DeleteRecord removes the record with the given external id.
func (b *Backend) DeleteRecord(ctx context.Context, externalID string) error {
	err := b.api.DeleteDNSRecord(ctx, cf.ZoneIdentifier(b.zoneID), externalID)
	if err != nil {
		return classify(b.name, "delete", err)
	}
	return nil
}

// recordData builds the structured Data payload Cloudflare wants for SRV
// and CAA records.
func recordData(d dnsrecord.Desired) map[string]any {
	switch d.Type {
	case dnsrecord.TypeSRV:
		return map[string]any{
			"priority": d.Priority,
			"weight":   d.Weight,
			"port":     d.Port,
			"target":   d.Content,
		}
	case dnsrecord.TypeCAA:
		return map[string]any{
			"flags": d.Flags,
			"tag":   d.Tag,
			"value": d.Content,
		}
	default:
		return nil
	}
}

// toRecord converts an API record, skipping unsupported types.
func toRecord(rec cf.DNSRecord) (dnsrecord.ProviderRecord, bool) {
	typ, err := dnsrecord.ParseType(rec.Type)
	if err != nil {
		return dnsrecord.ProviderRecord{}, false
	}
	d := dnsrecord.Desired{
		Type:    typ,
		Name:    dnsrecord.Normalize(rec.Name),
		Content: rec.Content,
		TTL:     rec.TTL,
		Proxied: rec.Proxied,
	}
	if rec.Priority != nil {
		d.Priority = *rec.Priority
	}
	out := dnsrecord.ProviderRecord{Desired: d, ExternalID: rec.ID}
	out.Fingerprint = d.Fingerprint()
	return out, true
}

// Cloudflare error code for "record already exists".
const codeDuplicateRecord = 81057

// classify maps Cloudflare API failures onto the provider error taxonomy.
func classify(name, op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *cf.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return provider.NewError(provider.KindAuthFailed, name, op, err)
		case apiErr.StatusCode == 429:
			return provider.NewError(provider.KindRateLimited, name, op, err)
		case apiErr.StatusCode == 404:
			return provider.NewError(provider.KindNotFound, name, op, err)
		}
		for _, code := range apiErr.ErrorCodes {
			if code == codeDuplicateRecord {
				return provider.NewError(provider.KindConflict, name, op, err)
			}
		}
	}
	var notFound *cf.NotFoundError
	if errors.As(err, &notFound) {
		return provider.NewError(provider.KindNotFound, name, op, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Invalid request headers"), strings.Contains(msg, "Authentication error"):
		return provider.NewError(provider.KindAuthFailed, name, op, err)
	case strings.Contains(msg, "already exists"):
		return provider.NewError(provider.KindConflict, name, op, err)
	}
	return provider.NewError(provider.KindNetworkFailed, name, op, err)
}
