// Package provider defines the uniform contract over DNS backends and the
// batch-ensure reconciliation primitive shared by all of them.
//
// Each backend implements the small API interface; Provider wraps it with
// the record cache, throttle backoff, dry-run handling and the BatchEnsure
// algorithm so backends stay thin HTTP clients.
package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

// CallTimeout bounds every outbound provider API call.
const CallTimeout = 30 * time.Second

// API is the backend contract. Implementations are plain API clients; they
// do not cache and do not classify beyond returning *Error values.
type API interface {
	// Init verifies credentials and resolves the zone. Called once before
	// first use; failures are AuthFailed, NetworkFailed or
	// MisconfiguredZone.
	Init(ctx context.Context) error

	// ZoneName returns the apex of the managed zone, normalized.
	ZoneName() string

	// ListRecords returns every record in the zone.
	ListRecords(ctx context.Context) ([]dnsrecord.ProviderRecord, error)

	// CreateRecord creates a record and returns it with its external id.
	CreateRecord(ctx context.Context, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error)

	// UpdateRecord rewrites the record with the given external id.
	UpdateRecord(ctx context.Context, externalID string, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error)

	// DeleteRecord removes the record with the given external id.
	DeleteRecord(ctx context.Context, externalID string) error
}

// Normalizer is implemented by backends that cannot store a desired record
// verbatim, e.g. those substituting a concrete TTL for the automatic
// sentinel. BatchEnsure canonicalizes each desired record through it before
// matching, so a substitution made on create compares equal on later passes
// instead of reading as drift.
type Normalizer interface {
	NormalizeRecord(d dnsrecord.Desired) dnsrecord.Desired
}

// RecordError is one failed record within a batch.
type RecordError struct {
	Desired dnsrecord.Desired
	Kind    Kind
	Err     error
}

// BatchResult is the outcome of one BatchEnsure call.
type BatchResult struct {
	Created   []dnsrecord.ProviderRecord
	Updated   []dnsrecord.ProviderRecord
	Unchanged []dnsrecord.ProviderRecord
	Errors    []RecordError
}

// Config carries the instance-level knobs of one provider.
type Config struct {
	ID        string
	Name      string
	Type      string
	Zone      string
	IsDefault bool
	Enabled   bool

	// CacheRefresh is the record cache re-list interval.
	CacheRefresh time.Duration

	// DryRun logs mutations instead of performing them.
	DryRun bool
}

// Provider wraps a backend API with caching, throttling and batch logic.
type Provider struct {
	cfg    Config
	api    API
	logger *slog.Logger

	mu      sync.Mutex
	cache   *RecordCache
	backoff *Backoff
	healthy bool
	inited  bool
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New wraps a backend API.
func New(cfg Config, api API, opts ...Option) *Provider {
	p := &Provider{
		cfg:     cfg,
		api:     api,
		logger:  slog.Default(),
		cache:   newRecordCache(cfg.CacheRefresh),
		backoff: newBackoff(time.Second, 60*time.Second),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("provider", cfg.Name))
	return p
}

// Name returns the instance name.
func (p *Provider) Name() string { return p.cfg.Name }

// Type returns the backend type.
func (p *Provider) Type() string { return p.cfg.Type }

// ID returns the durable provider row id.
func (p *Provider) ID() string { return p.cfg.ID }

// IsDefault reports whether this is the default provider.
func (p *Provider) IsDefault() bool { return p.cfg.IsDefault }

// Enabled reports whether the provider participates in routing.
func (p *Provider) Enabled() bool { return p.cfg.Enabled }

// Zone returns the managed zone apex.
func (p *Provider) Zone() string {
	if z := p.api.ZoneName(); z != "" {
		return z
	}
	return dnsrecord.Normalize(p.cfg.Zone)
}

// API exposes the wrapped backend, for wiring that shares the backend's
// client (the tunnel manager reuses the Cloudflare credentials).
func (p *Provider) API() API { return p.api }

// Healthy reports whether the last interaction with the backend succeeded.
func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Init verifies the backend once. Safe to call repeatedly.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inited {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	if err := p.api.Init(ctx); err != nil {
		p.healthy = false
		return err
	}
	p.inited = true
	p.healthy = true
	return nil
}

// Records returns a copy of the cached record set. Read-only outside the
// provider.
func (p *Provider) Records() []dnsrecord.ProviderRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Records()
}

// RefreshCache forces a re-list on the next BatchEnsure.
func (p *Provider) RefreshCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.lastUpdated = time.Time{}
}

// ensureFresh re-lists when the cache is stale. Caller holds p.mu.
func (p *Provider) ensureFresh(ctx context.Context, now time.Time) error {
	if !p.cache.Stale(now) {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	records, err := p.api.ListRecords(callCtx)
	if err != nil {
		return err
	}
	p.cache.Replace(records, now)
	return nil
}

// BatchEnsure reconciles the desired records against the zone: re-lists a
// stale cache, then creates missing records, updates drifted ones and
// counts the rest as unchanged. A per-record failure never aborts the
// batch except AuthFailed and RateLimited, which return every remaining
// record as skipped.
func (p *Provider) BatchEnsure(ctx context.Context, desired []dnsrecord.Desired) BatchResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result BatchResult
	now := time.Now()

	if p.backoff.Throttled(now) {
		for _, d := range desired {
			result.Errors = append(result.Errors, RecordError{Desired: d, Kind: KindRateLimited})
		}
		return result
	}

	if err := p.ensureFresh(ctx, now); err != nil {
		kind := KindOf(err)
		p.healthy = false
		if kind == KindRateLimited {
			p.backoff.Hit(now)
		}
		for _, d := range desired {
			result.Errors = append(result.Errors, RecordError{Desired: d, Kind: kind, Err: err})
		}
		return result
	}

	for i, d := range desired {
		if err := ctx.Err(); err != nil {
			p.skipRemaining(&result, desired[i:], KindCancelled)
			return result
		}

		err := p.ensureOne(ctx, d, &result)
		if err == nil {
			continue
		}
		kind := KindOf(err)
		result.Errors = append(result.Errors, RecordError{Desired: d, Kind: kind, Err: err})

		switch kind {
		case KindAuthFailed:
			p.healthy = false
			p.skipRemaining(&result, desired[i+1:], KindSkipped)
			return result
		case KindRateLimited:
			delay := p.backoff.Hit(now)
			p.logger.Warn("provider throttled, backing off",
				slog.Duration("delay", delay),
			)
			p.skipRemaining(&result, desired[i+1:], KindSkipped)
			return result
		}
	}

	p.healthy = true
	p.backoff.Reset()
	return result
}

func (p *Provider) skipRemaining(result *BatchResult, rest []dnsrecord.Desired, kind Kind) {
	for _, d := range rest {
		result.Errors = append(result.Errors, RecordError{Desired: d, Kind: kind})
	}
}

// ensureOne reconciles a single desired record against the cache. Caller
// holds p.mu.
func (p *Provider) ensureOne(ctx context.Context, d dnsrecord.Desired, result *BatchResult) error {
	if n, ok := p.api.(Normalizer); ok {
		d = n.NormalizeRecord(d)
	}
	cached, ok := p.cache.Lookup(d)
	if !ok {
		created, err := p.create(ctx, d)
		if err != nil {
			return err
		}
		p.cache.Put(created)
		result.Created = append(result.Created, created)
		return nil
	}

	if cached.Matches(d) {
		result.Unchanged = append(result.Unchanged, cached)
		return nil
	}

	updated, err := p.update(ctx, cached.ExternalID, d)
	if IsNotFound(err) {
		// The cache lied; re-list once and retry against reality.
		p.cache.lastUpdated = time.Time{}
		if err := p.ensureFresh(ctx, time.Now()); err != nil {
			return err
		}
		if refreshed, ok := p.cache.Lookup(d); ok {
			updated, err = p.update(ctx, refreshed.ExternalID, d)
		} else {
			updated, err = p.create(ctx, d)
			if err == nil {
				p.cache.Put(updated)
				result.Created = append(result.Created, updated)
				return nil
			}
		}
	}
	if err != nil {
		return err
	}
	p.cache.Put(updated)
	result.Updated = append(result.Updated, updated)
	return nil
}

func (p *Provider) create(ctx context.Context, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	if p.cfg.DryRun {
		p.logger.Info("dry-run: would create record", slog.String("record", d.String()))
		return dnsrecord.ProviderRecord{Desired: d, ExternalID: "dry-run"}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	rec, err := p.api.CreateRecord(ctx, d)
	if err != nil {
		return dnsrecord.ProviderRecord{}, err
	}
	p.logger.Info("created record",
		slog.String("type", string(d.Type)),
		slog.String("name", d.Name),
		slog.String("content", d.Content),
	)
	return rec, nil
}

func (p *Provider) update(ctx context.Context, externalID string, d dnsrecord.Desired) (dnsrecord.ProviderRecord, error) {
	if p.cfg.DryRun {
		p.logger.Info("dry-run: would update record", slog.String("record", d.String()))
		return dnsrecord.ProviderRecord{Desired: d, ExternalID: externalID}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	rec, err := p.api.UpdateRecord(ctx, externalID, d)
	if err != nil {
		return dnsrecord.ProviderRecord{}, err
	}
	p.logger.Info("updated record",
		slog.String("type", string(d.Type)),
		slog.String("name", d.Name),
		slog.String("content", d.Content),
	)
	return rec, nil
}

// DeleteRecord removes a remote record. NotFound is success: the desired
// end state is "record gone".
func (p *Provider) DeleteRecord(ctx context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.DryRun {
		p.logger.Info("dry-run: would delete record", slog.String("external_id", externalID))
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	err := p.api.DeleteRecord(ctx, externalID)
	if err != nil && !IsNotFound(err) {
		return err
	}
	p.cache.Remove(externalID)
	return nil
}
