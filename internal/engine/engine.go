// Package engine drives reconciliation passes: discovered hostnames flow
// through intent extraction and routing into per-provider batches, results
// land in the tracked-record repository, and orphaned records are cleaned
// up after a grace period.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/intent"
	"github.com/trafegodns/trafegodns/internal/router"
	"github.com/trafegodns/trafegodns/internal/state"
	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
	"github.com/trafegodns/trafegodns/pkg/provider"
)

// Settings is the slice of the settings store the engine reads.
type Settings interface {
	Get(key string) string
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	GetList(key string) []string
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	Created  int
	Updated  int
	Deleted  int
	UpToDate int
	Errors   int
	Skipped  int
	Total    int
}

// Engine is the reconciliation core. Passes are serialized: a tick that
// arrives while a pass runs waits for it.
type Engine struct {
	repo      *state.Repository
	registry  *provider.Registry
	router    *router.Router
	extractor *intent.Extractor
	settings  Settings
	bus       *bus.Bus
	logger    *slog.Logger

	mu sync.Mutex

	// lastErrors remembers the last logged error per subject so a condition
	// that persists across passes is warned about once, not every pass.
	lastErrors map[string]string
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBus attaches the event bus; the engine then publishes record and
// sync events.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// New creates an engine.
func New(repo *state.Repository, registry *provider.Registry, rt *router.Router, ex *intent.Extractor, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		repo:       repo,
		registry:   registry,
		router:     rt,
		extractor:  ex,
		settings:   settings,
		logger:     slog.Default(),
		lastErrors: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// batch collects the desired records bound for one provider within a pass,
// remembering which discovery source produced each record key.
type batch struct {
	p       *provider.Provider
	desired []dnsrecord.Desired
	sources map[string]string
	result  provider.BatchResult
}

func (b *batch) add(d dnsrecord.Desired, source string) {
	b.desired = append(b.desired, d)
	b.sources[d.Key()] = source
}

// ProcessHostnames runs one reconciliation pass over the discovered
// hostname set. source is the discovery path ("proxy" or "direct") recorded
// on new tracked rows. Managed hostnames from the repository are ensured on
// every pass regardless of discovery.
func (e *Engine) ProcessHostnames(ctx context.Context, hostnames []string, labels map[string]map[string]string, source string) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var stats Stats
	batches := make(map[string]*batch)

	batchFor := func(p *provider.Provider) *batch {
		b, ok := batches[p.Name()]
		if !ok {
			b = &batch{p: p, sources: make(map[string]string)}
			batches[p.Name()] = b
		}
		return b
	}

	e.queueManaged(batches, batchFor, &stats)

	for _, hostname := range hostnames {
		hostname = dnsrecord.Normalize(hostname)
		stats.Total++

		targets := e.router.Resolve(hostname, labels[hostname])
		if len(targets) == 0 {
			stats.Skipped++
			continue
		}
		for _, p := range targets {
			errKey := "extract/" + hostname + "/" + p.Name()
			res, err := e.extractor.Extract(hostname, labels[hostname], p.Zone())
			if err != nil {
				stats.Errors++
				e.warnDedup(errKey, err.Error(), "hostname failed intent extraction",
					slog.String("hostname", hostname),
					slog.String("provider", p.Name()),
					slog.String("error", err.Error()),
				)
				continue
			}
			delete(e.lastErrors, errKey)
			if res.Skip {
				stats.Skipped++
				e.logger.Debug("hostname skipped",
					slog.String("hostname", hostname),
					slog.String("reason", res.Reason),
				)
				continue
			}
			if !res.Managed {
				stats.Skipped++
				continue
			}
			// No zone check here: the router already zone-matches where the
			// mode asks for it, and fallback or label routing may legitimately
			// target a provider whose zone does not contain the hostname. The
			// provider is the authority on what it can host.
			batchFor(p).add(res.Record, source)
		}
	}

	e.runBatches(ctx, batches)

	if e.settings.GetBool("DRY_RUN") {
		// Providers only logged their would-be mutations; keep the
		// repository and the orphan state untouched as well.
		e.tallyBatches(batches, &stats)
	} else {
		active := e.commitBatches(batches, &stats)
		if e.settings.GetBool("CLEANUP_ORPHANED") {
			stats.Deleted = e.cleanupOrphans(ctx, batches, active)
		}
	}

	duration := time.Since(start)
	logPass := e.logger.Info
	if stats.Created+stats.Updated+stats.Deleted+stats.Errors == 0 {
		// Nothing changed; keep steady-state passes out of the default log.
		logPass = e.logger.Debug
	}
	logPass("reconciliation pass complete",
		slog.Int("total", stats.Total),
		slog.Int("created", stats.Created),
		slog.Int("updated", stats.Updated),
		slog.Int("deleted", stats.Deleted),
		slog.Int("up_to_date", stats.UpToDate),
		slog.Int("skipped", stats.Skipped),
		slog.Int("errors", stats.Errors),
		slog.Duration("duration", duration),
	)
	if stats.Created+stats.Updated+stats.Deleted > 0 {
		e.publish(bus.TopicRecordsUpdated, bus.RecordsUpdated{
			Created: stats.Created,
			Updated: stats.Updated,
			Deleted: stats.Deleted,
		})
	}
	e.publish(bus.TopicSyncCompleted, bus.SyncStats{
		Created:  stats.Created,
		Updated:  stats.Updated,
		UpToDate: stats.UpToDate,
		Errors:   stats.Errors,
		Skipped:  stats.Skipped,
		Total:    stats.Total,
		Duration: duration,
	})
	return stats
}

// queueManaged pushes the externally configured managed hostnames into
// their providers' batches.
func (e *Engine) queueManaged(batches map[string]*batch, batchFor func(*provider.Provider) *batch, stats *Stats) {
	for _, m := range e.repo.ListManaged() {
		stats.Total++
		var p *provider.Provider
		var ok bool
		if m.Provider != "" {
			p, ok = e.registry.Get(m.Provider)
		} else {
			p, ok = e.registry.Default()
		}
		if !ok || !p.Enabled() {
			stats.Skipped++
			e.warnDedup("managed/"+m.Hostname, m.Provider, "managed hostname has no usable provider",
				slog.String("hostname", m.Hostname),
				slog.String("provider", m.Provider),
			)
			continue
		}
		delete(e.lastErrors, "managed/"+m.Hostname)
		batchFor(p).add(m.Record, state.SourceManaged)
	}
}

// runBatches calls BatchEnsure on every provider batch concurrently.
func (e *Engine) runBatches(ctx context.Context, batches map[string]*batch) {
	g, ctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			b.result = b.p.BatchEnsure(ctx, b.desired)
			return nil
		})
	}
	g.Wait()
}

// tallyBatches accumulates stats without touching the repository, for
// dry-run passes.
func (e *Engine) tallyBatches(batches map[string]*batch, stats *Stats) {
	for _, b := range batches {
		stats.Created += len(b.result.Created)
		stats.Updated += len(b.result.Updated)
		stats.UpToDate += len(b.result.Unchanged)
		for _, recErr := range b.result.Errors {
			if recErr.Kind == provider.KindSkipped || recErr.Kind == provider.KindCancelled {
				stats.Skipped++
			} else {
				stats.Errors++
			}
		}
	}
}

// commitBatches writes batch outcomes to the repository, one transaction
// per provider, publishes record events and accumulates stats. It returns
// the set of hostnames actually ensured, bucketed per provider id, for
// orphan cleanup.
func (e *Engine) commitBatches(batches map[string]*batch, stats *Stats) map[string]map[string]struct{} {
	now := time.Now().UTC()
	active := make(map[string]map[string]struct{})

	for _, b := range batches {
		res := b.result
		stats.Created += len(res.Created)
		stats.Updated += len(res.Updated)
		stats.UpToDate += len(res.Unchanged)
		for _, recErr := range res.Errors {
			if recErr.Kind == provider.KindSkipped || recErr.Kind == provider.KindCancelled {
				stats.Skipped++
			} else {
				stats.Errors++
			}
		}

		ensured := make(map[string]struct{})
		err := e.repo.Transact(func(tx *state.Tx) error {
			upsert := func(recs []dnsrecord.ProviderRecord) {
				for _, rec := range recs {
					src := b.sources[rec.Key()]
					if src == "" {
						src = state.SourceDiscovered
					}
					tx.Upsert(state.TrackedRecord{
						ProviderID:   b.p.ID(),
						ExternalID:   rec.ExternalID,
						Record:       rec.Desired,
						Source:       src,
						Managed:      true,
						LastSyncedAt: now,
					})
					ensured[dnsrecord.Normalize(rec.Name)] = struct{}{}
				}
			}
			upsert(res.Created)
			upsert(res.Updated)
			upsert(res.Unchanged) // adopts rows the repository has never seen
			return nil
		})
		if err != nil {
			stats.Errors++
			e.logger.Error("persisting batch results failed",
				slog.String("provider", b.p.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		active[b.p.ID()] = ensured

		for _, rec := range res.Created {
			e.publish(bus.TopicRecordCreated, bus.RecordEvent{Provider: b.p.Name(), Zone: b.p.Zone(), Record: rec.Desired})
		}
		for _, rec := range res.Updated {
			e.publish(bus.TopicRecordUpdated, bus.RecordEvent{Provider: b.p.Name(), Zone: b.p.Zone(), Record: rec.Desired})
		}
		if len(res.Created)+len(res.Updated) > 0 {
			e.publish(bus.TopicRecordsUpdated, bus.RecordsUpdated{
				Provider: b.p.Name(),
				Created:  len(res.Created),
				Updated:  len(res.Updated),
			})
		}
	}
	return active
}

// cleanupOrphans runs the orphan coordinator over every provider that took
// part in this pass. Returns the number of records deleted.
func (e *Engine) cleanupOrphans(ctx context.Context, batches map[string]*batch, active map[string]map[string]struct{}) int {
	patterns := e.preservedPatterns()
	grace := e.settings.GetDuration("CLEANUP_GRACE_PERIOD")

	deleted := 0
	coordinator := newOrphanCoordinator(e.repo, e.bus, e.logger)
	for _, p := range e.registry.Enabled() {
		ensured := active[p.ID()]
		if _, batched := batches[p.Name()]; batched && ensured == nil {
			// The batch never committed; orphaning on stale data could
			// delete live records.
			continue
		}
		deleted += coordinator.run(ctx, p, ensured, patterns, time.Now().UTC(), grace)
	}
	return deleted
}

// preservedPatterns merges the configured preserved hostnames with the
// repository's persisted ones.
func (e *Engine) preservedPatterns() []string {
	patterns := e.repo.ListPreserved()
	for _, p := range e.settings.GetList("PRESERVED_HOSTNAMES") {
		p = dnsrecord.Normalize(p)
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

func (e *Engine) publish(topic bus.Topic, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

// warnDedup logs at Warn the first time key fails with detail, and at Debug
// while the identical failure keeps repeating. Caller holds e.mu.
func (e *Engine) warnDedup(key, detail, msg string, args ...any) {
	if e.lastErrors[key] == detail {
		e.logger.Debug(msg, args...)
		return
	}
	e.lastErrors[key] = detail
	e.logger.Warn(msg, args...)
}
