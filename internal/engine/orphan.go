package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/state"
	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
	"github.com/trafegodns/trafegodns/pkg/provider"
)

// orphanCoordinator applies the orphan lifecycle to one provider's tracked
// records after a pass: records no longer discovered are marked, marked
// records that reappear are reactivated, preserved records are left alone,
// and records marked longer than the grace period are deleted remotely and
// dropped from the repository.
//
// Deletion requires the full grace period to have elapsed since the mark.
// With a zero grace period a record is deleted in the same pass that marked
// it.
type orphanCoordinator struct {
	repo   *state.Repository
	bus    *bus.Bus
	logger *slog.Logger
}

func newOrphanCoordinator(repo *state.Repository, b *bus.Bus, logger *slog.Logger) *orphanCoordinator {
	return &orphanCoordinator{repo: repo, bus: b, logger: logger}
}

// run applies the lifecycle to one provider and returns how many expired
// records it deleted.
func (c *orphanCoordinator) run(ctx context.Context, p *provider.Provider, active map[string]struct{}, patterns []string, now time.Time, grace time.Duration) int {
	// Only discovery-sourced managed rows take part; managed hostnames and
	// API-created records are never orphaned by discovery.
	records := c.repo.ListByProvider(p.ID(), state.SourceProxy, state.SourceDirect)

	var expired []state.TrackedRecord
	err := c.repo.Transact(func(tx *state.Tx) error {
		for _, rec := range records {
			if !rec.Managed {
				continue
			}
			hostname := dnsrecord.Normalize(rec.Record.Name)

			if _, ok := active[hostname]; ok {
				if rec.Orphaned() {
					if err := tx.ClearOrphan(rec.ID); err != nil {
						return err
					}
					c.logger.Info("orphaned record reactivated",
						slog.String("provider", p.Name()),
						slog.String("hostname", hostname),
					)
				}
				continue
			}
			if state.MatchesPreserved(hostname, patterns) {
				if rec.Orphaned() {
					if err := tx.ClearOrphan(rec.ID); err != nil {
						return err
					}
				}
				c.logger.Debug("record preserved",
					slog.String("provider", p.Name()),
					slog.String("hostname", hostname),
				)
				continue
			}
			if !rec.Orphaned() {
				if err := tx.MarkOrphan(rec.ID, now); err != nil {
					return err
				}
				markedAt := now
				rec.OrphanedAt = &markedAt
				c.logger.Info("record marked orphaned",
					slog.String("provider", p.Name()),
					slog.String("hostname", hostname),
					slog.Duration("grace_period", grace),
				)
				c.publish(bus.TopicRecordOrphaned, bus.RecordEvent{
					Provider: p.Name(), Zone: p.Zone(), Record: rec.Record,
				})
			}
			// A fresh mark falls through so a zero grace period deletes in
			// the marking pass.
			if !rec.OrphanedAt.After(now.Add(-grace)) {
				expired = append(expired, rec)
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Error("orphan bookkeeping failed",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
		)
		return 0
	}

	deleted := 0
	for _, rec := range expired {
		if err := p.DeleteRecord(ctx, rec.ExternalID); err != nil {
			// Left for the next pass.
			c.logger.Warn("deleting orphaned record failed",
				slog.String("provider", p.Name()),
				slog.String("hostname", rec.Record.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := c.repo.Delete(rec.ID); err != nil && err != state.ErrNotFound {
			c.logger.Warn("dropping tracked record failed",
				slog.String("hostname", rec.Record.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deleted++
		c.logger.Info("orphaned record deleted",
			slog.String("provider", p.Name()),
			slog.String("hostname", rec.Record.Name),
		)
		c.publish(bus.TopicRecordDeleted, bus.RecordEvent{
			Provider: p.Name(), Zone: p.Zone(), Record: rec.Record,
		})
	}
	if deleted > 0 {
		c.publish(bus.TopicRecordsUpdated, bus.RecordsUpdated{Provider: p.Name(), Deleted: deleted})
	}
	return deleted
}

func (c *orphanCoordinator) publish(topic bus.Topic, payload any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}
