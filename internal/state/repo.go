package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

// stateFile is the name of the persisted state file under the configuration
// directory.
const stateFile = "trafegodns.json"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("state: not found")

// fileState is the on-disk layout.
type fileState struct {
	Version            int                   `json:"version"`
	Providers          []providerJSON        `json:"providers"`
	DNSRecords         []trackedRecordJSON   `json:"dns_records"`
	PreservedHostnames []string              `json:"preserved_hostnames"`
	ManagedHostnames   []managedHostnameJSON `json:"managed_hostnames"`
	Tunnels            []tunnelJSON          `json:"tunnels"`
	TunnelIngressRules []ingressRouteJSON    `json:"tunnel_ingress_rules"`
}

const fileVersion = 1

// Repository is the durable store. All writes flow through Transact so a
// provider batch either lands completely or not at all; plain mutators are
// single-operation transactions. Reads copy out of the in-memory image and
// never touch the disk.
type Repository struct {
	path   string
	lock   *Lock
	logger *slog.Logger

	mu    sync.RWMutex
	state fileState
}

// RepoOption is a functional option for configuring the Repository.
type RepoOption func(*Repository)

// WithRepoLogger sets a custom logger.
func WithRepoLogger(logger *slog.Logger) RepoOption {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Open loads (or creates) the state file under configDir and takes the
// advisory process lock. Callers must Close to release the lock.
func Open(configDir string, opts ...RepoOption) (*Repository, error) {
	r := &Repository{
		path:   filepath.Join(configDir, stateFile),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	lock, err := AcquireLock(filepath.Join(configDir, stateFile+".lock"), WithLockLogger(r.logger))
	if err != nil {
		return nil, err
	}
	r.lock = lock

	if err := r.load(); err != nil {
		lock.Release()
		return nil, err
	}
	return r, nil
}

// Close releases the advisory lock.
func (r *Repository) Close() error {
	if r.lock != nil {
		return r.lock.Release()
	}
	return nil
}

func (r *Repository) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.state = fileState{Version: fileVersion}
			return nil
		}
		return fmt.Errorf("reading state file: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parsing %s: %w", r.path, err)
	}
	if st.Version == 0 {
		st.Version = fileVersion
	}
	r.state = st
	return nil
}

// save writes the state atomically. Caller holds r.mu.
func save(path string, st fileState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cloneState(st fileState) fileState {
	out := st
	out.Providers = append([]providerJSON(nil), st.Providers...)
	out.DNSRecords = append([]trackedRecordJSON(nil), st.DNSRecords...)
	out.PreservedHostnames = append([]string(nil), st.PreservedHostnames...)
	out.ManagedHostnames = append([]managedHostnameJSON(nil), st.ManagedHostnames...)
	out.Tunnels = append([]tunnelJSON(nil), st.Tunnels...)
	out.TunnelIngressRules = append([]ingressRouteJSON(nil), st.TunnelIngressRules...)
	return out
}

// Tx is a mutable view of the repository inside one transaction. Mutations
// apply to a private copy; they become visible and durable only when the
// transaction function returns nil.
type Tx struct {
	state *fileState
}

// Transact runs fn against a private copy of the state. If fn returns nil
// the copy is persisted and swapped in; any error (from fn or from the
// write) discards every pending change and leaves the in-memory image
// untouched.
func (r *Repository) Transact(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	working := cloneState(r.state)
	if err := fn(&Tx{state: &working}); err != nil {
		return err
	}
	if err := save(r.path, working); err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}
	r.state = working
	return nil
}

// --- tracked records ---

// Upsert inserts or merges a tracked record on (ProviderID, ExternalID).
func (tx *Tx) Upsert(rec TrackedRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Record.Name = dnsrecord.Normalize(rec.Record.Name)
	row := toJSON(rec)
	for i, existing := range tx.state.DNSRecords {
		if existing.ProviderID == rec.ProviderID && existing.ExternalID == rec.ExternalID {
			row.ID = existing.ID
			tx.state.DNSRecords[i] = row
			return
		}
	}
	tx.state.DNSRecords = append(tx.state.DNSRecords, row)
}

// MarkOrphan stamps a record's orphan timestamp.
func (tx *Tx) MarkOrphan(id string, at time.Time) error {
	for i, row := range tx.state.DNSRecords {
		if row.ID == id {
			tx.state.DNSRecords[i].OrphanedAt = timestamp{at}
			return nil
		}
	}
	return ErrNotFound
}

// ClearOrphan clears a record's orphan timestamp.
func (tx *Tx) ClearOrphan(id string) error {
	for i, row := range tx.state.DNSRecords {
		if row.ID == id {
			tx.state.DNSRecords[i].OrphanedAt = timestamp{}
			return nil
		}
	}
	return ErrNotFound
}

// Delete removes a tracked record by id.
func (tx *Tx) Delete(id string) error {
	for i, row := range tx.state.DNSRecords {
		if row.ID == id {
			tx.state.DNSRecords = append(tx.state.DNSRecords[:i], tx.state.DNSRecords[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// DeleteByProvider removes every record owned by a provider (cascade on
// provider deletion).
func (tx *Tx) DeleteByProvider(providerID string) int {
	kept := tx.state.DNSRecords[:0]
	removed := 0
	for _, row := range tx.state.DNSRecords {
		if row.ProviderID == providerID {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	tx.state.DNSRecords = kept
	return removed
}

// Upsert is the single-operation form of Tx.Upsert.
func (r *Repository) Upsert(rec TrackedRecord) error {
	return r.Transact(func(tx *Tx) error {
		tx.Upsert(rec)
		return nil
	})
}

// MarkOrphan stamps a record's orphan timestamp.
func (r *Repository) MarkOrphan(id string, at time.Time) error {
	return r.Transact(func(tx *Tx) error { return tx.MarkOrphan(id, at) })
}

// ClearOrphan clears a record's orphan timestamp.
func (r *Repository) ClearOrphan(id string) error {
	return r.Transact(func(tx *Tx) error { return tx.ClearOrphan(id) })
}

// Delete removes a tracked record.
func (r *Repository) Delete(id string) error {
	return r.Transact(func(tx *Tx) error { return tx.Delete(id) })
}

// Get returns the tracked record with the given provider and external id.
func (r *Repository) Get(providerID, externalID string) (TrackedRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, row := range r.state.DNSRecords {
		if row.ProviderID == providerID && row.ExternalID == externalID {
			return fromJSON(row), nil
		}
	}
	return TrackedRecord{}, ErrNotFound
}

// ListByProvider returns a provider's tracked records, optionally filtered
// by source. A nil filter returns everything.
func (r *Repository) ListByProvider(providerID string, sources ...string) []TrackedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []TrackedRecord
	for _, row := range r.state.DNSRecords {
		if row.ProviderID != providerID {
			continue
		}
		if len(sources) > 0 {
			matched := false
			for _, s := range sources {
				if row.Source == s {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, fromJSON(row))
	}
	return out
}

// ListAll returns every tracked record.
func (r *Repository) ListAll() []TrackedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TrackedRecord, 0, len(r.state.DNSRecords))
	for _, row := range r.state.DNSRecords {
		out = append(out, fromJSON(row))
	}
	return out
}

// --- preserved patterns ---

// ListPreserved returns the preserved hostname patterns, sorted.
func (r *Repository) ListPreserved() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.state.PreservedHostnames...)
	sort.Strings(out)
	return out
}

// AddPreserved adds a preserved pattern. Adding an existing pattern is a
// no-op.
func (r *Repository) AddPreserved(pattern string) error {
	pattern = dnsrecord.Normalize(pattern)
	if pattern == "" {
		return fmt.Errorf("empty preserved pattern")
	}
	return r.Transact(func(tx *Tx) error {
		for _, p := range tx.state.PreservedHostnames {
			if p == pattern {
				return nil
			}
		}
		tx.state.PreservedHostnames = append(tx.state.PreservedHostnames, pattern)
		return nil
	})
}

// RemovePreserved removes a preserved pattern.
func (r *Repository) RemovePreserved(pattern string) error {
	pattern = dnsrecord.Normalize(pattern)
	return r.Transact(func(tx *Tx) error {
		for i, p := range tx.state.PreservedHostnames {
			if p == pattern {
				tx.state.PreservedHostnames = append(tx.state.PreservedHostnames[:i], tx.state.PreservedHostnames[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// --- managed hostnames ---

// ListManaged returns the externally configured managed hostnames.
func (r *Repository) ListManaged() []ManagedHostname {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ManagedHostname, 0, len(r.state.ManagedHostnames))
	for _, row := range r.state.ManagedHostnames {
		m := ManagedHostname{
			Hostname: row.Hostname,
			Provider: row.Provider,
			Record: dnsrecord.Desired{
				Type:    dnsrecord.Type(row.Type),
				Name:    row.Hostname,
				Content: row.Content,
				TTL:     row.TTL,
			},
		}
		if row.Proxied != nil {
			b := bool(*row.Proxied)
			m.Record.Proxied = &b
		}
		out = append(out, m)
	}
	return out
}

// AddManaged inserts or replaces a managed hostname by name.
func (r *Repository) AddManaged(m ManagedHostname) error {
	m.Hostname = dnsrecord.Normalize(m.Hostname)
	if err := m.Record.Validate(); err != nil {
		return err
	}
	row := managedHostnameJSON{
		Hostname: m.Hostname,
		Provider: m.Provider,
		Type:     string(m.Record.Type),
		Content:  m.Record.Content,
		TTL:      m.Record.TTL,
	}
	if m.Record.Proxied != nil {
		b := numBool(*m.Record.Proxied)
		row.Proxied = &b
	}
	return r.Transact(func(tx *Tx) error {
		for i, existing := range tx.state.ManagedHostnames {
			if existing.Hostname == m.Hostname {
				tx.state.ManagedHostnames[i] = row
				return nil
			}
		}
		tx.state.ManagedHostnames = append(tx.state.ManagedHostnames, row)
		return nil
	})
}

// RemoveManaged deletes a managed hostname by name.
func (r *Repository) RemoveManaged(hostname string) error {
	hostname = dnsrecord.Normalize(hostname)
	return r.Transact(func(tx *Tx) error {
		for i, existing := range tx.state.ManagedHostnames {
			if existing.Hostname == hostname {
				tx.state.ManagedHostnames = append(tx.state.ManagedHostnames[:i], tx.state.ManagedHostnames[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// --- providers ---

// ListProviders returns all configured provider rows.
func (r *Repository) ListProviders() []ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderConfig, 0, len(r.state.Providers))
	for _, row := range r.state.Providers {
		p := row.ProviderConfig
		p.IsDefault = bool(row.IsDefaultNum)
		p.Enabled = bool(row.EnabledNum)
		out = append(out, p)
	}
	return out
}

// SaveProvider inserts or replaces a provider row by name. At most one
// provider stays marked default: marking a new default clears the old one.
func (r *Repository) SaveProvider(p ProviderConfig) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	row := providerJSON{
		ProviderConfig: p,
		IsDefaultNum:   numBool(p.IsDefault),
		EnabledNum:     numBool(p.Enabled),
	}
	return r.Transact(func(tx *Tx) error {
		if p.IsDefault {
			for i := range tx.state.Providers {
				tx.state.Providers[i].IsDefaultNum = false
			}
		}
		for i, existing := range tx.state.Providers {
			if strings.EqualFold(existing.Name, p.Name) {
				row.ID = existing.ID
				tx.state.Providers[i] = row
				return nil
			}
		}
		tx.state.Providers = append(tx.state.Providers, row)
		return nil
	})
}

// RemoveProvider deletes a provider row. Owned tracked records are removed
// only when cascade is set; otherwise the call fails while records remain.
func (r *Repository) RemoveProvider(id string, cascade bool) error {
	return r.Transact(func(tx *Tx) error {
		owned := 0
		for _, rec := range tx.state.DNSRecords {
			if rec.ProviderID == id {
				owned++
			}
		}
		if owned > 0 && !cascade {
			return fmt.Errorf("provider %s still owns %d records", id, owned)
		}
		tx.DeleteByProvider(id)
		for i, existing := range tx.state.Providers {
			if existing.ID == id {
				tx.state.Providers = append(tx.state.Providers[:i], tx.state.Providers[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
}

// --- tunnels ---

// SaveTunnel inserts or replaces a tunnel row by id.
func (r *Repository) SaveTunnel(t Tunnel) error {
	row := tunnelJSON{
		ID:        t.ID,
		Name:      t.Name,
		AccountID: t.AccountID,
		LastSeen:  timestamp{t.LastSeen},
	}
	return r.Transact(func(tx *Tx) error {
		for i, existing := range tx.state.Tunnels {
			if existing.ID == t.ID {
				tx.state.Tunnels[i] = row
				return nil
			}
		}
		tx.state.Tunnels = append(tx.state.Tunnels, row)
		return nil
	})
}

// ListTunnels returns all known tunnels.
func (r *Repository) ListTunnels() []Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tunnel, 0, len(r.state.Tunnels))
	for _, row := range r.state.Tunnels {
		out = append(out, Tunnel{
			ID:        row.ID,
			Name:      row.Name,
			AccountID: row.AccountID,
			LastSeen:  row.LastSeen.Time,
		})
	}
	return out
}

// UpsertIngress inserts or merges an ingress route on (TunnelID, Hostname).
func (tx *Tx) UpsertIngress(route IngressRoute) {
	route.Hostname = dnsrecord.Normalize(route.Hostname)
	row := ingressRouteJSON{
		TunnelID: route.TunnelID,
		Hostname: route.Hostname,
		Service:  route.Service,
		Path:     route.Path,
		Source:   route.Source,
	}
	if route.OrphanedAt != nil {
		row.OrphanedAt = timestamp{*route.OrphanedAt}
	}
	for i, existing := range tx.state.TunnelIngressRules {
		if existing.TunnelID == route.TunnelID && existing.Hostname == route.Hostname {
			tx.state.TunnelIngressRules[i] = row
			return
		}
	}
	tx.state.TunnelIngressRules = append(tx.state.TunnelIngressRules, row)
}

// DeleteIngress removes an ingress route.
func (tx *Tx) DeleteIngress(tunnelID, hostname string) error {
	hostname = dnsrecord.Normalize(hostname)
	for i, existing := range tx.state.TunnelIngressRules {
		if existing.TunnelID == tunnelID && existing.Hostname == hostname {
			tx.state.TunnelIngressRules = append(tx.state.TunnelIngressRules[:i], tx.state.TunnelIngressRules[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ListIngress returns a tunnel's ingress routes.
func (r *Repository) ListIngress(tunnelID string) []IngressRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []IngressRoute
	for _, row := range r.state.TunnelIngressRules {
		if row.TunnelID != tunnelID {
			continue
		}
		route := IngressRoute{
			TunnelID: row.TunnelID,
			Hostname: row.Hostname,
			Service:  row.Service,
			Path:     row.Path,
			Source:   row.Source,
		}
		if !row.OrphanedAt.IsZero() {
			t := row.OrphanedAt.Time
			route.OrphanedAt = &t
		}
		out = append(out, route)
	}
	return out
}
