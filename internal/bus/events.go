package bus

import (
	"time"

	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

// HostnamesDiscovered is the payload of TopicHostnamesDiscovered: the full
// set of hostnames currently visible to the active discovery source, with
// the raw labels that produced each one.
type HostnamesDiscovered struct {
	// Source names the discovery path ("traefik", "docker", "file").
	Source string

	// Hostnames is the complete current set, not a delta.
	Hostnames []string

	// Labels maps each hostname to the label set of its originating
	// container or router.
	Labels map[string]map[string]string
}

// RecordEvent is the payload of the per-record topics (created, updated,
// deleted, orphaned).
type RecordEvent struct {
	Provider string
	Zone     string
	Record   dnsrecord.Desired
}

// RecordsUpdated is the payload of TopicRecordsUpdated: one event per
// provider whose records changed, plus one pass-wide aggregate with an
// empty Provider.
type RecordsUpdated struct {
	Provider string
	Created  int
	Updated  int
	Deleted  int
}

// SyncStats summarizes one full reconciliation pass.
type SyncStats struct {
	Created  int
	Updated  int
	UpToDate int
	Errors   int
	Skipped  int
	Total    int
	Duration time.Duration
}

// ContainerEvent is the payload of the container lifecycle topics.
type ContainerEvent struct {
	ID     string
	Name   string
	Labels map[string]string
}

// TunnelEvent is the payload of the tunnel route topics.
type TunnelEvent struct {
	TunnelID string
	Hostname string
	Service  string
}

// SettingsChanged is the payload of TopicSettingsChanged.
type SettingsChanged struct {
	Key             string
	Value           string
	RestartRequired bool
}

// ErrorOccurred is the payload of TopicErrorOccurred, for surfacing
// component failures to the health endpoint without coupling to it.
type ErrorOccurred struct {
	Component string
	Err       error
}
