// Package docker watches the container engine: it maintains an in-memory
// index of running containers and their labels, publishes container
// lifecycle events, and in direct mode derives the hostname set from
// container labels alone.
package docker

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/trafegodns/trafegodns/internal/bus"
)

// Intervals for event handling.
const (
	// DefaultDebounce is how long to wait for further events before
	// refreshing, so a deployment restarting ten containers causes one
	// refresh instead of ten.
	DefaultDebounce = 2 * time.Second

	// DefaultReconnect is the wait before re-opening a failed event
	// stream.
	DefaultReconnect = 5 * time.Second
)

// routerLabelPrefix is the prefix of Traefik HTTP router labels on
// containers.
const routerLabelPrefix = "traefik.http.routers."

// Settings is the slice of the settings store the monitor reads.
type Settings interface {
	Get(key string) string
	GetBool(key string) bool
}

// API is the slice of the Docker engine client the monitor uses.
type API interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// containerInfo is one entry of the label index.
type containerInfo struct {
	name   string
	labels map[string]string
}

// Monitor tracks containers and their labels. The index survives engine
// outages: transport failures keep the last-known state and reconnect with
// backoff.
type Monitor struct {
	settings  Settings
	bus       *bus.Bus
	api       API
	logger    *slog.Logger
	debounce  time.Duration
	reconnect time.Duration
	onChange  func()

	mu         sync.RWMutex
	containers map[string]containerInfo
	timer      *time.Timer
}

// Option is a functional option for configuring the Monitor.
type Option func(*Monitor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithAPI replaces the engine client, for tests.
func WithAPI(api API) Option {
	return func(m *Monitor) {
		m.api = api
	}
}

// WithOnChange sets a callback fired after every debounced refresh. The
// Traefik monitor hooks its poll here so container churn shortens the
// polling latency.
func WithOnChange(fn func()) Option {
	return func(m *Monitor) {
		m.onChange = fn
	}
}

// WithDebounce overrides the event debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) {
		m.debounce = d
	}
}

// NewMonitor creates a container monitor. Without WithAPI it connects to
// the engine socket named by DOCKER_SOCKET.
func NewMonitor(settings Settings, b *bus.Bus, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		settings:   settings,
		bus:        b,
		logger:     slog.Default(),
		debounce:   DefaultDebounce,
		reconnect:  DefaultReconnect,
		containers: make(map[string]containerInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.api == nil {
		cli, err := client.NewClientWithOpts(
			client.WithHost(settings.Get("DOCKER_SOCKET")),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, err
		}
		m.api = cli
	}
	return m, nil
}

// Start loads the initial container set and, when WATCH_DOCKER_EVENTS is
// set, follows the engine's event stream until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("initial container listing failed", slog.String("error", err.Error()))
	}
	m.notify()

	if !m.settings.GetBool("WATCH_DOCKER_EVENTS") {
		m.logger.Info("docker event watching disabled")
		return
	}

	for {
		if err := m.watch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("docker event stream error, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", m.reconnect),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.reconnect):
			}
		}
	}
}

func (m *Monitor) watch(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("type", string(events.ContainerEventType))
	for _, action := range []string{"start", "stop", "die", "destroy"} {
		filterArgs.Add("event", action)
	}

	eventsChan, errChan := m.api.Events(ctx, events.ListOptions{Filters: filterArgs})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			return err
		case ev := <-eventsChan:
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Monitor) handleEvent(ctx context.Context, ev events.Message) {
	name := ev.Actor.Attributes["name"]
	m.logger.Debug("docker event",
		slog.String("action", string(ev.Action)),
		slog.String("container", name),
	)

	payload := bus.ContainerEvent{ID: ev.Actor.ID, Name: name}
	switch ev.Action {
	case "start":
		m.bus.Publish(bus.TopicContainerStarted, payload)
	case "stop", "die":
		m.bus.Publish(bus.TopicContainerStopped, payload)
	case "destroy":
		m.bus.Publish(bus.TopicContainerDestroyed, payload)
	}

	// Debounce: rebuild the index once the burst settles.
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		if err := m.Refresh(ctx); err != nil {
			m.logger.Warn("container refresh failed", slog.String("error", err.Error()))
			return
		}
		m.notify()
	})
	m.mu.Unlock()
}

// Refresh rebuilds the container index from a full listing. On failure the
// previous index is kept.
func (m *Monitor) Refresh(ctx context.Context) error {
	list, err := m.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return err
	}

	index := make(map[string]containerInfo, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		labels := make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			labels[k] = v
		}
		index[c.ID] = containerInfo{name: name, labels: labels}
	}

	m.mu.Lock()
	m.containers = index
	m.mu.Unlock()

	m.logger.Debug("container index refreshed", slog.Int("containers", len(index)))
	return nil
}

// notify publishes the direct-mode hostname set, or fires the change
// callback when another discovery source drives the engine.
func (m *Monitor) notify() {
	if m.settings.Get("OPERATION_MODE") == "direct" {
		hostnames, labels := m.DirectHostnames()
		m.bus.Publish(bus.TopicHostnamesDiscovered, bus.HostnamesDiscovered{
			Source:    "docker",
			Hostnames: hostnames,
			Labels:    labels,
		})
		return
	}
	if m.onChange != nil {
		m.onChange()
	}
}

// LabelsForRouter returns the labels of the container declaring the given
// Traefik router, or nil when no container does.
func (m *Monitor) LabelsForRouter(router string) map[string]string {
	if router == "" {
		return nil
	}
	prefix := routerLabelPrefix + router + "."

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.containers {
		for key := range c.labels {
			if strings.HasPrefix(key, prefix) {
				return copyLabels(c.labels)
			}
		}
	}
	return nil
}

// DirectHostnames derives the hostname set from "{prefix}host" labels,
// which hold one or more space- or comma-separated names. Hostnames are
// sorted for a stable set across passes.
func (m *Monitor) DirectHostnames() ([]string, map[string]map[string]string) {
	key := m.settings.Get("DNS_LABEL_PREFIX") + "host"

	m.mu.RLock()
	defer m.mu.RUnlock()

	labels := make(map[string]map[string]string)
	var hostnames []string
	for _, c := range m.containers {
		raw, ok := c.labels[key]
		if !ok {
			continue
		}
		for _, hostname := range splitHosts(raw) {
			if _, seen := labels[hostname]; seen {
				continue
			}
			hostnames = append(hostnames, hostname)
			labels[hostname] = copyLabels(c.labels)
		}
	}
	sort.Strings(hostnames)
	return hostnames, labels
}

func splitHosts(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(f), "."))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
