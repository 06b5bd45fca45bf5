package docker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"

	"github.com/trafegodns/trafegodns/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSettings map[string]string

func (f fakeSettings) Get(key string) string   { return f[key] }
func (f fakeSettings) GetBool(key string) bool { return f[key] == "true" }

type fakeAPI struct {
	mu         sync.Mutex
	containers []container.Summary
	eventsChan chan events.Message
	errChan    chan error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		eventsChan: make(chan events.Message, 8),
		errChan:    make(chan error, 1),
	}
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.Summary(nil), f.containers...), nil
}

func (f *fakeAPI) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	return f.eventsChan, f.errChan
}

func (f *fakeAPI) setContainers(cs ...container.Summary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = cs
}

func newTestMonitor(t *testing.T, settings fakeSettings, api *fakeAPI, opts ...Option) (*Monitor, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.WithLogger(testLogger()))
	t.Cleanup(b.Close)

	opts = append([]Option{WithLogger(testLogger()), WithAPI(api), WithDebounce(10 * time.Millisecond)}, opts...)
	m, err := NewMonitor(settings, b, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m, b
}

func webContainer() container.Summary {
	return container.Summary{
		ID:    "c1",
		Names: []string{"/web"},
		Labels: map[string]string{
			"traefik.http.routers.web.rule": "Host(`web.example.com`)",
			"dns.ttl":                       "120",
		},
	}
}

func TestLabelsForRouter(t *testing.T) {
	api := newFakeAPI()
	api.setContainers(webContainer())
	m, _ := newTestMonitor(t, fakeSettings{}, api)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	labels := m.LabelsForRouter("web")
	if labels["dns.ttl"] != "120" {
		t.Errorf("labels = %v", labels)
	}
	if m.LabelsForRouter("other") != nil {
		t.Error("unknown router returned labels")
	}
	if m.LabelsForRouter("") != nil {
		t.Error("empty router returned labels")
	}

	// Mutating the returned map must not poison the index.
	labels["dns.ttl"] = "tampered"
	if m.LabelsForRouter("web")["dns.ttl"] != "120" {
		t.Error("index shares label maps with callers")
	}
}

func TestDirectHostnames(t *testing.T) {
	api := newFakeAPI()
	api.setContainers(
		container.Summary{
			ID:     "c1",
			Names:  []string{"/app"},
			Labels: map[string]string{"dns.host": "App.Example.com, api.example.com extra.example.com"},
		},
		container.Summary{
			ID:     "c2",
			Names:  []string{"/other"},
			Labels: map[string]string{"some.other": "label"},
		},
	)
	m, _ := newTestMonitor(t, fakeSettings{"DNS_LABEL_PREFIX": "dns."}, api)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	hostnames, labels := m.DirectHostnames()
	want := []string{"api.example.com", "app.example.com", "extra.example.com"}
	if len(hostnames) != len(want) {
		t.Fatalf("hostnames = %v", hostnames)
	}
	for i := range want {
		if hostnames[i] != want[i] {
			t.Fatalf("hostnames = %v, want %v", hostnames, want)
		}
	}
	if labels["app.example.com"]["dns.host"] == "" {
		t.Error("container labels not attached to hostname")
	}
}

func TestEventDebounceTriggersDirectDiscovery(t *testing.T) {
	api := newFakeAPI()
	settings := fakeSettings{
		"OPERATION_MODE":      "direct",
		"DNS_LABEL_PREFIX":    "dns.",
		"WATCH_DOCKER_EVENTS": "true",
	}
	m, b := newTestMonitor(t, settings, api)

	discovered := make(chan bus.HostnamesDiscovered, 4)
	unsub := b.Subscribe(bus.TopicHostnamesDiscovered, "test", func(ev bus.Event) {
		discovered <- ev.Payload.(bus.HostnamesDiscovered)
	})
	defer unsub()

	started := make(chan bus.ContainerEvent, 4)
	unsubStart := b.Subscribe(bus.TopicContainerStarted, "test", func(ev bus.Event) {
		started <- ev.Payload.(bus.ContainerEvent)
	})
	defer unsubStart()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	// The initial empty listing publishes an empty set.
	select {
	case got := <-discovered:
		if len(got.Hostnames) != 0 {
			t.Fatalf("initial hostnames = %v", got.Hostnames)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial discovery")
	}

	api.setContainers(container.Summary{
		ID:     "c9",
		Names:  []string{"/app"},
		Labels: map[string]string{"dns.host": "app.example.com"},
	})
	api.eventsChan <- events.Message{
		Type:   events.ContainerEventType,
		Action: "start",
		Actor:  events.Actor{ID: "c9", Attributes: map[string]string{"name": "app"}},
	}

	select {
	case ev := <-started:
		if ev.ID != "c9" || ev.Name != "app" {
			t.Errorf("container event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no container started event")
	}

	select {
	case got := <-discovered:
		if len(got.Hostnames) != 1 || got.Hostnames[0] != "app.example.com" {
			t.Errorf("hostnames = %v", got.Hostnames)
		}
		if got.Source != "docker" {
			t.Errorf("source = %q", got.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no discovery after container start")
	}
}

func TestSplitHosts(t *testing.T) {
	got := splitHosts("A.com, b.com  c.com,")
	want := []string{"a.com", "b.com", "c.com"}
	if len(got) != len(want) {
		t.Fatalf("splitHosts = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitHosts = %v, want %v", got, want)
		}
	}
}
