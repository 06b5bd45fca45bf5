package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/pkg/dnsrecord"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildInfo(t *testing.T) {
	m := New("v1.2.3", "2026-08-24")

	value := testutil.ToFloat64(m.buildInfo.WithLabelValues("v1.2.3", "2026-08-24"))
	if value != 1 {
		t.Errorf("build_info = %f, want 1", value)
	}
}

func TestBusFeedsCounters(t *testing.T) {
	m := New("dev", "unknown")
	b := bus.New(bus.WithLogger(testLogger()))
	defer b.Close()
	unbind := m.Bind(b)
	defer unbind()

	rec := dnsrecord.Desired{Type: dnsrecord.TypeA, Name: "web.example.com", Content: "10.0.0.1", TTL: 300}
	b.Publish(bus.TopicRecordCreated, bus.RecordEvent{Provider: "cf", Record: rec})
	b.Publish(bus.TopicRecordCreated, bus.RecordEvent{Provider: "cf", Record: rec})
	b.Publish(bus.TopicRecordUpdated, bus.RecordEvent{Provider: "cf", Record: rec})
	b.Publish(bus.TopicRecordDeleted, bus.RecordEvent{Provider: "r53", Record: rec})
	b.Publish(bus.TopicRecordOrphaned, bus.RecordEvent{Provider: "cf", Record: rec})
	b.Publish(bus.TopicSyncCompleted, bus.SyncStats{Total: 7, Errors: 2, Duration: 40 * time.Millisecond})

	// Bus delivery is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(m.hostnames) == 7 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := testutil.ToFloat64(m.recordsCreated.WithLabelValues("cf")); got != 2 {
		t.Errorf("created{cf} = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.recordsUpdated.WithLabelValues("cf")); got != 1 {
		t.Errorf("updated{cf} = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.recordsDeleted.WithLabelValues("r53")); got != 1 {
		t.Errorf("deleted{r53} = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.recordsOrphaned.WithLabelValues("cf")); got != 1 {
		t.Errorf("orphaned{cf} = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.syncErrors); got != 2 {
		t.Errorf("sync_errors = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.hostnames); got != 7 {
		t.Errorf("hostnames = %f, want 7", got)
	}
}

func TestHandlerServesNamespace(t *testing.T) {
	m := New("dev", "unknown")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, Namespace+"_build_info") {
		t.Errorf("exposition missing %s_build_info:\n%s", Namespace, body[:min(len(body), 400)])
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
