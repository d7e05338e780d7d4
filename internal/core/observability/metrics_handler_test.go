package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("metrics scrape: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	return string(b)
}

func TestMetrics_JobAndAdapterSmoke(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	ObserveAdapterRequest("arcgis", nil, 0.05)
	ObserveAdapterRequest("arcgis", errors.New("boom"), 0.5)
	ObserveJob("download", "completed", 2*time.Second)
	SetQueueDepth("downloads", 7)

	body := scrape(t, reg)
	if !strings.Contains(body, `adapter_requests_total{outcome="ok",provider="arcgis"} 1`) {
		t.Fatalf("missing successful adapter request sample:\n%s", body)
	}
	if !strings.Contains(body, `adapter_requests_total{outcome="error",provider="arcgis"} 1`) {
		t.Fatalf("missing failed adapter request sample:\n%s", body)
	}
	if !strings.Contains(body, `jobs_total{kind="download",outcome="completed"} 1`) {
		t.Fatalf("missing job sample:\n%s", body)
	}
	if !strings.Contains(body, `job_queue_depth{queue="downloads"} 7`) {
		t.Fatalf("missing queue depth sample:\n%s", body)
	}
}

func TestMetrics_StorageAndChangeDetection(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	ObserveStorageBatch("spatialdb", 4096)
	ObserveStorageBatch("spatialdb", 0)
	ObserveChangeCheck("arcgis_edit_date", true)
	IncDatasetUpsert(true)
	IncDatasetUpsert(false)

	body := scrape(t, reg)
	if !strings.Contains(body, `storage_batch_commits_total{backend="spatialdb"} 2`) {
		t.Fatalf("missing batch commit sample:\n%s", body)
	}
	if !strings.Contains(body, `storage_write_bytes_total{backend="spatialdb"} 4096`) {
		t.Fatalf("missing write bytes sample:\n%s", body)
	}
	if !strings.Contains(body, `change_checks_total{method="arcgis_edit_date",result="changed"} 1`) {
		t.Fatalf("missing change-check sample:\n%s", body)
	}
	if !strings.Contains(body, `dataset_upserts_total{kind="new"} 1`) ||
		!strings.Contains(body, `dataset_upserts_total{kind="updated"} 1`) {
		t.Fatalf("missing dataset upsert samples:\n%s", body)
	}
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, false)

	ObserveJob("crawl", "completed", time.Second) // must not panic on nil collectors
	if Enabled() {
		t.Fatalf("expected disabled")
	}
}
