package observability

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	xx "github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

func Init(r prometheus.Registerer, isEnabled bool) {
	enabled.Store(isEnabled)
	if !isEnabled || r == nil {
		return
	}
	initCollectors(r)
}

func Enabled() bool { return enabled.Load() }

var (
	adapterRequestsTotal         *prometheus.CounterVec
	adapterRequestDurationSecond *prometheus.HistogramVec
	jobsTotal                    *prometheus.CounterVec
	jobDurationSeconds           *prometheus.HistogramVec
	jobQueueDepth                *prometheus.GaugeVec
	storageBatchCommitsTotal     *prometheus.CounterVec
	storageWriteBytesTotal       *prometheus.CounterVec
	changeChecksTotal            *prometheus.CounterVec
	chunkRetriesTotal            *prometheus.CounterVec
	datasetUpsertsTotal          *prometheus.CounterVec
	proxyResolutionsTotal        *prometheus.CounterVec
	exportsTotal                 *prometheus.CounterVec
)

func initCollectors(r prometheus.Registerer) {
	adapterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adapter_requests_total",
			Help: "Outbound provider-adapter HTTP requests by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	adapterRequestDurationSecond = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adapter_request_duration_seconds",
			Help:    "Latency of provider-adapter HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"provider"},
	)
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Completed jobs by kind and terminal outcome.",
		},
		[]string{"kind", "outcome"},
	)
	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "End-to-end job duration by kind and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		},
		[]string{"kind", "outcome"},
	)
	jobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Approximate pending length of a named job queue.",
		},
		[]string{"queue"},
	)
	storageBatchCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_batch_commits_total",
			Help: "Batch commits issued by a storage backend.",
		},
		[]string{"backend"},
	)
	storageWriteBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_write_bytes_total",
			Help: "Bytes written by a storage backend.",
		},
		[]string{"backend"},
	)
	changeChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_checks_total",
			Help: "Change-detection probes by method and result.",
		},
		[]string{"method", "result"},
	)
	chunkRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_chunk_retries_total",
			Help: "Chunk-level task retries by reason.",
		},
		[]string{"reason"},
	)
	datasetUpsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataset_upserts_total",
			Help: "Dataset rows inserted or updated during a crawl.",
		},
		[]string{"kind"}, // "new" | "updated"
	)
	proxyResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_resolutions_total",
			Help: "Proxy Manager resolutions by provider name and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exports_total",
			Help: "Completed export jobs by output format and outcome.",
		},
		[]string{"format", "outcome"},
	)

	r.MustRegister(
		adapterRequestsTotal, adapterRequestDurationSecond,
		jobsTotal, jobDurationSeconds, jobQueueDepth,
		storageBatchCommitsTotal, storageWriteBytesTotal,
		changeChecksTotal, chunkRetriesTotal, datasetUpsertsTotal,
		proxyResolutionsTotal, exportsTotal,
	)
}

func ExposeBuildInfo(_ string) {}

func ObserveAdapterRequest(provider string, err error, durationSeconds float64) {
	if !enabled.Load() || adapterRequestsTotal == nil {
		return
	}
	outcome := classifyErr(err)
	adapterRequestsTotal.WithLabelValues(provider, outcome).Inc()
	adapterRequestDurationSecond.WithLabelValues(provider).Observe(durationSeconds)
}

func ObserveJob(kind, outcome string, dur time.Duration) {
	if !enabled.Load() || jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(kind, outcome).Inc()
	jobDurationSeconds.WithLabelValues(kind, outcome).Observe(dur.Seconds())
}

func SetQueueDepth(queue string, n int64) {
	if !enabled.Load() || jobQueueDepth == nil {
		return
	}
	jobQueueDepth.WithLabelValues(queue).Set(float64(n))
}

func ObserveStorageBatch(backend string, bytesWritten int64) {
	if !enabled.Load() || storageBatchCommitsTotal == nil {
		return
	}
	storageBatchCommitsTotal.WithLabelValues(backend).Inc()
	if bytesWritten > 0 {
		storageWriteBytesTotal.WithLabelValues(backend).Add(float64(bytesWritten))
	}
}

func ObserveChangeCheck(method string, changed bool) {
	if !enabled.Load() || changeChecksTotal == nil {
		return
	}
	result := "unchanged"
	if changed {
		result = "changed"
	}
	changeChecksTotal.WithLabelValues(method, result).Inc()
}

func IncChunkRetry(reason string) {
	if !enabled.Load() || chunkRetriesTotal == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	chunkRetriesTotal.WithLabelValues(reason).Inc()
}

func IncDatasetUpsert(isNew bool) {
	if !enabled.Load() || datasetUpsertsTotal == nil {
		return
	}
	kind := "updated"
	if isNew {
		kind = "new"
	}
	datasetUpsertsTotal.WithLabelValues(kind).Inc()
}

func IncProxyResolution(provider string, resolved bool) {
	if !enabled.Load() || proxyResolutionsTotal == nil {
		return
	}
	outcome := "miss"
	if resolved {
		outcome = "hit"
	}
	proxyResolutionsTotal.WithLabelValues(provider, outcome).Inc()
}

func ObserveExport(format string, err error) {
	if !enabled.Load() || exportsTotal == nil {
		return
	}
	exportsTotal.WithLabelValues(format, classifyErr(err)).Inc()
}

func classifyErr(err error) string {
	if err == nil {
		return "ok"
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// shortHash limits cardinality on labels derived from free-form strings
// (e.g. dataset/job IDs), mirroring the cell-hash pattern used elsewhere
// in this corpus for sampled gauges.
func shortHash(s string) string {
	const width = 8
	h := xx.Sum64String(s) >> 32
	str := strconv.FormatUint(h, 16)
	if len(str) >= width {
		return str[len(str)-width:]
	}
	var b [width]byte
	pad := width - len(str)
	for i := range pad {
		b[i] = '0'
	}
	copy(b[pad:], str)
	return string(b[:])
}
