package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics holds all the metric instruments for the storage core.
// A nil *StorageMetrics is valid and records nothing, so components can be
// constructed without telemetry in tests and tools.
type StorageMetrics struct {
	CacheHitsCounter         metric.Int64Counter
	CacheMissesCounter       metric.Int64Counter
	CacheLoadFailuresCounter metric.Int64Counter
	CacheEvictionsCounter    metric.Int64Counter
	CacheFullCounter         metric.Int64Counter
	CacheResidentUpDown      metric.Int64UpDownCounter

	WalAppendsCounter        metric.Int64Counter
	WalAppendBytesCounter    metric.Int64Counter
	WalTruncatedBytesCounter metric.Int64Counter

	TxnTransitionsCounter metric.Int64Counter
	SyncLatencyHistogram  metric.Float64Histogram
}

// NewStorageMetrics creates and registers all the metrics for the storage core.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	var err error

	if m.CacheHitsCounter, err = meter.Int64Counter(
		"gojostore.cache.hits_total",
		metric.WithDescription("Cache lookups served from a resident entry."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheMissesCounter, err = meter.Int64Counter(
		"gojostore.cache.misses_total",
		metric.WithDescription("Cache lookups that triggered a load."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheLoadFailuresCounter, err = meter.Int64Counter(
		"gojostore.cache.load_failures_total",
		metric.WithDescription("Loads that returned an error and were rolled back."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheEvictionsCounter, err = meter.Int64Counter(
		"gojostore.cache.evictions_total",
		metric.WithDescription("Entries written back and removed when their refcount reached zero."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheFullCounter, err = meter.Int64Counter(
		"gojostore.cache.full_total",
		metric.WithDescription("Loads rejected because the cache was at capacity."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CacheResidentUpDown, err = meter.Int64UpDownCounter(
		"gojostore.cache.resident",
		metric.WithDescription("Number of resident or loading entries."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.WalAppendsCounter, err = meter.Int64Counter(
		"gojostore.wal.appends_total",
		metric.WithDescription("Records appended to the write-ahead log."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.WalAppendBytesCounter, err = meter.Int64Counter(
		"gojostore.wal.append_bytes_total",
		metric.WithDescription("Raw record bytes appended to the write-ahead log."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.WalTruncatedBytesCounter, err = meter.Int64Counter(
		"gojostore.wal.truncated_bytes_total",
		metric.WithDescription("Bad-tail bytes dropped during log recovery."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.TxnTransitionsCounter, err = meter.Int64Counter(
		"gojostore.txn.transitions_total",
		metric.WithDescription("Transaction status transitions persisted."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.SyncLatencyHistogram, err = meter.Float64Histogram(
		"gojostore.storage.sync.duration",
		metric.WithDescription("Latency of data flushes to stable storage."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func cacheAttr(cache string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("cache", cache))
}

func (m *StorageMetrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHitsCounter.Add(context.Background(), 1, cacheAttr(cache))
}

func (m *StorageMetrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMissesCounter.Add(context.Background(), 1, cacheAttr(cache))
	m.CacheResidentUpDown.Add(context.Background(), 1, cacheAttr(cache))
}

func (m *StorageMetrics) CacheLoadFailed(cache string) {
	if m == nil {
		return
	}
	m.CacheLoadFailuresCounter.Add(context.Background(), 1, cacheAttr(cache))
	m.CacheResidentUpDown.Add(context.Background(), -1, cacheAttr(cache))
}

// CacheEvicted records n entries leaving the cache.
func (m *StorageMetrics) CacheEvicted(cache string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheEvictionsCounter.Add(context.Background(), int64(n), cacheAttr(cache))
	m.CacheResidentUpDown.Add(context.Background(), -int64(n), cacheAttr(cache))
}

func (m *StorageMetrics) CacheFull(cache string) {
	if m == nil {
		return
	}
	m.CacheFullCounter.Add(context.Background(), 1, cacheAttr(cache))
}

func (m *StorageMetrics) WalAppended(bytes int) {
	if m == nil {
		return
	}
	m.WalAppendsCounter.Add(context.Background(), 1)
	m.WalAppendBytesCounter.Add(context.Background(), int64(bytes))
}

func (m *StorageMetrics) WalTruncated(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.WalTruncatedBytesCounter.Add(context.Background(), bytes)
}

func (m *StorageMetrics) TxnTransition(status string) {
	if m == nil {
		return
	}
	m.TxnTransitionsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// SyncObserved records how long a data flush of the given file kind took.
func (m *StorageMetrics) SyncObserved(file string, start time.Time) {
	if m == nil {
		return
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	m.SyncLatencyHistogram.Record(context.Background(), elapsed, metric.WithAttributes(attribute.String("file", file)))
}
