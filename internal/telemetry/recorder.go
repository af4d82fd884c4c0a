// Recording helpers for apack build events.
// Each function emits both an OTel log event and updates a metric
// instrument.

package telemetry

import (
	"context"
	"os"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterRecorderName = "github.com/steveyegge/assetpack"
	loggerName        = "apack"
)

// recorderInstruments holds all lazy-initialized OTel metric instruments.
type recorderInstruments struct {
	// Counters
	buildTotal         metric.Int64Counter
	bundleTotal        metric.Int64Counter
	cacheLookupTotal   metric.Int64Counter
	workerSpawnTotal   metric.Int64Counter
	workerRequestTotal metric.Int64Counter
	workerKillTotal    metric.Int64Counter
	versionRenameTotal metric.Int64Counter
	hookTotal          metric.Int64Counter

	// Histograms
	buildDurationHist  metric.Float64Histogram
	bundleDurationHist metric.Float64Histogram
	workerDurationHist metric.Float64Histogram
}

var (
	instOnce sync.Once
	inst     recorderInstruments
)

// initInstruments registers all recorder metric instruments against the
// current global MeterProvider. Called by Init after the real provider is
// set, and lazily on first use.
func initInstruments() {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(meterRecorderName)

		inst.buildTotal, _ = m.Int64Counter("apack.builds.total",
			metric.WithDescription("Total build runs"),
		)
		inst.bundleTotal, _ = m.Int64Counter("apack.bundles.total",
			metric.WithDescription("Total bundle builds"),
		)
		inst.cacheLookupTotal, _ = m.Int64Counter("apack.cache.lookups.total",
			metric.WithDescription("Serialization cache lookups by result"),
		)
		inst.workerSpawnTotal, _ = m.Int64Counter("apack.worker.spawns.total",
			metric.WithDescription("Total worker process spawns"),
		)
		inst.workerRequestTotal, _ = m.Int64Counter("apack.worker.requests.total",
			metric.WithDescription("Total worker method invocations"),
		)
		inst.workerKillTotal, _ = m.Int64Counter("apack.worker.kills.total",
			metric.WithDescription("Total worker process terminations"),
		)
		inst.versionRenameTotal, _ = m.Int64Counter("apack.version.renames.total",
			metric.WithDescription("Total content-hash renames"),
		)
		inst.hookTotal, _ = m.Int64Counter("apack.hooks.total",
			metric.WithDescription("Total build hook invocations"),
		)

		inst.buildDurationHist, _ = m.Float64Histogram("apack.build.duration_ms",
			metric.WithDescription("Build run wall-clock time in milliseconds"),
			metric.WithUnit("ms"),
		)
		inst.bundleDurationHist, _ = m.Float64Histogram("apack.bundle.duration_ms",
			metric.WithDescription("Bundle build wall-clock time in milliseconds"),
			metric.WithUnit("ms"),
		)
		inst.workerDurationHist, _ = m.Float64Histogram("apack.worker.duration_ms",
			metric.WithDescription("Worker method round-trip latency in milliseconds"),
			metric.WithUnit("ms"),
		)
	})
}

// statusStr returns "ok" or "error" depending on whether err is nil.
func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// emit sends an OTel log event with the given body and key-value attributes.
func emit(ctx context.Context, body string, sev otellog.Severity, attrs ...otellog.KeyValue) {
	logger := global.GetLoggerProvider().Logger(loggerName)
	var r otellog.Record
	r.SetBody(otellog.StringValue(body))
	r.SetSeverity(sev)
	r.AddAttributes(attrs...)
	logger.Emit(ctx, r)
}

// errKV returns a log KeyValue with the error message, or empty string if nil.
func errKV(err error) otellog.KeyValue {
	if err != nil {
		return otellog.String("error", err.Error())
	}
	return otellog.String("error", "")
}

// severity returns SeverityInfo on success, SeverityError on failure.
func severity(err error) otellog.Severity {
	if err != nil {
		return otellog.SeverityError
	}
	return otellog.SeverityInfo
}

// maxStderrLog is the maximum number of bytes of worker stderr captured in logs.
const maxStderrLog = 1024

// truncateOutput trims s to max bytes and appends "…" when truncated.
// Avoids splitting multi-byte UTF-8 characters at the boundary.
func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	truncated := s[:limit]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated + "…"
}

// RecordBuild records a whole build run (metrics + log event).
func RecordBuild(ctx context.Context, platform string, bundles, failed int, durationMs float64, err error) {
	initInstruments()
	status := statusStr(err)
	attrs := metric.WithAttributes(
		attribute.String("platform", platform),
		attribute.String("status", status),
	)
	inst.buildTotal.Add(ctx, 1, attrs)
	inst.buildDurationHist.Record(ctx, durationMs, attrs)
	emit(ctx, "build.run", severity(err),
		otellog.String("platform", platform),
		otellog.Int("bundles", bundles),
		otellog.Int("failed", failed),
		otellog.Float64("duration_ms", durationMs),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordBundleBuild records one bundle build (metrics + log event).
func RecordBundleBuild(ctx context.Context, bundle string, assets int, durationMs float64, err error) {
	initInstruments()
	status := statusStr(err)
	attrs := metric.WithAttributes(
		attribute.String("bundle", bundle),
		attribute.String("status", status),
	)
	inst.bundleTotal.Add(ctx, 1, attrs)
	inst.bundleDurationHist.Record(ctx, durationMs, attrs)
	emit(ctx, "bundle.build", severity(err),
		otellog.String("bundle", bundle),
		otellog.Int("assets", assets),
		otellog.Float64("duration_ms", durationMs),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordCacheLookup counts a serialization cache lookup. result is "hit",
// "miss" or "bypass". No log event: lookups are too frequent.
func RecordCacheLookup(ctx context.Context, assetType, result string) {
	initInstruments()
	inst.cacheLookupTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", assetType),
			attribute.String("result", result),
		),
	)
}

// RecordWorkerSpawn records a worker process spawn (metrics + log event).
func RecordWorkerSpawn(ctx context.Context, task string, pid int, err error) {
	initInstruments()
	status := statusStr(err)
	inst.workerSpawnTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("task", task),
			attribute.String("status", status),
		),
	)
	emit(ctx, "worker.spawn", severity(err),
		otellog.String("task", task),
		otellog.Int("pid", pid),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordWorkerRequest records a worker method invocation with duration
// (metrics + log event).
//
// stderr is only included in the log event when APACK_LOG_WORKER_STDERR=true.
func RecordWorkerRequest(ctx context.Context, task, method string, durationMs float64, err error, stderr string) {
	initInstruments()
	status := statusStr(err)
	attrs := metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	inst.workerRequestTotal.Add(ctx, 1, attrs)
	inst.workerDurationHist.Record(ctx, durationMs, attrs)
	kvs := []otellog.KeyValue{
		otellog.String("task", task),
		otellog.String("method", method),
		otellog.Float64("duration_ms", durationMs),
		otellog.String("status", status),
		errKV(err),
	}
	// Worker stderr may echo source paths or user code.
	if os.Getenv("APACK_LOG_WORKER_STDERR") == "true" {
		kvs = append(kvs, otellog.String("stderr", truncateOutput(stderr, maxStderrLog)))
	}
	emit(ctx, "worker.request", severity(err), kvs...)
}

// RecordWorkerKill records a worker termination (metrics + log event).
// reason is "idle", "explicit", "cancel" or "close".
func RecordWorkerKill(ctx context.Context, task, reason string) {
	initInstruments()
	inst.workerKillTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("task", task),
			attribute.String("reason", reason),
		),
	)
	emit(ctx, "worker.kill", otellog.SeverityInfo,
		otellog.String("task", task),
		otellog.String("reason", reason),
	)
}

// RecordVersionRename records a content-hash versioning pass over one
// bundle (metrics + log event).
func RecordVersionRename(ctx context.Context, bundle string, renamed int, err error) {
	initInstruments()
	status := statusStr(err)
	inst.versionRenameTotal.Add(ctx, int64(renamed),
		metric.WithAttributes(
			attribute.String("bundle", bundle),
			attribute.String("status", status),
		),
	)
	emit(ctx, "bundle.version", severity(err),
		otellog.String("bundle", bundle),
		otellog.Int("renamed", renamed),
		otellog.String("status", status),
		errKV(err),
	)
}

// RecordHook records a build hook invocation (metrics + log event).
func RecordHook(ctx context.Context, hook string, err error) {
	initInstruments()
	status := statusStr(err)
	inst.hookTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("hook", hook),
			attribute.String("status", status),
		),
	)
	emit(ctx, "build.hook", severity(err),
		otellog.String("hook", hook),
		otellog.String("status", status),
		errKV(err),
	)
}
