package telemetry

import (
	"os"
	"strings"
)

// Build context variables exported to workers and hooks.
const (
	EnvProject  = "APACK_PROJECT"
	EnvPlatform = "APACK_PLATFORM"
	EnvBuildID  = "APACK_BUILD_ID"
)

// buildResourceAttrs builds the OTEL_RESOURCE_ATTRIBUTES value from apack
// context vars present in the current process environment.
// Returns "" when no apack vars are found.
func buildResourceAttrs() string {
	var attrs []string
	if v := os.Getenv(EnvProject); v != "" {
		attrs = append(attrs, "apack.project="+v)
	}
	if v := os.Getenv(EnvPlatform); v != "" {
		attrs = append(attrs, "apack.platform="+v)
	}
	if v := os.Getenv(EnvBuildID); v != "" {
		attrs = append(attrs, "apack.build_id="+v)
	}
	return strings.Join(attrs, ",")
}

// SetProcessOTELAttrs sets OTEL-related variables in the current process
// environment so that worker processes and hook commands inherit them.
//
// Sets:
//   - OTEL_RESOURCE_ATTRIBUTES: apack context labels
//   - OTEL_EXPORTER_OTLP_METRICS_ENDPOINT: mirrors APACK_OTEL_METRICS_URL
//   - OTEL_EXPORTER_OTLP_LOGS_ENDPOINT: mirrors APACK_OTEL_LOGS_URL
//
// No-op when APACK_OTEL_METRICS_URL is not set.
func SetProcessOTELAttrs() {
	for k, v := range OTELEnvMap() {
		_ = os.Setenv(k, v)
	}
}

// OTELEnvForSubprocess returns OTEL environment variables to inject into
// subprocesses whose cmd.Env is built explicitly.
//
// Returns nil when telemetry is not active (APACK_OTEL_METRICS_URL not set).
func OTELEnvForSubprocess() []string {
	m := OTELEnvMap()
	if m == nil {
		return nil
	}
	var env []string
	for _, k := range []string{
		"OTEL_RESOURCE_ATTRIBUTES",
		EnvMetricsURL,
		"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT",
		EnvLogsURL,
		"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT",
	} {
		if v, ok := m[k]; ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// OTELEnvMap returns OTEL environment variables as a map for merging into
// hook environments. Returns nil when telemetry is not active.
func OTELEnvMap() map[string]string {
	metricsURL := os.Getenv(EnvMetricsURL)
	if metricsURL == "" {
		return nil
	}
	m := map[string]string{
		EnvMetricsURL:                         metricsURL,
		"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT": metricsURL,
	}
	if attrs := buildResourceAttrs(); attrs != "" {
		m["OTEL_RESOURCE_ATTRIBUTES"] = attrs
	}
	if logsURL := os.Getenv(EnvLogsURL); logsURL != "" {
		m[EnvLogsURL] = logsURL
		m["OTEL_EXPORTER_OTLP_LOGS_ENDPOINT"] = logsURL
	}
	return m
}
