// Package metrics builds OpenTelemetry instruments against the global meter
// provider. Instruments fall back to no-ops when creation fails, so callers
// never branch on metrics errors.
package metrics
