// Package telemetry records the session audit trail.
//
// Audit events are durable rows describing every lifecycle write (joins,
// transitions, consent changes, settlements). They are distinct from the
// operational counters in telemetry/metrics, which are exported through
// OpenTelemetry and never persisted.
package telemetry
