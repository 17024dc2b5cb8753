// Package telemetry provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the curator engine.
//
// Logging is built on zerolog with field helpers for the entities the
// engine works with (targets, packages, handoffs, sweeps). Metrics are
// registered against a private registry and exposed over HTTP when
// enabled. A nil *Metrics is a safe no-op, so tests and one-shot CLI
// commands can pass nil instead of configuring a registry.
package telemetry
