/*
Package observability exposes Prometheus instrumentation for the LexEdge core.

A nil *Metrics is valid and records nothing, so components can be built
without a registry in tests.
*/
package observability
