/*
Package metrics exposes Burrow's Prometheus instrumentation: bundle cache
hit rates and resident size, commit latency and outcomes, journal revision
progress, live lock counts, and query timings. Handler serves the standard
promhttp endpoint.
*/
package metrics
