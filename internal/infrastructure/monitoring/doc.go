/*
Package monitoring provides Prometheus metrics for the process host daemon.

# Overview

Metrics implements the host package's instrumentation interface, so the
registry, every process host and every shared buffer cache report into one
set of collectors:

  - state transitions, terminations by status, bad messages by type
  - placement decisions (site hit, site eviction, reuse, new process)
  - shared buffer cache hits, misses, mappings, evictions and sweeps
  - introspection HTTP requests and event stream connections

Collectors are registered on an injected registerer so tests can use a
private registry.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	registry := host.NewRegistry(host.Deps{Metrics: metrics, ...}, opts)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
