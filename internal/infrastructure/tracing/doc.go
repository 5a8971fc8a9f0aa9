/*
Package tracing provides lightweight span tracing for the daemon.

# Overview

Spans are collected on a buffered channel and written to the log by a
single collector goroutine. Two producers exist:

  - HTTPMiddleware traces introspection requests and propagates the
    X-Trace-ID and X-Span-ID headers.
  - HostLifetimes observes the host registry and emits one span per host,
    from its connection to its termination, tagged with the termination
    status and exit code.

# Usage

	tracer := tracing.New("prochostd", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))
	registry.AddObserver(tracing.NewHostLifetimes(tracer))

Span and trace ids are ULIDs from the shared id generator.
*/
package tracing
