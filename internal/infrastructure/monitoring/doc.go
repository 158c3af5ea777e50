/*
Package monitoring provides Prometheus metrics for the isolate runtime.

# Overview

Collectors cover the message bridge (commands, pending replies, host
errors, orphaned replies, event dispatch), body streaming, module
compilation and the development host's HTTP front end.

Collectors are registered on an injected registerer rather than the global
one, so several isolates (or tests) can each own a set. Every recording
method is safe on a nil *Metrics.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/__fly/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
