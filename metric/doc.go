// Package metric provides the sync engine's instrumentation.
//
// There are two layers:
//
//  1. Meters: Counter and Timer log measurement points through log/slog with
//     the message "METRIC" and a "point" attribute holding type, metric name,
//     value and tags. Counters log their running value at most once per
//     interval and flush the remainder on Close. Timers log once, tagged with
//     status "succeeded" or "failed".
//  2. Prometheus: MetricsRegistry holds the core tap metrics (records,
//     sync durations, emitted messages, batch files) and lets components
//     register their own collectors. Server exposes the registry on /metrics
//     and a liveness probe on /health.
//
// # Basic Usage
//
//	counter := metric.RecordCounter("users", metric.WithTags(metric.Tags{"endpoint": "/users"}))
//	defer counter.Close()
//
//	timer := metric.SyncTimer("users")
//	err := sync(ctx, counter)
//	timer.Stop(err)
//
// Meters can mirror into Prometheus:
//
//	registry := metric.NewMetricsRegistry()
//	core := registry.CoreMetrics()
//	counter := metric.RecordCounter("users",
//	    metric.WithPrometheusCounter(core.RecordsTotal.WithLabelValues("users")))
//
// Serving the registry:
//
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("metrics server failed", "error", err)
//	    }
//	}()
//	defer server.Stop()
package metric
