/*
Package metrics exports DriveFS measurements to Prometheus.

Collector implements types.MetricsCollector. Every component that takes a
MetricsCollector (the call handler, the dispatcher and both caches) reports
into it:

	drivefs_operations_total{operation,status}
	drivefs_operation_duration_seconds{operation}
	drivefs_remote_calls_total{operation,status}
	drivefs_remote_retries_total{operation}
	drivefs_cache_requests_total{type,cache}
	drivefs_conflicts_total{resolution}
	drivefs_dirty_bytes, drivefs_cached_bytes, drivefs_queue_waiters

Metrics live on a private registry, so several mounts in one process do not
collide. Start serves the registry together with /health and
/debug/operations:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Namespace: "drivefs",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

A disabled collector accepts every call and records nothing.
*/
package metrics
