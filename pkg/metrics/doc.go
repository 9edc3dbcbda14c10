/*
Package metrics provides Prometheus metrics and component health for
converge.

All collectors are package-level variables registered in init and exposed
by Handler on /metrics:

	converge_resources_total{type}                   resources per type
	converge_links_total{link_type}                  links per type
	converge_changesets_committed_total              commits
	converge_reconcile_iterations                    commits per Execute
	converge_reconcile_duration_seconds              Execute duration
	converge_handler_errors_total{type}              handler failures
	converge_orphans_collected_total                 orphan deletions
	converge_orchestration_duration_seconds          cycle duration
	converge_application_actions_total{action}       build, start, stop, exec, copy
	converge_applications{state}                     applications per state
	converge_runtime_command_failures_total{operation}
	converge_runtime_command_duration_seconds{operation}
	converge_dns_queries_total{result}               answered, nodata, nxdomain, forwarded, servfail
	converge_watch_imports_total{outcome}            directory re-imports

Collector samples the graph sizes from the store every 15 seconds.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OrchestrationDuration)

# Health

Components report their health with SetComponent.
GetReadiness is ready only when every name in CriticalComponents (store,
runtime, orchestrator) is registered and healthy.
*/
package metrics
