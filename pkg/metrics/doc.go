/*
Package metrics covers both observability surfaces of Pony.

Prometheus counters and gauges (pony_*) register once at init and expose
via the standard /metrics handler on both processes.

The typed metric stream feeds the time-series sink: samplers emit
Metric values keyed by "{env}.{hostname}.{subsystem}.{name}.{metric}",
holding either an int64 or a float64. Cadence per source:

	bandwidth per NIC          10s  rx_bytes, tx_bytes
	CPU per core               10s  percentage (2 decimals)
	load average               30s  1m, 5m, 15m
	memory                     30s  used, total
	heartbeat                  30s  alive=1
	tunnel per-connection      10s  uplink, downlink, online

The carbon sink renders each sample as a Graphite plaintext line over TCP
with a 2 s write deadline and reconnects lazily on failure.

Component health for the /healthcheck endpoints also lives here: the sync
pipeline, bus, and tunnel engines flip their component degraded instead of
failing the endpoint.
*/
package metrics
