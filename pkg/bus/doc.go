/*
Package bus is the topic-addressed pub/sub transport between the API and
the agents, carried over redis pub/sub.

Topics:

	{env}        broadcast to every agent in a deployment class
	{node-uuid}  targeted at one agent (deltas and the startup snapshot)
	heartbeat    agents -> API liveness
	stats        agents -> API telemetry deltas

The publisher is fire-and-forget: no ack is expected, connect retries a
configured number of times before the process aborts, and sends inside the
slow-joiner settle window are delayed rather than lost. The subscriber
isolates the blocking receive on a dedicated goroutine and fans every
subscribed topic into a single delivery channel; per-topic FIFO order is
preserved by the transport, cross-topic order is not guaranteed.
*/
package bus
