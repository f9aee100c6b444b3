/*
Package api is the control-plane process serving the fleet over HTTP and
the bus.

Mutation handlers share one flow: reserve a sync slot (503 when the
queue stays full past the enqueue timeout), apply the cache state
machine, commit the write-back task when the cache changed, then publish
the control message. WireGuard messages target the pinned node's topic;
Xray and Shadowsocks ones fan out on the env topic.

Beside HTTP the server consumes the heartbeat topic (first heartbeat
after boot or an offline gap publishes a fresh snapshot on the node's
topic) and the stats topic (agent deltas converge into the cache), and
sweeps nodes Offline after 90s of heartbeat silence.
*/
package api
