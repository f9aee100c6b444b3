// Package tunnel abstracts the per-node tunnel backends behind the
// Engine interface. XrayEngine talks to a local xray-core admin gRPC
// endpoint (vless, vmess, shadowsocks inbounds); WireguardEngine drives
// a kernel WireGuard device through wgctrl. The agent routes each
// connection to its engine through the Mux and treats conflict and
// not_found results as idempotent successes.
package tunnel
