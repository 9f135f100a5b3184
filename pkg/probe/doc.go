/*
Package probe runs the endpoint probe job (§4.7): a node-local, hourly
single-flight task that measures whether this node's own proxy endpoints
are actually reachable from the outside, the same way a client would see
them.

# Why a dedicated probe user

The job needs live credentials for every endpoint, but it must not
consume a real subscriber's quota or show up as a phantom client in
anyone's usage history. It provisions one well-known probe user and one
grant per endpoint, both idempotent (UpsertUser/UpsertGrant through Raft)
and both derived deterministically via HMAC-SHA256 over a shared
probe_secret -- the credentials never need to be stored or replicated
themselves, only recomputed.

# Why a throwaway proxy process

Driving the real, already-running engine through the admin gRPC surface
(pkg/engineadmin) would mean routing probe traffic through production
inbounds and risk perturbing live counters. Instead each run spawns its
own short-lived proxy-engine process with a minimal config -- one local
SOCKS inbound, one outbound pointed at the target endpoint -- and tears
it down once the checks finish.

# Single-flight

Concurrent runs (a manual trigger landing mid-hour, or two federation
requests racing) would duplicate work and xray processes for no benefit.
Runner's gate is a capacity-1 channel: StartBackground tries to take it
without blocking and reports already_running on failure; RunBlocking
(used by the hourly worker) waits for it.
*/
package probe
