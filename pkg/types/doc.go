/*
Package types defines the core data structures of the xp control plane.

This package contains the domain model replicated across the cluster via
Raft: nodes, endpoints, REALITY domains, users, grants, and the node-local
usage/probe records layered on top of it. These types are used by pkg/store
for the command log and deterministic apply function, by pkg/reconciler to
diff desired vs. applied proxy configuration, and by pkg/quota to track
per-grant traffic.

# Core Types

Cluster topology:
  - Node: one cluster peer, with its own access host and shared-quota budget

Proxy configuration:
  - Endpoint: one proxy inbound (vless-reality or ss2022), kind-tagged meta
  - RealityDomain: one entry in the cluster-wide REALITY SNI pool

Subscribers and authorization:
  - User: a subscriber identified by an unguessable subscription token
  - Grant: one (user, endpoint) authorization with protocol-matched credentials
  - UserNodeQuota: a per-(user, node) shared-quota override

Node-local (not replicated):
  - GrantUsage: the current cycle window's traffic tally and ban state
  - EndpointProbeSample / EndpointProbeHourBucket: reachability history

# Kind-tagged meta

Endpoint.Meta is a raw JSON payload whose shape depends on Endpoint.Kind:
VlessRealityMeta for vless_reality_vision_tcp, SS2022Meta for
ss2022_aes128gcm. Callers must switch on Kind before decoding; VlessMeta and
SS2022MetaValue are thin convenience decoders, not a discriminated union —
this package favors exhaustive switches over kind at the call site (see
pkg/store's apply function) rather than interface-based polymorphism.

# Determinism

None of these types carry derived wall-clock state themselves; every
timestamp field (CheckedAt, LastSeenAt, QuotaBannedAt, ...) is a string
written by the caller at command-construction time, never computed inside
pkg/store's apply function. This is what keeps Raft replication safe: two
replicas applying the same command produce byte-identical state.

# See Also

  - pkg/store for the command log and deterministic apply function
  - pkg/reconciler for the diff/convergence loop
  - pkg/quota for cycle-window arithmetic and ban/unban
  - SPEC_FULL.md §3 for the authoritative data model description
*/
package types
