/*
Package reconciler drives the colocated proxy engine's admin API toward
the cluster's desired state, as recorded in the Raft-replicated store.

It runs as a single background goroutine per node, merging bursts of
individual change requests into debounced batches so that, e.g., a grant
group creation touching fifty grants results in one sweep of the proxy
engine rather than fifty separate round trips.

# Request kinds

  - Full — sweep every endpoint owned by this node: idempotent
    add_inbound/add_user calls, plus remove_user for any grant that is no
    longer effectively enabled.
  - RemoveInbound{tag} — tombstone a deleted endpoint.
  - RemoveUser{tag, email} — tombstone a deleted or disabled grant.
  - RebuildInbound{endpoint_id} — remove_inbound, add_inbound, then
    re-add every effectively-enabled user, for endpoints whose port or
    metadata changed in a way add_inbound alone can't apply.

# Scheduling

A single mailbox goroutine owns all scheduling state. After each enqueued
request it waits a debounce window (200ms by default) before executing the
accumulated batch, so rapid-fire changes collapse into one pass. A
periodic Full is enqueued independently of any other traffic (30s by
default) as a safety net against any missed change notification.

On failure the whole batch is retried with exponential backoff
(delay_n = min(cap, base·2^n) plus jitter in [0, delay_n/4]); a
successful batch resets the backoff counter.

# Config-change detection

For each locally owned endpoint the reconciler hashes a canonical
serialization of {kind, tag, port, meta} and compares it against a
last-applied-hash cache. A mismatch routes that endpoint through
RebuildInbound instead of a plain add_inbound, since the proxy engine has
no in-place update for an existing inbound's listen port or protocol
metadata.

# Migration markers

Certain engine-level migrations — for example, forcing every
VLESS-REALITY inbound to be rebuilt so it picks up a newer key-material
encoding — are tracked by marker files under data_dir/migrations/.
Absence of a marker forces a rebuild of every locally owned endpoint of
the affected kind; the marker is written once that rebuild set completes
without error.

# Local ownership scope

The reconciler only ever touches endpoints whose node_id resolves to this
process. Local identity is resolved by matching the node's api_base_url,
falling back to node_name if no node record matches the URL yet (e.g.
immediately after a join, before the node's own api_base_url has
propagated through Raft). Explicit remove requests for tags this process
does not currently believe it owns are logged and ignored rather than
forwarded to the engine.
*/
package reconciler
