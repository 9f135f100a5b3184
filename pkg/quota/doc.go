/*
Package quota samples per-grant traffic counters from the proxy engine,
tracks billing-cycle windows, and bans or unbans grants against their
shared-quota budget (§4.4).

# Cycle resolution

Each grant samples under its user's quota_reset policy, unless a
per-(user,node) override for the grant's endpoint pins quota_reset_source
to the node, in which case the node's own quota_reset is used instead.
Monthly policy anchors at day_of_month at midnight in the configured tz
offset, clamped to the last day of a shorter month; unlimited policy uses
a fixed sentinel window that never rolls over.

# Tick

Every poll interval, for each grant:

  - Resolve the cycle window for now and compare it against the last
    cached window to detect a rollover.
  - Fetch the grant's lifetime uplink/downlink counters from the proxy
    engine and fold them into used_bytes via the store (resetting on
    rollover or engine-restart counter regression, adding deltas
    otherwise).
  - On a rollover while the grant is banned and auto-unban is enabled,
    re-enable it, clear the ban, and request a reconcile — skipping the
    ban-threshold check entirely for this tick.
  - Otherwise, if used_bytes plus a 10MiB tolerance reaches a nonzero
    quota_limit_bytes and the grant is still enabled, remove the grant's
    session from the proxy engine, disable it, record the ban, and
    request a reconcile.

A grant whose engine counters can't be fetched, or whose cycle policy
can't be resolved, is logged and skipped; it never aborts the rest of the
tick.
*/
package quota
