/*
Package supervisor runs the probe-and-restart loops for the two services
a node colocates with the control plane -- the proxy engine and the
tunnel daemon -- and merges their health into one persisted runtime
snapshot (§4.6).

# State machine

Both supervisors share the same three-state machine: Unknown, the
startup value before any probe has completed; Up; and Down, entered
after FailsBeforeDown consecutive probe failures. A single successful
probe flips Down straight back to Up, never passing through an
intermediate state, and increments RecoveriesObserved.

# Probe and restart are independent loops

A Supervisor ticks on one interval. Each tick it probes, updates its
Handle, and -- only when the current status is Down and the restart
cooldown has elapsed -- asks its Restarter to act. The restart call is
fire-and-forget from the loop's perspective: it does not wait for the
service to come back, because the next probe is what decides that.

# Runtime snapshot

NodeRuntime owns no probing logic of its own; ApplyComponent feeds it
one component's Snapshot at a time (xp's own component is always Up and
is fed once at construction). Every status change or restart attempt
producing a typed Event with a ULID id, and the merged summary plus a
30-minute-resolution rolling history are persisted atomically to
service_runtime.json.
*/
package supervisor
