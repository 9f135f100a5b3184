package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgenode/xp/pkg/ids"
)

const (
	runtimeSchemaVersion = 1
	slotWindow           = 7 * 24 * 2 // 7 days of 30-minute slots
	eventWindowDays      = 7
	maxEvents            = 2000
	slotDuration         = 30 * time.Minute
)

// Summary is the merged health of every component on a node (§4.6).
type Summary string

const (
	SummaryUp       Summary = "up"
	SummaryDegraded Summary = "degraded"
	SummaryDown     Summary = "down"
	SummaryUnknown  Summary = "unknown"
)

// EventKind names the four shapes a NodeRuntime emits into its event log.
type EventKind string

const (
	EventStatusChanged    EventKind = "status_changed"
	EventRestartRequested EventKind = "restart_requested"
	EventRestartSucceeded EventKind = "restart_succeeded"
	EventRestartFailed    EventKind = "restart_failed"
)

// Event is one ULID-keyed entry in the runtime log.
type Event struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Component  string    `json:"component"`
	Kind       EventKind `json:"kind"`
	Message    string    `json:"message"`
	FromStatus *Status   `json:"from_status,omitempty"`
	ToStatus   *Status   `json:"to_status,omitempty"`
}

// ComponentStatus is one component's Snapshot flattened for the
// persisted/served runtime view.
type ComponentStatus struct {
	Component string `json:"component"`
	Snapshot
}

// HistorySlot is one 30-minute bucket's merged summary.
type HistorySlot struct {
	SlotStart time.Time `json:"slot_start"`
	Status    Summary   `json:"status"`
}

// LocalSnapshot is the full view served by an admin endpoint or written
// to disk: the merged summary, every component's status, the rolling
// history, and the most recent events (newest first).
type LocalSnapshot struct {
	NodeID      string            `json:"node_id"`
	Summary     Summary           `json:"summary"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Components  []ComponentStatus `json:"components"`
	RecentSlots []HistorySlot     `json:"recent_slots"`
	Events      []Event           `json:"events"`
}

// persisted is LocalSnapshot's on-disk shape: slots and components keyed
// for lookup, rather than pre-expanded into the 336-slot window a reader
// gets back from Snapshot.
type persisted struct {
	SchemaVersion int                        `json:"schema_version"`
	NodeID        string                     `json:"node_id"`
	Components    map[string]ComponentStatus `json:"components"`
	Slots         map[string]Summary         `json:"slots"`
	Events        []Event                    `json:"events"`
}

// NodeRuntime merges every supervised component into one summary,
// records a 30-minute-resolution rolling history and a typed event log,
// and persists both atomically to service_runtime.json (§4.6).
type NodeRuntime struct {
	mu sync.Mutex

	path       string
	nodeID     string
	components map[string]ComponentStatus
	slots      map[string]Summary
	events     []Event // newest first

	summary   Summary
	updatedAt time.Time
}

// NewNodeRuntime loads path if present, else starts from a fresh state
// with xp's own component pinned Up. cloudflaredEnabled controls whether
// the tunnel daemon component starts Disabled or Unknown -- matching
// restart mode "none" disabling that supervisor entirely.
func NewNodeRuntime(path, nodeID string, cloudflaredEnabled bool) *NodeRuntime {
	now := time.Now().UTC()
	r := &NodeRuntime{
		path:       path,
		nodeID:     nodeID,
		components: map[string]ComponentStatus{},
		slots:      map[string]Summary{},
	}

	if loaded, ok := loadPersisted(path); ok {
		r.nodeID = loaded.NodeID
		r.components = loaded.Components
		r.slots = loaded.Slots
		r.events = loaded.Events
	}

	if _, ok := r.components["xp"]; !ok {
		r.components["xp"] = ComponentStatus{Component: "xp", Snapshot: Snapshot{Status: StatusUp, LastOKAt: now}}
	}
	if _, ok := r.components["xray"]; !ok {
		r.components["xray"] = ComponentStatus{Component: "xray", Snapshot: Snapshot{Status: StatusUnknown}}
	}
	if _, ok := r.components["cloudflared"]; !ok {
		initial := StatusUnknown
		if !cloudflaredEnabled {
			initial = StatusDisabled
		}
		r.components["cloudflared"] = ComponentStatus{Component: "cloudflared", Snapshot: Snapshot{Status: initial}}
	}

	r.prune(now)
	r.summary, r.updatedAt = computeSummary(r.components), now
	return r
}

// ApplyComponent folds one component's latest Snapshot into the runtime,
// emitting status_changed/restart_* events and persisting iff anything
// observable changed.
func (r *NodeRuntime) ApplyComponent(component string, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	next := ComponentStatus{Component: component, Snapshot: snap}
	prev, hadPrev := r.components[component]
	r.components[component] = next

	var newEvents []Event
	dirty := !hadPrev

	if hadPrev && prev.Status != next.Status {
		dirty = true
		from, to := prev.Status, next.Status
		newEvents = append(newEvents, Event{
			EventID:    ids.New(),
			OccurredAt: now,
			Component:  component,
			Kind:       EventStatusChanged,
			Message:    fmt.Sprintf("%s status changed: %s -> %s", component, from, to),
			FromStatus: &from,
			ToStatus:   &to,
		})
	}

	if hadPrev && next.RestartAttempts > prev.RestartAttempts {
		dirty = true
		restartAt := next.LastRestartAt
		if restartAt.IsZero() {
			restartAt = now
		}
		failed := !next.LastRestartFailAt.IsZero() && next.LastRestartFailAt.Equal(restartAt)
		to := next.Status

		newEvents = append(newEvents,
			Event{
				EventID:    ids.New(),
				OccurredAt: restartAt,
				Component:  component,
				Kind:       EventRestartRequested,
				Message:    fmt.Sprintf("%s restart requested", component),
				ToStatus:   &to,
			},
			Event{
				EventID:    ids.New(),
				OccurredAt: restartAt,
				Component:  component,
				Kind: func() EventKind {
					if failed {
						return EventRestartFailed
					}
					return EventRestartSucceeded
				}(),
				Message: func() string {
					if failed {
						return fmt.Sprintf("%s restart request failed", component)
					}
					return fmt.Sprintf("%s restart request accepted", component)
				}(),
				ToStatus: &to,
			},
		)
	}

	if newSummary := computeSummary(r.components); newSummary != r.summary {
		r.summary = newSummary
		r.updatedAt = now
		dirty = true
	}
	if r.recordSlot(now) {
		dirty = true
	}

	if len(newEvents) > 0 {
		r.events = append(newEvents, r.events...)
	}
	r.prune(now)

	if dirty {
		r.persistLocked()
	}
}

// Snapshot returns the current merged view, with events limited to
// limit entries (0 means unlimited).
func (r *NodeRuntime) Snapshot(limit int) LocalSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	components := make([]ComponentStatus, 0, len(r.components))
	for _, c := range r.components {
		components = append(components, c)
	}

	events := r.events
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	return LocalSnapshot{
		NodeID:      r.nodeID,
		Summary:     r.summary,
		UpdatedAt:   r.updatedAt,
		Components:  components,
		RecentSlots: r.recentSlots(time.Now().UTC()),
		Events:      append([]Event{}, events...),
	}
}

func (r *NodeRuntime) recordSlot(now time.Time) bool {
	key := slotKey(now)
	if existing, ok := r.slots[key]; ok && existing == r.summary {
		return false
	}
	r.slots[key] = r.summary
	return true
}

func (r *NodeRuntime) recentSlots(now time.Time) []HistorySlot {
	out := make([]HistorySlot, 0, slotWindow)
	current := truncateToHalfHour(now)
	for i := slotWindow - 1; i >= 0; i-- {
		at := current.Add(-time.Duration(i) * slotDuration)
		key := at.Format(time.RFC3339)
		status, ok := r.slots[key]
		if !ok {
			status = SummaryUnknown
		}
		out = append(out, HistorySlot{SlotStart: at, Status: status})
	}
	return out
}

// prune drops slots and events older than the 7-day window, then caps
// each to its absolute limit (336 slots, 2000 events).
func (r *NodeRuntime) prune(now time.Time) {
	cutoff := slotKey(now.AddDate(0, 0, -eventWindowDays))
	for key := range r.slots {
		if key < cutoff {
			delete(r.slots, key)
		}
	}
	for len(r.slots) > slotWindow {
		oldest := ""
		for key := range r.slots {
			if oldest == "" || key < oldest {
				oldest = key
			}
		}
		delete(r.slots, oldest)
	}

	eventCutoff := now.AddDate(0, 0, -eventWindowDays)
	kept := r.events[:0:0]
	for _, e := range r.events {
		if e.OccurredAt.Before(eventCutoff) {
			break
		}
		kept = append(kept, e)
	}
	if len(kept) > maxEvents {
		kept = kept[:maxEvents]
	}
	r.events = kept
}

func (r *NodeRuntime) persistLocked() {
	p := persisted{
		SchemaVersion: runtimeSchemaVersion,
		NodeID:        r.nodeID,
		Components:    r.components,
		Slots:         r.slots,
		Events:        r.events,
	}
	if err := savePersisted(r.path, p); err != nil {
		// Best-effort: the in-memory view stays authoritative for this
		// process even if the write failed.
		fmt.Fprintf(os.Stderr, "persist service runtime: %v\n", err)
	}
}

func computeSummary(components map[string]ComponentStatus) Summary {
	var statuses []Status
	for _, c := range components {
		if c.Status != StatusDisabled {
			statuses = append(statuses, c.Status)
		}
	}
	if len(statuses) == 0 {
		return SummaryUnknown
	}

	allUp, allDown, anyDown, anyUnknown := true, true, false, false
	for _, s := range statuses {
		if s != StatusUp {
			allUp = false
		}
		if s != StatusDown {
			allDown = false
		}
		if s == StatusDown {
			anyDown = true
		}
		if s == StatusUnknown {
			anyUnknown = true
		}
	}

	switch {
	case allUp:
		return SummaryUp
	case allDown:
		return SummaryDown
	case anyDown:
		return SummaryDegraded
	case anyUnknown:
		return SummaryUnknown
	default:
		return SummaryDegraded
	}
}

func truncateToHalfHour(at time.Time) time.Time {
	minute := 0
	if at.Minute() >= 30 {
		minute = 30
	}
	return time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), minute, 0, 0, at.Location())
}

func slotKey(at time.Time) string {
	return truncateToHalfHour(at).Format(time.RFC3339)
}

func loadPersisted(path string) (persisted, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return persisted{}, false
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil || p.SchemaVersion != runtimeSchemaVersion {
		return persisted{}, false
	}
	if p.Components == nil {
		p.Components = map[string]ComponentStatus{}
	}
	if p.Slots == nil {
		p.Slots = map[string]Summary{}
	}
	return p, true
}

func savePersisted(path string, p persisted) error {
	bytes, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode service_runtime.json: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bytes, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
