package store

import "github.com/edgenode/xp/pkg/types"

// UsageSnapshot is returned by ApplyGrantUsageSample so the quota
// controller can compare the resulting window/used_bytes against the
// grant's limit without re-reading PersistedUsage.
type UsageSnapshot struct {
	CycleStartAt string
	CycleEndAt   string
	UsedBytes    uint64
	// WindowChanged is true if this sample started a new cycle window,
	// the trigger for the auto-unban check in pkg/quota.
	WindowChanged bool
}

// ApplyGrantUsageSample folds one engine traffic reading into a grant's
// usage record, following the exact reset/regression/accumulate rule
// from the reference quota sampler. It mutates usage in place; callers
// persist afterward.
func ApplyGrantUsageSample(usage *PersistedUsage, grantID, cycleStartAt, cycleEndAt string, uplinkTotal, downlinkTotal uint64, seenAt string) UsageSnapshot {
	entry, ok := usage.Grants[grantID]
	if !ok {
		entry = types.GrantUsage{
			CycleStartAt:      cycleStartAt,
			CycleEndAt:        cycleEndAt,
			UsedBytes:         saturatingAdd(uplinkTotal, downlinkTotal),
			LastUplinkTotal:   uplinkTotal,
			LastDownlinkTotal: downlinkTotal,
			LastSeenAt:        seenAt,
		}
		usage.Grants[grantID] = entry
		return UsageSnapshot{CycleStartAt: cycleStartAt, CycleEndAt: cycleEndAt, UsedBytes: entry.UsedBytes, WindowChanged: true}
	}

	windowChanged := entry.CycleStartAt != cycleStartAt || entry.CycleEndAt != cycleEndAt
	switch {
	case windowChanged:
		entry.CycleStartAt = cycleStartAt
		entry.CycleEndAt = cycleEndAt
		entry.UsedBytes = 0
		entry.LastUplinkTotal = uplinkTotal
		entry.LastDownlinkTotal = downlinkTotal
		entry.LastSeenAt = seenAt
	case uplinkTotal < entry.LastUplinkTotal || downlinkTotal < entry.LastDownlinkTotal:
		// Counter regression (engine restart): reset baselines, leave used_bytes.
		entry.LastUplinkTotal = uplinkTotal
		entry.LastDownlinkTotal = downlinkTotal
		entry.LastSeenAt = seenAt
	default:
		deltaUp := uplinkTotal - entry.LastUplinkTotal
		deltaDown := downlinkTotal - entry.LastDownlinkTotal
		entry.UsedBytes = saturatingAdd(entry.UsedBytes, saturatingAdd(deltaUp, deltaDown))
		entry.LastUplinkTotal = uplinkTotal
		entry.LastDownlinkTotal = downlinkTotal
		entry.LastSeenAt = seenAt
	}

	usage.Grants[grantID] = entry
	return UsageSnapshot{CycleStartAt: cycleStartAt, CycleEndAt: cycleEndAt, UsedBytes: entry.UsedBytes, WindowChanged: windowChanged}
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

// SetQuotaBanned marks a grant banned at bannedAt, creating the usage
// entry if it does not exist yet.
func SetQuotaBanned(usage *PersistedUsage, grantID, bannedAt string) {
	entry, ok := usage.Grants[grantID]
	if !ok {
		entry = types.GrantUsage{CycleStartAt: bannedAt, CycleEndAt: bannedAt, LastSeenAt: bannedAt}
	}
	entry.QuotaBanned = true
	b := bannedAt
	entry.QuotaBannedAt = &b
	usage.Grants[grantID] = entry
}

// ClearQuotaBanned un-bans a grant if a usage entry exists for it.
func ClearQuotaBanned(usage *PersistedUsage, grantID string) {
	entry, ok := usage.Grants[grantID]
	if !ok {
		return
	}
	entry.QuotaBanned = false
	entry.QuotaBannedAt = nil
	usage.Grants[grantID] = entry
}

// ClearGrantUsage drops a grant's usage entry entirely, used when a grant
// is deleted.
func ClearGrantUsage(usage *PersistedUsage, grantID string) {
	delete(usage.Grants, grantID)
}
