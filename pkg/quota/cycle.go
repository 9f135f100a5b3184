package quota

import (
	"time"

	"github.com/edgenode/xp/pkg/store"
	"github.com/edgenode/xp/pkg/types"
)

// unlimitedCycleStartAt/unlimitedCycleEndAt are the sentinel window bounds
// for a grant under an unlimited reset policy. They never change between
// ticks, so an unlimited grant's usage is never reset by a window change.
const (
	unlimitedCycleStartAt = "unlimited"
	unlimitedCycleEndAt   = "unlimited"
)

// effectiveQuotaReset resolves the reset policy a grant's cycle window is
// computed under: the grant's user's own quota_reset, unless a
// per-(user,node) override pins quota_reset_source to the node, in which
// case the node's quota_reset applies instead.
func effectiveQuotaReset(s *store.Store, grant types.Grant) (types.QuotaReset, bool) {
	user, ok := s.GetUser(grant.UserID)
	if !ok {
		return types.QuotaReset{}, false
	}
	reset := user.QuotaReset

	endpoint, ok := s.GetEndpoint(grant.EndpointID)
	if !ok {
		return reset, true
	}
	override, ok := s.GetUserNodeQuota(grant.UserID, endpoint.NodeID)
	if !ok || override.QuotaResetSource != types.QuotaResetSourceNode {
		return reset, true
	}
	if node, ok := s.GetNode(endpoint.NodeID); ok {
		reset = node.QuotaReset
	}
	return reset, true
}

// currentCycleWindow computes (cycle_start_at, cycle_end_at) as RFC3339
// instants for reset anchored at now. Monthly policy anchors at
// day_of_month in the given tz offset, clamping to the last day of a
// shorter month; the window is [most recent anchor not after now, the
// following month's anchor).
func currentCycleWindow(reset types.QuotaReset, now time.Time) (string, string) {
	if reset.Policy != types.QuotaResetMonthly {
		return unlimitedCycleStartAt, unlimitedCycleEndAt
	}

	loc := time.FixedZone("", int(reset.TzOffsetMinutes)*60)
	local := now.In(loc)
	day := int(reset.DayOfMonth)

	anchor := monthAnchor(local.Year(), int(local.Month()), day, loc)
	start := anchor
	if local.Before(anchor) {
		start = monthAnchor(local.Year(), int(local.Month())-1, day, loc)
	}
	end := monthAnchor(start.Year(), int(start.Month())+1, day, loc)
	return start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)
}

// monthAnchor returns day (clamped to the last day of month) at midnight
// in loc. month may be outside [1,12]; time.Date normalizes it, so callers
// can pass month-1 or month+1 directly to cross a year boundary.
func monthAnchor(year, month, day int, loc *time.Location) time.Time {
	if last := lastDayOfMonth(year, month, loc); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}

func lastDayOfMonth(year, month int, loc *time.Location) int {
	firstOfNext := time.Date(year, time.Month(month+1), 1, 0, 0, 0, 0, loc)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
