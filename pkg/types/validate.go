package types

import "github.com/edgenode/xp/pkg/xperr"

// ValidatePort rejects port 0; any other uint16 value is a valid listen port.
func ValidatePort(port uint16) error {
	if port == 0 {
		return xperr.InvalidPort(port)
	}
	return nil
}

// ValidateCycleDayOfMonth requires day_of_month in [1, 31]. Months shorter
// than 31 days clamp at apply time (see pkg/quota), not here.
func ValidateCycleDayOfMonth(dayOfMonth uint8) error {
	if dayOfMonth < 1 || dayOfMonth > 31 {
		return xperr.InvalidCycleDayOfMonth(dayOfMonth)
	}
	return nil
}

// ValidateTzOffsetMinutes requires an offset within UTC-12..UTC+14.
func ValidateTzOffsetMinutes(tzOffsetMinutes int16) error {
	if tzOffsetMinutes < -720 || tzOffsetMinutes > 840 {
		return xperr.InvalidTzOffsetMinutes(tzOffsetMinutes)
	}
	return nil
}

// ValidateGroupName enforces: non-empty, at most 64 bytes, first character
// ascii-lowercase-or-digit, remaining characters lowercase/digit/'-'/'_'.
func ValidateGroupName(groupName string) error {
	if len(groupName) == 0 || len(groupName) > 64 {
		return xperr.InvalidGroupName(groupName)
	}
	first := groupName[0]
	if !isAsciiLowerOrDigit(first) {
		return xperr.InvalidGroupName(groupName)
	}
	for i := 1; i < len(groupName); i++ {
		ch := groupName[i]
		if !isAsciiLowerOrDigit(ch) && ch != '-' && ch != '_' {
			return xperr.InvalidGroupName(groupName)
		}
	}
	return nil
}

func isAsciiLowerOrDigit(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9')
}

// Validate checks QuotaReset's own invariants: DayOfMonth and
// TzOffsetMinutes only need to satisfy their range constraints when
// Policy is QuotaResetMonthly; an unlimited policy ignores both.
func (q QuotaReset) Validate() error {
	if q.Policy != QuotaResetMonthly {
		return nil
	}
	if err := ValidateCycleDayOfMonth(q.DayOfMonth); err != nil {
		return err
	}
	return ValidateTzOffsetMinutes(q.TzOffsetMinutes)
}
