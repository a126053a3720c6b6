package points

import "sort"

// StreakDecision is the outcome of evaluating a check-in for today.
type StreakDecision struct {
	AlreadyCheckedIn bool
	Streak           int
}

// NextStreak decides the streak a check-in on today would carry, given the latest record.
func NextStreak(today CalendarDate, latest *AttendanceRecord) StreakDecision {
	if latest == nil {
		return StreakDecision{Streak: 1}
	}
	switch {
	case !latest.Date.Before(today):
		return StreakDecision{AlreadyCheckedIn: true, Streak: latest.StreakCount}
	case latest.Date.Equal(today.AddDays(-1)):
		return StreakDecision{Streak: latest.StreakCount + 1}
	default:
		return StreakDecision{Streak: 1}
	}
}

// AttendanceStats aggregates an attendance window.
type AttendanceStats struct {
	CurrentStreak       int
	MaxStreak           int
	TotalAttendanceDays int
	CheckedInToday      bool
	LastCheckInDate     CalendarDate
}

// SummarizeAttendance scans history (any order) as of today.
func SummarizeAttendance(history []AttendanceRecord, today CalendarDate) AttendanceStats {
	if len(history) == 0 {
		return AttendanceStats{}
	}
	ordered := make([]AttendanceRecord, len(history))
	copy(ordered, history)
	sort.SliceStable(ordered, func(left, right int) bool {
		return ordered[left].Date.Before(ordered[right].Date)
	})

	stats := AttendanceStats{}
	run := 0
	var previous CalendarDate
	for index, record := range ordered {
		if index > 0 && record.Date.Equal(previous) {
			continue
		}
		if index > 0 && record.Date.Equal(previous.AddDays(1)) {
			run++
		} else {
			run = 1
		}
		previous = record.Date
		stats.TotalAttendanceDays++
		// Snapshots also count days that precede the window.
		stats.MaxStreak = max(stats.MaxStreak, run, record.StreakCount)
	}

	latest := ordered[len(ordered)-1]
	stats.LastCheckInDate = latest.Date
	stats.CheckedInToday = latest.Date.Equal(today)
	if stats.CheckedInToday || latest.Date.Equal(today.AddDays(-1)) {
		stats.CurrentStreak = max(latest.StreakCount, run)
	}
	return stats
}
