package voting

import "time"

// DayKey normalises a timestamp to its calendar day bucket in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

// Streak returns the number of consecutive calendar days, ending at today or
// yesterday, on which at least one rewarded vote was cast. A voter who has not
// voted today keeps the streak earned through yesterday; a gap of a full day
// resets it to zero.
//
// dates may contain duplicates and may be in any order. Only the calendar day
// of each entry (in today's location) is considered, so the result depends on
// the set of days alone and recomputation is stable.
func Streak(dates []time.Time, today time.Time) int {
	if len(dates) == 0 {
		return 0
	}
	loc := today.Location()
	days := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		days[DayKey(d, loc)] = struct{}{}
	}

	cursor := startOfDay(today)
	if _, ok := days[cursor.Format(time.DateOnly)]; !ok {
		cursor = cursor.AddDate(0, 0, -1)
		if _, ok := days[cursor.Format(time.DateOnly)]; !ok {
			return 0
		}
	}

	streak := 0
	for {
		if _, ok := days[cursor.Format(time.DateOnly)]; !ok {
			return streak
		}
		streak++
		cursor = cursor.AddDate(0, 0, -1)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
