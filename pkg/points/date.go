package points

import (
	"fmt"
	"strings"
	"time"
)

// CalendarDate is a day without a time of day, anchored at midnight UTC.
type CalendarDate struct {
	midnight time.Time
}

// NewCalendarDate normalizes the given year, month and day into a CalendarDate.
func NewCalendarDate(year int, month time.Month, day int) CalendarDate {
	return CalendarDate{midnight: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateIn returns the calendar date of instant as observed in location.
func DateIn(instant time.Time, location *time.Location) CalendarDate {
	if location == nil {
		location = time.UTC
	}
	local := instant.In(location)
	return NewCalendarDate(local.Year(), local.Month(), local.Day())
}

// ParseCalendarDate parses a YYYY-MM-DD date.
func ParseCalendarDate(raw string) (CalendarDate, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return CalendarDate{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return NewCalendarDate(parsed.Year(), parsed.Month(), parsed.Day()), nil
}

func (date CalendarDate) String() string {
	if date.IsZero() {
		return ""
	}
	return date.midnight.Format(dateLayout)
}

// Time returns midnight UTC of the date.
func (date CalendarDate) Time() time.Time {
	return date.midnight
}

func (date CalendarDate) IsZero() bool {
	return date.midnight.IsZero()
}

func (date CalendarDate) AddDays(days int) CalendarDate {
	return CalendarDate{midnight: date.midnight.AddDate(0, 0, days)}
}

func (date CalendarDate) Equal(other CalendarDate) bool {
	return date.midnight.Equal(other.midnight)
}

func (date CalendarDate) Before(other CalendarDate) bool {
	return date.midnight.Before(other.midnight)
}

func (date CalendarDate) After(other CalendarDate) bool {
	return date.midnight.After(other.midnight)
}

// DaysSince returns the number of whole days from other to date.
func (date CalendarDate) DaysSince(other CalendarDate) int {
	return int(date.midnight.Sub(other.midnight) / (24 * time.Hour))
}
