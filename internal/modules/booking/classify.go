// README: Booking type classification and schedule parsing.
package booking

import (
	"fmt"
	"strings"
	"time"
)

// InstantWindow is how close to now a start must be for a booking to count as instant.
const InstantWindow = 30 * time.Minute

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Classify derives the booking type. It is evaluated once, at creation.
func Classify(pickupCity, destinationCity string, start, now time.Time) Type {
	pc := strings.TrimSpace(pickupCity)
	dc := strings.TrimSpace(destinationCity)
	if pc != "" && dc != "" && !strings.EqualFold(pc, dc) {
		return TypeCrossCity
	}
	if start.Sub(now) <= InstantWindow {
		return TypeInstant
	}
	return TypeScheduled
}

// ParseSchedule combines a date (2006-01-02) and a time (15:04, seconds optional) in loc.
func ParseSchedule(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if len(clock) == len("15:04:05") {
		clock = clock[:len(timeLayout)]
	}
	t, err := time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: schedule %q %q: %v", ErrValidation, date, clock, err)
	}
	return t, nil
}
