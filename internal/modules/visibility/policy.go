// README: T-10 visibility policy deciding when a guard's live position may be disclosed to the client.
package visibility

import (
	"math"
	"time"

	"escort/internal/modules/booking"
)

type Reason string

const (
	ReasonCompleted         Reason = "completed"
	ReasonActive            Reason = "active"
	ReasonAwaitingStartCode Reason = "awaiting_start_code"
	ReasonNotStarted        Reason = "not_started"
	ReasonWithinT10         Reason = "within_t10"
)

// Window is how long before the scheduled start the position becomes visible.
const Window = 10 * time.Minute

type Result struct {
	Visible             bool       `json:"visible"`
	Reason              Reason     `json:"reason"`
	MinutesUntilVisible *int       `json:"minutes_until_visible,omitempty"`
	EstimatedArrival    *time.Time `json:"estimated_arrival,omitempty"`
}

// Evaluate is pure: the same booking and instant always give the same result. The first
// matching rule wins.
func Evaluate(b *booking.Booking, now time.Time) Result {
	if b == nil || b.Status.IsTerminal() {
		return Result{Reason: ReasonCompleted}
	}
	if b.Status == booking.StatusActive && b.StartCodeVerified {
		return Result{Visible: true, Reason: ReasonActive}
	}
	if b.Type == booking.TypeInstant && b.Status.Canonical() == booking.StatusAccepted && !b.StartCodeVerified {
		return Result{Reason: ReasonAwaitingStartCode}
	}
	if b.Type == booking.TypeScheduled || b.Type == booking.TypeCrossCity {
		eta := b.ScheduledStart
		delta := b.ScheduledStart.Sub(now).Minutes()
		switch {
		case delta > Window.Minutes():
			wait := int(math.Ceil(delta - Window.Minutes()))
			return Result{Reason: ReasonNotStarted, MinutesUntilVisible: &wait, EstimatedArrival: &eta}
		case delta > 0:
			return Result{Visible: true, Reason: ReasonWithinT10, EstimatedArrival: &eta}
		case !b.StartCodeVerified:
			// Overdue guard: disclosure continues until verification or cancellation.
			return Result{Visible: true, Reason: ReasonWithinT10}
		}
	}
	return Result{Reason: ReasonNotStarted}
}

// NextChange returns the next instant after now at which Evaluate could return a different
// visibility for an unchanged booking, or false when only a status change can alter it.
func NextChange(b *booking.Booking, now time.Time) (time.Time, bool) {
	if b == nil || b.Status.IsTerminal() || b.Status == booking.StatusActive {
		return time.Time{}, false
	}
	if b.Type != booking.TypeScheduled && b.Type != booking.TypeCrossCity {
		return time.Time{}, false
	}
	opens := b.ScheduledStart.Add(-Window)
	if now.Before(opens) {
		return opens, true
	}
	return time.Time{}, false
}
