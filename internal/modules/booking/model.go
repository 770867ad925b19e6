// README: Booking aggregate, status machine and classification types.
package booking

import (
	"time"

	"escort/internal/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"

	// Refinements of accepted used by guard apps; they behave exactly like accepted.
	StatusAssigned  Status = "assigned"
	StatusEnRoute   Status = "en_route"
	StatusConfirmed Status = "confirmed"
)

type Type string

const (
	TypeInstant   Type = "instant"
	TypeScheduled Type = "scheduled"
	TypeCrossCity Type = "cross_city"
)

type Role string

const (
	RoleClient Role = "client"
	RoleGuard  Role = "guard"
)

const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
)

// Place is a coordinate with its human readable address.
type Place struct {
	Point   types.Point `json:"point"`
	Address string      `json:"address"`
	City    string      `json:"city,omitempty"`
}

type Rating struct {
	Score     int            `json:"score"`
	Breakdown map[string]int `json:"breakdown,omitempty"`
	Review    string         `json:"review,omitempty"`
	RatedAt   time.Time      `json:"rated_at"`
}

type Booking struct {
	ID       types.ID  `json:"id"`
	ClientID types.ID  `json:"client_id"`
	GuardID  *types.ID `json:"guard_id,omitempty"`
	Type     Type      `json:"booking_type"`
	Status   Status    `json:"status"`
	Version  int       `json:"version"`

	ScheduledDate  string    `json:"scheduled_date"`
	ScheduledTime  string    `json:"scheduled_time"`
	ScheduledStart time.Time `json:"scheduled_start"`
	Duration       int       `json:"duration"`

	Pickup      Place  `json:"pickup"`
	Destination *Place `json:"destination,omitempty"`

	StartCode         string `json:"start_code"`
	StartCodeVerified bool   `json:"start_code_verified"`

	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	RejectedAt         *time.Time `json:"rejected_at,omitempty"`
	RejectionReason    string     `json:"rejection_reason,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	ExtensionCount     int        `json:"extension_count"`
	NearPickupAt       *time.Time `json:"near_pickup_at,omitempty"`

	Amount        types.Money `json:"amount"`
	PlatformFee   types.Money `json:"platform_fee"`
	GuardPayout   types.Money `json:"guard_payout"`
	PaymentStatus string      `json:"payment_status,omitempty"`

	Rating *Rating `json:"rating,omitempty"`
}

// Clone returns a deep copy so that callers never share mutable state with a store.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.GuardID != nil {
		g := *b.GuardID
		c.GuardID = &g
	}
	if b.Destination != nil {
		d := *b.Destination
		c.Destination = &d
	}
	c.AcceptedAt = cloneTime(b.AcceptedAt)
	c.RejectedAt = cloneTime(b.RejectedAt)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.CancelledAt = cloneTime(b.CancelledAt)
	c.NearPickupAt = cloneTime(b.NearPickupAt)
	if b.Rating != nil {
		r := *b.Rating
		if b.Rating.Breakdown != nil {
			r.Breakdown = make(map[string]int, len(b.Rating.Breakdown))
			for k, v := range b.Rating.Breakdown {
				r.Breakdown[k] = v
			}
		}
		c.Rating = &r
	}
	return &c
}

// IsParticipant reports whether userID is the client or the assigned guard.
func (b *Booking) IsParticipant(userID types.ID) bool {
	if b.ClientID == userID {
		return true
	}
	return b.GuardID != nil && *b.GuardID == userID
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Canonical folds refinements onto the base status they stand for.
func (s Status) Canonical() Status {
	switch s {
	case StatusAssigned, StatusEnRoute, StatusConfirmed:
		return StatusAccepted
	}
	return s
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusActive, StatusCompleted, StatusCancelled,
		StatusAssigned, StatusEnRoute, StatusConfirmed:
		return true
	}
	return false
}

// AllowedTransitions represents the booking state flow as code, over canonical statuses.
var AllowedTransitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted: {StatusActive, StatusCancelled},
	StatusActive:   {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	cf, ct := from.Canonical(), to.Canonical()
	// Moving between refinements of accepted is bookkeeping, not a state change.
	if cf == StatusAccepted && ct == StatusAccepted {
		return from != to
	}
	next, ok := AllowedTransitions[cf]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == ct {
			return true
		}
	}
	return false
}

// CanVerifyFrom reports whether the start code may move a booking in status s to active.
func CanVerifyFrom(s Status) bool {
	switch s.Canonical() {
	case StatusPending, StatusAccepted:
		return true
	}
	return false
}
