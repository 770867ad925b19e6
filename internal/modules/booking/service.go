// README: Booking service implements the state machine, the start-code gate and local-first persistence.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"escort/internal/logging"
	"escort/internal/modules/notify"
	"escort/internal/observability"
	"escort/internal/types"
)

// Propagator schedules a booking for remote synchronization. The Outbox implements it.
type Propagator interface {
	Enqueue(ctx context.Context, id types.ID) error
}

type Service struct {
	store    LocalStore
	sync     Propagator
	notifier notify.Notifier
	log      logrus.FieldLogger
	loc      *time.Location
	now      func() time.Time
	newCode  func() (string, error)
	locks    keyedMutex
}

type Option func(*Service)

func WithPropagator(p Propagator) Option {
	return func(s *Service) { s.sync = p }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithLocation sets the zone scheduled dates and times are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

func NewService(store LocalStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		log:     logging.Discard(),
		loc:     time.UTC,
		now:     time.Now,
		newCode: NewStartCode,
		locks:   keyedMutex{locks: make(map[types.ID]*keyedLock)},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "booking")
	return s
}

type CreateCommand struct {
	ClientID      types.ID
	GuardID       *types.ID
	ScheduledDate string
	ScheduledTime string
	Duration      int
	Pickup        Place
	Destination   *Place
	Amount        types.Money
	PlatformFee   types.Money
	GuardPayout   types.Money
}

type VerifyCommand struct {
	BookingID types.ID
	Code      string
	ActorID   types.ID
	// RequireAssignedGuard rejects actors other than the assigned guard.
	RequireAssignedGuard bool
}

type VerifyResult struct {
	Success       bool
	AlreadyActive bool
	Booking       *Booking
}

// Err maps an unsuccessful result onto ErrInvalidCode.
func (r VerifyResult) Err() error {
	if r.Success {
		return nil
	}
	return ErrInvalidCode
}

type StatusCommand struct {
	BookingID types.ID
	Status    Status
	ActorID   types.ID
	Reason    string
}

type CancelCommand struct {
	BookingID   types.ID
	CancelledBy string
	Reason      string
}

type ExtendCommand struct {
	BookingID  types.ID
	ExtraHours int
}

type RateCommand struct {
	BookingID types.ID
	Score     int
	Breakdown map[string]int
	Review    string
}

type PaymentCommand struct {
	BookingID types.ID
	Succeeded bool
}

// errNoChange aborts a mutation without writing and without failing the call.
var errNoChange = errors.New("no change")

var errCodeMismatch = errors.New("start code mismatch")

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Booking, error) {
	if err := validateCreate(cmd); err != nil {
		return nil, err
	}
	start, err := ParseSchedule(cmd.ScheduledDate, cmd.ScheduledTime, s.loc)
	if err != nil {
		return nil, err
	}
	code, err := s.uniqueStartCode(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	destCity := ""
	var dest *Place
	if cmd.Destination != nil {
		d := *cmd.Destination
		dest = &d
		destCity = d.City
	}
	b := &Booking{
		ID:             newID(),
		ClientID:       cmd.ClientID,
		Type:           Classify(cmd.Pickup.City, destCity, start, now),
		Status:         StatusPending,
		Version:        1,
		ScheduledDate:  strings.TrimSpace(cmd.ScheduledDate),
		ScheduledTime:  strings.TrimSpace(cmd.ScheduledTime),
		ScheduledStart: start,
		Duration:       cmd.Duration,
		Pickup:         cmd.Pickup,
		Destination:    dest,
		StartCode:      code,
		CreatedAt:      now,
		UpdatedAt:      now,
		Amount:         cmd.Amount,
		PlatformFee:    cmd.PlatformFee,
		GuardPayout:    cmd.GuardPayout,
		PaymentStatus:  PaymentPending,
	}
	if cmd.GuardID != nil && *cmd.GuardID != "" {
		g := *cmd.GuardID
		b.GuardID = &g
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	observability.TransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.propagate(ctx, b.ID)

	s.log.WithFields(logrus.Fields{"booking_id": b.ID, "type": b.Type, "client_id": b.ClientID}).Info("booking created")
	if b.GuardID != nil {
		s.notify(ctx, notify.Message{
			UserID: *b.GuardID,
			Kind:   notify.KindBookingRequest,
			Title:  "New booking request",
			Body:   fmt.Sprintf("%s booking for %s %s", b.Type, b.ScheduledDate, b.ScheduledTime),
			Data:   map[string]string{"booking_id": string(b.ID)},
		})
	}
	return b, nil
}

func validateCreate(cmd CreateCommand) error {
	switch {
	case cmd.ClientID == "":
		return fmt.Errorf("%w: client is required", ErrValidation)
	case cmd.Duration < 1:
		return fmt.Errorf("%w: duration must be at least one hour", ErrValidation)
	case strings.TrimSpace(cmd.Pickup.Address) == "":
		return fmt.Errorf("%w: pickup address is required", ErrValidation)
	case !cmd.Pickup.Point.Valid():
		return fmt.Errorf("%w: pickup coordinates are invalid", ErrValidation)
	case cmd.Destination != nil && !cmd.Destination.Point.Valid():
		return fmt.Errorf("%w: destination coordinates are invalid", ErrValidation)
	}
	return nil
}

// uniqueStartCode draws codes until one is unused among live bookings. After the attempt
// budget a colliding code is accepted; verification is always scoped to one booking.
func (s *Service) uniqueStartCode(ctx context.Context) (string, error) {
	var code string
	for i := 0; i < startCodeAttempts; i++ {
		c, err := s.newCode()
		if err != nil {
			return "", err
		}
		code = c
		inUse, err := s.store.StartCodeInUse(ctx, code)
		if err != nil {
			return "", fmt.Errorf("start code lookup: %w", err)
		}
		if !inUse {
			return code, nil
		}
	}
	s.log.Warn("no unused start code found, accepting a duplicate")
	return code, nil
}

// VerifyStartCode compares the presented code and, on a match, moves the booking to active.
// A mismatch is not an error: it returns Success false and leaves the booking untouched.
func (s *Service) VerifyStartCode(ctx context.Context, cmd VerifyCommand) (VerifyResult, error) {
	var result VerifyResult
	b, err := s.mutate(ctx, cmd.BookingID, func(b *Booking, now time.Time) error {
		if cmd.RequireAssignedGuard && (b.GuardID == nil || *b.GuardID != cmd.ActorID) {
			return ErrUnauthorized
		}
		if b.Status == StatusActive {
			result.AlreadyActive = true
			return errNoChange
		}
		if !CanVerifyFrom(b.Status) {
			return fmt.Errorf("%w: cannot start a %s booking", ErrInvalidTransition, b.Status)
		}
		if !strings.EqualFold(strings.TrimSpace(cmd.Code), b.StartCode) {
			return errCodeMismatch
		}
		b.Status = StatusActive
		b.StartCodeVerified = true
		b.StartedAt = &now
		return nil
	})
	switch {
	case errors.Is(err, errCodeMismatch):
		observability.VerifyAttemptsTotal.WithLabelValues("mismatch").Inc()
		s.log.WithField("booking_id", cmd.BookingID).Info("start code mismatch")
		return VerifyResult{Success: false, Booking: b}, nil
	case err != nil:
		observability.VerifyAttemptsTotal.WithLabelValues("error").Inc()
		return VerifyResult{}, err
	}

	result.Success = true
	result.Booking = b
	if result.AlreadyActive {
		observability.VerifyAttemptsTotal.WithLabelValues("already_active").Inc()
		return result, nil
	}
	observability.VerifyAttemptsTotal.WithLabelValues("success").Inc()
	observability.TransitionsTotal.WithLabelValues(string(StatusActive)).Inc()
	s.log.WithFields(logrus.Fields{"booking_id": b.ID, "actor_id": cmd.ActorID}).Info("booking started")
	s.notifyStatus(ctx, b)
	return result, nil
}

// UpdateStatus applies a transition other than the start-code gated move to active.
func (s *Service) UpdateStatus(ctx context.Context, cmd StatusCommand) (*Booking, error) {
	if !cmd.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, cmd.Status)
	}
	if cmd.Status == StatusActive {
		return nil, fmt.Errorf("%w: active is entered only by start code verification", ErrInvalidTransition)
	}
	b, err := s.mutate(ctx, cmd.BookingID, func(b *Booking, now time.Time) error {
		if !CanTransition(b.Status, cmd.Status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, b.Status, cmd.Status)
		}
		applyStatus(b, cmd.Status, now)
		switch cmd.Status.Canonical() {
		case StatusAccepted:
			if b.GuardID == nil && cmd.ActorID != "" {
				g := cmd.ActorID
				b.GuardID = &g
			}
		case StatusRejected:
			b.RejectionReason = cmd.Reason
		case StatusCancelled:
			b.CancelledBy = string(RoleClient)
			if cmd.ActorID != "" && b.GuardID != nil && *b.GuardID == cmd.ActorID {
				b.CancelledBy = string(RoleGuard)
			}
			b.CancellationReason = cmd.Reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, b)
	return b, nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Booking, error) {
	b, err := s.mutate(ctx, cmd.BookingID, func(b *Booking, now time.Time) error {
		if !CanTransition(b.Status, StatusCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s booking", ErrInvalidTransition, b.Status)
		}
		applyStatus(b, StatusCancelled, now)
		b.CancelledBy = cmd.CancelledBy
		b.CancellationReason = cmd.Reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, b)
	return b, nil
}

// Extend adds hours to an active booking.
func (s *Service) Extend(ctx context.Context, cmd ExtendCommand) (*Booking, error) {
	if cmd.ExtraHours < 1 {
		return nil, fmt.Errorf("%w: extension must be at least one hour", ErrValidation)
	}
	b, err := s.mutate(ctx, cmd.BookingID, func(b *Booking, _ time.Time) error {
		if b.Status != StatusActive {
			return fmt.Errorf("%w: only active bookings can be extended", ErrInvalidTransition)
		}
		b.Duration += cmd.ExtraHours
		b.ExtensionCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"booking_id": b.ID, "duration": b.Duration}).Info("booking extended")
	return b, nil
}

// Rate records the client's rating of a completed booking. A booking is rated once.
func (s *Service) Rate(ctx context.Context, cmd RateCommand) (*Booking, error) {
	if cmd.Score < 1 || cmd.Score > 5 {
		return nil, fmt.Errorf("%w: score must be between 1 and 5", ErrValidation)
	}
	for k, v := range cmd.Breakdown {
		if v < 1 || v > 5 {
			return nil, fmt.Errorf("%w: %s score must be between 1 and 5", ErrValidation, k)
		}
	}
	return s.mutate(ctx, cmd.BookingID, func(b *Booking, now time.Time) error {
		if b.Status != StatusCompleted {
			return fmt.Errorf("%w: only completed bookings can be rated", ErrInvalidTransition)
		}
		if b.Rating != nil {
			return fmt.Errorf("%w: booking already rated", ErrInvalidTransition)
		}
		var breakdown map[string]int
		if len(cmd.Breakdown) > 0 {
			breakdown = make(map[string]int, len(cmd.Breakdown))
			for k, v := range cmd.Breakdown {
				breakdown[k] = v
			}
		}
		b.Rating = &Rating{Score: cmd.Score, Breakdown: breakdown, Review: strings.TrimSpace(cmd.Review), RatedAt: now}
		return nil
	})
}

// MarkNearPickup stamps the first time the guard came within the pickup radius.
// It reports whether this call set the stamp.
func (s *Service) MarkNearPickup(ctx context.Context, id types.ID) (*Booking, bool, error) {
	marked := false
	b, err := s.mutate(ctx, id, func(b *Booking, now time.Time) error {
		if b.NearPickupAt != nil || b.Status.IsTerminal() {
			return errNoChange
		}
		b.NearPickupAt = &now
		marked = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if marked {
		s.notify(ctx, notify.Message{
			UserID: b.ClientID,
			Kind:   notify.KindNearPickup,
			Title:  "Your guard is nearby",
			Body:   "Your guard is approaching the pickup point.",
			Data:   map[string]string{"booking_id": string(b.ID)},
		})
	}
	return b, marked, nil
}

// RecordPayment applies a payment outcome. A failed payment cancels a booking that has not started.
func (s *Service) RecordPayment(ctx context.Context, cmd PaymentCommand) (*Booking, error) {
	cancelled := false
	b, err := s.mutate(ctx, cmd.BookingID, func(b *Booking, now time.Time) error {
		if cmd.Succeeded {
			if b.PaymentStatus == PaymentPaid {
				return errNoChange
			}
			b.PaymentStatus = PaymentPaid
			return nil
		}
		b.PaymentStatus = PaymentFailed
		if CanVerifyFrom(b.Status) {
			applyStatus(b, StatusCancelled, now)
			b.CancelledBy = "system"
			b.CancellationReason = "payment_failed"
			cancelled = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		s.afterTransition(ctx, b)
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID types.ID, role Role) ([]*Booking, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	if role != RoleClient && role != RoleGuard {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	return s.store.ListByUser(ctx, userID, role)
}

// mutate serializes writers per booking, applies fn to a fresh copy and writes it back with
// a version check. On fn failure the unmodified booking is returned alongside the error.
func (s *Service) mutate(ctx context.Context, id types.ID, fn func(b *Booking, now time.Time) error) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := b.Clone()
	expected := b.Version
	now := s.now()
	if err := fn(b, now); err != nil {
		if errors.Is(err, errNoChange) {
			return before, nil
		}
		return before, err
	}
	b.Version++
	b.UpdatedAt = now

	ok, err := s.store.Update(ctx, b, expected)
	if err != nil {
		return nil, fmt.Errorf("persist booking %s: %w", id, err)
	}
	if !ok {
		return nil, ErrConflict
	}
	s.propagate(ctx, id)
	return b, nil
}

// propagate hands the write to the remote sync. The local write already succeeded, so a
// failure here is logged and never surfaced.
func (s *Service) propagate(ctx context.Context, id types.ID) {
	if s.sync == nil {
		return
	}
	if err := s.sync.Enqueue(context.WithoutCancel(ctx), id); err != nil {
		observability.SyncFailuresTotal.Inc()
		s.log.WithError(fmt.Errorf("%w: %w", ErrSyncFailure, err)).WithField("booking_id", id).Warn("remote sync not scheduled")
	}
}

func (s *Service) afterTransition(ctx context.Context, b *Booking) {
	observability.TransitionsTotal.WithLabelValues(string(b.Status)).Inc()
	s.log.WithFields(logrus.Fields{"booking_id": b.ID, "status": b.Status, "version": b.Version}).Info("booking status changed")
	s.notifyStatus(ctx, b)
}

func (s *Service) notifyStatus(ctx context.Context, b *Booking) {
	data := map[string]string{"booking_id": string(b.ID), "status": string(b.Status)}
	body := fmt.Sprintf("Booking is now %s", strings.ReplaceAll(string(b.Status), "_", " "))
	s.notify(ctx, notify.Message{UserID: b.ClientID, Kind: notify.KindBookingStatus, Title: "Booking update", Body: body, Data: data})
	if b.GuardID != nil {
		s.notify(ctx, notify.Message{UserID: *b.GuardID, Kind: notify.KindBookingStatus, Title: "Booking update", Body: body, Data: data})
	}
}

func (s *Service) notify(ctx context.Context, msg notify.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.log.WithError(err).WithField("kind", msg.Kind).Warn("notification failed")
	}
}

func applyStatus(b *Booking, to Status, now time.Time) {
	b.Status = to
	switch to.Canonical() {
	case StatusAccepted:
		if b.AcceptedAt == nil {
			b.AcceptedAt = &now
		}
	case StatusRejected:
		b.RejectedAt = &now
	case StatusCompleted:
		b.CompletedAt = &now
	case StatusCancelled:
		b.CancelledAt = &now
	}
}

// keyedMutex hands out one mutex per booking id and forgets it once no caller holds it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.ID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id types.ID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyedLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
