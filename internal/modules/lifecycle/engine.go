// README: Lifecycle engine: command surface over bookings plus per-booking tracking sessions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"escort/internal/maps"
	"escort/internal/modules/booking"
	"escort/internal/modules/location"
	"escort/internal/modules/notify"
	"escort/internal/modules/ratelimit"
	"escort/internal/modules/visibility"
	"escort/internal/observability"
	"escort/internal/types"
)

var (
	ErrRateLimited = errors.New("too many failed start code attempts")
	ErrNotTracking = errors.New("booking is not being tracked")
)

// RateLimitedError carries how long the caller must wait; it matches ErrRateLimited.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type Config struct {
	VisibilityTick      time.Duration
	PickupRadiusM       float64
	DestinationRadiusM  float64
	ProximityThresholds []float64
	ETARefresh          time.Duration
}

func DefaultConfig() Config {
	return Config{
		VisibilityTick:      15 * time.Second,
		PickupRadiusM:       100,
		DestinationRadiusM:  150,
		ProximityThresholds: []float64{500, 200, 100},
		ETARefresh:          time.Minute,
	}
}

type Deps struct {
	Bookings  *booking.Service
	Feed      booking.Feed
	Polling   *booking.PollingFeed
	Interval  *booking.AdaptiveInterval
	Locations *location.Service
	Gate      ratelimit.Gate
	ETA       maps.ETAProvider
	Notifier  notify.Notifier
	Log       logrus.FieldLogger
}

type Engine struct {
	bookings  *booking.Service
	feed      booking.Feed
	polling   *booking.PollingFeed
	interval  *booking.AdaptiveInterval
	locations *location.Service
	gate      ratelimit.Gate
	eta       maps.ETAProvider
	notifier  notify.Notifier
	cfg       Config
	log       logrus.FieldLogger
	now       func() time.Time

	mu         sync.Mutex
	sessions   map[types.ID]*Session
	foreground bool
}

func NewEngine(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.VisibilityTick <= 0 {
		cfg.VisibilityTick = def.VisibilityTick
	}
	if cfg.PickupRadiusM <= 0 {
		cfg.PickupRadiusM = def.PickupRadiusM
	}
	if cfg.DestinationRadiusM <= 0 {
		cfg.DestinationRadiusM = def.DestinationRadiusM
	}
	if len(cfg.ProximityThresholds) == 0 {
		cfg.ProximityThresholds = def.ProximityThresholds
	}
	if cfg.ETARefresh <= 0 {
		cfg.ETARefresh = def.ETARefresh
	}
	if deps.Feed == nil {
		deps.Feed = deps.Polling
	}
	return &Engine{
		bookings:  deps.Bookings,
		feed:      deps.Feed,
		polling:   deps.Polling,
		interval:  deps.Interval,
		locations: deps.Locations,
		gate:      deps.Gate,
		eta:       deps.ETA,
		notifier:  deps.Notifier,
		cfg:       cfg,
		log:       deps.Log.WithField("component", "lifecycle"),
		now:       time.Now,
		sessions:  make(map[types.ID]*Session),
	}
}

func (e *Engine) CreateBooking(ctx context.Context, cmd booking.CreateCommand) (*booking.Booking, error) {
	return e.bookings.Create(ctx, cmd)
}

func verifyKey(actorID, bookingID types.ID) string {
	return string(actorID) + "_" + string(bookingID)
}

// VerifyStartCode runs the start-code gate behind the attempt limit keyed on actor and
// booking. The attempt is reserved before the code is compared and cleared on success.
func (e *Engine) VerifyStartCode(ctx context.Context, cmd booking.VerifyCommand) (booking.VerifyResult, error) {
	key := verifyKey(cmd.ActorID, cmd.BookingID)
	if e.gate != nil {
		d, err := e.gate.Acquire(ctx, key)
		if err != nil {
			e.log.WithError(err).Warn("rate limit unavailable, allowing verification")
		} else if !d.Allowed {
			observability.VerifyAttemptsTotal.WithLabelValues("rate_limited").Inc()
			return booking.VerifyResult{}, &RateLimitedError{RetryAfter: d.RetryAfter}
		}
	}

	res, err := e.bookings.VerifyStartCode(ctx, cmd)
	if err != nil {
		return res, err
	}
	if e.gate != nil && res.Success {
		if err := e.gate.Reset(ctx, key); err != nil {
			e.log.WithError(err).Warn("rate limit reset failed")
		}
	}
	e.observe(res.Booking)
	return res, nil
}

func (e *Engine) UpdateBookingStatus(ctx context.Context, cmd booking.StatusCommand) (*booking.Booking, error) {
	b, err := e.bookings.UpdateStatus(ctx, cmd)
	if err != nil {
		return nil, err
	}
	e.observe(b)
	return b, nil
}

func (e *Engine) CancelBooking(ctx context.Context, cmd booking.CancelCommand) (*booking.Booking, error) {
	b, err := e.bookings.Cancel(ctx, cmd)
	if err != nil {
		return nil, err
	}
	e.observe(b)
	return b, nil
}

func (e *Engine) ExtendBooking(ctx context.Context, cmd booking.ExtendCommand) (*booking.Booking, error) {
	b, err := e.bookings.Extend(ctx, cmd)
	if err != nil {
		return nil, err
	}
	e.observe(b)
	return b, nil
}

func (e *Engine) RateBooking(ctx context.Context, cmd booking.RateCommand) (*booking.Booking, error) {
	return e.bookings.Rate(ctx, cmd)
}

// HandlePayment applies the external payment signal.
func (e *Engine) HandlePayment(ctx context.Context, cmd booking.PaymentCommand) (*booking.Booking, error) {
	b, err := e.bookings.RecordPayment(ctx, cmd)
	if err != nil {
		return nil, err
	}
	e.observe(b)
	return b, nil
}

func (e *Engine) GetBookingByID(ctx context.Context, id types.ID) (*booking.Booking, error) {
	return e.bookings.Get(ctx, id)
}

func (e *Engine) GetBookingsByUser(ctx context.Context, userID types.ID, role booking.Role) ([]*booking.Booking, error) {
	return e.bookings.ListByUser(ctx, userID, role)
}

// SubscribeToBookings uses the preferred feed, push when available.
func (e *Engine) SubscribeToBookings(ctx context.Context, filter booking.Filter, fn func(*booking.Booking)) (func(), error) {
	return e.feed.Subscribe(ctx, filter, fn)
}

// StartPolling always polls the local cache at the adaptive interval.
func (e *Engine) StartPolling(ctx context.Context, filter booking.Filter, fn func(*booking.Booking)) (func(), error) {
	return e.polling.Subscribe(ctx, filter, fn)
}

// SetPollingActive records the app foreground signal. Open tracking sessions keep the
// active tier regardless.
func (e *Engine) SetPollingActive(active bool) {
	e.mu.Lock()
	e.foreground = active
	e.mu.Unlock()
	e.applyInterval()
}

func (e *Engine) CurrentPollingInterval() time.Duration {
	return e.interval.Current()
}

func (e *Engine) applyInterval() {
	e.mu.Lock()
	active := e.foreground || len(e.sessions) > 0
	e.mu.Unlock()
	e.interval.SetActive(active)
}

func (e *Engine) EvaluateVisibility(ctx context.Context, id types.ID) (visibility.Result, error) {
	b, err := e.bookings.Get(ctx, id)
	if err != nil {
		return visibility.Result{}, err
	}
	return visibility.Evaluate(b, e.now()), nil
}

// HandlePosition ingests a device sample; sessions tracking that guard receive it.
func (e *Engine) HandlePosition(ctx context.Context, s location.Sample) (bool, error) {
	return e.locations.Update(ctx, s)
}

// StartTracking opens, or returns the already open, session for id.
func (e *Engine) StartTracking(ctx context.Context, id types.ID) (*Session, error) {
	b, err := e.bookings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: booking is %s", booking.ErrInvalidTransition, b.Status)
	}

	e.mu.Lock()
	if s, ok := e.sessions[id]; ok {
		e.mu.Unlock()
		return s, nil
	}
	s := newSession(e, b)
	e.sessions[id] = s
	e.mu.Unlock()
	observability.ActiveSessions.Inc()

	if err := s.start(); err != nil {
		e.release(s)
		return nil, err
	}
	// The first feed delivery may already have closed the session.
	if s.isStopped() {
		return nil, fmt.Errorf("%w: booking is %s", booking.ErrInvalidTransition, s.snapshot().Status)
	}
	e.applyInterval()
	e.log.WithField("booking_id", id).Info("tracking started")
	return s, nil
}

// StopTracking tears the session down. Unknown ids are ignored.
func (e *Engine) StopTracking(id types.ID) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	e.mu.Unlock()
	if ok {
		e.release(s)
	}
}

// release unregisters s, if still registered, and stops it.
func (e *Engine) release(s *Session) {
	e.mu.Lock()
	if cur, ok := e.sessions[s.id]; ok && cur == s {
		delete(e.sessions, s.id)
	}
	e.mu.Unlock()
	if s.stop() {
		observability.ActiveSessions.Dec()
		e.log.WithField("booking_id", s.id).Info("tracking stopped")
	}
	e.applyInterval()
}

func (e *Engine) Session(id types.ID) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, ErrNotTracking
	}
	return s, nil
}

// Close stops every session.
func (e *Engine) Close() {
	e.mu.Lock()
	ids := make([]types.ID, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.StopTracking(id)
	}
}

func (e *Engine) observe(b *booking.Booking) {
	if b == nil {
		return
	}
	e.mu.Lock()
	s, ok := e.sessions[b.ID]
	e.mu.Unlock()
	if ok {
		s.observe(b)
	}
}

func (e *Engine) notify(ctx context.Context, msg notify.Message) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, msg); err != nil {
		e.log.WithError(err).WithField("kind", msg.Kind).Warn("notification failed")
	}
}
