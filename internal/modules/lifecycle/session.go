// README: Tracking session owning one booking's geofences, proximity alert, feed and position subscriptions.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"escort/internal/maps"
	"escort/internal/modules/booking"
	"escort/internal/modules/geofence"
	"escort/internal/modules/location"
	"escort/internal/modules/notify"
	"escort/internal/modules/visibility"
	"escort/internal/types"
)

const (
	RegionPickup      = "pickup"
	RegionDestination = "destination"

	etaTimeout = 5 * time.Second
)

// View is what a client may see of a session. GuardPosition is set only while visible.
type View struct {
	BookingID         types.ID          `json:"booking_id"`
	Status            booking.Status    `json:"status"`
	Visibility        visibility.Result `json:"visibility"`
	GuardPosition     *types.Point      `json:"guard_position,omitempty"`
	GuardUpdatedAt    *time.Time        `json:"guard_updated_at,omitempty"`
	ETA               *maps.Estimate    `json:"eta,omitempty"`
	DistanceToPickupM *float64          `json:"distance_to_pickup_m,omitempty"`
	DistanceToDestM   *float64          `json:"distance_to_destination_m,omitempty"`
	InsidePickup      bool              `json:"inside_pickup"`
	InsideDestination bool              `json:"inside_destination"`
	Closed            bool              `json:"closed"`
}

type Session struct {
	engine    *Engine
	id        types.ID
	ctx       context.Context
	cancel    context.CancelFunc
	monitor   *geofence.Monitor
	proximity *geofence.Proximity
	done      chan struct{}

	mu           sync.Mutex
	booking      *booking.Booking
	vis          visibility.Result
	guard        *location.Sample
	eta          *maps.Estimate
	etaAt        time.Time
	listeners    map[int]func(View)
	nextListener int
	unsubFeed    func()
	unsubPos     func()
	stopped      bool
}

func newSession(e *Engine, b *booking.Booking) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		engine:    e,
		id:        b.ID,
		ctx:       ctx,
		cancel:    cancel,
		monitor:   geofence.NewMonitor(),
		proximity: geofence.NewProximity(),
		done:      make(chan struct{}),
		booking:   b,
		vis:       visibility.Evaluate(b, e.now()),
		listeners: make(map[int]func(View)),
	}
}

func (s *Session) start() error {
	b := s.snapshot()
	pickup := geofence.Region{
		ID:            RegionPickup,
		Center:        b.Pickup.Point,
		RadiusM:       s.engine.cfg.PickupRadiusM,
		NotifyOnEntry: true,
	}
	if err := s.monitor.Start([]geofence.Region{pickup}, s.onGeofence); err != nil {
		return fmt.Errorf("%w: %v", booking.ErrValidation, err)
	}
	if b.Destination != nil {
		err := s.monitor.AddRegion(geofence.Region{
			ID:            RegionDestination,
			Center:        b.Destination.Point,
			RadiusM:       s.engine.cfg.DestinationRadiusM,
			NotifyOnEntry: true,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", booking.ErrValidation, err)
		}
	}
	if err := s.proximity.AddAlert(RegionPickup, b.Pickup.Point, s.engine.cfg.ProximityThresholds, s.onProximity); err != nil {
		return fmt.Errorf("%w: %v", booking.ErrValidation, err)
	}

	unsub, err := s.engine.feed.Subscribe(s.ctx, booking.ByID(s.id), s.observe)
	if err != nil {
		return fmt.Errorf("booking feed: %w", err)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		unsub()
		return nil
	}
	s.unsubFeed = unsub
	s.mu.Unlock()
	s.watchGuard(b)

	go s.run()
	return nil
}

// run re-evaluates visibility on every tick until the session stops. It also wakes exactly
// when the visibility window opens, if that comes before the next tick.
func (s *Session) run() {
	for {
		timer := time.NewTimer(s.nextWake())
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick()
		}
	}
}

func (s *Session) nextWake() time.Duration {
	wait := s.engine.cfg.VisibilityTick
	now := s.engine.now()
	if at, ok := visibility.NextChange(s.snapshot(), now); ok {
		if d := at.Sub(now); d < wait {
			wait = d
		}
	}
	return wait
}

func (s *Session) tick() {
	b, err := s.engine.bookings.Get(s.ctx, s.id)
	if err != nil {
		if s.ctx.Err() == nil {
			s.engine.log.WithError(err).WithField("booking_id", s.id).Warn("session refresh failed")
		}
		return
	}
	s.refreshETA()
	s.observe(b)
}

// observe applies the freshest booking snapshot. Older versions are ignored.
func (s *Session) observe(b *booking.Booking) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.booking != nil && b.Version < s.booking.Version {
		s.mu.Unlock()
		return
	}
	s.booking = b
	s.vis = visibility.Evaluate(b, s.engine.now())
	s.mu.Unlock()

	// Once the escort has started the pickup no longer matters.
	if b.Status == booking.StatusActive {
		s.proximity.RemoveAlert(RegionPickup)
		s.monitor.RemoveRegion(RegionPickup)
	}
	s.watchGuard(b)
	s.publish()
	if b.Status.IsTerminal() {
		s.engine.release(s)
	}
}

// watchGuard subscribes to the assigned guard's positions once one is known, starting from
// the guard's last accepted sample.
func (s *Session) watchGuard(b *booking.Booking) {
	if b.GuardID == nil || s.engine.locations == nil {
		return
	}
	s.mu.Lock()
	if s.unsubPos != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.unsubPos = s.engine.locations.Subscribe(*b.GuardID, s.onSample)
	s.mu.Unlock()

	if last, ok := s.engine.locations.Last(*b.GuardID); ok {
		s.onSample(last)
	}
}

func (s *Session) onSample(sample location.Sample) {
	s.mu.Lock()
	if s.stopped || (s.guard != nil && sample.RecordedAt.Before(s.guard.RecordedAt)) {
		s.mu.Unlock()
		return
	}
	s.guard = &sample
	s.mu.Unlock()

	s.monitor.Process(sample.Point)
	s.proximity.Process(sample.Point)
	s.publish()
}

func (s *Session) onGeofence(ev geofence.Event) {
	if ev.Type != geofence.EventEnter {
		return
	}
	switch ev.RegionID {
	case RegionPickup:
		b, _, err := s.engine.bookings.MarkNearPickup(s.ctx, s.id)
		if err != nil {
			s.engine.log.WithError(err).WithField("booking_id", s.id).Warn("near pickup not recorded")
			return
		}
		s.observe(b)
	case RegionDestination:
		if !ev.Notify {
			return
		}
		b := s.snapshot()
		s.engine.notify(s.ctx, notify.Message{
			UserID: b.ClientID,
			Kind:   notify.KindArrival,
			Title:  "Arrived",
			Body:   "You have arrived at your destination.",
			Data:   map[string]string{"booking_id": string(b.ID)},
		})
	}
}

func (s *Session) onProximity(c geofence.Crossing) {
	b := s.snapshot()
	s.engine.notify(s.ctx, notify.Message{
		UserID: b.ClientID,
		Kind:   notify.KindProximity,
		Title:  "Your guard is approaching",
		Body:   fmt.Sprintf("Your guard is within %.0f m of the pickup point.", c.Threshold),
		Data: map[string]string{
			"booking_id":  string(b.ID),
			"threshold_m": strconv.FormatFloat(c.Threshold, 'f', 0, 64),
			"distance_m":  strconv.FormatFloat(c.DistanceM, 'f', 0, 64),
		},
	})
}

// refreshETA recomputes the guard's ETA to pickup, or to the destination once active.
func (s *Session) refreshETA() {
	if s.engine.eta == nil {
		return
	}
	s.mu.Lock()
	guard, b := s.guard, s.booking
	due := s.engine.now().Sub(s.etaAt) >= s.engine.cfg.ETARefresh
	s.mu.Unlock()
	if guard == nil || !due || b.Status.IsTerminal() {
		return
	}
	target := b.Pickup.Point
	if b.Status == booking.StatusActive {
		if b.Destination == nil {
			return
		}
		target = b.Destination.Point
	}

	ctx, cancel := context.WithTimeout(s.ctx, etaTimeout)
	defer cancel()
	est, err := s.engine.eta.Estimate(ctx, guard.Point, target)
	if err != nil {
		s.engine.log.WithError(err).WithField("booking_id", s.id).Debug("eta unavailable")
		return
	}
	s.mu.Lock()
	s.eta = &est
	s.etaAt = s.engine.now()
	s.mu.Unlock()
}

func (s *Session) snapshot() *booking.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booking
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) ID() types.ID {
	return s.id
}

// View renders the session for the client, withholding the guard position while hidden.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		BookingID:         s.id,
		Visibility:        s.vis,
		InsidePickup:      s.monitor.IsInside(RegionPickup),
		InsideDestination: s.monitor.IsInside(RegionDestination),
		Closed:            s.stopped,
	}
	if s.booking != nil {
		v.Status = s.booking.Status
	}
	if s.vis.Visible && s.guard != nil {
		p := s.guard.Point
		at := s.guard.RecordedAt
		v.GuardPosition = &p
		v.GuardUpdatedAt = &at
		if d, ok := s.monitor.DistanceTo(RegionPickup, p); ok {
			v.DistanceToPickupM = &d
		}
		if d, ok := s.monitor.DistanceTo(RegionDestination, p); ok {
			v.DistanceToDestM = &d
		}
		if s.eta != nil {
			eta := *s.eta
			v.ETA = &eta
		}
	}
	return v
}

// Listen calls fn with a fresh View after every change until the returned function is called.
func (s *Session) Listen(fn func(View)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
		})
	}
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) publish() {
	s.mu.Lock()
	v := s.viewLocked()
	fns := make([]func(View), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// stop releases the position subscription, the feed subscription, the geofence regions
// and proximity alerts, then resets visibility. It reports whether this call did the work.
func (s *Session) stop() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	unsubPos, unsubFeed := s.unsubPos, s.unsubFeed
	s.unsubPos, s.unsubFeed = nil, nil
	s.mu.Unlock()

	if unsubPos != nil {
		unsubPos()
	}
	if unsubFeed != nil {
		unsubFeed()
	}
	s.monitor.Stop()
	s.proximity.Clear()
	s.cancel()

	s.mu.Lock()
	s.vis = visibility.Result{}
	s.guard = nil
	s.eta = nil
	v := s.viewLocked()
	fns := make([]func(View), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listeners = make(map[int]func(View))
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	close(s.done)
	return true
}
