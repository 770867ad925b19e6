// README: Booking change feeds: push subscription over Redis pub/sub, or adaptive polling of the local cache.
package booking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"escort/internal/types"
)

// Filter selects the bookings a subscriber cares about. A nil filter accepts everything.
type Filter func(*Booking) bool

func ByID(id types.ID) Filter {
	return func(b *Booking) bool { return b.ID == id }
}

func ByUser(userID types.ID) Filter {
	return func(b *Booking) bool { return b.IsParticipant(userID) }
}

// Feed delivers booking snapshots as they change. Both implementations are interchangeable.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter, fn func(*Booking)) (unsubscribe func(), err error)
}

// AdaptiveInterval is the two-tier polling period: idle while backgrounded, active while a
// client is in the foreground or a tracking screen is open.
type AdaptiveInterval struct {
	idle   time.Duration
	active time.Duration

	mu       sync.Mutex
	isActive bool
	nextID   int
	watchers map[int]chan struct{}
}

func NewAdaptiveInterval(idle, active time.Duration) *AdaptiveInterval {
	return &AdaptiveInterval{idle: idle, active: active, watchers: make(map[int]chan struct{})}
}

func (a *AdaptiveInterval) SetActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isActive == active {
		return
	}
	a.isActive = active
	for _, ch := range a.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (a *AdaptiveInterval) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isActive
}

func (a *AdaptiveInterval) Current() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isActive {
		return a.active
	}
	return a.idle
}

func (a *AdaptiveInterval) watch() (<-chan struct{}, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	ch := make(chan struct{}, 1)
	a.watchers[id] = ch
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.watchers, id)
	}
}

// DefaultPollOverlap re-reads this far behind the newest delivered write, so a write whose
// timestamp was taken before a newer one but committed after it is still picked up.
const DefaultPollOverlap = 30 * time.Second

type PollingFeed struct {
	local    LocalStore
	interval *AdaptiveInterval
	overlap  time.Duration
	log      logrus.FieldLogger
}

func NewPollingFeed(local LocalStore, interval *AdaptiveInterval, log logrus.FieldLogger) *PollingFeed {
	return &PollingFeed{
		local:    local,
		interval: interval,
		overlap:  DefaultPollOverlap,
		log:      log.WithField("component", "polling_feed"),
	}
}

// WithOverlap sets how far behind the high-water mark each poll reads.
func (p *PollingFeed) WithOverlap(d time.Duration) *PollingFeed {
	if d >= 0 {
		p.overlap = d
	}
	return p
}

// pollCursor is one subscriber's position: the newest UpdatedAt seen and the versions
// already delivered inside the overlap window.
type pollCursor struct {
	since time.Time
	seen  map[types.ID]seenVersion
}

type seenVersion struct {
	version   int
	updatedAt time.Time
}

// Subscribe polls immediately and then on every interval tick, emitting each booking
// version not yet delivered. A change of the interval tier takes effect at once.
func (p *PollingFeed) Subscribe(ctx context.Context, filter Filter, fn func(*Booking)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	changed, unwatch := p.interval.watch()

	go func() {
		defer unwatch()
		cur := &pollCursor{seen: make(map[types.ID]seenVersion)}
		for {
			p.poll(ctx, cur, filter, fn)

			timer := time.NewTimer(p.interval.Current())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-changed:
				timer.Stop()
			case <-timer.C:
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (p *PollingFeed) poll(ctx context.Context, cur *pollCursor, filter Filter, fn func(*Booking)) {
	if ctx.Err() != nil {
		return
	}
	var from time.Time
	if !cur.since.IsZero() {
		from = cur.since.Add(-p.overlap)
	}
	list, err := p.local.ListUpdatedSince(ctx, from)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(err).Warn("poll bookings failed")
		}
		return
	}
	for _, b := range list {
		if prev, ok := cur.seen[b.ID]; ok && prev.version >= b.Version {
			continue
		}
		cur.seen[b.ID] = seenVersion{version: b.Version, updatedAt: b.UpdatedAt}
		if b.UpdatedAt.After(cur.since) {
			cur.since = b.UpdatedAt
		}
		if filter == nil || filter(b) {
			fn(b)
		}
	}

	// Entries older than the window can no longer be returned unchanged.
	cutoff := cur.since.Add(-p.overlap)
	for id, v := range cur.seen {
		if !v.updatedAt.After(cutoff) {
			delete(cur.seen, id)
		}
	}
}

type SubscriptionFeed struct {
	redis *redis.Client
	log   logrus.FieldLogger
}

func NewSubscriptionFeed(client *redis.Client, log logrus.FieldLogger) *SubscriptionFeed {
	return &SubscriptionFeed{redis: client, log: log.WithField("component", "subscription_feed")}
}

func (s *SubscriptionFeed) Subscribe(ctx context.Context, filter Filter, fn func(*Booking)) (func(), error) {
	ps := s.redis.Subscribe(ctx, ChangesChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		_ = ps.Close()
	}()

	go func() {
		for msg := range ps.Channel() {
			var b Booking
			if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
				s.log.WithError(err).Warn("undecodable booking change")
				continue
			}
			if filter == nil || filter(&b) {
				fn(&b)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// SelectFeed prefers push delivery when Redis answers, and falls back to polling otherwise.
func SelectFeed(ctx context.Context, client *redis.Client, local LocalStore, interval *AdaptiveInterval, log logrus.FieldLogger) Feed {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewSubscriptionFeed(client, log)
		}
		log.Warn("redis unavailable, booking feed falls back to polling")
	}
	return NewPollingFeed(local, interval, log)
}
