// README: Fire-and-forget notification side channel.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"escort/internal/types"
)

const (
	KindBookingRequest = "booking_request"
	KindBookingStatus  = "booking_status"
	KindNearPickup     = "guard_near_pickup"
	KindProximity      = "guard_proximity"
	KindArrival        = "arrived_destination"
	KindGeofence       = "geofence"
)

type Message struct {
	UserID types.ID
	Kind   string
	Title  string
	Body   string
	Data   map[string]string
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Async hands every message to the wrapped notifier on its own goroutine and never reports
// delivery errors to the caller; they are logged instead.
type Async struct {
	next    Notifier
	timeout time.Duration
	log     logrus.FieldLogger
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, timeout time.Duration, log logrus.FieldLogger) *Async {
	return &Async{next: next, timeout: timeout, log: log.WithField("component", "notify")}
}

func (a *Async) Notify(ctx context.Context, msg Message) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, msg); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{"user_id": msg.UserID, "kind": msg.Kind}).Warn("notification not delivered")
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish; used on shutdown.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Log writes notifications to the logger instead of pushing them; used for local runs.
type Log struct {
	log logrus.FieldLogger
}

func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, msg Message) error {
	l.log.WithFields(logrus.Fields{"user_id": msg.UserID, "kind": msg.Kind, "title": msg.Title}).Info(msg.Body)
	return nil
}

// Recorder keeps messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Kinds lists the kinds of recorded messages addressed to userID, in order.
func (r *Recorder) Kinds(userID types.ID) []string {
	var out []string
	for _, m := range r.Messages() {
		if m.UserID == userID {
			out = append(out, m.Kind)
		}
	}
	return out
}
