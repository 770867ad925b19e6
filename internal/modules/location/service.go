// README: Location service ingests position samples, stores them and fans them out to live subscribers.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"escort/internal/types"
)

var ErrInvalidSample = errors.New("invalid location sample")

type GeoStore interface {
	SetGeo(ctx context.Context, id types.ID, pos types.Point, userType string) error
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

// Mirror publishes positions to a store other clients read from directly.
type Mirror interface {
	Publish(ctx context.Context, s Sample) error
}

type Service struct {
	store         GeoStore
	mirror        Mirror
	snapshotEvery time.Duration
	log           logrus.FieldLogger
	now           func() time.Time

	mu       sync.Mutex
	last     map[types.ID]Sample
	lastSnap map[types.ID]time.Time
	subs     map[types.ID]map[int]func(Sample)
	nextSub  int
}

// NewService builds the service. mirror may be nil. A snapshot is persisted at most once
// per snapshotEvery per user; zero persists every sample.
func NewService(store GeoStore, mirror Mirror, snapshotEvery time.Duration, log logrus.FieldLogger) *Service {
	return &Service{
		store:         store,
		mirror:        mirror,
		snapshotEvery: snapshotEvery,
		log:           log.WithField("component", "location"),
		now:           time.Now,
		last:          make(map[types.ID]Sample),
		lastSnap:      make(map[types.ID]time.Time),
		subs:          make(map[types.ID]map[int]func(Sample)),
	}
}

// Update records a sample. Samples older than the last accepted one for the same user are
// ignored and reported as not accepted.
func (s *Service) Update(ctx context.Context, sample Sample) (bool, error) {
	if sample.UserID == "" || !sample.Point.Valid() {
		return false, ErrInvalidSample
	}
	if sample.UserType == "" {
		sample.UserType = UserTypeGuard
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = s.now()
	}

	s.mu.Lock()
	if prev, ok := s.last[sample.UserID]; ok && sample.RecordedAt.Before(prev.RecordedAt) {
		s.mu.Unlock()
		return false, nil
	}
	s.last[sample.UserID] = sample
	snapshot := s.snapshotEvery == 0 || sample.RecordedAt.Sub(s.lastSnap[sample.UserID]) >= s.snapshotEvery
	if snapshot {
		s.lastSnap[sample.UserID] = sample.RecordedAt
	}
	fns := make([]func(Sample), 0, len(s.subs[sample.UserID]))
	for _, fn := range s.subs[sample.UserID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if err := s.store.SetGeo(ctx, sample.UserID, sample.Point, sample.UserType); err != nil {
		return false, fmt.Errorf("store position: %w", err)
	}
	if snapshot {
		err := s.store.AppendSnapshot(ctx, Snapshot{
			UserID:     sample.UserID,
			UserType:   sample.UserType,
			Position:   sample.Point,
			AccuracyM:  sample.AccuracyM,
			RecordedAt: sample.RecordedAt,
		})
		if err != nil {
			s.log.WithError(err).WithField("user_id", sample.UserID).Warn("snapshot not persisted")
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, sample); err != nil {
			s.log.WithError(err).WithField("user_id", sample.UserID).Warn("position mirror failed")
		}
	}

	for _, fn := range fns {
		fn(sample)
	}
	return true, nil
}

// Last returns the most recent accepted sample of userID.
func (s *Service) Last(userID types.ID) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample, ok := s.last[userID]
	return sample, ok
}

// Subscribe calls fn with every accepted sample of userID until the returned function is called.
func (s *Service) Subscribe(userID types.ID, fn func(Sample)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[int]func(Sample))
	}
	s.subs[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[userID], id)
			if len(s.subs[userID]) == 0 {
				delete(s.subs, userID)
			}
		})
	}
}
