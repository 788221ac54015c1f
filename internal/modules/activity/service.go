// README: Activity service persists side-effect records and fans them out to live subscribers and crews.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"lifelink/internal/types"
)

const (
	writeTimeout   = 5 * time.Second
	deliverTimeout = 15 * time.Second
	defaultLimit   = 20
)

type Sink interface {
	InsertNotification(ctx context.Context, n Notification) error
	InsertActivity(ctx context.Context, a Activity) error
	InsertDecision(ctx context.Context, d Decision) error
	ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error)
	CountUnread(ctx context.Context) (int64, error)
	MarkRead(ctx context.Context, id types.ID) error
	RecentActivities(ctx context.Context, limit int) ([]Activity, error)
	RecentDecisions(ctx context.Context, limit int) ([]Decision, error)
}

type Broadcaster interface {
	Broadcast(ev Event)
}

type Pusher interface {
	Push(ctx context.Context, token, title, body string, data map[string]string) error
}

type Texter interface {
	Text(ctx context.Context, to, body string) error
}

type Service struct {
	store Sink
	live  Broadcaster
	push  Pusher
	sms   Texter
	log   logrus.FieldLogger
	now   func() time.Time
	wg    sync.WaitGroup
}

type Option func(*Service)

func WithBroadcaster(b Broadcaster) Option { return func(s *Service) { s.live = b } }
func WithPusher(p Pusher) Option           { return func(s *Service) { s.push = p } }
func WithTexter(t Texter) Option           { return func(s *Service) { s.sms = t } }
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Sink, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Notify never fails the caller; sink errors are logged.
func (s *Service) Notify(ctx context.Context, n Notification) {
	if n.ID == "" {
		n.ID = types.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	ctx, cancel := detached(ctx, writeTimeout)
	defer cancel()
	if err := s.store.InsertNotification(ctx, n); err != nil {
		s.log.WithError(err).WithField("type", n.Type).Warn("notification write failed")
	}
	s.broadcast(KindNotification, n)
}

func (s *Service) Activity(ctx context.Context, a Activity) {
	if a.ID == "" {
		a.ID = types.NewID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now()
	}
	ctx, cancel := detached(ctx, writeTimeout)
	defer cancel()
	if err := s.store.InsertActivity(ctx, a); err != nil {
		s.log.WithError(err).WithField("type", a.Type).Warn("activity write failed")
	}
	s.broadcast(KindActivity, a)
}

func (s *Service) Decision(ctx context.Context, d Decision) {
	if d.ID == "" {
		d.ID = types.NewID()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = s.now()
	}
	ctx, cancel := detached(ctx, writeTimeout)
	defer cancel()
	if err := s.store.InsertDecision(ctx, d); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"log_type": d.LogType,
			"action":   d.Action,
		}).Warn("decision write failed")
	}
	s.broadcast(KindDecision, d)
}

// Alert delivers to the crew in the background; Wait blocks until pending deliveries finish.
func (s *Service) Alert(ctx context.Context, a Alert) {
	if (s.push == nil || a.PushToken == "") && (s.sms == nil || a.Phone == "") {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := detached(ctx, deliverTimeout)
		defer cancel()
		entry := s.log.WithField("ambulance_id", a.AmbulanceID)
		if s.push != nil && a.PushToken != "" {
			if err := s.push.Push(ctx, a.PushToken, a.Title, a.Body, a.Data); err != nil {
				entry.WithError(err).Warn("crew push failed")
			}
		}
		if s.sms != nil && a.Phone != "" {
			if err := s.sms.Text(ctx, a.Phone, a.Title+": "+a.Body); err != nil {
				entry.WithError(err).Warn("crew sms failed")
			}
		}
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	return s.store.ListNotifications(ctx, unreadOnly, clampLimit(limit))
}

func (s *Service) UnreadCount(ctx context.Context) (int64, error) {
	return s.store.CountUnread(ctx)
}

func (s *Service) MarkRead(ctx context.Context, id types.ID) error {
	return s.store.MarkRead(ctx, id)
}

func (s *Service) RecentActivities(ctx context.Context, limit int) ([]Activity, error) {
	return s.store.RecentActivities(ctx, clampLimit(limit))
}

func (s *Service) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	return s.store.RecentDecisions(ctx, clampLimit(limit))
}

func (s *Service) broadcast(kind string, payload any) {
	if s.live == nil {
		return
	}
	s.live.Broadcast(Event{Kind: kind, Payload: payload})
}

// detached keeps side-effect writes alive after the originating request returns.
func detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > 200 {
		return 200
	}
	return n
}
