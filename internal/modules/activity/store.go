// README: Activity sink backed by MongoDB collections.
package activity

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lifelink/internal/types"
)

const (
	notificationsCollection = "notifications"
	activitiesCollection    = "activities"
	decisionsCollection     = "ai_logs"
)

var ErrNotFound = errors.New("notification not found")

type Store struct {
	notifications *mongo.Collection
	activities    *mongo.Collection
	decisions     *mongo.Collection
}

func NewStore(db *mongo.Database) *Store {
	return &Store{
		notifications: db.Collection(notificationsCollection),
		activities:    db.Collection(activitiesCollection),
		decisions:     db.Collection(decisionsCollection),
	}
}

// EnsureIndexes creates the sort indexes used by the dashboard reads.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.notifications.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "read", Value: 1}, {Key: "created_at", Value: -1}}},
	}); err != nil {
		return err
	}
	if _, err := s.activities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: -1}},
	}); err != nil {
		return err
	}
	_, err := s.decisions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "emergency_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	return err
}

func (s *Store) InsertNotification(ctx context.Context, n Notification) error {
	_, err := s.notifications.InsertOne(ctx, n)
	return err
}

func (s *Store) InsertActivity(ctx context.Context, a Activity) error {
	_, err := s.activities.InsertOne(ctx, a)
	return err
}

func (s *Store) InsertDecision(ctx context.Context, d Decision) error {
	_, err := s.decisions.InsertOne(ctx, d)
	return err
}

func (s *Store) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	filter := bson.M{}
	if unreadOnly {
		filter["read"] = false
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.notifications.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := []Notification{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountUnread(ctx context.Context) (int64, error) {
	return s.notifications.CountDocuments(ctx, bson.M{"read": false})
}

func (s *Store) MarkRead(ctx context.Context, id types.ID) error {
	res, err := s.notifications.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RecentActivities(ctx context.Context, limit int) ([]Activity, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.activities.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	out := []Activity{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]Decision, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.decisions.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	out := []Decision{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
