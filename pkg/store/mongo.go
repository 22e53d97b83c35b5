package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Mongo keeps one document per notification. Updates are optimistic: the
// document is replaced only if its version is unchanged since it was read,
// and the read-modify-write is retried when another writer got there first.
type Mongo struct {
	coll *mongo.Collection
	opts options
}

func NewMongo(db *mongo.Database, opts ...Option) *Mongo {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Mongo{coll: db.Collection("notifications"), opts: o}
}

// EnsureIndexes creates the indexes used by List and the reconciler.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	return m.wrap(err)
}

func (m *Mongo) Create(ctx context.Context, n *notification.Notification) error {
	_, err := m.coll.InsertOne(ctx, n)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: notification %s already exists", notification.ErrConflict, n.ID)
	}
	return m.wrap(err)
}

func (m *Mongo) Get(ctx context.Context, id string) (*notification.Notification, error) {
	var n notification.Notification
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", notification.ErrNotFound, id)
	}
	if err != nil {
		return nil, m.wrap(err)
	}
	return &n, nil
}

func (m *Mongo) Update(ctx context.Context, id string, fn Mutation) (*notification.Notification, error) {
	for range m.opts.casRetries {
		cur, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next, err := apply(cur, fn, m.opts.now())
		if err != nil {
			if errors.Is(err, ErrNoChange) {
				return cur, err
			}
			return nil, err
		}

		res, err := m.coll.ReplaceOne(ctx,
			bson.D{{Key: "_id", Value: id}, {Key: "version", Value: cur.Version}},
			next,
		)
		if err != nil {
			return nil, m.wrap(err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", notification.ErrConflict, id, m.opts.casRetries)
}

func (m *Mongo) UpdateDelivery(ctx context.Context, id string, ch notification.Channel, fn DeliveryMutation) (*notification.Notification, error) {
	return m.Update(ctx, id, forChannel(ch, fn))
}

func (m *Mongo) List(ctx context.Context, f notification.Filter, limit int) ([]*notification.Notification, error) {
	filter := bson.D{}
	if f.RecipientID != "" {
		filter = append(filter, bson.E{Key: "recipient_id", Value: f.RecipientID})
	}
	if f.Type != "" {
		filter = append(filter, bson.E{Key: "type", Value: f.Type})
	}
	if f.Priority != "" {
		filter = append(filter, bson.E{Key: "priority", Value: f.Priority})
	}
	if f.Channel != "" {
		filter = append(filter, bson.E{Key: "channels", Value: f.Channel})
	}
	if len(f.Statuses) > 0 {
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: f.Statuses}}})
	}
	created := bson.D{}
	if f.CreatedFrom != nil {
		created = append(created, bson.E{Key: "$gte", Value: *f.CreatedFrom})
	}
	if f.CreatedTo != nil {
		created = append(created, bson.E{Key: "$lt", Value: *f.CreatedTo})
	}
	if len(created) > 0 {
		filter = append(filter, bson.E{Key: "created_at", Value: created})
	}

	findOpts := mopts.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(clampLimit(limit)))

	cur, err := m.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, m.wrap(err)
	}
	var out []*notification.Notification
	if err := cur.All(ctx, &out); err != nil {
		return nil, m.wrap(err)
	}
	return out, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.wrap(m.coll.Database().Client().Ping(ctx, nil))
}

func (m *Mongo) wrap(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return errors.Join(notification.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("store: mongo: %w", err)
}
