package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ecolift/internal/inbox"
	"ecolift/internal/log"
	"ecolift/internal/pickup"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	pickupCollection       = "pickuprequests"
	notificationCollection = "notifications"
)

// ConnectMongo connects and pings the deployment at uri.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureMongoIndexes creates the indexes the list queries rely on.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(pickupCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "customerId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "collectorId", Value: 1}, {Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create pickup indexes: %w", err)
	}
	_, err = db.Collection(notificationCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipientId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create notification indexes: %w", err)
	}
	return nil
}

type geoPoint struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"`
}

func toGeo(p pickup.Point) geoPoint {
	return geoPoint{Type: "Point", Coordinates: []float64{p.Longitude, p.Latitude}}
}

func (g geoPoint) point() pickup.Point {
	if len(g.Coordinates) != 2 {
		return pickup.Point{}
	}
	return pickup.Point{Longitude: g.Coordinates[0], Latitude: g.Coordinates[1]}
}

type itemDoc struct {
	Type        string  `bson:"type"`
	Quantity    float64 `bson:"quantity"`
	Description string  `bson:"description,omitempty"`
}

type pickupDoc struct {
	ID                int64      `bson:"_id"`
	CustomerID        string     `bson:"customerId"`
	CollectorID       *string    `bson:"collectorId"`
	Location          geoPoint   `bson:"location"`
	Items             []itemDoc  `bson:"items"`
	RequestType       string     `bson:"requestType"`
	ScheduledTime     *time.Time `bson:"scheduledTime,omitempty"`
	Status            string     `bson:"status"`
	CollectorLocation *geoPoint  `bson:"collectorLocation,omitempty"`
	Version           int64      `bson:"version"`
	CreatedAt         time.Time  `bson:"createdAt"`
	UpdatedAt         time.Time  `bson:"updatedAt"`
	AcceptedAt        *time.Time `bson:"acceptedAt"`
	StartedAt         *time.Time `bson:"startedAt"`
	CompletedAt       *time.Time `bson:"completedAt"`
}

func toPickupDoc(r *pickup.Request) pickupDoc {
	d := pickupDoc{
		ID:            r.ID,
		CustomerID:    r.CustomerID,
		CollectorID:   r.CollectorID,
		Location:      toGeo(r.Location),
		RequestType:   string(r.Mode),
		ScheduledTime: r.ScheduledTime,
		Status:        string(r.Status),
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		AcceptedAt:    r.AcceptedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
	for _, it := range r.Items {
		d.Items = append(d.Items, itemDoc{Type: it.Category, Quantity: it.Quantity, Description: it.Note})
	}
	if r.CollectorLocation != nil {
		g := toGeo(*r.CollectorLocation)
		d.CollectorLocation = &g
	}
	return d
}

func (d pickupDoc) request() *pickup.Request {
	r := &pickup.Request{
		ID:            d.ID,
		CustomerID:    d.CustomerID,
		CollectorID:   d.CollectorID,
		Location:      d.Location.point(),
		Mode:          pickup.Mode(d.RequestType),
		ScheduledTime: utcPtr(d.ScheduledTime),
		Status:        pickup.Status(d.Status),
		Version:       d.Version,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
		AcceptedAt:    utcPtr(d.AcceptedAt),
		StartedAt:     utcPtr(d.StartedAt),
		CompletedAt:   utcPtr(d.CompletedAt),
	}
	for _, it := range d.Items {
		r.Items = append(r.Items, pickup.Item{Category: it.Type, Quantity: it.Quantity, Note: it.Description})
	}
	if d.CollectorLocation != nil {
		p := d.CollectorLocation.point()
		r.CollectorLocation = &p
	}
	return r
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// MongoStore keeps pickup requests in a MongoDB collection. Conditional
// updates use FindOneAndUpdate filtered on status and version.
type MongoStore struct {
	coll   *mongo.Collection
	logger *log.Logger
}

func NewMongoStore(db *mongo.Database, logger *log.Logger) *MongoStore {
	return &MongoStore{coll: db.Collection(pickupCollection), logger: logger}
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

func (s *MongoStore) Create(ctx context.Context, r *pickup.Request) error {
	if _, err := s.coll.InsertOne(ctx, toPickupDoc(r)); err != nil {
		s.logger.Error("Failed to insert pickup request", zap.Int64("pickup_id", r.ID), zap.Error(err))
		return fmt.Errorf("insert pickup request: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id int64) (*pickup.Request, error) {
	var d pickupDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %d", pickup.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pickup request: %w", err)
	}
	return d.request(), nil
}

func (s *MongoStore) Find(ctx context.Context, f pickup.Filter) ([]*pickup.Request, error) {
	filter := bson.M{}
	if f.CustomerID != "" {
		filter["customerId"] = f.CustomerID
	}
	if f.CollectorID != "" {
		filter["collectorId"] = f.CollectorID
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find pickup requests: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]*pickup.Request, 0)
	for cursor.Next(ctx) {
		var d pickupDoc
		if err := cursor.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode pickup request: %w", err)
		}
		out = append(out, d.request())
	}
	return out, cursor.Err()
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, id int64, expected pickup.Status, version int64, next pickup.Lifecycle, at time.Time) (*pickup.Request, error) {
	filter := bson.M{"_id": id, "status": string(expected), "version": version}
	set := bson.M{
		"status":      string(next.Status),
		"collectorId": next.CollectorID,
		"acceptedAt":  next.AcceptedAt,
		"startedAt":   next.StartedAt,
		"completedAt": next.CompletedAt,
		"updatedAt":   at,
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if next.Status == pickup.StatusPending {
		update["$unset"] = bson.M{"collectorLocation": ""}
	}
	return s.findOneAndUpdate(ctx, id, filter, update)
}

func (s *MongoStore) SetCollectorLocation(ctx context.Context, id int64, collectorID string, p pickup.Point, at time.Time) (*pickup.Request, error) {
	filter := bson.M{
		"_id":         id,
		"collectorId": collectorID,
		"status":      bson.M{"$in": []string{string(pickup.StatusAccepted), string(pickup.StatusInProgress)}},
	}
	update := bson.M{"$set": bson.M{"collectorLocation": toGeo(p), "updatedAt": at}}
	return s.findOneAndUpdate(ctx, id, filter, update)
}

func (s *MongoStore) findOneAndUpdate(ctx context.Context, id int64, filter, update bson.M) (*pickup.Request, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var d pickupDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.coll.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, fmt.Errorf("check pickup request: %w", cerr)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %d", pickup.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: request %d changed concurrently", pickup.ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update pickup request: %w", err)
	}
	return d.request(), nil
}

type notificationDoc struct {
	ID          int64             `bson:"_id"`
	RecipientID string            `bson:"recipientId"`
	Title       string            `bson:"title"`
	Body        string            `bson:"body"`
	Data        map[string]string `bson:"data"`
	Type        string            `bson:"type"`
	Status      string            `bson:"status"`
	Retries     int               `bson:"retries"`
	LastError   *string           `bson:"lastError"`
	Read        bool              `bson:"read"`
	CreatedAt   time.Time         `bson:"createdAt"`
	UpdatedAt   time.Time         `bson:"updatedAt"`
}

// MongoInbox is the notification inbox backed by MongoDB.
type MongoInbox struct {
	coll   *mongo.Collection
	logger *log.Logger
}

func NewMongoInbox(db *mongo.Database, logger *log.Logger) *MongoInbox {
	return &MongoInbox{coll: db.Collection(notificationCollection), logger: logger}
}

func (s *MongoInbox) Save(ctx context.Context, n *inbox.Notification) error {
	doc := notificationDoc{
		ID: n.ID, RecipientID: n.RecipientID, Title: n.Title, Body: n.Body, Data: n.Data, Type: n.Type,
		Status: string(n.Status), Retries: n.Retries, LastError: n.LastError, Read: n.Read,
		CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		s.logger.Error("Failed to insert notification", zap.Int64("notification_id", n.ID), zap.Error(err))
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *MongoInbox) MarkResult(ctx context.Context, id int64, status inbox.Status, retries int, lastError *string, at time.Time) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status": string(status), "retries": retries, "lastError": lastError, "updatedAt": at,
	}})
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %d", inbox.ErrNotFound, id)
	}
	return nil
}

func (s *MongoInbox) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*inbox.Notification, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.coll.Find(ctx, bson.M{"recipientId": recipientID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]*inbox.Notification, 0)
	for cursor.Next(ctx) {
		var d notificationDoc
		if err := cursor.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		out = append(out, &inbox.Notification{
			ID: d.ID, RecipientID: d.RecipientID, Title: d.Title, Body: d.Body, Data: d.Data, Type: d.Type,
			Status: inbox.Status(d.Status), Retries: d.Retries, LastError: d.LastError, Read: d.Read,
			CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC(),
		})
	}
	return out, cursor.Err()
}

func (s *MongoInbox) MarkRead(ctx context.Context, id int64, recipientID string, at time.Time) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "recipientId": recipientID},
		bson.M{"$set": bson.M{"read": true, "updatedAt": at}})
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %d", inbox.ErrNotFound, id)
	}
	return nil
}
