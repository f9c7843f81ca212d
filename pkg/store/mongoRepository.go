package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoSystem = "mongodb"

// MongoRepository implements MessageStore and LockRegistry on MongoDB using
// single-document conditional updates only.
type MongoRepository struct {
	client   *mongo.Client
	database string
}

var (
	_ MessageStore = (*MongoRepository)(nil)
	_ LockRegistry = (*MongoRepository)(nil)
)

func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	return &MongoRepository{
		client:   client,
		database: database,
	}
}

type mongoMessage struct {
	ID                 string     `bson:"_id"`
	MessageID          string     `bson:"messageId"`
	CorrelationKey     string     `bson:"correlationKey"`
	Type               string     `bson:"type"`
	Source             string     `bson:"source,omitempty"`
	Payload            []byte     `bson:"payload"`
	Status             Status     `bson:"status"`
	ClaimedBy          *string    `bson:"claimedBy"`
	ClaimExpiresAt     *time.Time `bson:"claimExpiresAt"`
	CompletionAttempts int        `bson:"completionAttempts"`
	PublicationDate    *time.Time `bson:"publicationDate,omitempty"`
	ReceivedDate       *time.Time `bson:"receivedDate,omitempty"`
	NextAttemptAt      *time.Time `bson:"nextAttemptAt"`
	LastError          string     `bson:"lastError,omitempty"`
	UpdatedAt          time.Time  `bson:"updatedAt"`
	CompletedAt        *time.Time `bson:"completedAt,omitempty"`
}

func toMongoMessage(m *Message) mongoMessage {
	doc := mongoMessage{
		ID:                 m.ID,
		MessageID:          m.MessageID,
		CorrelationKey:     m.CorrelationKey,
		Type:               m.Type,
		Source:             m.Source,
		Payload:            m.Payload,
		Status:             m.Status,
		ClaimExpiresAt:     m.ClaimExpiresAt,
		CompletionAttempts: m.CompletionAttempts,
		NextAttemptAt:      m.NextAttemptAt,
		LastError:          m.LastError,
		UpdatedAt:          m.UpdatedAt,
		CompletedAt:        m.CompletedAt,
	}
	if m.ClaimedBy != "" {
		claimedBy := m.ClaimedBy
		doc.ClaimedBy = &claimedBy
	}
	date := m.Date
	if m.Role == RoleInbox {
		doc.ReceivedDate = &date
	} else {
		doc.PublicationDate = &date
	}
	return doc
}

func (d mongoMessage) toMessage(role Role) *Message {
	m := &Message{
		ID:                 d.ID,
		Role:               role,
		MessageID:          d.MessageID,
		CorrelationKey:     d.CorrelationKey,
		Type:               d.Type,
		Source:             d.Source,
		Payload:            d.Payload,
		Status:             d.Status,
		ClaimExpiresAt:     d.ClaimExpiresAt,
		CompletionAttempts: d.CompletionAttempts,
		NextAttemptAt:      d.NextAttemptAt,
		LastError:          d.LastError,
		UpdatedAt:          d.UpdatedAt,
		CompletedAt:        d.CompletedAt,
	}
	if d.ClaimedBy != nil {
		m.ClaimedBy = *d.ClaimedBy
	}
	switch {
	case d.PublicationDate != nil:
		m.Date = *d.PublicationDate
	case d.ReceivedDate != nil:
		m.Date = *d.ReceivedDate
	}
	return m
}

type mongoLock struct {
	ID             string     `bson:"_id"`
	SegregationRef string     `bson:"segregationRef"`
	Actor          Role       `bson:"actor"`
	Locked         bool       `bson:"locked"`
	Owner          string     `bson:"owner"`
	LockedAt       *time.Time `bson:"lockedAt"`
}

func (d mongoLock) toLock() *FifoLock {
	return &FifoLock{
		ID:             d.ID,
		SegregationRef: d.SegregationRef,
		Actor:          d.Actor,
		Locked:         d.Locked,
		Owner:          d.Owner,
		LockedAt:       d.LockedAt,
	}
}

func (m *MongoRepository) messages(role Role) *mongo.Collection {
	return m.client.Database(m.database).Collection(role.Collection())
}

func (m *MongoRepository) locks() *mongo.Collection {
	return m.client.Database(m.database).Collection(lockCollection)
}

// Filters and updates are built by plain functions so they can be checked
// without a running server.

func candidateFilter(now time.Time) bson.M {
	return bson.M{
		"status": StatusPending,
		"$or": bson.A{
			bson.M{"nextAttemptAt": nil},
			bson.M{"nextAttemptAt": bson.M{"$lte": now}},
		},
	}
}

func candidateSort(role Role) bson.D {
	return bson.D{
		{Key: role.DateField(), Value: 1},
		{Key: "completionAttempts", Value: 1},
		{Key: "_id", Value: 1},
	}
}

// candidatePipeline keeps the oldest open message of every key and drops keys
// whose head is claimed or waiting out its backoff.
func candidatePipeline(role Role, now time.Time, limit int) mongo.Pipeline {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": bson.M{"$in": bson.A{StatusPending, StatusClaimed}}}}},
		{{Key: "$sort", Value: candidateSort(role)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$correlationKey"},
			{Key: "head", Value: bson.M{"$first": "$$ROOT"}},
		}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$head"}}},
		{{Key: "$match", Value: candidateFilter(now)}},
		{{Key: "$sort", Value: candidateSort(role)}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(limit)}})
	}
	return pipeline
}

func headFilter(correlationKey string) bson.M {
	return bson.M{
		"correlationKey": correlationKey,
		"status":         bson.M{"$in": bson.A{StatusPending, StatusClaimed}},
	}
}

func heldByFilter(id, workerID string) bson.M {
	return bson.M{"_id": id, "status": StatusClaimed, "claimedBy": workerID}
}

func failUpdate(f Failure) bson.M {
	return bson.M{
		"$set": bson.M{
			"status":         f.Status,
			"claimedBy":      nil,
			"claimExpiresAt": nil,
			"nextAttemptAt":  f.NextAttemptAt,
			"lastError":      truncateError(f.LastError),
			"updatedAt":      f.Now,
		},
		"$inc": bson.M{"completionAttempts": 1},
	}
}

func releaseFilter(id, owner string) bson.M {
	filter := bson.M{"_id": id, "locked": true}
	if owner != "" {
		filter["owner"] = owner
	}
	return filter
}

func (m *MongoRepository) Insert(ctx context.Context, msg *Message) (err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Insert")
	defer func() { span.end(1, err) }()

	_, err = m.messages(msg.Role).InsertOne(ctx, toMongoMessage(msg))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.MessageID)
	}
	return err
}

func (m *MongoRepository) Get(ctx context.Context, role Role, id string) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Get")
	defer func() { span.end(1, err) }()

	return m.findOne(ctx, role, bson.M{"_id": id})
}

func (m *MongoRepository) FetchCandidates(ctx context.Context, role Role, now time.Time, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "FetchCandidates")
	defer func() { span.end(len(msgs), err) }()

	cursor, err := m.messages(role).Aggregate(ctx, candidatePipeline(role, now, limit), options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, err
	}
	return decodeMessages(ctx, role, cursor)
}

func (m *MongoRepository) Head(ctx context.Context, role Role, correlationKey string) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Head")
	defer func() { span.end(1, err) }()

	opts := options.FindOne().SetSort(candidateSort(role))
	return m.findOne(ctx, role, headFilter(correlationKey), opts)
}

func (m *MongoRepository) Claim(ctx context.Context, role Role, id, workerID string, expiresAt, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Claim")
	defer func() { span.end(1, err) }()

	filter := bson.M{"_id": id, "status": StatusPending}
	update := bson.M{"$set": bson.M{
		"status":         StatusClaimed,
		"claimedBy":      workerID,
		"claimExpiresAt": expiresAt,
		"updatedAt":      now,
	}}
	return m.findOneAndUpdate(ctx, role, id, filter, update)
}

func (m *MongoRepository) Complete(ctx context.Context, role Role, id, workerID string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Complete")
	defer func() { span.end(1, err) }()

	update := bson.M{"$set": bson.M{
		"status":         StatusCompleted,
		"claimedBy":      nil,
		"claimExpiresAt": nil,
		"nextAttemptAt":  nil,
		"updatedAt":      now,
		"completedAt":    now,
	}}
	return m.findOneAndUpdate(ctx, role, id, heldByFilter(id, workerID), update)
}

func (m *MongoRepository) Fail(ctx context.Context, role Role, id, workerID string, f Failure) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Fail")
	defer func() { span.end(1, err) }()

	if f.Status != StatusPending && f.Status != StatusFailed {
		return nil, fmt.Errorf("%w: CLAIMED -> %s on failure", ErrInvalidTransition, f.Status)
	}
	filter := heldByFilter(id, workerID)
	filter["completionAttempts"] = f.ExpectedAttempts
	return m.findOneAndUpdate(ctx, role, id, filter, failUpdate(f))
}

func (m *MongoRepository) FetchExpired(ctx context.Context, role Role, now time.Time, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "FetchExpired")
	defer func() { span.end(len(msgs), err) }()

	filter := bson.M{"status": StatusClaimed, "claimExpiresAt": bson.M{"$lt": now}}
	return m.find(ctx, role, filter, bson.D{{Key: "claimExpiresAt", Value: 1}}, limit)
}

func (m *MongoRepository) ReclaimExpired(ctx context.Context, role Role, id, claimedBy string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "ReclaimExpired")
	defer func() { span.end(1, err) }()

	filter := heldByFilter(id, claimedBy)
	filter["claimExpiresAt"] = bson.M{"$lt": now}
	update := bson.M{"$set": bson.M{
		"status":         StatusPending,
		"claimedBy":      nil,
		"claimExpiresAt": nil,
		"updatedAt":      now,
	}}
	return m.findOneAndUpdate(ctx, role, id, filter, update)
}

func (m *MongoRepository) HasLiveClaim(ctx context.Context, role Role, correlationKey string, now time.Time) (live bool, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "HasLiveClaim")
	defer func() { span.end(1, err) }()

	filter := bson.M{
		"correlationKey": correlationKey,
		"status":         StatusClaimed,
		"claimExpiresAt": bson.M{"$gte": now},
	}
	n, err := m.messages(role).CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *MongoRepository) ListFailed(ctx context.Context, role Role, limit int) (msgs []*Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "ListFailed")
	defer func() { span.end(len(msgs), err) }()

	return m.find(ctx, role, bson.M{"status": StatusFailed}, candidateSort(role), limit)
}

func (m *MongoRepository) Requeue(ctx context.Context, role Role, id string, now time.Time) (msg *Message, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Requeue")
	defer func() { span.end(1, err) }()

	filter := bson.M{"_id": id, "status": StatusFailed}
	update := bson.M{"$set": bson.M{
		"status":             StatusPending,
		"completionAttempts": 0,
		"nextAttemptAt":      nil,
		"updatedAt":          now,
	}}
	return m.findOneAndUpdate(ctx, role, id, filter, update)
}

func (m *MongoRepository) TryAcquire(ctx context.Context, segregationRef string, actor Role, owner string, now time.Time) (lock *FifoLock, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "TryAcquire")
	defer func() { span.end(1, err) }()

	id := LockID(segregationRef, actor)
	// Matches only an absent or released lock; when the lock is held the upsert
	// collides on _id and the duplicate key error is the denial.
	filter := bson.M{"_id": id, "locked": false}
	update := bson.M{"$set": bson.M{
		"segregationRef": segregationRef,
		"actor":          actor,
		"locked":         true,
		"owner":          owner,
		"lockedAt":       now,
	}}
	_, err = m.locks().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("%w: %s", ErrLockDenied, id)
	}
	if err != nil {
		return nil, err
	}
	return &FifoLock{
		ID:             id,
		SegregationRef: segregationRef,
		Actor:          actor,
		Locked:         true,
		Owner:          owner,
		LockedAt:       &now,
	}, nil
}

func (m *MongoRepository) Release(ctx context.Context, segregationRef string, actor Role, owner string) (err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "Release")
	defer func() { span.end(1, err) }()

	update := bson.M{"$set": bson.M{"locked": false, "owner": "", "lockedAt": nil}}
	_, err = m.locks().UpdateOne(ctx, releaseFilter(LockID(segregationRef, actor), owner), update)
	return err
}

func (m *MongoRepository) GetLock(ctx context.Context, segregationRef string, actor Role) (lock *FifoLock, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "GetLock")
	defer func() { span.end(1, err) }()

	var doc mongoLock
	err = m.locks().FindOne(ctx, bson.M{"_id": LockID(segregationRef, actor)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toLock(), nil
}

func (m *MongoRepository) FetchStale(ctx context.Context, actor Role, lockedBefore time.Time, limit int) (locks []*FifoLock, err error) {
	ctx, span := startDBSpan(ctx, mongoSystem, "FetchStale")
	defer func() { span.end(len(locks), err) }()

	filter := bson.M{"actor": actor, "locked": true, "lockedAt": bson.M{"$lt": lockedBefore}}
	opts := options.Find().SetSort(bson.D{{Key: "lockedAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.locks().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc mongoLock
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		locks = append(locks, doc.toLock())
	}
	return locks, cursor.Err()
}

func (m *MongoRepository) find(ctx context.Context, role Role, filter bson.M, sort bson.D, limit int) ([]*Message, error) {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.messages(role).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	return decodeMessages(ctx, role, cursor)
}

func decodeMessages(ctx context.Context, role Role, cursor *mongo.Cursor) ([]*Message, error) {
	defer cursor.Close(ctx)

	var msgs []*Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		msgs = append(msgs, doc.toMessage(role))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (m *MongoRepository) findOne(ctx context.Context, role Role, filter bson.M, opts ...*options.FindOneOptions) (*Message, error) {
	var doc mongoMessage
	err := m.messages(role).FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toMessage(role), nil
}

func (m *MongoRepository) findOneAndUpdate(ctx context.Context, role Role, id string, filter, update bson.M) (*Message, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc mongoMessage
	err := m.messages(role).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, m.conflictOrNotFound(ctx, role, id)
	}
	if err != nil {
		return nil, err
	}
	return doc.toMessage(role), nil
}

// conflictOrNotFound tells a lost compare-and-swap apart from a missing record.
func (m *MongoRepository) conflictOrNotFound(ctx context.Context, role Role, id string) error {
	n, err := m.messages(role).CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return fmt.Errorf("%w: message %s", ErrClaimConflict, id)
}
