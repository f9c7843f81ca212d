package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// messageIndexes lists the indexes each role collection needs.
func messageIndexes(role Role) []mongo.IndexModel {
	date := role.DateField()
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "claimedBy", Value: 1},
				{Key: "completionAttempts", Value: 1},
				{Key: date, Value: 1},
			},
			Options: options.Index().SetName("claim_candidates"),
		},
		{
			Keys:    bson.D{{Key: "messageId", Value: 1}},
			Options: options.Index().SetName("message_id_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "claimExpiresAt", Value: 1}},
			Options: options.Index().SetName("claim_expiry"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "completionAttempts", Value: 1}},
			Options: options.Index().SetName("status_attempts"),
		},
		{
			Keys: bson.D{
				{Key: "correlationKey", Value: 1},
				{Key: "status", Value: 1},
				{Key: date, Value: 1},
			},
			Options: options.Index().SetName("correlation_head"),
		},
	}
}

func lockIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "actor", Value: 1},
				{Key: "locked", Value: 1},
				{Key: "lockedAt", Value: 1},
			},
			Options: options.Index().SetName("stale_locks"),
		},
	}
}

// EnsureIndexes creates the indexes of both role collections and the lock
// collection. Creating an index that already exists is a no-op.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	db := m.client.Database(m.database)
	for _, role := range Roles {
		if _, err := db.Collection(role.Collection()).Indexes().CreateMany(ctx, messageIndexes(role)); err != nil {
			return fmt.Errorf("ensure %s indexes: %w", role.Collection(), err)
		}
	}
	if _, err := db.Collection(lockCollection).Indexes().CreateMany(ctx, lockIndexes()); err != nil {
		return fmt.Errorf("ensure %s indexes: %w", lockCollection, err)
	}
	return nil
}
