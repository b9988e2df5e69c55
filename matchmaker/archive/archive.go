// matchmaker/archive/archive.go
package archive

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/mongodb"
)

// Player is one side of an archived match.
type Player struct {
	PlayerID  string `bson:"playerId" json:"playerId"`
	SessionID string `bson:"sessionId" json:"sessionId"`
	Name      string `bson:"name" json:"name"`
	WaitMS    int64  `bson:"waitMs" json:"waitMs"`
}

// Match is the archived record of a created room.
type Match struct {
	RoomID     string    `bson:"_id" json:"roomId"`
	RuleSetID  string    `bson:"ruleSetId" json:"ruleSetId"`
	Players    []Player  `bson:"players" json:"players"`
	InstanceID string    `bson:"instanceId" json:"instanceId"`
	Placement  string    `bson:"placement" json:"placement"`
	Quality    float64   `bson:"quality" json:"quality"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
}

// Archiver stores match records.
type Archiver interface {
	RecordMatch(ctx context.Context, m Match) error
}

// Nop discards records. Used when no database is configured.
type Nop struct{}

func (Nop) RecordMatch(context.Context, Match) error { return nil }

// Store archives matches into one MongoDB collection.
type Store struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

func NewStore(client *mongodb.Client, collection string, logger *zap.Logger) *Store {
	return &Store{coll: client.Collection(collection), logger: logging.OrNop(logger).Named("archive")}
}

// RecordMatch upserts by room id so a retried notification does not duplicate a match.
func (s *Store) RecordMatch(ctx context.Context, m Match) error {
	if m.RoomID == "" {
		return eris.New("match without room id")
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": m.RoomID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return eris.Wrapf(err, "failed to archive match %s", m.RoomID)
	}
	s.logger.Debug("Match archived", zap.String("roomId", m.RoomID))
	return nil
}

// RecentForPlayer returns up to limit matches of playerID, newest first.
func (s *Store) RecentForPlayer(ctx context.Context, playerID string, limit int64) ([]Match, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(limit)
	cur, err := s.coll.Find(ctx, bson.M{"players.playerId": playerID}, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to query matches of %s", playerID)
	}
	defer cur.Close(ctx)

	var out []Match
	if err := cur.All(ctx, &out); err != nil {
		return nil, eris.Wrapf(err, "failed to decode matches of %s", playerID)
	}
	return out, nil
}
