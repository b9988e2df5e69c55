package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/Ftotnem/arena-cluster/shared/mongodb"
)

func TestRecordMatchUpserts(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upsert", func(mt *mtest.T) {
		s := NewStore(mongodb.Wrap(mt.Client, "arena"), mt.Coll.Name(), nil)
		mt.AddMockResponses(bson.D{{Key: "ok", Value: 1}, {Key: "n", Value: 1}, {Key: "nModified", Value: 0}})

		err := s.RecordMatch(context.Background(), Match{RoomID: "r1", RuleSetID: "casual", CreatedAt: time.Now()})
		require.NoError(mt, err)
	})

	mt.Run("missing room id", func(mt *mtest.T) {
		s := NewStore(mongodb.Wrap(mt.Client, "arena"), mt.Coll.Name(), nil)
		require.Error(mt, s.RecordMatch(context.Background(), Match{}))
	})

	mt.Run("server error", func(mt *mtest.T) {
		s := NewStore(mongodb.Wrap(mt.Client, "arena"), mt.Coll.Name(), nil)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11000, Message: "boom"}))
		require.Error(mt, s.RecordMatch(context.Background(), Match{RoomID: "r1"}))
	})
}

func TestRecentForPlayer(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("find", func(mt *mtest.T) {
		s := NewStore(mongodb.Wrap(mt.Client, "arena"), mt.Coll.Name(), nil)
		ns := mt.DB.Name() + "." + mt.Coll.Name()
		first := mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "r2"}, {Key: "ruleSetId", Value: "casual"},
			{Key: "players", Value: bson.A{bson.D{{Key: "playerId", Value: "a"}}}},
		})
		end := mtest.CreateCursorResponse(0, ns, mtest.NextBatch)
		mt.AddMockResponses(first, end)

		got, err := s.RecentForPlayer(context.Background(), "a", 10)
		require.NoError(mt, err)
		require.Len(mt, got, 1)
		assert.Equal(mt, "r2", got[0].RoomID)
		assert.Equal(mt, "a", got[0].Players[0].PlayerID)
	})
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.RecordMatch(context.Background(), Match{}))
}
