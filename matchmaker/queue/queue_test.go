package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/store/storetest"
)

func entry(t *testing.T, player, session, ruleSet string, joined int64) models.MatchmakingEntry {
	t.Helper()
	payload, err := models.ParsePlayerPayload([]byte(fmt.Sprintf(
		`{"id":%q,"name":"Trainer %s","team":[{"id":"m1","species":"sparkit","level":50}]}`, player, player)))
	require.NoError(t, err)
	return models.MatchmakingEntry{PlayerID: player, SessionID: session, RuleSetID: ruleSet, JoinTime: joined, PlayerData: payload}
}

func TestAddAndGetQueueSortedByJoinTime(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	m := NewManager(s, 30*time.Minute, nil)

	require.NoError(t, m.AddToQueue(ctx, entry(t, "p2", "s2", "casual", 200)))
	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s1", "casual", 100)))
	require.NoError(t, m.AddToQueue(ctx, entry(t, "p3", "s3", "", 50)))

	q, err := m.GetQueue(ctx, "casual")
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.Equal(t, "p1", q[0].PlayerID)
	assert.Equal(t, "p2", q[1].PlayerID)
	assert.Equal(t, "Trainer p1", q[0].PlayerData.Name())

	ids, err := m.GetActiveRuleSetIds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"casual", models.DefaultRuleSetID}, ids)

	mapping := mr.HGet(storetest.Prefix+redisu.QueueMappingKey("p1:s1"), "queueKey")
	assert.Equal(t, redisu.QueueKey("casual"), mapping)

	size, err := m.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestRemoveFromQueueDropsEmptyRuleSet(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	m := NewManager(s, 30*time.Minute, nil)

	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s1", "casual", 100)))
	removed, err := m.RemoveFromQueue(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.RemoveFromQueue(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.False(t, mr.Exists(storetest.Prefix+redisu.ActiveRuleSetsKey))
	assert.False(t, mr.Exists(storetest.Prefix+redisu.QueueEntryKey("p1:s1", "casual")))
	assert.False(t, mr.Exists(storetest.Prefix+redisu.QueueMappingKey("p1:s1")))
}

func TestRequeueUnderOtherRuleSetMovesSession(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	m := NewManager(s, 30*time.Minute, nil)

	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s1", "casual", 100)))
	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s1", "ranked", 150)))

	casual, err := m.GetQueue(ctx, "casual")
	require.NoError(t, err)
	assert.Empty(t, casual)
	assert.False(t, mr.Exists(storetest.Prefix+redisu.QueueEntryKey("p1:s1", "casual")))

	ranked, err := m.GetQueue(ctx, "ranked")
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, int64(150), ranked[0].JoinTime)

	ids, err := m.GetActiveRuleSetIds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ranked"}, ids)

	removed, err := m.RemoveFromQueue(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.True(t, removed)
	size, err := m.QueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRemovePlayerRemovesEverySession(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)
	m := NewManager(s, 30*time.Minute, nil)

	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s1", "casual", 100)))
	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s2", "ranked", 110)))
	require.NoError(t, m.AddToQueue(ctx, entry(t, "p10", "s3", "casual", 120)))

	n, err := m.RemovePlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	q, err := m.GetQueue(ctx, "casual")
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, "p10", q[0].PlayerID)
}

func TestEntriesExpireWithoutRemoval(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	m := NewManager(s, time.Minute, nil)

	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s1", "casual", 100)))
	mr.FastForward(time.Minute + time.Second)

	q, err := m.GetQueue(ctx, "casual")
	require.NoError(t, err)
	assert.Empty(t, q)

	_, ok, err := m.Lookup(ctx, "p1", "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetQueuePrunesMembersWithoutEntry(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	m := NewManager(s, 30*time.Minute, nil)

	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s1", "casual", 100)))
	require.NoError(t, m.AddToQueue(ctx, entry(t, "p2", "s2", "casual", 200)))
	mr.Del(storetest.Prefix + redisu.QueueEntryKey("p1:s1", "casual"))

	q, err := m.GetQueue(ctx, "casual")
	require.NoError(t, err)
	require.Len(t, q, 1)
	members, err := mr.Members(storetest.Prefix + redisu.QueueKey("casual"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p2:s2"}, members)
}

func TestActiveIndexSelfHeals(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	m := NewManager(s, 30*time.Minute, nil)

	require.NoError(t, m.AddToQueue(ctx, entry(t, "p1", "s1", "casual", 100)))
	require.NoError(t, m.AddToQueue(ctx, entry(t, "p2", "s2", "ranked", 100)))

	// drift in both directions
	mr.SRem(storetest.Prefix+redisu.QueueKey("casual"), "p1:s1")
	mr.SRem(storetest.Prefix+redisu.ActiveRuleSetsKey, "ranked")

	ids, err := m.GetActiveRuleSetIds(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	missing, err := m.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ranked"}, missing)

	ids, err = m.GetActiveRuleSetIds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ranked"}, ids)
}

func TestLookupAndValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)
	m := NewManager(s, 30*time.Minute, nil)

	require.Error(t, m.AddToQueue(ctx, models.MatchmakingEntry{PlayerID: "p1"}))

	e := entry(t, "p1", "s1", "casual", 100)
	e.Metadata = map[string]string{"region": "eu"}
	require.NoError(t, m.AddToQueue(ctx, e))

	got, ok, err := m.Lookup(ctx, "p1", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), got.JoinTime)
	assert.Equal(t, "eu", got.Metadata["region"])
	assert.Equal(t, models.PayloadVersion, got.PlayerData.Version())

	queues, err := m.GetAllActiveQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Info{{RuleSetID: "casual", QueueKey: redisu.QueueKey("casual"), PlayerCount: 1}}, queues)
}
