package battle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/shared/models"
)

func payload(t *testing.T, id string) models.PlayerPayload {
	t.Helper()
	p, err := models.ParsePlayerPayload([]byte(`{"id":"` + id + `","name":"n","team":[{"id":"m","species":"s","level":5}]}`))
	require.NoError(t, err)
	return p
}

func TestLocalEngineLifecycle(t *testing.T) {
	e := NewLocalEngine(nil)
	room := models.RoomState{ID: "r1"}

	h, err := e.CreateBattle(context.Background(), room, payload(t, "a"), payload(t, "b"))
	require.NoError(t, err)
	assert.Equal(t, [2]string{"a", "b"}, h.Players)
	assert.Equal(t, 1, e.ActiveBattles())

	_, err = e.CreateBattle(context.Background(), room, payload(t, "a"), payload(t, "b"))
	require.Error(t, err)

	_, err = e.CreateBattle(context.Background(), models.RoomState{ID: "r2"}, models.PlayerPayload{}, payload(t, "b"))
	require.Error(t, err)

	got, ok := e.Get("r1")
	require.True(t, ok)
	assert.Equal(t, h.BattleID, got.BattleID)

	assert.True(t, e.EndBattle("r1"))
	assert.False(t, e.EndBattle("r1"))
	assert.Equal(t, 0, e.ActiveBattles())
}
