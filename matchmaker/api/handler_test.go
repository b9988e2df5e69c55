package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/matchmaker/battle"
	"github.com/Ftotnem/arena-cluster/matchmaker/queue"
	"github.com/Ftotnem/arena-cluster/matchmaker/room"
	"github.com/Ftotnem/arena-cluster/matchmaker/session"
	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/discovery"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/service"
	"github.com/Ftotnem/arena-cluster/shared/state"
	"github.com/Ftotnem/arena-cluster/shared/store/storetest"
	"github.com/Ftotnem/arena-cluster/shared/txn"
)

type staticTopology struct{ t discovery.Topology }

func (s staticTopology) GetClusterTopology(context.Context) (discovery.Topology, error) {
	return s.t, nil
}

type env struct {
	server *httptest.Server
	queue  *queue.Manager
	engine *battle.LocalEngine
	state  *state.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, _ := storetest.New(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ttl := config.DefaultTTLConfig()
	st := state.NewManager(s, state.Options{InstanceID: "mm-1", TTL: ttl, HeartbeatTTL: time.Minute, HealthTimeout: time.Minute}, nil)
	locks := lock.NewManager(s, lock.Options{}, nil)
	engine := battle.NewLocalEngine(nil)
	q := queue.NewManager(s, ttl.QueueEntry, nil)
	sessions := session.NewManager(s, locks, session.NewBlacklist(s, locks, time.Hour, nil), session.Options{InstanceID: "mm-1"}, nil)

	h := NewHandlers(Handlers{
		InstanceID: "mm-1",
		Rooms:      room.NewService(st, locks, txn.NewManager(s, locks, m, nil), engine, session.NewStateManager(s, time.Hour, nil), m, nil),
		RoomReader: st,
		Topology:   staticTopology{t: discovery.Topology{TotalInstances: 2, HealthyInstances: 1}},
		Queues:     q,
		Sessions:   sessions,
		Gatherer:   reg,
	}, nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{server: srv, queue: q, engine: engine, state: st}
}

func entry(t *testing.T, player, sessionID string) models.MatchmakingEntry {
	t.Helper()
	p, err := models.ParsePlayerPayload([]byte(`{"id":"` + player + `","name":"` + player + `","team":[{"id":"m","species":"s","level":3}]}`))
	require.NoError(t, err)
	return models.MatchmakingEntry{PlayerID: player, SessionID: sessionID, RuleSetID: "standard", JoinTime: time.Now().UnixMilli(), PlayerData: p}
}

func instanceOf(t *testing.T, srv *httptest.Server, id string) models.ServiceInstance {
	t.Helper()
	hostPort := strings.TrimPrefix(srv.URL, "http://")
	i := strings.LastIndex(hostPort, ":")
	port, err := strconv.Atoi(hostPort[i+1:])
	require.NoError(t, err)
	return models.ServiceInstance{ID: id, Host: hostPort[:i], Port: port}
}

func TestCreateBattleThroughClient(t *testing.T) {
	e := newEnv(t)
	client := service.NewBattleClient(5*time.Second, time.Second)
	inst := instanceOf(t, e.server, "mm-1")

	roomID, err := client.CreateBattle(context.Background(), inst, entry(t, "a", "s1"), entry(t, "b", "s2"))
	require.NoError(t, err)
	assert.NotEmpty(t, roomID)
	assert.Equal(t, 1, e.engine.ActiveBattles())

	require.NoError(t, client.Probe(context.Background(), inst))
	assert.Error(t, client.Probe(context.Background(), instanceOf(t, e.server, "mm-other")))

	resp, err := http.Get(e.server.URL + "/rooms/" + roomID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rm models.RoomState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rm))
	assert.Equal(t, models.RoomActive, rm.Status)

	endResp, err := http.Post(e.server.URL+"/rooms/"+roomID+"/end", "application/json", nil)
	require.NoError(t, err)
	defer endResp.Body.Close()
	assert.Equal(t, http.StatusOK, endResp.StatusCode)
	assert.Equal(t, 0, e.engine.ActiveBattles())
}

func TestCreateBattleRejectsBadBodies(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Post(e.server.URL+service.CreateBattlePath, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, err := json.Marshal(service.CreateBattleRequest{Player1Entry: entry(t, "a", "s1")})
	require.NoError(t, err)
	resp2, err := http.Post(e.server.URL+service.CreateBattlePath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	var out service.CreateBattleResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)
}

func TestReadEndpoints(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.queue.AddToQueue(ctx, entry(t, "a", "s1")))
	require.NoError(t, e.queue.AddToQueue(ctx, entry(t, "b", "s2")))

	var queues QueuesResponse
	getJSON(t, e.server.URL+"/matchmaking/queues", http.StatusOK, &queues)
	assert.Equal(t, 2, queues.Total)
	require.Len(t, queues.Queues, 1)
	assert.Equal(t, "standard", queues.Queues[0].RuleSetID)

	var topo discovery.Topology
	getJSON(t, e.server.URL+"/cluster/topology", http.StatusOK, &topo)
	assert.Equal(t, 2, topo.TotalInstances)

	var health service.HealthResponse
	getJSON(t, e.server.URL+"/health", http.StatusOK, &health)
	assert.Equal(t, "mm-1", health.InstanceID)

	var stats session.Stats
	getJSON(t, e.server.URL+"/sessions/stats", http.StatusOK, &stats)
	assert.Zero(t, stats.TotalSessions)

	getJSON(t, e.server.URL+"/rooms/missing", http.StatusNotFound, nil)

	resp, err := http.Get(e.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func getJSON(t *testing.T, url string, status int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
}
