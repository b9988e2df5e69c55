package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/matchmaker/coordinator"
	"github.com/Ftotnem/arena-cluster/matchmaker/session"
	"github.com/Ftotnem/arena-cluster/shared/config"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/lock"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/state"
	"github.com/Ftotnem/arena-cluster/shared/store"
	"github.com/Ftotnem/arena-cluster/shared/store/storetest"
)

type stubMatchmaker struct {
	mu     sync.Mutex
	joins  []coordinator.JoinRequest
	queued map[string]bool
}

func (m *stubMatchmaker) Join(_ context.Context, req coordinator.JoinRequest) (models.MatchmakingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queued == nil {
		m.queued = make(map[string]bool)
	}
	if m.queued[req.SessionID] {
		return models.MatchmakingEntry{}, errs.WithCode(errs.CodeStateConflict, errs.ErrStateConflict, "already in the matchmaking queue")
	}
	m.queued[req.SessionID] = true
	m.joins = append(m.joins, req)
	rs := req.RuleSetID
	if rs == "" {
		rs = models.DefaultRuleSetID
	}
	return models.MatchmakingEntry{PlayerID: req.PlayerID, SessionID: req.SessionID, RuleSetID: rs, JoinTime: 42}, nil
}

func (m *stubMatchmaker) joined() []coordinator.JoinRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]coordinator.JoinRequest(nil), m.joins...)
}

func (m *stubMatchmaker) Cancel(_ context.Context, _, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.queued[sessionID]
	delete(m.queued, sessionID)
	return removed, nil
}

type fixture struct {
	store     *store.Store
	sessions  *session.Manager
	blacklist *session.Blacklist
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, _ := storetest.New(t)
	locks := lock.NewManager(s, lock.Options{}, nil)
	bl := session.NewBlacklist(s, locks, time.Hour, nil)
	return &fixture{
		store:     s,
		sessions:  session.NewManager(s, locks, bl, session.Options{InstanceID: "mm-1", TTL: time.Hour}, nil),
		blacklist: bl,
	}
}

// instance starts a hub for instanceID and serves it from an httptest server.
func (f *fixture) instance(t *testing.T, instanceID string) (*Hub, *state.Manager, *stubMatchmaker, string) {
	t.Helper()
	st := state.NewManager(f.store, state.Options{
		InstanceID: instanceID, TTL: config.DefaultTTLConfig(), HeartbeatTTL: time.Minute, HealthTimeout: time.Minute,
	}, nil)
	h := New(st, f.sessions, f.blacklist, nil, nil)
	mm := &stubMatchmaker{}
	h.SetMatchmaker(mm)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return h, st, mm, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (f *fixture) login(t *testing.T, playerID string) *models.SessionData {
	t.Helper()
	sd, err := f.sessions.CreateSession(context.Background(), playerID, session.CreateOptions{
		AccessToken: "token-" + playerID, AccessTokenJTI: "jti-" + playerID,
	})
	require.NoError(t, err)
	return sd
}

func dial(t *testing.T, base string, sd *models.SessionData, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := base + "/ws?playerId=" + sd.PlayerID + "&sessionId=" + sd.SessionID + "&token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

const schema = `{"id":"alice","name":"Alice","team":[{"id":"m1","species":"ember","level":12}]}`

func TestJoinAndCancelAcks(t *testing.T) {
	f := newFixture(t)
	_, st, mm, base := f.instance(t, "mm-1")
	sd := f.login(t, "alice")
	conn, _, err := dial(t, base, sd, "token-alice")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ok, err := st.IsConnected(context.Background(), "alice", sd.SessionID)
		return err == nil && ok
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"joinMatchmaking","id":1,"data":{"playerSchema":`+schema+`,"ruleSetId":"casual"}}`)))
	var ack struct {
		Ack
		Data JoinedQueue `json:"data"`
	}
	readJSON(t, conn, &ack)
	assert.Equal(t, EventAck, ack.Event)
	assert.JSONEq(t, `1`, string(ack.ID))
	assert.Equal(t, StatusSuccess, ack.Status)
	assert.Equal(t, "casual", ack.Data.RuleSetID)
	joins := mm.joined()
	require.Len(t, joins, 1)
	assert.Equal(t, "alice", joins[0].Payload.PlayerID())

	// legacy form: data is the bare schema
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"joinMatchmaking","id":2,"data":`+schema+`}`)))
	var rejected Ack
	readJSON(t, conn, &rejected)
	assert.Equal(t, StatusError, rejected.Status)
	assert.Equal(t, errs.CodeStateConflict, rejected.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"cancelMatchmaking","id":3}`)))
	var cancelled struct {
		Ack
		Data CancelledQueue `json:"data"`
	}
	readJSON(t, conn, &cancelled)
	assert.Equal(t, StatusSuccess, cancelled.Status)
	assert.True(t, cancelled.Data.Removed)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"joinMatchmaking","id":4,"data":{"name":"x"}}`)))
	var invalid Ack
	readJSON(t, conn, &invalid)
	assert.Equal(t, StatusError, invalid.Status)
	assert.Equal(t, errs.CodeValidation, invalid.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"dance","id":5}`)))
	var unknown Ack
	readJSON(t, conn, &unknown)
	assert.Equal(t, errs.CodeValidation, unknown.Code)
}

func TestRejectsUnauthenticatedSessions(t *testing.T) {
	f := newFixture(t)
	_, _, _, base := f.instance(t, "mm-1")
	sd := f.login(t, "alice")

	_, resp, err := dial(t, base, sd, "wrong")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, base, &models.SessionData{PlayerID: "alice", SessionID: "nope"}, "")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, f.blacklist.Add(context.Background(), "jti-alice", time.Now().Add(time.Hour), "logout"))
	_, resp, err = dial(t, base, sd, "token-alice")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNotifyReachesSessionOnAnotherInstance(t *testing.T) {
	f := newFixture(t)
	local, _, _, _ := f.instance(t, "mm-1")
	remote, st, _, base := f.instance(t, "mm-2")
	sd := f.login(t, "alice")
	conn, _, err := dial(t, base, sd, "token-alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return remote.Connections() == 1 }, 3*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	msg := coordinator.MatchSuccess{RoomID: "r1", Opponent: coordinator.Opponent{ID: "bob", Name: "Bob"}}
	require.NoError(t, local.Notify(ctx, "alice", sd.SessionID, coordinator.EventMatchSuccess, msg))
	require.NoError(t, local.JoinRoom(ctx, "alice", sd.SessionID, "r1"))

	var got struct {
		Event string                   `json:"event"`
		Data  coordinator.MatchSuccess `json:"data"`
	}
	readJSON(t, conn, &got)
	assert.Equal(t, coordinator.EventMatchSuccess, got.Event)
	assert.Equal(t, msg, got.Data)

	require.Eventually(t, func() bool { return len(remote.RoomMembers("r1")) == 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, st.PublishEvent(ctx, models.EventRoomDestroy, map[string]string{"roomId": "r1"}))
	var closed struct {
		Event string     `json:"event"`
		Data  RoomNotice `json:"data"`
	}
	readJSON(t, conn, &closed)
	assert.Equal(t, EventRoomClosed, closed.Event)
	assert.Equal(t, "r1", closed.Data.RoomID)
	assert.Empty(t, remote.RoomMembers("r1"))
}

func TestDisconnectIsRecorded(t *testing.T) {
	f := newFixture(t)
	h, st, _, base := f.instance(t, "mm-1")
	sd := f.login(t, "alice")
	conn, _, err := dial(t, base, sd, "token-alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.Connections() == 1 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Connections() == 0 }, 3*time.Second, 20*time.Millisecond)

	c, err := st.GetConnection(context.Background(), "alice", sd.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.Disconnected, c.Status)
}

func TestParseJoinForms(t *testing.T) {
	p, rs, _, err := parseJoin(json.RawMessage(`{"playerSchema":` + schema + `,"ruleSetId":"competitive"}`))
	require.NoError(t, err)
	assert.Equal(t, "competitive", rs)
	assert.Equal(t, "Alice", p.Name())

	p, rs, _, err = parseJoin(json.RawMessage(schema))
	require.NoError(t, err)
	assert.Empty(t, rs)
	assert.Equal(t, "alice", p.PlayerID())

	_, _, _, err = parseJoin(nil)
	code, _ := errs.CodeOf(err)
	assert.Equal(t, errs.CodeValidation, code)
}
