package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/models"
)

func instanceFor(srv *httptest.Server, id string) models.ServiceInstance {
	return models.ServiceInstance{ID: id, RPCAddress: strings.TrimPrefix(srv.URL, "http://")}
}

func TestCreateBattle(t *testing.T) {
	var got CreateBattleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, CreateBattlePath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(CreateBattleResponse{Success: true, RoomID: "room-1"})
	}))
	defer srv.Close()

	c := NewBattleClient(time.Second, time.Second)
	roomID, err := c.CreateBattle(context.Background(), instanceFor(srv, "mm-2"),
		models.MatchmakingEntry{PlayerID: "a", SessionID: "s1"},
		models.MatchmakingEntry{PlayerID: "b", SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, "room-1", roomID)
	assert.Equal(t, "a", got.Player1Entry.PlayerID)
	assert.Equal(t, "b", got.Player2Entry.PlayerID)
}

func TestCreateBattleReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(CreateBattleResponse{Success: false, Error: "engine down"})
	}))
	defer srv.Close()

	c := NewBattleClient(time.Second, time.Second)
	_, err := c.CreateBattle(context.Background(), instanceFor(srv, "mm-2"), models.MatchmakingEntry{}, models.MatchmakingEntry{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRemotePlacement))
	assert.Contains(t, err.Error(), "engine down")
}

func TestCreateBattleTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewBattleClient(time.Second, time.Second)
	_, err := c.CreateBattle(context.Background(), instanceFor(srv, "mm-2"), models.MatchmakingEntry{}, models.MatchmakingEntry{})
	assert.True(t, errors.Is(err, errs.ErrRemotePlacement))
	assert.Contains(t, err.Error(), "answered 500")
}

func TestCreateBattleOnInstanceWithoutRoute(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewBattleClient(time.Second, time.Second)
	_, err := c.CreateBattle(context.Background(), instanceFor(srv, "mm-2"), models.MatchmakingEntry{}, models.MatchmakingEntry{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRemotePlacement))
	assert.Contains(t, err.Error(), "does not serve "+CreateBattlePath)
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "ok", InstanceID: "mm-2"})
	}))
	defer srv.Close()

	c := NewBattleClient(time.Second, time.Second)
	require.NoError(t, c.Probe(context.Background(), instanceFor(srv, "mm-2")))

	err := c.Probe(context.Background(), instanceFor(srv, "mm-3"))
	assert.True(t, errors.Is(err, errs.ErrInstanceUnreachable))

	srv.Close()
	err = c.Probe(context.Background(), instanceFor(srv, "mm-2"))
	assert.True(t, errors.Is(err, errs.ErrInstanceUnreachable))
}
