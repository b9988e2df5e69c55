// matchmaker/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/matchmaker/queue"
	"github.com/Ftotnem/arena-cluster/matchmaker/session"
	"github.com/Ftotnem/arena-cluster/shared/api"
	"github.com/Ftotnem/arena-cluster/shared/discovery"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/models"
	"github.com/Ftotnem/arena-cluster/shared/service"
)

const requestTimeout = 10 * time.Second

// Rooms creates and ends rooms hosted on this instance.
type Rooms interface {
	CreateRoom(ctx context.Context, p1, p2 models.MatchmakingEntry) (models.RoomState, error)
	EndRoom(ctx context.Context, roomID string) (*models.RoomState, error)
}

// RoomReader reads cluster-visible rooms.
type RoomReader interface {
	GetRoom(ctx context.Context, id string) (*models.RoomState, error)
}

// TopologySource summarizes the cluster.
type TopologySource interface {
	GetClusterTopology(ctx context.Context) (discovery.Topology, error)
}

// QueueSource lists active queues.
type QueueSource interface {
	GetAllActiveQueues(ctx context.Context) ([]queue.Info, error)
}

// SessionStatsSource summarizes the session index.
type SessionStatsSource interface {
	GetSessionStats(ctx context.Context) (session.Stats, error)
}

// Handlers serves the inter-instance RPC and the read API of a matchmaker.
type Handlers struct {
	InstanceID string
	Rooms      Rooms
	RoomReader RoomReader
	Topology   TopologySource
	Queues     QueueSource
	Sessions   SessionStatsSource
	Gatherer   prometheus.Gatherer
	WebSocket  http.Handler
	logger     *zap.Logger
}

func NewHandlers(h Handlers, logger *zap.Logger) *Handlers {
	h.logger = logging.OrNop(logger).Named("api")
	if h.Gatherer == nil {
		h.Gatherer = prometheus.DefaultGatherer
	}
	return &h
}

// RegisterRoutes mounts every route on r.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(service.CreateBattlePath, h.HandleCreateBattle).Methods(http.MethodPost)
	r.HandleFunc(service.HealthPath, h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/cluster/topology", h.GetTopology).Methods(http.MethodGet)
	r.HandleFunc("/matchmaking/queues", h.GetQueues).Methods(http.MethodGet)
	r.HandleFunc("/sessions/stats", h.GetSessionStats).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}", h.GetRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/end", h.HandleEndRoom).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if h.WebSocket != nil {
		r.Handle("/ws", h.WebSocket).Methods(http.MethodGet)
	}
}

// QueuesResponse lists the active queues.
type QueuesResponse struct {
	Queues []queue.Info `json:"queues"`
	Total  int          `json:"total"`
}

// HandleCreateBattle hosts a battle for a pair committed by the leader.
// POST /rpc/battles
// Body: { "player1Entry": {...}, "player2Entry": {...} }
func (h *Handlers) HandleCreateBattle(w http.ResponseWriter, r *http.Request) {
	var req service.CreateBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, service.CreateBattleResponse{Error: "invalid request body"})
		return
	}
	if req.Player1Entry.PlayerData.IsZero() || req.Player2Entry.PlayerData.IsZero() {
		h.writeJSON(w, http.StatusBadRequest, service.CreateBattleResponse{Error: "both entries need player data"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	room, err := h.Rooms.CreateRoom(ctx, req.Player1Entry, req.Player2Entry)
	if err != nil {
		h.logger.Error("Remote battle creation failed",
			zap.String("player1", req.Player1Entry.PlayerID), zap.String("player2", req.Player2Entry.PlayerID), zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, service.CreateBattleResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, service.CreateBattleResponse{Success: true, RoomID: room.ID})
}

// HandleHealth is the liveness probe used by leader election.
// GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, service.HealthResponse{Status: "ok", InstanceID: h.InstanceID})
}

// GetTopology returns every registered instance with regional aggregates.
// GET /cluster/topology
func (h *Handlers) GetTopology(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	t, err := h.Topology.GetClusterTopology(ctx)
	if err != nil {
		h.logger.Error("Failed to build topology", zap.Error(err))
		api.WriteInternalServerError(w, "Failed to read cluster topology")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// GetQueues lists non-empty queues.
// GET /matchmaking/queues
func (h *Handlers) GetQueues(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	queues, err := h.Queues.GetAllActiveQueues(ctx)
	if err != nil {
		h.logger.Error("Failed to list queues", zap.Error(err))
		api.WriteInternalServerError(w, "Failed to list queues")
		return
	}
	resp := QueuesResponse{Queues: queues}
	if resp.Queues == nil {
		resp.Queues = []queue.Info{}
	}
	for _, q := range queues {
		resp.Total += q.PlayerCount
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetSessionStats summarizes login sessions.
// GET /sessions/stats
func (h *Handlers) GetSessionStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := h.Sessions.GetSessionStats(ctx)
	if err != nil {
		h.logger.Error("Failed to read session stats", zap.Error(err))
		api.WriteInternalServerError(w, "Failed to read session stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// GetRoom returns a room by id.
// GET /rooms/{id}
func (h *Handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	room, err := h.RoomReader.GetRoom(ctx, mux.Vars(r)["id"])
	if h.roomError(w, err) {
		return
	}
	h.writeJSON(w, http.StatusOK, room)
}

// HandleEndRoom ends a room hosted on this instance.
// POST /rooms/{id}/end
func (h *Handlers) HandleEndRoom(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	room, err := h.Rooms.EndRoom(ctx, mux.Vars(r)["id"])
	if h.roomError(w, err) {
		return
	}
	h.writeJSON(w, http.StatusOK, room)
}

func (h *Handlers) roomError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	if !errors.Is(err, errs.ErrNotFound) {
		h.logger.Error("Room request failed", zap.Error(err))
	}
	api.WriteErr(w, err)
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := api.WriteJSON(w, status, v); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}
