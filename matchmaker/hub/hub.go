// matchmaker/hub/hub.go
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Ftotnem/arena-cluster/matchmaker/coordinator"
	"github.com/Ftotnem/arena-cluster/shared/api"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/logging"
	"github.com/Ftotnem/arena-cluster/shared/metrics"
	"github.com/Ftotnem/arena-cluster/shared/models"
	redisu "github.com/Ftotnem/arena-cluster/shared/redis"
	"github.com/Ftotnem/arena-cluster/shared/state"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 32
	requestTimeout = 15 * time.Second
)

// Sessions resolves login sessions.
type Sessions interface {
	GetSession(ctx context.Context, playerID, sessionID string) (*models.SessionData, error)
}

// Blacklist reports revoked token ids.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// Matchmaker handles queue requests.
type Matchmaker interface {
	Join(ctx context.Context, req coordinator.JoinRequest) (models.MatchmakingEntry, error)
	Cancel(ctx context.Context, playerID, sessionID string) (bool, error)
}

// Hub owns the websocket connections of this instance.
type Hub struct {
	state      *state.Manager
	sessions   Sessions
	blacklist  Blacklist
	matchmaker Matchmaker
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client         // by session key
	rooms   map[string]map[string]bool // room id -> session keys

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(st *state.Manager, sessions Sessions, blacklist Blacklist, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		state:     st,
		sessions:  sessions,
		blacklist: blacklist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]bool),
		metrics: metrics.OrNop(m),
		logger:  logging.OrNop(logger).Named("hub"),
	}
}

// SetMatchmaker attaches the queue handler. The coordinator notifies through the hub,
// so the two are wired after both exist.
func (h *Hub) SetMatchmaker(mm Matchmaker) {
	h.matchmaker = mm
}

// Connections returns the number of sockets held by this instance.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// authenticate checks that the session exists, that token matches it when the
// session carries one, and that its token id has not been revoked.
func (h *Hub) authenticate(ctx context.Context, playerID, sessionID, token string) error {
	if playerID == "" || sessionID == "" {
		return errs.WithCode(errs.CodeAuthRequired, errs.ErrAuthRequired, "playerId and sessionId are required")
	}
	sd, err := h.sessions.GetSession(ctx, playerID, sessionID)
	if errors.Is(err, errs.ErrNotFound) {
		return errs.WithCode(errs.CodeAuthRequired, errs.ErrAuthRequired, "unknown or expired session")
	}
	if err != nil {
		return err
	}
	if sd.AccessToken != "" && sd.AccessToken != token {
		return errs.WithCode(errs.CodeAuthRequired, errs.ErrAuthRequired, "token does not match session")
	}
	if sd.AccessTokenJTI != "" {
		revoked, err := h.blacklist.IsBlacklisted(ctx, sd.AccessTokenJTI)
		if err != nil {
			return err
		}
		if revoked {
			return errs.WithCode(errs.CodeAuthRequired, errs.ErrAuthRequired, "token has been revoked")
		}
	}
	return nil
}

// ServeHTTP upgrades GET /ws?playerId=&sessionId=&token= into a client connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	playerID, sessionID := q.Get("playerId"), q.Get("sessionId")
	if err := h.authenticate(r.Context(), playerID, sessionID, q.Get("token")); err != nil {
		if !errors.Is(err, errs.ErrAuthRequired) {
			h.logger.Error("Session check failed", zap.String("playerId", playerID), zap.Error(err))
		}
		api.WriteErr(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the request
		h.logger.Warn("Websocket upgrade failed", zap.String("playerId", playerID), zap.Error(err))
		return
	}
	c := &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		playerID:  playerID,
		sessionID: sessionID,
		connID:    uuid.NewString(),
		logger:    h.logger.With(zap.String("playerId", playerID), zap.String("sessionId", sessionID)),
	}
	h.register(r.Context(), c)
	go c.writePump()
	c.readPump()
}

func (h *Hub) register(ctx context.Context, c *client) {
	key := redisu.SessionKey(c.playerID, c.sessionID)
	h.mu.Lock()
	old := h.clients[key]
	h.clients[key] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.ClientConnections.Set(float64(n))
	if old != nil {
		old.logger.Info("Replacing connection of reconnecting session")
		old.close()
	}

	err := h.state.SetConnection(context.WithoutCancel(ctx), models.PlayerConnection{
		PlayerID:   c.playerID,
		SessionID:  c.sessionID,
		InstanceID: h.state.InstanceID(),
		ConnID:     c.connID,
		Status:     models.Connected,
	})
	if err != nil {
		c.logger.Error("Failed to record connection", zap.Error(err))
	}
	c.logger.Info("Client connected", zap.String("connId", c.connID))
}

func (h *Hub) unregister(c *client) {
	key := redisu.SessionKey(c.playerID, c.sessionID)
	h.mu.Lock()
	current := h.clients[key] == c
	if current {
		delete(h.clients, key)
		for id, members := range h.rooms {
			delete(members, key)
			if len(members) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.ClientConnections.Set(float64(n))
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := h.state.MarkDisconnected(ctx, c.playerID, c.sessionID); err != nil {
		c.logger.Error("Failed to record disconnect", zap.Error(err))
	}
	c.logger.Info("Client disconnected", zap.String("connId", c.connID))
}

func (h *Hub) local(playerID, sessionID string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[redisu.SessionKey(playerID, sessionID)]
}

// handle serves one inbound message and returns its ack.
func (h *Hub) handle(ctx context.Context, c *client, msg Inbound) Ack {
	if h.matchmaker == nil {
		return errorAck(msg.ID, eris.New("matchmaking unavailable"))
	}
	switch msg.Event {
	case EventJoinMatchmaking:
		p, ruleSetID, meta, err := parseJoin(msg.Data)
		if err != nil {
			return errorAck(msg.ID, err)
		}
		entry, err := h.matchmaker.Join(ctx, coordinator.JoinRequest{
			PlayerID:  c.playerID,
			SessionID: c.sessionID,
			RuleSetID: ruleSetID,
			Payload:   p,
			Metadata:  meta,
		})
		if err != nil {
			c.logger.Debug("Join rejected", zap.Error(err))
			return errorAck(msg.ID, err)
		}
		return successAck(msg.ID, JoinedQueue{RuleSetID: entry.RuleSetID, JoinTime: entry.JoinTime})
	case EventCancelMatchmaking:
		removed, err := h.matchmaker.Cancel(ctx, c.playerID, c.sessionID)
		if err != nil {
			return errorAck(msg.ID, err)
		}
		return successAck(msg.ID, CancelledQueue{Removed: removed})
	}
	return errorAck(msg.ID, errs.WithCode(errs.CodeValidation, errs.ErrValidation, "unknown event "+msg.Event))
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	once      sync.Once
	done      chan struct{}
	playerID  string
	sessionID string
	connID    string
	logger    *zap.Logger
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue queues data for the writer. A client too slow to drain its buffer is dropped.
func (c *client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode outbound message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Send buffer full, closing connection")
		c.close()
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Unexpected websocket close", zap.Error(err))
			}
			return
		}
		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(Outbound{Event: EventError, Data: "malformed message"})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		c.enqueue(c.hub.handle(ctx, c, msg))
		cancel()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
