// shared/service/battleclient.go
package service

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/Ftotnem/arena-cluster/shared/api"
	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/models"
)

// Inter-instance routes.
const (
	CreateBattlePath = "/rpc/battles"
	HealthPath       = "/health"
)

// CreateBattleRequest asks a remote instance to host a battle for a committed pair.
type CreateBattleRequest struct {
	Player1Entry models.MatchmakingEntry `json:"player1Entry"`
	Player2Entry models.MatchmakingEntry `json:"player2Entry"`
}

// CreateBattleResponse reports the outcome of a remote battle creation.
type CreateBattleResponse struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is served by every instance on HealthPath.
type HealthResponse struct {
	Status     string `json:"status"`
	InstanceID string `json:"instanceId"`
}

// BattleClient calls the battle RPC and the liveness probe of other instances.
type BattleClient struct {
	rpc   *http.Client
	probe *http.Client
}

// NewBattleClient builds a client. rpcTimeout bounds battle creation, probeTimeout
// the reachability probe.
func NewBattleClient(rpcTimeout, probeTimeout time.Duration) *BattleClient {
	return &BattleClient{
		rpc:   api.NewDefaultHTTPClient(rpcTimeout),
		probe: api.NewDefaultHTTPClient(probeTimeout),
	}
}

// CreateBattle places the pair on inst and returns the created room id. Transport
// errors and callee-reported failures both wrap errs.ErrRemotePlacement.
func (c *BattleClient) CreateBattle(ctx context.Context, inst models.ServiceInstance, p1, p2 models.MatchmakingEntry) (string, error) {
	var resp CreateBattleResponse
	client := api.NewClient(inst.BaseURL(), c.rpc)
	if err := client.Post(ctx, CreateBattlePath, CreateBattleRequest{Player1Entry: p1, Player2Entry: p2}, &resp); err != nil {
		switch {
		case api.IsHTTPError(err, http.StatusNotFound):
			return "", eris.Wrapf(errs.ErrRemotePlacement, "instance %s does not serve %s", inst.ID, CreateBattlePath)
		case api.IsHTTPError(err, 0):
			return "", eris.Wrapf(errs.ErrRemotePlacement, "instance %s answered %d: %v", inst.ID, api.GetHTTPStatusCode(err), err)
		}
		return "", eris.Wrapf(errs.ErrRemotePlacement, "instance %s: %v", inst.ID, err)
	}
	if !resp.Success || resp.RoomID == "" {
		return "", eris.Wrapf(errs.ErrRemotePlacement, "instance %s reported failure: %s", inst.ID, resp.Error)
	}
	return resp.RoomID, nil
}

// Probe checks that inst answers its health endpoint.
func (c *BattleClient) Probe(ctx context.Context, inst models.ServiceInstance) error {
	var resp HealthResponse
	client := api.NewClient(inst.BaseURL(), c.probe)
	if err := client.Get(ctx, HealthPath, &resp); err != nil {
		return eris.Wrapf(errs.ErrInstanceUnreachable, "instance %s: %v", inst.ID, err)
	}
	if resp.InstanceID != "" && resp.InstanceID != inst.ID {
		return eris.Wrapf(errs.ErrInstanceUnreachable, "address of %s answered as %s", inst.ID, resp.InstanceID)
	}
	return nil
}
