// matchmaker/hub/protocol.go
package hub

import (
	"bytes"
	"encoding/json"

	"github.com/Ftotnem/arena-cluster/shared/errs"
	"github.com/Ftotnem/arena-cluster/shared/models"
)

// Client events.
const (
	EventJoinMatchmaking   = "joinMatchmaking"
	EventCancelMatchmaking = "cancelMatchmaking"
	EventAck               = "ack"
	EventError             = "error"
)

// Ack statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Inbound is a message sent by a client.
type Inbound struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is a message pushed to a client.
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Ack answers an Inbound carrying the same id.
type Ack struct {
	Event   string          `json:"event"`
	ID      json.RawMessage `json:"id,omitempty"`
	Status  string          `json:"status"`
	Code    string          `json:"code,omitempty"`
	Details string          `json:"details,omitempty"`
	Data    any             `json:"data,omitempty"`
}

func successAck(id json.RawMessage, data any) Ack {
	return Ack{Event: EventAck, ID: id, Status: StatusSuccess, Data: data}
}

func errorAck(id json.RawMessage, err error) Ack {
	code, details := errs.CodeOf(err)
	return Ack{Event: EventAck, ID: id, Status: StatusError, Code: code, Details: details}
}

type joinData struct {
	PlayerSchema json.RawMessage   `json:"playerSchema"`
	RuleSetID    string            `json:"ruleSetId"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// JoinedQueue is the data of a successful join ack.
type JoinedQueue struct {
	RuleSetID string `json:"ruleSetId"`
	JoinTime  int64  `json:"joinTime"`
}

// CancelledQueue is the data of a successful cancel ack.
type CancelledQueue struct {
	Removed bool `json:"removed"`
}

// parseJoin accepts {"playerSchema":{...},"ruleSetId":"..."} and, for older clients,
// a bare player schema.
func parseJoin(data json.RawMessage) (models.PlayerPayload, string, map[string]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return models.PlayerPayload{}, "", nil, errs.WithCode(errs.CodeValidation, errs.ErrValidation, "missing data")
	}
	var jd joinData
	if err := json.Unmarshal(data, &jd); err != nil {
		return models.PlayerPayload{}, "", nil, errs.WithCode(errs.CodeValidation, errs.ErrValidation, "malformed data")
	}
	raw := jd.PlayerSchema
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = data
	}
	p, err := models.ParsePlayerPayload(raw)
	if err != nil {
		return models.PlayerPayload{}, "", nil, errs.WithCode(errs.CodeValidation, err, err.Error())
	}
	return p, jd.RuleSetID, jd.Metadata, nil
}
