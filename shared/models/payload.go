// shared/models/payload.go
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/Ftotnem/arena-cluster/shared/errs"
)

// PayloadVersion is the schema version written by this build.
const PayloadVersion = 1

const maxMemberLevel = 100

// TeamMember is one creature of a player's team.
type TeamMember struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Species string   `json:"species"`
	Level   int      `json:"level"`
	Skills  []string `json:"skills,omitempty"`
	Ability string   `json:"ability,omitempty"`
	Emblem  string   `json:"emblem,omitempty"`
}

// PlayerProfile is the player schema a client submits when joining a queue.
type PlayerProfile struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Team []TeamMember `json:"team"`
}

// PlayerPayload is a validated, versioned player profile. It is produced only by
// ParsePlayerPayload or JSON decoding, both of which validate, and exposes copies so
// the carried data cannot change after ingress.
type PlayerPayload struct {
	version int
	profile PlayerProfile
}

type payloadEnvelope struct {
	Version int             `json:"version"`
	Player  json.RawMessage `json:"player"`
}

// ParsePlayerPayload validates a raw player schema document.
func ParsePlayerPayload(raw []byte) (PlayerPayload, error) {
	var profile PlayerProfile
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&profile); err != nil {
		return PlayerPayload{}, eris.Wrapf(errs.ErrValidation, "invalid player data: %v", err)
	}
	if err := validateProfile(profile); err != nil {
		return PlayerPayload{}, err
	}
	return PlayerPayload{version: PayloadVersion, profile: cloneProfile(profile)}, nil
}

func validateProfile(p PlayerProfile) error {
	var problems []string
	if strings.TrimSpace(p.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if len(p.Team) == 0 {
		problems = append(problems, "team must not be empty")
	}
	for i, m := range p.Team {
		if m.ID == "" || m.Species == "" {
			problems = append(problems, fmt.Sprintf("team[%d] needs id and species", i))
		}
		if m.Level < 1 || m.Level > maxMemberLevel {
			problems = append(problems, fmt.Sprintf("team[%d] level %d out of range", i, m.Level))
		}
	}
	if len(problems) > 0 {
		return eris.Wrapf(errs.ErrValidation, "invalid player data: %s", strings.Join(problems, ", "))
	}
	return nil
}

func cloneProfile(p PlayerProfile) PlayerProfile {
	out := PlayerProfile{ID: p.ID, Name: p.Name, Team: make([]TeamMember, len(p.Team))}
	for i, m := range p.Team {
		m.Skills = append([]string(nil), m.Skills...)
		out.Team[i] = m
	}
	return out
}

// Version returns the schema version the payload was written with.
func (p PlayerPayload) Version() int { return p.version }

// IsZero reports whether the payload was never populated.
func (p PlayerPayload) IsZero() bool { return p.version == 0 }

func (p PlayerPayload) PlayerID() string { return p.profile.ID }

func (p PlayerPayload) Name() string { return p.profile.Name }

// Profile returns a copy of the carried profile.
func (p PlayerPayload) Profile() PlayerProfile { return cloneProfile(p.profile) }

// Team returns a copy of the team.
func (p PlayerPayload) Team() []TeamMember { return cloneProfile(p.profile).Team }

// MarshalJSON writes the versioned envelope, or null for a zero payload.
func (p PlayerPayload) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	player, err := json.Marshal(p.profile)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Version: p.version, Player: player})
}

// UnmarshalJSON reads the versioned envelope and validates it. Documents without an
// envelope are read as a bare version-1 profile.
func (p *PlayerPayload) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return eris.Wrapf(errs.ErrValidation, "invalid player payload: %v", err)
	}
	body := env.Player
	if env.Version == 0 || len(body) == 0 {
		body = b
		env.Version = PayloadVersion
	}
	if env.Version > PayloadVersion {
		return eris.Wrapf(errs.ErrValidation, "unsupported player payload version %d", env.Version)
	}
	parsed, err := ParsePlayerPayload(body)
	if err != nil {
		return err
	}
	parsed.version = env.Version
	*p = parsed
	return nil
}
