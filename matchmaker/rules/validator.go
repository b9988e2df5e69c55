// matchmaker/rules/validator.go
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ftotnem/arena-cluster/shared/models"
)

// Result reports the outcome of a team check.
type Result struct {
	Valid  bool     `json:"isValid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator checks a team against a ruleset.
type Validator interface {
	ValidateTeam(ctx context.Context, team []models.TeamMember, ruleSetID string) Result
}

// Limits is a ruleset's team constraints.
type Limits struct {
	MinTeamSize   int
	MaxTeamSize   int
	LevelCap      int
	UniqueSpecies bool
	BannedSpecies []string
}

// StaticValidator checks teams against a fixed table of limits.
type StaticValidator struct {
	mu     sync.RWMutex
	limits map[string]Limits
}

// NewStaticValidator returns a validator knowing the standard, casual and competitive rulesets.
func NewStaticValidator() *StaticValidator {
	return &StaticValidator{limits: map[string]Limits{
		models.DefaultRuleSetID: {MinTeamSize: 1, MaxTeamSize: 6, LevelCap: 100},
		"casual":                {MinTeamSize: 1, MaxTeamSize: 6, LevelCap: 100},
		"competitive":           {MinTeamSize: 3, MaxTeamSize: 6, LevelCap: 100, UniqueSpecies: true},
	}}
}

// SetLimits adds or replaces a ruleset.
func (v *StaticValidator) SetLimits(ruleSetID string, l Limits) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limits[ruleSetID] = l
}

func (v *StaticValidator) ValidateTeam(_ context.Context, team []models.TeamMember, ruleSetID string) Result {
	v.mu.RLock()
	l, ok := v.limits[ruleSetID]
	v.mu.RUnlock()
	if !ok {
		return Result{Errors: []string{fmt.Sprintf("unknown ruleset %q", ruleSetID)}}
	}

	var problems []string
	if len(team) < l.MinTeamSize || len(team) > l.MaxTeamSize {
		problems = append(problems, fmt.Sprintf("team size %d outside %d..%d", len(team), l.MinTeamSize, l.MaxTeamSize))
	}
	banned := make(map[string]bool, len(l.BannedSpecies))
	for _, s := range l.BannedSpecies {
		banned[s] = true
	}
	species := make(map[string]bool, len(team))
	for _, m := range team {
		if l.LevelCap > 0 && m.Level > l.LevelCap {
			problems = append(problems, fmt.Sprintf("%s exceeds level cap %d", m.ID, l.LevelCap))
		}
		if banned[m.Species] {
			problems = append(problems, fmt.Sprintf("species %s is banned", m.Species))
		}
		if l.UniqueSpecies && species[m.Species] {
			problems = append(problems, fmt.Sprintf("species %s appears more than once", m.Species))
		}
		species[m.Species] = true
	}
	return Result{Valid: len(problems) == 0, Errors: problems}
}
