package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ftotnem/arena-cluster/shared/models"
)

func team(species ...string) []models.TeamMember {
	out := make([]models.TeamMember, len(species))
	for i, s := range species {
		out[i] = models.TeamMember{ID: s + "-id", Species: s, Level: 50}
	}
	return out
}

func TestStaticValidator(t *testing.T) {
	ctx := context.Background()
	v := NewStaticValidator()

	assert.True(t, v.ValidateTeam(ctx, team("a"), "casual").Valid)

	res := v.ValidateTeam(ctx, team("a", "a", "b"), "competitive")
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 1)

	res = v.ValidateTeam(ctx, team("a"), "competitive")
	assert.False(t, res.Valid)

	assert.False(t, v.ValidateTeam(ctx, team("a"), "unknown").Valid)

	v.SetLimits("banlist", Limits{MinTeamSize: 1, MaxTeamSize: 6, BannedSpecies: []string{"b"}})
	assert.False(t, v.ValidateTeam(ctx, team("a", "b"), "banlist").Valid)

	over := team("a")
	over[0].Level = 120
	v.SetLimits("capped", Limits{MinTeamSize: 1, MaxTeamSize: 6, LevelCap: 100})
	assert.False(t, v.ValidateTeam(ctx, over, "capped").Valid)
}
