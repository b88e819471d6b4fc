package group_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cccc-kernel/cccc/internal/group"
)

func TestRecomputeForemanPromotesFirstEnabled(t *testing.T) {
	g := &group.Group{
		Actors: []*group.Actor{
			{ActorID: "A1", Role: group.RolePeer, Enabled: true},
			{ActorID: "A2", Role: group.RolePeer, Enabled: true},
		},
	}

	promoted := g.RecomputeForeman()
	assert.Equal(t, "A1", promoted)
	assert.Equal(t, group.RoleForeman, g.Actors[0].Role)
}

func TestRecomputeForemanNoOpWhenForemanExists(t *testing.T) {
	g := &group.Group{
		Actors: []*group.Actor{
			{ActorID: "A1", Role: group.RoleForeman, Enabled: true},
			{ActorID: "A2", Role: group.RolePeer, Enabled: true},
		},
	}
	assert.Equal(t, "", g.RecomputeForeman())
}

func TestActorByTitleAmbiguous(t *testing.T) {
	g := &group.Group{
		Actors: []*group.Actor{
			{ActorID: "A1", Title: "Reviewer"},
			{ActorID: "A2", Title: "reviewer"},
		},
	}
	_, ok, err := g.ActorByTitle("REVIEWER")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestEnabledAndPeerActorIDs(t *testing.T) {
	g := &group.Group{
		Actors: []*group.Actor{
			{ActorID: "F1", Role: group.RoleForeman, Enabled: true},
			{ActorID: "P1", Role: group.RolePeer, Enabled: true},
			{ActorID: "P2", Role: group.RolePeer, Enabled: false},
		},
	}
	assert.ElementsMatch(t, []string{"F1", "P1"}, g.EnabledActorIDs())
	assert.Equal(t, []string{"P1"}, g.PeerActorIDs())
	assert.Equal(t, "F1", g.ForemanActorID())
}
