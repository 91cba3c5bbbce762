package router

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticView struct {
	groups   uint64
	leaders  map[uint64]membership.Leader
	standbys map[uint64]membership.Leader
}

func (v staticView) GroupCount() uint64 { return v.groups }

func (v staticView) Leader(g uint64) (membership.Leader, bool) {
	l, ok := v.leaders[g]
	return l, ok
}

func (v staticView) Standby(g uint64) (membership.Leader, bool) {
	l, ok := v.standbys[g]
	return l, ok
}

func leader(node string, g uint64) membership.Leader {
	return membership.Leader{Member: membership.Member{Node: node, Address: node + ":7000", Group: g}, Term: 1}
}

func TestGroupForIsDeterministicAndInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		g := GroupFor(key, 7)
		assert.Less(t, g, uint64(7))
		assert.Equal(t, g, GroupFor(key, 7))
	}
	assert.Zero(t, GroupFor("Deep", 1))
	assert.Zero(t, GroupFor("Deep", 0))
}

func TestGroupForSpreadsKeys(t *testing.T) {
	counts := make([]int, 4)
	for i := 0; i < 4000; i++ {
		counts[GroupFor(fmt.Sprintf("key-%d", i), 4)]++
	}
	for g, n := range counts {
		assert.InDelta(t, 1000, n, 200, "group %d", g)
	}
}

func TestGroupForMovesFewKeysOnGrowth(t *testing.T) {
	moved := 0
	const keys = 5000
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("key-%d", i)
		before, after := GroupFor(key, 4), GroupFor(key, 5)
		if before != after {
			moved++
			assert.EqualValues(t, 4, after, "keys only move to the new group")
		}
	}
	assert.InDelta(t, keys/5, moved, keys/20)
}

func TestRoute(t *testing.T) {
	g := GroupFor("Deep", 3)
	r := New(staticView{
		groups:  3,
		leaders: map[uint64]membership.Leader{g: leader("n1", g)},
	})

	group, l, err := r.Route("Deep")
	require.NoError(t, err)
	assert.Equal(t, g, group)
	assert.Equal(t, "n1", l.Node)

	// a key of another group without leader
	var other string
	for i := 0; ; i++ {
		other = fmt.Sprintf("k%d", i)
		if r.GroupFor(other) != g {
			break
		}
	}
	_, _, err = r.Route(other)
	var noLeader *NoLeaderError
	require.True(t, errors.As(err, &noLeader))
	assert.Equal(t, r.GroupFor(other), noLeader.Group)
}

func TestReadTargets(t *testing.T) {
	r := New(staticView{
		groups:   1,
		leaders:  map[uint64]membership.Leader{0: leader("n1", 0)},
		standbys: map[uint64]membership.Leader{0: leader("n2", 0)},
	})
	_, targets, err := r.ReadTargets("Deep")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "n1", targets[0].Node)
	assert.Equal(t, "n2", targets[1].Node)

	r = New(staticView{groups: 1, standbys: map[uint64]membership.Leader{0: leader("n2", 0)}})
	_, targets, err = r.ReadTargets("Deep")
	require.NoError(t, err)
	require.Len(t, targets, 1, "standby serves reads while the leader key is vacant")

	r = New(staticView{groups: 1})
	_, _, err = r.ReadTargets("Deep")
	var noLeader *NoLeaderError
	assert.ErrorAs(t, err, &noLeader)
}
