package collective

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLocalGroupRanksAreDistinct(t *testing.T) {
	groups := NewLocalGroup(4)
	require.Len(t, groups, 4)
	for i, g := range groups {
		require.Equal(t, i, g.Rank())
		require.Equal(t, 4, g.WorldSize())
	}
}

func TestBroadcastSeedVisibleToAllRanks(t *testing.T) {
	groups := NewLocalGroup(3)

	_, set := groups[1].Seed()
	require.False(t, set)

	groups[0].BroadcastSeed(42)

	for _, g := range groups {
		seed, set := g.Seed()
		require.True(t, set)
		require.EqualValues(t, 42, seed)
	}
}
