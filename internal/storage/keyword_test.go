package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRankByKeywordOrdersByCoverageThenKey(t *testing.T) {
	candidates := map[string]string{
		"b": "caching layer redesign",
		"a": "caching layer redesign",
		"c": "caching only",
	}
	matches := RankByKeyword("caching layer redesign", candidates, -1)
	require.Len(t, matches, 3)
	// "a" and "b" tie on score; tie-break is ascending key.
	require.Equal(t, "a", matches[0].Key)
	require.Equal(t, "b", matches[1].Key)
	require.Equal(t, "c", matches[2].Key)
	require.Greater(t, matches[0].Score, matches[2].Score)
}

func TestRankByKeywordDropsZeroScores(t *testing.T) {
	candidates := map[string]string{
		"match": "deploy the council service",
		"miss":  "totally unrelated content",
	}
	matches := RankByKeyword("council deploy", candidates, -1)
	require.Len(t, matches, 1)
	require.Equal(t, "match", matches[0].Key)
}

func TestRankByKeywordRespectsLimit(t *testing.T) {
	candidates := map[string]string{
		"a": "council", "b": "council", "c": "council",
	}
	matches := RankByKeyword("council", candidates, 2)
	require.Len(t, matches, 2)
}
