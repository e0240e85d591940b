package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeNSearchResults(t *testing.T) {
	a := []SearchResult{{ID: 1, Distance: 0.1}, {ID: 3, Distance: 0.3}}
	b := []SearchResult{{ID: 2, Distance: 0.2}, {ID: 4, Distance: 0.4}}
	c := []SearchResult{{ID: 5, Distance: 0.05}}

	got := MergeNSearchResults(3, a, b, c)
	assert.Equal(t, []SearchResult{
		{ID: 5, Distance: 0.05},
		{ID: 1, Distance: 0.1},
		{ID: 2, Distance: 0.2},
	}, got)
}

func TestMergeNSearchResultsDeduplicates(t *testing.T) {
	// Overlapping clusters can return the same handle from several lists.
	a := []SearchResult{{ID: 7, Distance: 0.1}, {ID: 9, Distance: 0.5}}
	b := []SearchResult{{ID: 7, Distance: 0.1}, {ID: 8, Distance: 0.2}}
	c := []SearchResult{{ID: 7, Distance: 0.1}}

	got := MergeNSearchResults(10, a, b, c)
	assert.Equal(t, []SearchResult{
		{ID: 7, Distance: 0.1},
		{ID: 8, Distance: 0.2},
		{ID: 9, Distance: 0.5},
	}, got)
}

func TestMergeNSearchResultsTieBreak(t *testing.T) {
	a := []SearchResult{{ID: 9, Distance: 0.5}}
	b := []SearchResult{{ID: 2, Distance: 0.5}}
	c := []SearchResult{{ID: 5, Distance: 0.5}}

	got := MergeNSearchResults(3, a, b, c)
	assert.Equal(t, []SearchResult{
		{ID: 2, Distance: 0.5},
		{ID: 5, Distance: 0.5},
		{ID: 9, Distance: 0.5},
	}, got)
}

func TestMergeNSearchResultsEdgeCases(t *testing.T) {
	assert.Empty(t, MergeNSearchResults(5))
	assert.Empty(t, MergeNSearchResults(5, nil, nil))
	assert.Empty(t, MergeNSearchResults(0, []SearchResult{{ID: 1}}))

	single := []SearchResult{{ID: 1, Distance: 0.1}, {ID: 2, Distance: 0.2}}
	assert.Equal(t, single[:1], MergeNSearchResults(1, single))

	two := MergeNSearchResults(4, single, []SearchResult{{ID: 3, Distance: 0.15}})
	assert.Equal(t, []SearchResult{
		{ID: 1, Distance: 0.1},
		{ID: 3, Distance: 0.15},
		{ID: 2, Distance: 0.2},
	}, two)
}
