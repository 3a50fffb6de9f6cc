package grouper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupItems_ContiguousRun(t *testing.T) {
	items := []Groupable{
		{Index: 0, FamilyKey: "fc3", Address: 0, Length: 1},
		{Index: 1, FamilyKey: "fc3", Address: 1, Length: 1},
		{Index: 2, FamilyKey: "fc3", Address: 4, Length: 1},
		{Index: 3, FamilyKey: "fc3", Address: 5, Length: 1},
	}

	groups := GroupItems(items, 125)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(0), groups[0].Start)
	assert.Equal(t, int64(2), groups[0].Length)
	assert.Equal(t, []int{0, 1}, groups[0].Items)
	assert.Equal(t, int64(4), groups[1].Start)
	assert.Equal(t, int64(2), groups[1].Length)
	assert.Equal(t, []int{2, 3}, groups[1].Items)
}

func TestGroupItems_SplitsOnTransportCap(t *testing.T) {
	items := make([]Groupable, 0, 10)
	for i := 0; i < 10; i++ {
		items = append(items, Groupable{Index: i, FamilyKey: "fc3", Address: int64(i), Length: 1})
	}

	groups := GroupItems(items, 6)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(6), groups[0].Length)
	assert.Equal(t, int64(4), groups[1].Length)
}

func TestGroupItems_DuplicateAddressesCoalesce(t *testing.T) {
	items := []Groupable{
		{Index: 0, FamilyKey: "fc3", Address: 10, Length: 1},
		{Index: 1, FamilyKey: "fc3", Address: 10, Length: 1},
	}
	groups := GroupItems(items, 0)
	require.Len(t, groups, 1)
	assert.Equal(t, []int{0, 1}, groups[0].Items)
}

func TestGroupItems_SeparatesFamilies(t *testing.T) {
	items := []Groupable{
		{Index: 0, FamilyKey: "fc1", Address: 0, Length: 1},
		{Index: 1, FamilyKey: "fc3", Address: 0, Length: 1},
	}
	groups := GroupItems(items, 0)
	assert.Len(t, groups, 2)
}

func TestGroupItems_StableUnderInputReorder(t *testing.T) {
	a := []Groupable{
		{Index: 0, FamilyKey: "fc3", Address: 0, Length: 1},
		{Index: 1, FamilyKey: "fc3", Address: 1, Length: 1},
		{Index: 2, FamilyKey: "fc3", Address: 2, Length: 1},
	}
	b := []Groupable{a[2], a[0], a[1]}

	ga := GroupItems(a, 2)
	gb := GroupItems(b, 2)

	require.Equal(t, len(ga), len(gb))
	for i := range ga {
		assert.Equal(t, ga[i].Start, gb[i].Start)
		assert.Equal(t, ga[i].Length, gb[i].Length)
	}
}

// Idempotence: flattening a grouping's output into one item per group and
// re-grouping reproduces the same boundaries, since two distinct groups
// can never be adjacent (they would already have merged).
func TestGroupItems_Idempotent(t *testing.T) {
	items := []Groupable{
		{Index: 0, FamilyKey: "fc3", Address: 0, Length: 1},
		{Index: 1, FamilyKey: "fc3", Address: 1, Length: 1},
		{Index: 2, FamilyKey: "fc3", Address: 4, Length: 1},
	}
	first := GroupItems(items, 0)

	flattened := make([]Groupable, len(first))
	for i, g := range first {
		flattened[i] = Groupable{Index: i, FamilyKey: g.FamilyKey, Address: g.Start, Length: int(g.Length)}
	}
	second := GroupItems(flattened, 0)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Start, second[i].Start)
		assert.Equal(t, first[i].Length, second[i].Length)
	}
}
