package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/internal/value"
)

func TestAddRemoveParity(t *testing.T) {
	r := New(1)
	name := value.Intern("name")

	require.NoError(t, r.Append(name, value.String("jeff"), 1, chunk.ActionAdd))
	require.NoError(t, r.Append(name, value.String("jeff"), 2, chunk.ActionRemove))

	// Equal counts of ADD and REMOVE mean logically empty despite two
	// revisions being held.
	assert.Empty(t, r.Get(name))
	assert.False(t, r.Verify(name, value.String("jeff"), 0))
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.Append(name, value.String("jeff"), 3, chunk.ActionAdd))
	got := r.Get(name)
	require.Len(t, got, 1)
	assert.Zero(t, value.Compare(value.String("jeff"), got[0]))
	assert.True(t, r.Verify(name, value.String("jeff"), 0))
}

func TestHistoricalReads(t *testing.T) {
	r := New(7)
	key := value.Intern("x")

	require.NoError(t, r.Append(key, value.Int64(1), 10, chunk.ActionAdd))
	require.NoError(t, r.Append(key, value.Int64(1), 20, chunk.ActionRemove))

	assert.Empty(t, r.Get(key))
	historical := r.GetAt(key, 15)
	require.Len(t, historical, 1)
	assert.Zero(t, value.Compare(value.Int64(1), historical[0]))

	assert.True(t, r.Verify(key, value.Int64(1), 15))
	assert.False(t, r.Verify(key, value.Int64(1), 25))
}

func TestNumericCollisionKeepsBothVariants(t *testing.T) {
	r := New(3)
	key := value.Intern("v")

	// 18 and 18.0 collapse for lookup but alternate independently in
	// storage, so both variants coexist.
	require.NoError(t, r.Append(key, value.Int32(18), 1, chunk.ActionAdd))
	require.NoError(t, r.Append(key, value.Float64(18.0), 2, chunk.ActionAdd))

	got := r.Get(key)
	assert.Len(t, got, 2)
	assert.True(t, r.Verify(key, value.Int32(18), 0))
	assert.True(t, r.Verify(key, value.Float64(18.0), 0))
	// Either variant verifies under tag-collapsed equality.
	assert.True(t, r.Verify(key, value.Int64(18), 0))
}

func TestAppendOrderEnforced(t *testing.T) {
	r := New(1)
	key := value.Intern("k")

	require.NoError(t, r.Append(key, value.Int64(1), 5, chunk.ActionAdd))
	require.Error(t, r.Append(key, value.Int64(2), 5, chunk.ActionAdd), "equal version must fail fast")
	require.Error(t, r.Append(key, value.Int64(2), 4, chunk.ActionAdd), "older version must fail fast")
}

func TestPartialViewRejectsForeignKeys(t *testing.T) {
	r := NewPartial(9, value.Intern("name"))
	require.NoError(t, r.Append(value.Intern("name"), value.String("a"), 1, chunk.ActionAdd))
	require.Error(t, r.Append(value.Intern("age"), value.Int32(1), 2, chunk.ActionAdd))
	assert.Equal(t, ShapePartial, r.Shape())
	assert.Equal(t, value.Text("name"), r.Key())
}

func TestDescribeAndBrowse(t *testing.T) {
	r := New(4)
	name := value.Intern("name")
	age := value.Intern("age")

	require.NoError(t, r.Append(name, value.String("ashleah"), 1, chunk.ActionAdd))
	require.NoError(t, r.Append(age, value.Int32(30), 2, chunk.ActionAdd))
	require.NoError(t, r.Append(age, value.Int32(30), 3, chunk.ActionRemove))

	assert.Equal(t, []value.Text{name}, r.Describe())
	assert.ElementsMatch(t, []value.Text{age, name}, r.DescribeAt(2))

	browsed := r.Browse()
	require.Len(t, browsed, 1)
	require.Len(t, browsed[name], 1)

	historical := r.BrowseAt(2)
	assert.Len(t, historical, 2)
}

func TestChronologize(t *testing.T) {
	r := New(5)
	key := value.Intern("score")

	require.NoError(t, r.Append(key, value.Int64(10), 1, chunk.ActionAdd))
	require.NoError(t, r.Append(key, value.Int64(20), 2, chunk.ActionAdd))
	require.NoError(t, r.Append(key, value.Int64(10), 3, chunk.ActionRemove))
	require.NoError(t, r.Append(key, value.Int64(30), 4, chunk.ActionAdd))

	steps := r.Chronologize(key, 2, 3)
	require.Len(t, steps, 2)

	assert.Equal(t, uint64(2), steps[0].Version)
	assert.Len(t, steps[0].Values, 2, "after v2 both 10 and 20 are present")

	assert.Equal(t, uint64(3), steps[1].Version)
	require.Len(t, steps[1].Values, 1, "after v3 only 20 remains")
	assert.Zero(t, value.Compare(value.Int64(20), steps[1].Values[0]))

	full := r.Chronologize(key, 0, 0)
	assert.Len(t, full, 4)
}
