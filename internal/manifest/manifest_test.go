package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamNilotpal/ember/internal/value"
)

func TestAppendAndLookup(t *testing.T) {
	m := New()

	locA := value.EncodeIdentifier(1)
	locB := value.EncodeIdentifier(2)
	keyName := []byte("name")
	keyAge := []byte("age")

	require.NoError(t, m.Append(locA, keyName, 0, 40))
	require.NoError(t, m.Append(locA, keyName, 40, 90))
	require.NoError(t, m.Append(locA, keyAge, 90, 120))
	require.NoError(t, m.Append(locB, keyName, 120, 200))

	r, ok := m.LookupLocator(locA)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 0, End: 120}, r)

	r, ok = m.Lookup(locA, keyName)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 0, End: 90}, r)

	r, ok = m.Lookup(locA, keyAge)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 90, End: 120}, r)

	_, ok = m.LookupLocator(value.EncodeIdentifier(99))
	assert.False(t, ok)
	_, ok = m.Lookup(locB, keyAge)
	assert.False(t, ok)

	assert.Equal(t, 2, m.Len())
}

func TestTagCollapsedDedup(t *testing.T) {
	m := New()

	// Index-flavor manifest: locator is the key text, key is the value.
	locator := []byte("age")
	intClass := value.Int32(18).ClassBytes()
	floatClass := value.Float64(18.0).ClassBytes()
	require.Equal(t, intClass, floatClass, "classes must collapse before the manifest sees them")

	require.NoError(t, m.Append(locator, intClass, 0, 30))
	require.NoError(t, m.Append(locator, floatClass, 60, 100))

	// One combined range for the collapsed class.
	r, ok := m.Lookup(locator, intClass)
	require.True(t, ok)
	assert.Equal(t, Range{Start: 0, End: 100}, r)
}

func TestSealBlocksAppend(t *testing.T) {
	m := New()
	require.NoError(t, m.Append([]byte("a"), []byte("k"), 0, 10))
	m.Seal()
	require.Error(t, m.Append([]byte("b"), []byte("k"), 10, 20))
}

func TestSerializeLoad(t *testing.T) {
	m := New()
	require.NoError(t, m.Append([]byte("alpha"), []byte("k1"), 0, 10))
	require.NoError(t, m.Append([]byte("alpha"), []byte("k2"), 10, 25))
	require.NoError(t, m.Append([]byte("beta"), []byte("k1"), 25, 60))
	m.Seal()

	loaded, err := Load(m.Bytes())
	require.NoError(t, err)

	r, ok := loaded.LookupLocator([]byte("alpha"))
	require.True(t, ok)
	assert.Equal(t, Range{Start: 0, End: 25}, r)

	r, ok = loaded.Lookup([]byte("beta"), []byte("k1"))
	require.True(t, ok)
	assert.Equal(t, Range{Start: 25, End: 60}, r)

	locators := loaded.Locators()
	require.Len(t, locators, 2)
	assert.Equal(t, []byte("alpha"), locators[0])
	assert.Equal(t, []byte("beta"), locators[1])

	// A sealed, loaded manifest rejects appends.
	require.Error(t, loaded.Append([]byte("c"), []byte("k"), 0, 1))
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := Load([]byte{1, 2, 3})
	require.Error(t, err)

	m := New()
	require.NoError(t, m.Append([]byte("alpha"), []byte("k1"), 0, 10))
	data := m.Bytes()
	_, err = Load(data[:len(data)-5])
	require.Error(t, err)
}
