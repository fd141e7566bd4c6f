package shipchat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageCRUD(t *testing.T) {
	st := NewMemoryStorage()

	_, ok := st.Get("missing")
	assert.False(t, ok)

	st.Set("k", "v1")
	v, ok := st.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	st.Set("k", "v2")
	v, _ = st.Get("k")
	assert.Equal(t, "v2", v)

	st.Delete("k")
	_, ok = st.Get("k")
	assert.False(t, ok)
}

func TestDirStorageCRUD(t *testing.T) {
	dir := t.TempDir()
	st, err := NewDirStorage(filepath.Join(dir, "state"))
	require.NoError(t, err)

	st.Set("session", `{"token":"abc"}`)
	v, ok := st.Get("session")
	assert.True(t, ok)
	assert.Equal(t, `{"token":"abc"}`, v)

	// One file per key.
	entries, err := os.ReadDir(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session.json", entries[0].Name())

	st.Delete("session")
	_, ok = st.Get("session")
	assert.False(t, ok)
	st.Delete("session") // deleting twice is fine
}

func TestLoadJSONDiscardsCorruptEntry(t *testing.T) {
	st := NewMemoryStorage()
	st.Set("good", `{"id":"t1"}`)
	st.Set("bad", `{"id":`)

	var team Team
	assert.True(t, loadJSON(st, "good", &team))
	assert.Equal(t, "t1", team.ID)

	var other Team
	assert.False(t, loadJSON(st, "bad", &other))
	_, ok := st.Get("bad")
	assert.False(t, ok, "corrupt entry removed")
	_, ok = st.Get("good")
	assert.True(t, ok, "neighbor untouched")
}

func TestLoadJSONMissingKey(t *testing.T) {
	st := NewMemoryStorage()
	var team Team
	assert.False(t, loadJSON(st, "nope", &team))
}

func TestSaveJSONRoundTrip(t *testing.T) {
	st := NewMemoryStorage()
	in := Channel{ID: "c1", Name: "town-square", DisplayName: "Town Square"}
	saveJSON(st, "ch", in)

	var out Channel
	require.True(t, loadJSON(st, "ch", &out))
	assert.Equal(t, in, out)
}
