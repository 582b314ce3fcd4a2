package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.json")
	store := NewStore(path)

	l := New(base)
	l.Accumulate(base, 1234, 567)
	l.Accumulate(base.Add(37*time.Minute), 0, 0)
	l.Accumulate(base.Add(3*time.Hour), 0, 0)

	require.NoError(t, store.Save(l.State()))

	loaded, err := store.Load()
	require.NoError(t, err)

	restored := New(base)
	restored.Restore(loaded)

	assert.Equal(t, l.Day(), restored.Day())
	wantPV, wantOut := l.Buckets()
	gotPV, gotOut := restored.Buckets()
	for h := 0; h < Hours; h++ {
		assert.InDelta(t, wantPV[h], gotPV[h], 0.0005, "pv hour %d", h)
		assert.InDelta(t, wantOut[h], gotOut[h], 0.0005, "out hour %d", h)
	}
}

func TestStoreWritesDocumentedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.json")
	store := NewStore(path)

	state := NewState(9)
	state.PV["12"] = 250.5
	require.NoError(t, store.Save(state))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "1", raw["version"])
	assert.Equal(t, float64(9), raw["day"])

	pvw, ok := raw["pvw"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, pvw, Hours)
	assert.Equal(t, 250.5, pvw["12"])

	outw, ok := raw["outw"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, outw, Hours)
}

func TestStoreSaveLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "readings.json"))

	require.NoError(t, store.Save(NewState(1)))
	require.NoError(t, store.Save(NewState(2)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "readings.json", entries[0].Name())
}

func TestStoreSaveFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.json")
	store := NewStore(path)

	require.NoError(t, store.Save(NewState(1)))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestStoreSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "axpert", "readings.json")
	store := NewStore(path)

	require.NoError(t, store.Save(NewState(1)))
	assert.FileExists(t, path)
}

func TestStoreLoad(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		expectErr bool
		check     func(t *testing.T, state *State)
	}{
		{
			name:    "drops total",
			content: `{"version":"1","day":4,"pvw":{"0":1,"total":9.5},"outw":{"1":2,"total":3}}`,
			check: func(t *testing.T, state *State) {
				assert.NotContains(t, state.PV, "total")
				assert.NotContains(t, state.Out, "total")
				assert.Equal(t, 1.0, state.PV["0"])
				assert.Equal(t, 2.0, state.Out["1"])
			},
		},
		{
			name:    "fills missing hours",
			content: `{"version":"1","day":4,"pvw":{"3":1},"outw":{}}`,
			check: func(t *testing.T, state *State) {
				assert.Len(t, state.PV, Hours)
				assert.Len(t, state.Out, Hours)
				assert.Equal(t, 0.0, state.PV["23"])
			},
		},
		{
			name:    "day absent",
			content: `{"pvw":{},"outw":{}}`,
			check: func(t *testing.T, state *State) {
				assert.Equal(t, 0, state.Day)
			},
		},
		{
			name:    "clamps negative buckets",
			content: `{"version":"1","day":4,"pvw":{"5":-12.5,"6":3},"outw":{"7":-0.1}}`,
			check: func(t *testing.T, state *State) {
				assert.Equal(t, 0.0, state.PV["5"])
				assert.Equal(t, 3.0, state.PV["6"])
				assert.Equal(t, 0.0, state.Out["7"])
				assert.Len(t, state.PV, Hours)
			},
		},
		{name: "corrupt json", content: `{"version":"1","day":`, expectErr: true},
		{name: "missing ledgers", content: `{"version":"1","day":4}`, expectErr: true},
		{name: "day out of range", content: `{"day":40,"pvw":{},"outw":{}}`, expectErr: true},
		{name: "wrong types", content: `{"day":"x","pvw":{},"outw":{}}`, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "readings.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			state, err := NewStore(path).Load()
			if tt.expectErr {
				assert.Error(t, err)
				assert.Nil(t, state)
				return
			}
			require.NoError(t, err)
			tt.check(t, state)
		})
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"))

	state, err := store.Load()
	assert.Nil(t, state)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
