package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGraph(t *testing.T) {
	dir := t.TempDir()
	graph := NewGraph()
	for _, id := range []string{"root", "left", "right", "leaf"} {
		_, err := graph.Register(id, Options{Path: filepath.Join(dir, id+".json")})
		require.NoError(t, err)
	}

	t.Run("duplicate id", func(t *testing.T) {
		_, err := graph.Register("root", Options{Path: filepath.Join(dir, "other.json")})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate checkpoint id")
	})

	t.Run("unknown id", func(t *testing.T) {
		require.ErrorIs(t, graph.DependOn("root", "missing"), ErrUnknownCheckpoint)
		require.ErrorIs(t, graph.DependOn("missing", "root"), ErrUnknownCheckpoint)
		_, ok := graph.Get("missing")
		require.False(t, ok)
	})

	t.Run("diamond", func(t *testing.T) {
		require.NoError(t, graph.DependOn("root", "left"))
		require.NoError(t, graph.DependOn("root", "right"))
		require.NoError(t, graph.DependOn("left", "leaf"))
		require.NoError(t, graph.DependOn("right", "leaf"))
		require.NoError(t, graph.DependOn("root", "left"))
		require.Equal(t, []string{"left", "right"}, graph.Dependents("root"))

		var ids []string
		for _, p := range graph.descendants("root") {
			ids = append(ids, p.ID())
		}
		require.Equal(t, []string{"left", "leaf", "right"}, ids)
	})

	t.Run("cycle", func(t *testing.T) {
		require.ErrorIs(t, graph.DependOn("leaf", "root"), ErrDependencyCycle)
		require.ErrorIs(t, graph.DependOn("left", "left"), ErrDependencyCycle)
	})

	t.Run("cascade through shared dependent", func(t *testing.T) {
		root, ok := graph.Get("root")
		require.True(t, ok)
		require.NoError(t, root.Restart())
		leaf, _ := graph.Get("leaf")
		require.Equal(t, StateStarting, leaf.State())

		require.NoError(t, root.Destroy())
		require.True(t, root.IsDestroyed())
		require.True(t, leaf.IsDestroyed())
	})
}
