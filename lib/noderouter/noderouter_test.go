package noderouter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New(Config{})
	require.NoError(t, err)
	return r
}

func TestResolveUnregisteredIsUnresolved(t *testing.T) {
	r := newRouter(t)
	_, err := r.Resolve("node-1")
	require.ErrorIs(t, err, ErrUnresolved)
}

func TestBindAndResolve(t *testing.T) {
	r := newRouter(t)
	r.RegisterNode("node-1", "host-a", "", 0)
	require.NoError(t, r.BindNode("node-1", "conn-1"))

	b, err := r.Resolve("node-1")
	require.NoError(t, err)
	require.Equal(t, "conn-1", b.ConnectionID)
	require.EqualValues(t, 1, b.Generation)
}

func TestGenerationStrictlyIncreasesOnRotate(t *testing.T) {
	r := newRouter(t)
	r.RegisterNode("node-1", "host-a", "", 0)
	require.NoError(t, r.BindNode("node-1", "conn-1"))
	b1, _ := r.Resolve("node-1")

	require.NoError(t, r.RotateConnection("node-1", "conn-2"))
	b2, err := r.Resolve("node-1")
	require.NoError(t, err)
	require.Greater(t, b2.Generation, b1.Generation)
	require.Equal(t, "conn-2", b2.ConnectionID)
}

func TestRotatePreservesSessionAssociation(t *testing.T) {
	r := newRouter(t)
	r.RegisterNode("node-1", "host-a", "", 0)
	require.NoError(t, r.BindNode("node-1", "conn-1"))
	require.NoError(t, r.AttachSession("node-1", "sess-1"))

	require.NoError(t, r.RotateConnection("node-1", "conn-2"))
	b, err := r.Resolve("node-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", b.SessionID)
}

func TestGenerationMonotoneUnderConcurrentMutation(t *testing.T) {
	r := newRouter(t)
	r.RegisterNode("node-1", "host-a", "", 0)
	require.NoError(t, r.BindNode("node-1", "conn-1"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.AttachSession("node-1", "sess")
		}(i)
	}
	wg.Wait()

	b, err := r.Resolve("node-1")
	require.NoError(t, err)
	require.EqualValues(t, 51, b.Generation)
}

func TestReadinessDoesNotBumpGeneration(t *testing.T) {
	r := newRouter(t)
	r.RegisterNode("node-1", "host-a", "", 0)
	require.NoError(t, r.BindNode("node-1", "conn-1"))
	b1, _ := r.Resolve("node-1")

	require.NoError(t, r.SetReadiness("node-1", ReadinessReady))
	b2, err := r.Resolve("node-1")
	require.NoError(t, err)
	require.Equal(t, b1.Generation, b2.Generation)
	require.Equal(t, ReadinessReady, b2.Readiness)
}

func TestGenerationTrackerDropsStale(t *testing.T) {
	g := NewGenerationTracker()
	require.True(t, g.Accept("n1", 1))
	require.True(t, g.Accept("n1", 2))
	require.False(t, g.Accept("n1", 2))
	require.False(t, g.Accept("n1", 1))
	require.True(t, g.Accept("n1", 5))
}

func TestChildrenByParent(t *testing.T) {
	r := newRouter(t)
	r.RegisterNode("parent", "jump", "", 0)
	r.RegisterNode("child-1", "leaf-1", "parent", 1)
	r.RegisterNode("child-2", "leaf-2", "parent", 1)

	children := r.Children("parent")
	require.ElementsMatch(t, []string{"child-1", "child-2"}, children)
}
