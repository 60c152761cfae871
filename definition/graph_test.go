package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGraph(t *testing.T) {
	def := validDefinition()

	g, err := BuildGraph(def)
	require.NoError(t, err)

	assert.Equal(t, "fetch", g.Start())
	assert.Len(t, g.Outgoing("check"), 2)
	assert.Len(t, g.Incoming("notify"), 1)
	assert.Nil(t, g.Step("ghost"))
	assert.ElementsMatch(t, []string{"fetch", "check", "notify", "archive"}, g.TopLevel())
}

func TestBuildGraph_Embedded(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps,
		StepSpec{ID: "each", Kind: KindLoop, Loop: &LoopConfig{
			Mode: LoopFor, Count: 2, Body: []string{"work"},
		}},
		StepSpec{ID: "work", Kind: KindAction, Action: &ActionConfig{Type: "api"}},
	)
	def.Connections = append(def.Connections, ConnectionSpec{Source: "archive", Target: "each", Guard: GuardSuccess})

	g, err := BuildGraph(def)
	require.NoError(t, err)

	assert.True(t, g.IsEmbedded("work"))
	assert.False(t, g.IsEmbedded("each"))
	assert.NotContains(t, g.TopLevel(), "work")
}

func TestBuildGraph_Errors(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, StepSpec{ID: "fetch", Kind: KindAction, Action: &ActionConfig{Type: "api"}})
	_, err := BuildGraph(def)
	assert.ErrorContains(t, err, "duplicate step id")

	def = validDefinition()
	def.Connections[0].Target = "ghost"
	_, err = BuildGraph(def)
	assert.ErrorContains(t, err, "not found")
}

func TestGraphCache(t *testing.T) {
	cache := NewGraphCache()
	def := validDefinition()

	g1, err := cache.Get(def)
	require.NoError(t, err)
	g2, err := cache.Get(def)
	require.NoError(t, err)

	assert.Same(t, g1, g2)

	// A new version builds a distinct graph.
	v2 := validDefinition()
	v2.ID = def.ID
	v2.Version = 2
	g3, err := cache.Get(v2)
	require.NoError(t, err)
	assert.NotSame(t, g1, g3)
}
