package plugin

import (
	"testing"

	"github.com/devicefarmd/agent/internal/agenterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefinitionRejectsBlankID(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterDefinition(Definition{ID: "   "})
	assert.ErrorIs(t, err, agenterr.ErrPluginMissingID)
}

func TestRegisterDefinitionRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDefinition(Definition{ID: "appium"}))
	err := r.RegisterDefinition(Definition{ID: "appium"})
	assert.ErrorIs(t, err, agenterr.ErrPluginDuplicateID)
}

func TestGetDefinitionsIsSnapshot(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDefinition(Definition{ID: "a"}))

	snap := r.GetDefinitions()
	snap["b"] = Definition{ID: "b"}

	_, ok := r.Get("b")
	assert.False(t, ok)
}

func TestValidateDependencyGraphTopologicalOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDefinition(Definition{ID: "a", DependsOn: []string{"b"}}))
	require.NoError(t, r.RegisterDefinition(Definition{ID: "b"}))

	order, err := r.ValidateDependencyGraph()
	require.NoError(t, err)

	posA, posB := indexOf(order, "a"), indexOf(order, "b")
	assert.Less(t, posB, posA, "dependency must start before its dependent")
}

func TestValidateDependencyGraphRejectsCycle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDefinition(Definition{ID: "a", DependsOn: []string{"b"}}))
	require.NoError(t, r.RegisterDefinition(Definition{ID: "b", DependsOn: []string{"a"}}))

	_, err := r.ValidateDependencyGraph()
	assert.ErrorIs(t, err, agenterr.ErrPluginCycle)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
