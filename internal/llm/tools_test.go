package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

func TestNormalizeToolsContainerInjection(t *testing.T) {
	tools, choice, err := NormalizeTools([]model.ToolSpec{
		{Type: model.ToolCodeInterpreter},
		{Type: model.ToolWebSearch},
	}, model.ToolChoiceAuto)
	require.NoError(t, err)
	require.Len(t, tools, 2)

	assert.Equal(t, "code_interpreter", tools[0].Type)
	require.NotNil(t, tools[0].Container)
	assert.Equal(t, "auto", tools[0].Container.Type)
	assert.Nil(t, tools[1].Container)
	assert.Equal(t, "auto", choice)
}

func TestNormalizeToolsComputerUseDefaults(t *testing.T) {
	tools, _, err := NormalizeTools([]model.ToolSpec{{Type: model.ToolComputerUse}}, "")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, 1280, tools[0].DisplayWidth)
	assert.Equal(t, 800, tools[0].DisplayHeight)
	assert.Equal(t, "browser", tools[0].Environment)
	require.NotNil(t, tools[0].Container)
}

func TestNormalizeToolsRequiredWithNoToolsDowngrades(t *testing.T) {
	tools, choice, err := NormalizeTools(nil, model.ToolChoiceRequired)
	require.NoError(t, err)
	assert.Empty(t, tools)
	assert.Equal(t, "auto", choice)
}

func TestNormalizeToolsStripsImageGeneration(t *testing.T) {
	// The planner loop replaces the provider-side image tool.
	tools, _, err := NormalizeTools([]model.ToolSpec{
		{Type: model.ToolImageGeneration},
		{Type: model.ToolWebSearch},
	}, model.ToolChoiceAuto)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "web_search", tools[0].Type)
}

func TestNormalizeToolsRejectsUnknownType(t *testing.T) {
	_, _, err := NormalizeTools([]model.ToolSpec{{Type: "teleport"}}, "")
	var vErr *lferrors.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestDefaultTools(t *testing.T) {
	assert.Equal(t, []model.ToolSpec{{Type: model.ToolWebSearch}}, DefaultTools("gpt-5", nil))
	assert.Nil(t, DefaultTools("o3-deep-research", nil))

	explicit := []model.ToolSpec{{Type: model.ToolShell}}
	assert.Equal(t, explicit, DefaultTools("gpt-5", explicit))
}

func TestIsDeepResearchModel(t *testing.T) {
	assert.True(t, IsDeepResearchModel("o3-deep-research"))
	assert.True(t, IsDeepResearchModel("o4-mini-deep-research-2025-06-26"))
	assert.False(t, IsDeepResearchModel("gpt-5"))
}
