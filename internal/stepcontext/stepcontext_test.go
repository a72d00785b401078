package stepcontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/engine/internal/dag"
	"github.com/leadforge/engine/internal/model"
)

func testGraph(t *testing.T, steps []model.Step) *dag.Graph {
	t.Helper()
	g, err := dag.New(steps)
	require.NoError(t, err)
	return g
}

func TestInitialRendersLabeledLines(t *testing.T) {
	sub := &model.Submission{
		SubmissionData: map[string]any{
			"name":    "Ada",
			"email":   "a@x",
			"empty":   "",
			"nothing": nil,
			"topics":  []any{"security", "pricing"},
			"size":    float64(25),
		},
	}
	form := &model.Form{FieldLabels: map[string]string{
		"name":  "Full Name",
		"email": "Work Email",
	}}

	got := Initial(sub, form)
	assert.Equal(t, "Full Name: Ada\nWork Email: a@x\nsize: 25\ntopics: security, pricing", got)
}

func TestInitialNilSubmission(t *testing.T) {
	assert.Equal(t, "", Initial(nil, nil))
}

func TestBuildFirstStep(t *testing.T) {
	g := testGraph(t, []model.Step{
		{StepOrder: 0, StepName: "draft", StepType: model.StepTypeAIGeneration},
	})
	sub := &model.Submission{SubmissionData: map[string]any{"name": "Ada"}}

	ctx := Build(g, 0, sub, nil, nil)
	assert.Equal(t, "name: Ada", ctx.Initial)
	assert.Equal(t, "name: Ada", ctx.Current)
	assert.Equal(t, "FORM SUBMISSION:\nname: Ada", ctx.Previous)
	assert.Empty(t, ctx.PreviousImageURLs)
}

func TestBuildLaterStepIncludesDependencies(t *testing.T) {
	g := testGraph(t, []model.Step{
		{StepOrder: 0, StepName: "research", StepType: model.StepTypeAIGeneration},
		{StepOrder: 1, StepName: "draft", StepType: model.StepTypeAIGeneration},
		{StepOrder: 2, StepName: "polish", StepType: model.StepTypeAIGeneration},
	})
	sub := &model.Submission{SubmissionData: map[string]any{"name": "Ada"}}
	records := []model.ExecutionStep{
		{StepOrder: 0, StepType: model.StepTypeAIGeneration, Output: "research notes", Status: model.StepStatusSucceeded},
		{StepOrder: 1, StepType: model.StepTypeAIGeneration, Output: "first draft", Status: model.StepStatusSucceeded},
	}

	ctx := Build(g, 2, sub, nil, records)
	assert.Empty(t, ctx.Current, "only the first step gets a current context")
	assert.Contains(t, ctx.Previous, "FORM SUBMISSION:\nname: Ada")
	assert.Contains(t, ctx.Previous, "STEP 0 (research):\nresearch notes")
	assert.Contains(t, ctx.Previous, "STEP 1 (draft):\nfirst draft")

	// Sections separated by blank lines.
	assert.Contains(t, ctx.Previous, "research notes\n\nSTEP 1")
}

func TestBuildScopesToDependencies(t *testing.T) {
	explicit := model.DependencyList{0}
	g := testGraph(t, []model.Step{
		{StepOrder: 0, StepName: "a", StepType: model.StepTypeAIGeneration},
		{StepOrder: 1, StepName: "b", StepType: model.StepTypeAIGeneration},
		{StepOrder: 2, StepName: "c", StepType: model.StepTypeAIGeneration, DependsOn: &explicit},
	})
	records := []model.ExecutionStep{
		{StepOrder: 0, StepType: model.StepTypeAIGeneration, Output: "from a"},
		{StepOrder: 1, StepType: model.StepTypeAIGeneration, Output: "from b"},
	}

	ctx := Build(g, 2, nil, nil, records)
	assert.Contains(t, ctx.Previous, "from a")
	assert.NotContains(t, ctx.Previous, "from b")
}

func TestBuildGeneratedImagesSection(t *testing.T) {
	g := testGraph(t, []model.Step{
		{StepOrder: 0, StepName: "images", StepType: model.StepTypeAIGeneration},
		{StepOrder: 1, StepName: "compose", StepType: model.StepTypeAIGeneration},
	})
	records := []model.ExecutionStep{
		{
			StepOrder: 0,
			StepType:  model.StepTypeAIGeneration,
			Output:    "made two images",
			ImageURLs: []string{"https://cdn.test/a.png", "https://cdn.test/b.png"},
		},
	}

	ctx := Build(g, 1, nil, nil, records)
	assert.Contains(t, ctx.Previous, "Generated Images:\n- https://cdn.test/a.png\n- https://cdn.test/b.png")
	assert.Equal(t, []string{"https://cdn.test/a.png", "https://cdn.test/b.png"}, ctx.PreviousImageURLs)
}

func TestBuildImageURLDedupIgnoresQuery(t *testing.T) {
	g := testGraph(t, []model.Step{
		{StepOrder: 0, StepName: "a", StepType: model.StepTypeAIGeneration},
		{StepOrder: 1, StepName: "b", StepType: model.StepTypeAIGeneration},
		{StepOrder: 2, StepName: "c", StepType: model.StepTypeAIGeneration},
	})
	records := []model.ExecutionStep{
		{StepOrder: 0, StepType: model.StepTypeAIGeneration, ImageURLs: []string{
			"https://cdn.test/img.png?sig=abc",
		}},
		{StepOrder: 1, StepType: model.StepTypeAIGeneration, ImageURLs: []string{
			"https://cdn.test/img.png?sig=def",
			"https://cdn.test/other.png",
		}},
	}

	ctx := Build(g, 2, nil, nil, records)
	assert.Equal(t, []string{
		"https://cdn.test/img.png?sig=abc",
		"https://cdn.test/other.png",
	}, ctx.PreviousImageURLs)
}

func TestBuildSkipsMissingRecords(t *testing.T) {
	g := testGraph(t, []model.Step{
		{StepOrder: 0, StepName: "a", StepType: model.StepTypeAIGeneration},
		{StepOrder: 1, StepName: "b", StepType: model.StepTypeAIGeneration},
	})
	ctx := Build(g, 1, nil, nil, nil)
	assert.Empty(t, ctx.Previous)
}
