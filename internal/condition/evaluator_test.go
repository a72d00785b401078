package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

func TestEvaluateEmptyExpressionIsTrue(t *testing.T) {
	ok, err := New().Evaluate("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateAgainstSubmission(t *testing.T) {
	sub := &model.Submission{
		SubmissionData: map[string]any{
			"company_size": "enterprise",
			"topics":       []string{"security", "compliance"},
		},
		Email: "ada@example.com",
	}
	env := Env(sub, nil)
	e := New()

	tests := []struct {
		expression string
		want       bool
	}{
		{`submission.company_size == "enterprise"`, true},
		{`submission.company_size == "startup"`, false},
		{`has(submission.topics, "security")`, true},
		{`includes(submission.topics, "pricing")`, false},
		{`email endsWith "@example.com"`, true},
		{`submission.missing_field == nil`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			got, err := e.Evaluate(tt.expression, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateAgainstPriorSteps(t *testing.T) {
	records := []model.ExecutionStep{
		{StepOrder: 0, Output: "APPROVED: proceed with deep dive", Status: model.StepStatusSucceeded},
		{StepOrder: 1, Output: "", Status: model.StepStatusSucceeded, Skipped: true},
	}
	env := Env(nil, records)
	e := New()

	got, err := e.Evaluate(`steps["0"].output contains "APPROVED"`, env)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Evaluate(`steps["1"].skipped`, env)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateErrors(t *testing.T) {
	e := New()

	_, err := e.Evaluate(`submission.size ==`, Env(nil, nil))
	var vErr *lferrors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "condition", vErr.Field)
}

func TestCompileCache(t *testing.T) {
	e := New()
	env := Env(nil, nil)

	_, err := e.Evaluate(`1 < 2`, env)
	require.NoError(t, err)
	_, err = e.Evaluate(`1 < 2`, env)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())
}
