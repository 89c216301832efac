package skills

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskpilot/internal/models"
)

func registerAll(t *testing.T, r *Registry, skills ...models.Skill) {
	t.Helper()
	for _, s := range skills {
		_, _, err := r.Register(context.Background(), s)
		require.NoError(t, err)
	}
}

func TestComposeChainsComponents(t *testing.T) {
	r := newTestRegistry(t)
	registerAll(t, r,
		testSkill("arith", "add then multiply", 0.9, 3),
		testSkill("scale", "add then scale", 0.7, 1),
	)
	c := NewComposer(skillsConfig(), r)

	composite, err := c.Compose(context.Background(), "arith_scale", "full pipeline", []string{"arith", "scale"})
	require.NoError(t, err)

	assert.True(t, composite.IsComposite())
	assert.Equal(t, []string{"arith", "scale"}, composite.Components)
	assert.InDelta(t, (0.9*3+0.7*1)/4*0.95, composite.SuccessRate, 1e-9)
	assert.Zero(t, composite.UsageCount)

	require.Len(t, composite.ParameterizedSteps, 4)
	var ids []string
	for _, st := range composite.ParameterizedSteps {
		ids = append(ids, st.ID)
	}
	assert.Equal(t, []string{"arith.step1", "arith.step2", "scale.step1", "scale.step2"}, ids)

	second := composite.ParameterizedSteps[1]
	assert.Equal(t, "arith.product", second.ExpectedOutputKey)
	assert.Equal(t, "$ref:arith.sum", second.Parameters["a"])
	assert.Equal(t, "{{arith.param_3}}", second.Parameters["b"])

	assert.Equal(t, []string{
		"arith.param_1", "arith.param_2", "arith.param_3",
		"scale.param_1", "scale.param_2", "scale.param_3",
	}, composite.Parameters)
	assert.Equal(t, 7.0, composite.Defaults["scale.param_1"])

	// the composite is a valid plan once instantiated
	steps, err := Instantiate(composite, map[string]any{"scale.param_3": 10.0})
	require.NoError(t, err)
	plan := models.Plan{Goal: "pipeline", Steps: steps}
	require.NoError(t, plan.Validate())
	assert.Equal(t, 10.0, steps[3].Parameters["b"])
	assert.Equal(t, "arith_scale", steps[3].SkillName)

	stored, ok := r.Get("arith_scale")
	require.True(t, ok)
	assert.Equal(t, composite.SuccessRate, stored.SuccessRate)
}

func TestComposeUniformRateWhenUnused(t *testing.T) {
	r := newTestRegistry(t)
	registerAll(t, r,
		testSkill("a", "a", 0.9, 0),
		testSkill("b", "b", 0.7, 0),
		testSkill("c", "c", 0.8, 0),
	)
	c := NewComposer(skillsConfig(), r)

	composite, err := c.Compose(context.Background(), "abc", "", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.InDelta(t, 0.8*0.95*0.95, composite.SuccessRate, 1e-9)
}

func TestComposeSingleComponentHasNoPenalty(t *testing.T) {
	r := newTestRegistry(t)
	registerAll(t, r, testSkill("a", "a", 0.9, 2))
	c := NewComposer(skillsConfig(), r)

	composite, err := c.Compose(context.Background(), "just_a", "", []string{"a"})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, composite.SuccessRate, 1e-9)
}

func TestComposeErrors(t *testing.T) {
	r := newTestRegistry(t)
	registerAll(t, r,
		testSkill("good", "good", 0.9, 1),
		testSkill("flaky", "flaky", 0.3, 10),
	)
	c := NewComposer(skillsConfig(), r)

	tests := []struct {
		name      string
		composite string
		parts     []string
		component string
		contains  string
	}{
		{"missing component", "x", []string{"good", "ghost"}, "ghost", "not registered"},
		{"low success rate", "x", []string{"good", "flaky"}, "flaky", "success rate 0.30 below 0.50"},
		{"duplicate component", "x", []string{"good", "good"}, "good", "more than once"},
		{"no components", "x", nil, "", "at least one component"},
		{"empty name", "", []string{"good"}, "", "name is required"},
		{"name taken", "good", []string{"good"}, "", "already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compose(context.Background(), tt.composite, "", tt.parts)
			require.Error(t, err)
			assert.True(t, IsCompositionError(err))

			var ce *CompositionError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.component, ce.Component)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}

	_, err := c.Compose(context.Background(), "x", "", []string{"ghost"})
	assert.True(t, errors.Is(err, ErrSkillNotFound))
	assert.Equal(t, 2, r.Len(), "failed compositions register nothing")
}
