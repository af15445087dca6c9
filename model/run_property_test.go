package model

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestProperty_StepNumbersAreContiguous covers spec §8's first quantified
// invariant directly against NextStepNumber: for any sequence of appends, a
// Run's Step numbers form 1..N with no gaps or repeats, regardless of what
// Action/Explanation text rides along with each append.
func TestProperty_StepNumbersAreContiguous(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		run := &Run{ID: rapid.String().Draw(rt, "run_id")}
		appends := rapid.IntRange(0, 50).Draw(rt, "appends")

		for i := 0; i < appends; i++ {
			n := run.NextStepNumber()
			require.Equal(t, i+1, n, "step number must be dense and 1-based")
			run.Steps = append(run.Steps, Step{
				Number: n,
				Action: rapid.String().Draw(rt, "action"),
			})
		}

		for i, step := range run.Steps {
			require.Equal(t, i+1, step.Number)
		}
	})
}
