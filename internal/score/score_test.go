package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlendPerfectCandidate(t *testing.T) {
	r := Blend(Inputs{Lexical: 1, SchemaName: 1, JoinHops: 0, Historical: 1})
	assert.InDelta(t, 1.0, r.Confidence, 0.001)
	assert.Equal(t, DecisionExecute, r.Decision)
	assert.Len(t, r.Breakdown, 4)
}

func TestBlendNoSignals(t *testing.T) {
	// Even with zero match signals the join component contributes its
	// single-table baseline; still far below the reject line.
	r := Blend(Inputs{})
	assert.InDelta(t, weightJoin, r.Confidence, 0.001)
	assert.Equal(t, DecisionReject, r.Decision)
}

func TestBlendJoinDecay(t *testing.T) {
	base := Blend(Inputs{Lexical: 1, SchemaName: 1, JoinHops: 0})
	far := Blend(Inputs{Lexical: 1, SchemaName: 1, JoinHops: 3})
	assert.Greater(t, base.Confidence, far.Confidence)
	assert.InDelta(t, weightJoin*0.75, base.Confidence-far.Confidence, 0.001)
}

func TestBlendInferredPenalty(t *testing.T) {
	declared := Blend(Inputs{Lexical: 1, SchemaName: 1, JoinHops: 1})
	inferred := Blend(Inputs{Lexical: 1, SchemaName: 1, JoinHops: 1, JoinInferred: true})
	assert.Greater(t, declared.Confidence, inferred.Confidence)
}

func TestBlendClampsInputs(t *testing.T) {
	r := Blend(Inputs{Lexical: 7, SchemaName: -2, Historical: 3})
	assert.LessOrEqual(t, r.Confidence, 1.0)
	assert.GreaterOrEqual(t, r.Confidence, 0.0)
}

func TestDecisionBands(t *testing.T) {
	cases := []struct {
		in   Inputs
		want Decision
	}{
		// 0.40 + 0.25 + 0.20 + 0.15 = 1.00
		{Inputs{Lexical: 1, SchemaName: 1, JoinHops: 0, Historical: 1}, DecisionExecute},
		// 0.40*0.8 + 0.25*0.8 + 0.20*0.5 = 0.62: plausible but unproven
		{Inputs{Lexical: 0.8, SchemaName: 0.8, JoinHops: 1}, DecisionWithhold},
		// Join baseline alone
		{Inputs{JoinHops: 3}, DecisionReject},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Blend(tc.in).Decision)
	}
}
