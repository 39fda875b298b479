// Package score blends match signals into a single confidence figure and
// maps it to an execution decision.
package score

import (
	"fmt"
)

// Component weights. They sum to 1 so a perfect candidate scores exactly 1.
const (
	weightLexical    = 0.40
	weightSchemaName = 0.25
	weightJoin       = 0.20
	weightHistorical = 0.15
)

// Decision thresholds.
const (
	// ExecuteThreshold is the floor for running SQL without confirmation.
	ExecuteThreshold = 0.70
	// RejectThreshold is the floor for considering the reading at all.
	RejectThreshold = 0.30
)

// Decision is what the service does with a scored candidate.
type Decision string

const (
	DecisionExecute  Decision = "execute"
	DecisionWithhold Decision = "withhold" // return SQL, ask for confirmation
	DecisionReject   Decision = "reject"
)

// Inputs are the per-candidate signals, each already normalized to [0, 1].
type Inputs struct {
	// Lexical is the intent matcher's token-match score.
	Lexical float64
	// SchemaName measures how directly prompt words named real schema
	// identifiers (exact or lexicon 1.0, fuzzy scaled well below that).
	SchemaName float64
	// JoinHops is the longest path in the join plan; 0 for single-table.
	JoinHops int
	// JoinInferred is set when the plan crosses an inferred edge.
	JoinInferred bool
	// Historical is the learning store's success rate for similar
	// prompts, 0 when no history exists.
	Historical float64
}

// Result carries the blended score and its breakdown for explanations.
type Result struct {
	Confidence float64  `json:"confidence"`
	Decision   Decision `json:"decision"`
	Breakdown  []string `json:"breakdown"`
}

// Blend computes the weighted confidence. The join component decays with
// hop count as 1/(1+hops) and is halved when the plan rests on an inferred
// relationship.
func Blend(in Inputs) Result {
	joinScore := 1.0 / float64(1+in.JoinHops)
	if in.JoinInferred {
		joinScore /= 2
	}

	c := weightLexical*clamp(in.Lexical) +
		weightSchemaName*clamp(in.SchemaName) +
		weightJoin*joinScore +
		weightHistorical*clamp(in.Historical)
	c = clamp(c)

	return Result{
		Confidence: c,
		Decision:   decide(c),
		Breakdown: []string{
			fmt.Sprintf("lexical %.2f x %.2f", clamp(in.Lexical), weightLexical),
			fmt.Sprintf("schema naming %.2f x %.2f", clamp(in.SchemaName), weightSchemaName),
			fmt.Sprintf("join plan %.2f x %.2f (%d hops, inferred=%t)", joinScore, weightJoin, in.JoinHops, in.JoinInferred),
			fmt.Sprintf("history %.2f x %.2f", clamp(in.Historical), weightHistorical),
		},
	}
}

func decide(confidence float64) Decision {
	switch {
	case confidence >= ExecuteThreshold:
		return DecisionExecute
	case confidence >= RejectThreshold:
		return DecisionWithhold
	default:
		return DecisionReject
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
