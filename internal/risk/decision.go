package risk

import "fmt"

// Decision is the smart-approval verdict after folding the sequence modifier
// into the base score. It runs in shadow next to the static pipeline; only
// DecisionBlocked has teeth.
type Decision string

const (
	DecisionAutoApprove       Decision = "auto_approve"
	DecisionNeedsConfirmation Decision = "needs_confirmation"
	DecisionNeedsApproval     Decision = "needs_approval"
	DecisionBlocked           Decision = "blocked"
)

// Verdict couples the decision with its inputs for audit logging.
type Verdict struct {
	Decision         Decision `json:"decision"`
	FinalScore       int      `json:"final_score"`
	BaseScore        int      `json:"base_score"`
	SequenceModifier float64  `json:"sequence_modifier"`
	Category         Category `json:"category"`
	Reason           string   `json:"reason"`
}

// Decide combines a base evaluation with a sequence risk modifier in the
// range [-0.3, +0.3] and maps the adjusted score to a decision.
func Decide(base Result, sequenceModifier float64) Verdict {
	final := clampScore(int(float64(base.Score) * (1 + sequenceModifier)))

	var decision Decision
	var reason string
	switch {
	case base.Category == CategoryBlock || final >= 86:
		decision = DecisionBlocked
		reason = fmt.Sprintf("risk score %d >= 86, reject", final)
	case final <= 25:
		decision = DecisionAutoApprove
		reason = fmt.Sprintf("risk score %d <= 25, auto-approve", final)
	case final <= 65:
		decision = DecisionNeedsConfirmation
		reason = fmt.Sprintf("risk score %d, confirmation needed", final)
	default:
		decision = DecisionNeedsApproval
		reason = fmt.Sprintf("risk score %d, manual approval needed", final)
	}

	return Verdict{
		Decision:         decision,
		FinalScore:       final,
		BaseScore:        base.Score,
		SequenceModifier: sequenceModifier,
		Category:         base.Category,
		Reason:           reason,
	}
}
