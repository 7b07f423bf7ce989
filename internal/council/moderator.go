package council

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ModeratorAnalysis is the moderator provider's structured decision after
// a round: whether another round would change the outcome, what's still
// contested, what's already settled, and why the council stopped early
// when it does.
type ModeratorAnalysis struct {
	RoundNumber     int      `json:"-"`
	ShouldContinue  bool     `json:"should_continue"`
	Disagreements   []string `json:"disagreements,omitempty"`
	FocusQuestions  []string `json:"focus_questions,omitempty"`
	ResolvedPoints  []string `json:"resolved_points,omitempty"`
	EarlyExitReason string   `json:"early_exit_reason,omitempty"`
}

// ParseModeratorDecision decodes the moderator provider's JSON response.
// If it isn't valid JSON, callers should fall back to a conservative
// "continue" decision rather than treating this as a hard deliberation
// error.
func ParseModeratorDecision(raw string) (ModeratorAnalysis, error) {
	var m ModeratorAnalysis
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}

// moderatorSystemPrompt instructs the moderator provider to return the
// ModeratorAnalysis shape as JSON.
const moderatorSystemPrompt = `You are moderating a round of independent responses from several advisory models.
Decide whether another round of deliberation would materially change the outcome.
Return a single JSON object matching this shape: {"should_continue": bool, "disagreements": [string], "focus_questions": [string], "resolved_points": [string], "early_exit_reason": string}.
early_exit_reason is only meaningful when should_continue is false (for example "consensus" or "diminishing_returns"). Do not include any text outside the JSON object.`

// buildModeratorPrompt renders one round's responses plus every prior
// moderator analysis into the prompt the moderator provider receives.
func buildModeratorPrompt(message string, round DeliberationRound, priorAnalyses []ModeratorAnalysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original question: %s\n\n", message)
	fmt.Fprintf(&b, "--- Round %d responses ---\n", round.RoundNumber)
	for model, resp := range round.Responses {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", model, resp.Text)
	}
	for model, err := range round.Errors {
		fmt.Fprintf(&b, "[%s] did not respond: %v\n\n", model, err)
	}
	if len(priorAnalyses) > 0 {
		b.WriteString("--- Prior moderator analyses ---\n")
		for _, a := range priorAnalyses {
			fmt.Fprintf(&b, "Round %d: disagreements=%v focus_questions=%v resolved_points=%v\n",
				a.RoundNumber, a.Disagreements, a.FocusQuestions, a.ResolvedPoints)
		}
	}
	return b.String()
}
