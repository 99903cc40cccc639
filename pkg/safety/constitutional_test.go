package safety

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckAllowsCleanContent(t *testing.T) {
	c := NewChecker(nil)
	result, err := c.Check("func main() { fmt.Println(\"hello\") }", "")
	require.NoError(t, err)
	require.True(t, result.Safe)
	require.Equal(t, 1.0, result.Score)
	require.Equal(t, RecommendAllow, result.Recommendation)
	require.Empty(t, result.Violations)
}

func TestCheckBlocksSeverityOnePattern(t *testing.T) {
	c := NewChecker(nil)
	result, err := c.Check("run: rm -rf /tmp/build", "")
	require.NoError(t, err)
	require.False(t, result.Safe)
	require.Equal(t, 0.0, result.Score)
	require.Equal(t, RecommendBlock, result.Recommendation)
	require.Equal(t, EscalationEStop, result.Escalation)
	require.Len(t, result.Violations, 1)
	require.Equal(t, "P001", result.Violations[0].PrincipleID)
}

func TestCheckBlocksModerateSeverityPatternAtThreshold(t *testing.T) {
	c := NewChecker(nil)
	result, err := c.Check("eval(userInput)", "")
	require.NoError(t, err)
	require.False(t, result.Safe)
	require.InDelta(t, 0.3, result.Score, 1e-9)
	require.Equal(t, RecommendBlock, result.Recommendation)
	require.Len(t, result.Violations, 1)
	require.Equal(t, "P004", result.Violations[0].PrincipleID)
}

func TestCheckScopeViolationSeverityPointNine(t *testing.T) {
	c := NewChecker(nil)
	result, err := c.Check("cat ~/.ssh/id_rsa", "")
	require.NoError(t, err)
	require.InDelta(t, 0.1, result.Score, 1e-9)
	require.Equal(t, RecommendBlock, result.Recommendation)
}

type stubAdvisory struct {
	result Result
	err    error
	called bool
}

func (s *stubAdvisory) Review(content, context string) (Result, error) {
	s.called = true
	return s.result, s.err
}

func TestCheckConsultsAdvisoryOnlyWhenNoPatternViolation(t *testing.T) {
	advisory := &stubAdvisory{result: Result{Safe: false, Score: 0.2, Recommendation: RecommendBlock, Escalation: EscalationCritical}}
	c := NewChecker(advisory)

	result, err := c.Check("refactor the handler for clarity", "")
	require.NoError(t, err)
	require.True(t, advisory.called)
	require.Equal(t, RecommendBlock, result.Recommendation)
}

func TestCheckNeverConsultsAdvisoryOnSeverityOneMatch(t *testing.T) {
	advisory := &stubAdvisory{result: Result{Safe: true, Score: 1.0, Recommendation: RecommendAllow}}
	c := NewChecker(advisory)

	result, err := c.Check("DROP TABLE users;", "")
	require.NoError(t, err)
	require.False(t, advisory.called)
	require.Equal(t, RecommendBlock, result.Recommendation)
	require.Equal(t, EscalationEStop, result.Escalation)
}

func TestShouldEscalateP006LowConfidence(t *testing.T) {
	require.True(t, ShouldEscalateP006(DecisionContext{ConfidenceScore: 0.4}))
	require.False(t, ShouldEscalateP006(DecisionContext{ConfidenceScore: 0.9}))
}

func TestShouldEscalateP006AmbiguousKeyword(t *testing.T) {
	require.True(t, ShouldEscalateP006(DecisionContext{
		ConfidenceScore: 1.0,
		Requirements:    "maybe we should support OAuth, not sure yet",
	}))
}

func TestShouldEscalateP006MultipleOptionsNoneSelected(t *testing.T) {
	require.True(t, ShouldEscalateP006(DecisionContext{
		ConfidenceScore: 1.0,
		Options:         []string{"postgres", "mysql"},
	}))
	require.False(t, ShouldEscalateP006(DecisionContext{
		ConfidenceScore: 1.0,
		Options:         []string{"postgres", "mysql"},
		Selected:        "postgres",
	}))
}

func TestShouldEscalateP006UncertainDecision(t *testing.T) {
	require.True(t, ShouldEscalateP006(DecisionContext{ConfidenceScore: 1.0, Decision: "Unsure"}))
	require.False(t, ShouldEscalateP006(DecisionContext{ConfidenceScore: 1.0, Decision: "approved"}))
}

func TestWorkerScorerFlattensViolations(t *testing.T) {
	scorer := NewWorkerScorer(NewChecker(nil))
	score, violations := scorer.Score("rm -rf /")
	require.Equal(t, 0.0, score)
	require.Len(t, violations, 1)
	require.Contains(t, violations[0], "P001")
}

func TestWorkerScorerEmptyContentIsSafe(t *testing.T) {
	scorer := NewWorkerScorer(NewChecker(nil))
	score, violations := scorer.Score("")
	require.Equal(t, 1.0, score)
	require.Empty(t, violations)
}
