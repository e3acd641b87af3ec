package score

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrangle/internal/githubapi"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }

func TestCalculateBasePoints(t *testing.T) {
	cases := []struct {
		priority Priority
		want     float64
	}{
		{PriorityCritical, 1000},
		{PriorityHigh, 100},
		{PriorityMedium, 10},
		{PriorityLow, 1},
		{PriorityNone, 0},
	}
	for _, tc := range cases {
		s := Calculate(Input{Number: 1, Priority: tc.priority, CreatedAt: now}, now)
		assert.Equal(t, tc.want, s.Total, "priority %s", tc.priority)
	}
}

func TestCalculateAgeBonus(t *testing.T) {
	s := Calculate(Input{Number: 1, Priority: PriorityHigh, CreatedAt: daysAgo(5)}, now)
	assert.Equal(t, 105.0, s.Total)

	// Saturates at 30 days.
	s = Calculate(Input{Number: 1, Priority: PriorityHigh, CreatedAt: daysAgo(400)}, now)
	assert.Equal(t, 130.0, s.Total)

	// Future creation dates clamp to zero instead of going negative.
	s = Calculate(Input{Number: 1, Priority: PriorityHigh, CreatedAt: now.Add(time.Hour)}, now)
	assert.Equal(t, 100.0, s.Total)
}

func TestCalculateModifiers(t *testing.T) {
	s := Calculate(Input{Number: 1, Priority: PriorityMedium, CreatedAt: daysAgo(4), BlocksOthers: true}, now)
	assert.Equal(t, 21.0, s.Total)

	s = Calculate(Input{Number: 1, Priority: PriorityCritical, CreatedAt: now, HasOpenParent: true}, now)
	assert.Equal(t, 100.0, s.Total)

	// A blocked critical still outranks an unblocked medium.
	blocked := Calculate(Input{Number: 1, Priority: PriorityCritical, CreatedAt: now, HasOpenParent: true}, now)
	medium := Calculate(Input{Number: 2, Priority: PriorityMedium, CreatedAt: now}, now)
	assert.Greater(t, blocked.Total, medium.Total)
}

func TestCalculateIsPure(t *testing.T) {
	in := Input{Number: 7, Priority: PriorityHigh, CreatedAt: daysAgo(12), BlocksOthers: true}
	first := Calculate(in, now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Calculate(in, now))
	}
}

func TestParsePriorityCoercesLegacyNames(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("P0"))
	assert.Equal(t, PriorityHigh, ParsePriority("p1"))
	assert.Equal(t, PriorityMedium, ParsePriority("P2"))
	assert.Equal(t, PriorityLow, ParsePriority("p3"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityNone, ParsePriority("urgent"))
}

func issue(number int, labels []string, assignees ...string) githubapi.Issue {
	return githubapi.Issue{
		Number:    number,
		Title:     "issue",
		State:     "open",
		CreatedAt: daysAgo(1),
		Labels:    labels,
		Assignees: assignees,
	}
}

func TestApplyDropsInProgressAndAssigned(t *testing.T) {
	issues := []githubapi.Issue{
		issue(1, []string{"priority:high", "status:in-progress"}),
		issue(2, []string{"priority:high"}, "someone"),
		issue(3, []string{"priority:high", "status:backlog"}),
	}
	out := Apply(issues, Filters{})
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Number)
}

func TestApplyTypeFilters(t *testing.T) {
	issues := []githubapi.Issue{
		issue(1, []string{"type:bug"}),
		issue(2, []string{"type:feature"}),
		issue(3, []string{"type:chore"}),
	}

	out := Apply(issues, Filters{IncludeTypes: []string{"bug", "feature"}})
	require.Len(t, out, 2)
	assert.Equal(t, 1, out[0].Number)
	assert.Equal(t, 2, out[1].Number)

	out = Apply(out, Filters{ExcludeTypes: []string{"bug"}})
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Number)
}

func TestApplyIsIdempotentAndOrderPreserving(t *testing.T) {
	issues := []githubapi.Issue{
		issue(5, []string{"type:bug"}),
		issue(2, []string{"type:bug"}),
		issue(9, []string{"type:feature"}),
	}
	f := Filters{IncludeTypes: []string{"bug", "feature"}}
	once := Apply(issues, f)
	twice := Apply(once, f)
	assert.Equal(t, once, twice)
	assert.Equal(t, []int{5, 2, 9}, []int{once[0].Number, once[1].Number, once[2].Number})
}

func TestRankOrdering(t *testing.T) {
	issues := []githubapi.Issue{
		issue(10, []string{"priority:medium"}),
		issue(4, []string{"priority:critical"}),
		issue(7, []string{"priority:high"}),
	}
	ranked := Rank(issues, nil, now)
	require.Len(t, ranked, 3)
	assert.Equal(t, 4, ranked[0].Issue.Number)
	assert.Equal(t, 7, ranked[1].Issue.Number)
	assert.Equal(t, 10, ranked[2].Issue.Number)
}

func TestRankTieBreaksByIssueNumber(t *testing.T) {
	issues := []githubapi.Issue{
		issue(42, []string{"priority:high"}),
		issue(7, []string{"priority:high"}),
		issue(19, []string{"priority:high"}),
	}
	ranked := Rank(issues, nil, now)
	assert.Equal(t, 7, ranked[0].Issue.Number)
	assert.Equal(t, 19, ranked[1].Issue.Number)
	assert.Equal(t, 42, ranked[2].Issue.Number)
}

func TestRankAppliesParentPenalty(t *testing.T) {
	issues := []githubapi.Issue{
		issue(1, []string{"priority:high"}),
		issue(2, []string{"priority:high"}),
	}
	ranked := Rank(issues, map[int]bool{1: true}, now)
	assert.Equal(t, 2, ranked[0].Issue.Number)
	assert.Equal(t, 1, ranked[1].Issue.Number)
	assert.InDelta(t, ranked[1].Score.Total, ranked[0].Score.Total*0.1, 0.001)
}
