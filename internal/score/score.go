// Package score implements the deterministic backlog ordering: a pure
// scoring function over issue attributes plus a fixed filter pipeline.
package score

import (
	"sort"
	"time"

	"wrangle/internal/githubapi"
)

type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "none"
	}
}

func (p Priority) BasePoints() float64 {
	switch p {
	case PriorityCritical:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityMedium:
		return 10
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority maps a priority label value onto a Priority. The legacy
// P0..P3 convention is coerced here; anything unrecognized scores none.
func ParsePriority(value string) Priority {
	canonical, ok := githubapi.NormalizePriority(value)
	if !ok {
		return PriorityNone
	}
	switch canonical {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	case "low":
		return PriorityLow
	}
	return PriorityNone
}

const maxAgeBonus = 30

// Score is the computed priority tuple for one issue. It is a pure function
// of the issue's labels, age, blocking relationship and parent presence:
// two calls within the same UTC day on the same inputs are identical.
type Score struct {
	IssueNumber        int     `json:"issueNumber"`
	BasePoints         float64 `json:"basePoints"`
	AgeBonus           float64 `json:"ageBonus"`
	BlockingMultiplier float64 `json:"blockingMultiplier"`
	BlockedPenalty     float64 `json:"blockedPenalty"`
	Total              float64 `json:"totalScore"`
}

// Input carries the scoring attributes the caller has already resolved.
// HasOpenParent comes from the advisory sub-issue lookup: a closed parent
// or a failed lookup both mean false.
type Input struct {
	Number        int
	Priority      Priority
	CreatedAt     time.Time
	BlocksOthers  bool
	HasOpenParent bool
}

func Calculate(in Input, now time.Time) Score {
	age := now.UTC().Sub(in.CreatedAt.UTC()) / (24 * time.Hour)
	if age < 0 {
		age = 0
	}
	if age > maxAgeBonus {
		age = maxAgeBonus
	}

	s := Score{
		IssueNumber:        in.Number,
		BasePoints:         in.Priority.BasePoints(),
		AgeBonus:           float64(age),
		BlockingMultiplier: 1.0,
		BlockedPenalty:     1.0,
	}
	if in.BlocksOthers {
		s.BlockingMultiplier = 1.5
	}
	if in.HasOpenParent {
		s.BlockedPenalty = 0.1
	}
	s.Total = (s.BasePoints + s.AgeBonus) * s.BlockingMultiplier * s.BlockedPenalty
	return s
}

// Filters narrows the candidate pool before scoring.
type Filters struct {
	IncludeTypes []string
	ExcludeTypes []string
}

// Apply runs the fixed filter pipeline: drop in-progress issues, drop
// assigned issues, then apply the include and exclude type sets. Relative
// order is preserved and the function is idempotent for a given Filters.
func Apply(issues []githubapi.Issue, f Filters) []githubapi.Issue {
	out := make([]githubapi.Issue, 0, len(issues))

	include := toSet(f.IncludeTypes)
	exclude := toSet(f.ExcludeTypes)

	for _, issue := range issues {
		if issue.StatusLabel() == "in-progress" {
			continue
		}
		if len(issue.Assignees) > 0 {
			continue
		}
		if len(include) > 0 && !include[issue.TypeLabel()] {
			continue
		}
		if len(exclude) > 0 && exclude[issue.TypeLabel()] {
			continue
		}
		out = append(out, issue)
	}
	return out
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Ranked pairs an issue with its score.
type Ranked struct {
	Issue githubapi.Issue
	Score Score
}

// Rank scores every issue and orders by descending total, ties broken by
// ascending issue number. parents reports whether an issue has an open
// parent; missing entries mean no parent.
func Rank(issues []githubapi.Issue, parents map[int]bool, now time.Time) []Ranked {
	out := make([]Ranked, 0, len(issues))
	for _, issue := range issues {
		in := Input{
			Number:        issue.Number,
			Priority:      ParsePriority(issue.PriorityLabel()),
			CreatedAt:     issue.CreatedAt,
			BlocksOthers:  issue.BlocksOthers(),
			HasOpenParent: parents[issue.Number],
		}
		out = append(out, Ranked{Issue: issue, Score: Calculate(in, now)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total > out[j].Score.Total
		}
		return out[i].Issue.Number < out[j].Issue.Number
	})
	return out
}
