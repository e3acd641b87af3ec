package githubapi

import (
	"strings"
	"time"
)

// Issue is the engine's projection of a remote issue. PRs never appear here:
// listing filters them out.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Labels    []string  `json:"labels"`
	Assignees []string  `json:"assignees,omitempty"`
	URL       string    `json:"url"`
}

func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// labelWithPrefix returns the value after the first label matching prefix,
// or "" when absent.
func (i Issue) labelWithPrefix(prefix string) string {
	for _, l := range i.Labels {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimPrefix(l, prefix)
		}
	}
	return ""
}

func (i Issue) PriorityLabel() string { return i.labelWithPrefix("priority:") }
func (i Issue) TypeLabel() string     { return i.labelWithPrefix("type:") }
func (i Issue) StatusLabel() string   { return i.labelWithPrefix("status:") }

// BlocksOthers reports whether the issue carries a blocking marker.
func (i Issue) BlocksOthers() bool {
	return i.HasLabel("blocking") || i.HasLabel("blocker")
}

type PRState int

const (
	PROpen PRState = iota
	PRClosed
	PRMerged
)

func (s PRState) String() string {
	switch s {
	case PROpen:
		return "open"
	case PRClosed:
		return "closed"
	case PRMerged:
		return "merged"
	default:
		return "unknown"
	}
}

type CheckState int

const (
	ChecksNone CheckState = iota
	ChecksPending
	ChecksPassing
	ChecksFailing
)

func (s CheckState) String() string {
	switch s {
	case ChecksNone:
		return "none"
	case ChecksPending:
		return "pending"
	case ChecksPassing:
		return "passing"
	case ChecksFailing:
		return "failing"
	default:
		return "unknown"
	}
}

// PRReport aggregates everything the engine needs to know about one PR.
type PRReport struct {
	Number           int      `json:"number"`
	Title            string   `json:"title"`
	URL              string   `json:"url"`
	State            PRState  `json:"-"`
	Checks           CheckState `json:"-"`
	Approved         bool     `json:"approved"`
	ChangesRequested bool     `json:"changesRequested"`
	Reviewers        []string `json:"reviewers"`
	HeadSHA          string   `json:"-"`
	HeadRef          string   `json:"headRef,omitempty"`
}

func (r *PRReport) Merged() bool { return r.State == PRMerged }
