// Package workflow tracks each claimed issue through the implementation
// phases. Records are whole-file JSON, replaced atomically on mutation;
// the phase history within a record is append-only.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Phase string

const (
	PhaseSelection      Phase = "selection"
	PhaseResearch       Phase = "research"
	PhaseBranch         Phase = "branch"
	PhaseImplementation Phase = "implementation"
	PhaseTesting        Phase = "testing"
	PhaseCommit         Phase = "commit"
	PhasePR             Phase = "pr"
	PhaseReview         Phase = "review"
	PhaseMerged         Phase = "merged"
	PhaseAbandoned      Phase = "abandoned"
)

// linear is the forward order used for skip detection. Abandoned sits
// outside it and is reachable from every non-terminal phase.
var linear = []Phase{
	PhaseSelection,
	PhaseResearch,
	PhaseBranch,
	PhaseImplementation,
	PhaseTesting,
	PhaseCommit,
	PhasePR,
	PhaseReview,
	PhaseMerged,
}

var transitions = map[Phase][]Phase{
	PhaseSelection:      {PhaseResearch, PhaseAbandoned},
	PhaseResearch:       {PhaseBranch, PhaseAbandoned},
	PhaseBranch:         {PhaseImplementation, PhaseAbandoned},
	PhaseImplementation: {PhaseTesting, PhaseAbandoned},
	PhaseTesting:        {PhaseCommit, PhaseAbandoned},
	PhaseCommit:         {PhasePR, PhaseAbandoned},
	PhasePR:             {PhaseReview, PhaseAbandoned},
	PhaseReview:         {PhaseMerged, PhaseAbandoned},
	PhaseMerged:         {},
	PhaseAbandoned:      {},
}

func ValidPhase(p Phase) bool {
	_, ok := transitions[p]
	return ok
}

func linearIndex(p Phase) int {
	for i, candidate := range linear {
		if candidate == p {
			return i
		}
	}
	return -1
}

var (
	ErrNotFound                  = errors.New("workflow state not found")
	ErrInvalidTransition         = errors.New("phase transition not permitted")
	ErrTestsRequired             = errors.New("tests must pass or be justified before this phase")
	ErrSkipJustificationRequired = errors.New("forward skip requires a justification")
)

type Transition struct {
	From    Phase     `json:"from"`
	To      Phase     `json:"to"`
	At      time.Time `json:"timestamp"`
	Trigger string    `json:"trigger"`
}

type SkipJustification struct {
	Phase     Phase     `json:"skippedPhase"`
	Text      string    `json:"justification"`
	At        time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
}

type State struct {
	IssueNumber int                 `json:"issueNumber"`
	Repository  string              `json:"repository"`
	Phase       Phase               `json:"currentPhase"`
	History     []Transition        `json:"phaseHistory"`
	Skips       []SkipJustification `json:"skipJustifications,omitempty"`
	Branch      string              `json:"branchName,omitempty"`
	TestsPassed *bool               `json:"testsPassed,omitempty"`
	PRNumber    int                 `json:"prNumber,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

type Store struct {
	dir string
	now func() time.Time
}

func New(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

func (s *Store) path(owner, repo string, number int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%d.json", owner, repo, number))
}

// save replaces the whole record: write to a temp file in the same
// directory, then rename over the target. A crash mid-write leaves the
// previous record intact.
func (s *Store) save(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".workflow-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace workflow state: %w", err)
	}
	return nil
}

func (s *Store) Create(owner, repo string, number int) (*State, error) {
	now := s.now()
	st := &State{
		IssueNumber: number,
		Repository:  owner + "/" + repo,
		Phase:       PhaseSelection,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.save(s.path(owner, repo, number), st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) Get(owner, repo string, number int) (*State, error) {
	data, err := os.ReadFile(s.path(owner, repo, number))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read workflow state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse workflow state: %w", err)
	}
	return &st, nil
}

func (s *Store) Exists(owner, repo string, number int) bool {
	_, err := os.Stat(s.path(owner, repo, number))
	return err == nil
}

func (s *Store) Delete(owner, repo string, number int) error {
	if err := os.Remove(s.path(owner, repo, number)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete workflow state: %w", err)
	}
	return nil
}

// AdvanceRequest describes one attempted transition.
type AdvanceRequest struct {
	Target            Phase
	TestsPassed       *bool
	SkipJustification string
	SessionID         string
	Trigger           string
}

// Validate checks whether the transition would be admitted without touching
// durable state. Side-effectful callers check first, perform their remote
// work, then call Advance.
func Validate(current Phase, req AdvanceRequest) error {
	if !ValidPhase(req.Target) {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, req.Target)
	}
	if req.Target == PhaseAbandoned {
		if current == PhaseMerged || current == PhaseAbandoned {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
		}
		return nil
	}

	direct := false
	for _, next := range transitions[current] {
		if next == req.Target {
			direct = true
			break
		}
	}

	if !direct {
		from, to := linearIndex(current), linearIndex(req.Target)
		if from < 0 || to < 0 || to <= from {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, req.Target)
		}
		// Forward skip over at least one phase.
		if req.SkipJustification == "" {
			return fmt.Errorf("%w: skipping from %s to %s", ErrSkipJustificationRequired, current, req.Target)
		}
	}

	if req.Target == PhaseCommit || req.Target == PhasePR {
		passed := req.TestsPassed != nil && *req.TestsPassed
		if !passed && req.SkipJustification == "" {
			return fmt.Errorf("%w: entering %s", ErrTestsRequired, req.Target)
		}
	}
	return nil
}

// Advance applies the transition, synthesizing one skip-justification
// record per phase jumped over on a forward skip.
func (s *Store) Advance(owner, repo string, number int, req AdvanceRequest) (*State, Phase, error) {
	st, err := s.Get(owner, repo, number)
	if err != nil {
		return nil, "", err
	}

	if err := Validate(st.Phase, req); err != nil {
		return nil, "", err
	}

	now := s.now()
	prev := st.Phase

	if req.Target != PhaseAbandoned {
		from, to := linearIndex(prev), linearIndex(req.Target)
		for i := from + 1; i < to; i++ {
			st.Skips = append(st.Skips, SkipJustification{
				Phase:     linear[i],
				Text:      req.SkipJustification,
				At:        now,
				SessionID: req.SessionID,
			})
		}
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = "advance"
	}
	st.History = append(st.History, Transition{
		From:    prev,
		To:      req.Target,
		At:      now,
		Trigger: trigger,
	})
	st.Phase = req.Target
	if req.TestsPassed != nil {
		st.TestsPassed = req.TestsPassed
	}
	st.UpdatedAt = now

	if err := s.save(s.path(owner, repo, number), st); err != nil {
		return nil, "", err
	}
	return st, prev, nil
}

// SetBranch persists the branch name computed on the branch transition.
func (s *Store) SetBranch(owner, repo string, number int, branch string) (*State, error) {
	st, err := s.Get(owner, repo, number)
	if err != nil {
		return nil, err
	}
	st.Branch = branch
	st.UpdatedAt = s.now()
	if err := s.save(s.path(owner, repo, number), st); err != nil {
		return nil, err
	}
	return st, nil
}

// SetPR persists the PR number opened on the pr transition.
func (s *Store) SetPR(owner, repo string, number, prNumber int) (*State, error) {
	st, err := s.Get(owner, repo, number)
	if err != nil {
		return nil, err
	}
	st.PRNumber = prNumber
	st.UpdatedAt = s.now()
	if err := s.save(s.path(owner, repo, number), st); err != nil {
		return nil, err
	}
	return st, nil
}
