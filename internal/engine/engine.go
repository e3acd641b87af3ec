// Package engine wires the stores, the GitHub client, and the session
// identity into one value that the tool handlers operate on. Nothing here
// is a singleton; tests build engines around fakes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wrangle/internal/audit"
	"wrangle/internal/batch"
	"wrangle/internal/config"
	"wrangle/internal/githubapi"
	"wrangle/internal/lockstore"
	"wrangle/internal/workflow"
)

// Remote is the GitHub surface the tool handlers need. *githubapi.Client
// satisfies it; tests substitute a fake.
type Remote interface {
	ListOpenIssues(ctx context.Context, owner, repo string) ([]githubapi.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error)
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*githubapi.Issue, error)
	SetIssueState(ctx context.Context, owner, repo string, number int, state string) error
	AddComment(ctx context.Context, owner, repo string, number int, body string) error
	VerifyWriteAccess(ctx context.Context, owner, repo string) (bool, error)
	EnsureLabels(ctx context.Context, owner, repo string) ([]string, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	SwapStatusLabel(ctx context.Context, owner, repo string, number int, from, to string) error
	CreateBranch(ctx context.Context, owner, repo, name string) error
	CreatePullRequest(ctx context.Context, owner, repo, head, title, body string) (int, string, error)
	PullReport(ctx context.Context, owner, repo string, number int) (*githubapi.PRReport, error)
	IssueParent(ctx context.Context, owner, repo string, number int) (*githubapi.Issue, error)
}

type Engine struct {
	Cfg       *config.Config
	Remote    Remote
	Locks     *lockstore.Store
	Workflows *workflow.Store
	Batches   *batch.Store
	Audit     *audit.Log
	Logger    *slog.Logger
	SessionID string
}

// New builds an engine over the config's directory layout, creating the
// directories and minting a fresh session identity.
func New(cfg *config.Config, remote Remote, logger *slog.Logger) (*Engine, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare state directories: %w", err)
	}
	return &Engine{
		Cfg:       cfg,
		Remote:    remote,
		Locks:     lockstore.New(cfg.LocksDir(), cfg.LockStaleTimeout, lockstore.OSProber{}, logger),
		Workflows: workflow.New(cfg.WorkflowsDir()),
		Batches:   batch.New(cfg.BatchesDir(), logger),
		Audit:     audit.New(cfg.LogsDir(), logger),
		Logger:    logger,
		SessionID: uuid.NewString(),
	}, nil
}

// SweepAudit applies the configured retention tiers to the audit trail.
// Run once at startup; failures are logged by the audit layer itself.
func (e *Engine) SweepAudit() error {
	retention := daysToDuration(e.Cfg.Audit.RetentionDays)
	lockRetention := daysToDuration(e.Cfg.Audit.LockRetentionDays)
	return e.Audit.Sweep(retention, lockRetention)
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
