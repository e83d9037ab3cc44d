// Package gitops performs the fixed git and GitHub operations of the work
// order pipeline: branch/worktree creation, committing agent changes, and
// opening the pull request. All operations retry transient failures with
// exponential backoff.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Worktree is the result of CreateBranch: an isolated checkout on a fresh
// branch where the work order's agents run.
type Worktree struct {
	Path   string
	Branch string
}

// CommitResult reports what CommitChanges did.
type CommitResult struct {
	Commits      int
	FilesChanged int
}

// Client is the git/GitHub collaborator consumed by the orchestrator.
type Client interface {
	CreateBranch(ctx context.Context, repo, workOrderID string) (*Worktree, error)
	CommitChanges(ctx context.Context, workingDir, message string) (*CommitResult, error)
	CreatePullRequest(ctx context.Context, repo, branch, title, body string) (string, error)
}

// Config holds the filesystem and GitHub settings for Ops.
type Config struct {
	// RepoRoot is the directory containing local clones, one per
	// repository name.
	RepoRoot string

	// WorkspaceRoot is where per-work-order worktrees are created.
	WorkspaceRoot string

	// BaseBranch is the branch worktrees start from and PRs target.
	BaseBranch string

	// GitHubToken authenticates PR creation. Empty disables GitHub calls.
	GitHubToken string

	CommitName  string
	CommitEmail string
}

// RetryConfig configures exponential backoff for git and GitHub operations.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// Ops implements Client against a local clone tree and the GitHub API.
type Ops struct {
	cfg    Config
	retry  RetryConfig
	gh     *github.Client
	logger *zap.Logger
}

// NewOps creates the git/GitHub client. A GitHub token wires up an
// authenticated API client; without one CreatePullRequest fails.
func NewOps(cfg Config, logger *zap.Logger) *Ops {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.CommitName == "" {
		cfg.CommitName = "foreman"
	}
	if cfg.CommitEmail == "" {
		cfg.CommitEmail = "foreman@localhost"
	}

	var gh *github.Client
	if cfg.GitHubToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
		gh = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}

	return &Ops{
		cfg:    cfg,
		retry:  DefaultRetryConfig(),
		gh:     gh,
		logger: logger.Named("gitops"),
	}
}

// NewOpsWithClient creates an Ops with an injected GitHub client. Tests use
// this to point the API at a local server.
func NewOpsWithClient(cfg Config, gh *github.Client, logger *zap.Logger) *Ops {
	ops := NewOps(cfg, logger)
	ops.gh = gh
	return ops
}

// BranchName returns the branch a work order runs on.
func BranchName(workOrderID string) string {
	return "workorder/" + workOrderID
}

// CreateBranch adds a git worktree on a fresh branch for the work order.
func (o *Ops) CreateBranch(ctx context.Context, repo, workOrderID string) (*Worktree, error) {
	clonePath := o.clonePath(repo)
	branch := BranchName(workOrderID)
	wtPath := filepath.Join(o.cfg.WorkspaceRoot, workOrderID)

	err := o.withRetry(ctx, "create_branch", func() error {
		cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, wtPath, o.cfg.BaseBranch)
		cmd.Dir = clonePath
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git worktree add: %w (output: %s)", err, strings.TrimSpace(string(output)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("created worktree",
		zap.String("work_order", workOrderID),
		zap.String("branch", branch),
		zap.String("path", wtPath))

	return &Worktree{Path: wtPath, Branch: branch}, nil
}

// CommitChanges stages and commits everything the agents changed in the
// worktree. A clean tree commits nothing and reports zero counts.
func (o *Ops) CommitChanges(ctx context.Context, workingDir, message string) (*CommitResult, error) {
	res := &CommitResult{}

	err := o.withRetry(ctx, "commit_changes", func() error {
		repo, err := git.PlainOpen(workingDir)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("opening worktree repo: %w", err))
		}
		wt, err := repo.Worktree()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("resolving worktree: %w", err))
		}

		status, err := wt.Status()
		if err != nil {
			return fmt.Errorf("reading status: %w", err)
		}
		changed := 0
		for _, fs := range status {
			if fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified {
				changed++
			}
		}
		if changed == 0 {
			return nil
		}

		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return fmt.Errorf("staging changes: %w", err)
		}
		_, err = wt.Commit(message, &git.CommitOptions{
			Author: &object.Signature{
				Name:  o.cfg.CommitName,
				Email: o.cfg.CommitEmail,
				When:  time.Now(),
			},
		})
		if err != nil {
			return fmt.Errorf("committing: %w", err)
		}

		res.Commits = 1
		res.FilesChanged = changed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreatePullRequest pushes the branch and opens a PR against the base
// branch, returning its URL.
func (o *Ops) CreatePullRequest(ctx context.Context, repo, branch, title, body string) (string, error) {
	if o.gh == nil {
		return "", fmt.Errorf("github client not configured (missing token)")
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	var url string
	err = o.withRetry(ctx, "create_pull_request", func() error {
		// Push from the clone; the worktree branch is visible there.
		cmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch)
		cmd.Dir = o.clonePath(repo)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git push: %w (output: %s)", err, strings.TrimSpace(string(output)))
		}

		pr, _, err := o.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
			Title: github.String(title),
			Body:  github.String(body),
			Head:  github.String(branch),
			Base:  github.String(o.cfg.BaseBranch),
		})
		if err != nil {
			return fmt.Errorf("creating pull request: %w", err)
		}
		url = pr.GetHTMLURL()
		return nil
	})
	if err != nil {
		return "", err
	}

	o.logger.Info("opened pull request", zap.String("repository", repo), zap.String("url", url))
	return url, nil
}

// withRetry runs op with exponential backoff, stopping early on context
// cancellation or a Permanent error.
func (o *Ops) withRetry(ctx context.Context, name string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.retry.InitialInterval
	policy.MaxInterval = o.retry.MaxInterval
	policy.MaxElapsedTime = o.retry.MaxElapsedTime

	attempt := 0
	wrapped := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		err := op()
		if err != nil && attempt > 1 {
			o.logger.Warn("git operation retrying",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(policy, ctx))
}

// clonePath maps "owner/name" to the local clone directory.
func (o *Ops) clonePath(repo string) string {
	parts := strings.Split(repo, "/")
	return filepath.Join(o.cfg.RepoRoot, parts[len(parts)-1])
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository %q is not in owner/name form", repo)
	}
	return parts[0], parts[1], nil
}
