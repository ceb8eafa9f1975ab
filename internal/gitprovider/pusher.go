package gitprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

const remoteName = "origin"

// Signature identifies the commit author
type Signature struct {
	Name  string
	Email string
}

// DefaultSignature is used when a push request names no author
var DefaultSignature = Signature{Name: "Project Initializer", Email: "init@project-init.local"}

// PushRequest is a set of files to commit onto a branch of a remote repository
type PushRequest struct {
	CloneURL    string
	Branch      string
	Files       map[string][]byte
	Message     string
	Author      Signature
	Credentials Credentials
	// Progress, if set, is called after each file is staged
	Progress func(done, total int)
}

// PushResult describes the pushed commit
type PushResult struct {
	Commit string
	// Unchanged is true when the branch already contained the files
	Unchanged bool
}

// Pusher commits files to a remote branch
type Pusher interface {
	Push(ctx context.Context, req PushRequest) (*PushResult, error)
}

// GitPusher pushes with go-git using an in-memory worktree. Pushing the same
// files twice produces no new commit.
type GitPusher struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewGitPusher creates a go-git pusher
func NewGitPusher(logger *slog.Logger) *GitPusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitPusher{logger: logger.With("component", "git_pusher"), now: time.Now}
}

func basicAuth(creds Credentials) transport.AuthMethod {
	if creds.Token == "" {
		return nil
	}
	user := creds.Username
	if user == "" {
		// GitHub and GitLab accept any non-empty username with a token password
		user = "oauth2"
	}
	return &githttp.BasicAuth{Username: user, Password: creds.Token}
}

// open clones the branch, or initializes a fresh repository when the remote is
// empty or lacks the branch
func (p *GitPusher) open(ctx context.Context, req PushRequest, auth transport.AuthMethod) (*git.Repository, billy.Filesystem, bool, error) {
	branchRef := plumbing.NewBranchReferenceName(req.Branch)

	fs := memfs.New()
	repo, err := git.CloneContext(ctx, memory.NewStorage(), fs, &git.CloneOptions{
		URL:           req.CloneURL,
		Auth:          auth,
		RemoteName:    remoteName,
		ReferenceName: branchRef,
		SingleBranch:  true,
	})
	if err == nil {
		return repo, fs, true, nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) && !isMissingRef(err) {
		return nil, nil, false, fmt.Errorf("failed to clone %s: %w", req.CloneURL, err)
	}

	fs = memfs.New()
	storage := memory.NewStorage()
	repo, err = git.Init(storage, fs)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to init repository: %w", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{req.CloneURL}}); err != nil {
		return nil, nil, false, fmt.Errorf("failed to add remote: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)
	if err := storage.SetReference(head); err != nil {
		return nil, nil, false, fmt.Errorf("failed to point HEAD at %s: %w", req.Branch, err)
	}
	return repo, fs, false, nil
}

func isMissingRef(err error) bool {
	var noMatch git.NoMatchingRefSpecError
	return errors.Is(err, plumbing.ErrReferenceNotFound) || errors.As(err, &noMatch)
}

// Push writes req.Files into the branch, commits, and pushes
func (p *GitPusher) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	if req.Branch == "" {
		req.Branch = "main"
	}
	if req.Message == "" {
		req.Message = "Initial commit"
	}
	if req.Author.Name == "" {
		req.Author = DefaultSignature
	}
	auth := basicAuth(req.Credentials)

	repo, fs, cloned, err := p.open(ctx, req, auth)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}

	paths := make([]string, 0, len(req.Files))
	for path := range req.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := util.WriteFile(fs, path, req.Files[path], 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		if _, err := wt.Add(path); err != nil {
			return nil, fmt.Errorf("failed to stage %s: %w", path, err)
		}
		if req.Progress != nil {
			req.Progress(i+1, len(paths))
		}
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}
	if cloned && status.IsClean() {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to read HEAD: %w", err)
		}
		p.logger.Info("branch already up to date", "url", req.CloneURL, "branch", req.Branch)
		return &PushResult{Commit: head.Hash().String(), Unchanged: true}, nil
	}

	when := p.now()
	hash, err := wt.Commit(req.Message, &git.CommitOptions{
		Author:    &object.Signature{Name: req.Author.Name, Email: req.Author.Email, When: when},
		Committer: &object.Signature{Name: req.Author.Name, Email: req.Author.Email, When: when},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", req.Branch, req.Branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("failed to push %s: %w", req.Branch, err)
	}

	p.logger.Info("pushed commit", "url", req.CloneURL, "branch", req.Branch, "commit", hash.String(), "files", len(paths))
	return &PushResult{Commit: hash.String()}, nil
}
