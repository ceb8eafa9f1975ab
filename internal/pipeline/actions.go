package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/gitops"
	"github.com/jonathan/project-init/internal/gitprovider"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/queue"
	"github.com/jonathan/project-init/internal/templates"
)

// TemplateRenderer renders a project template to repository files
type TemplateRenderer interface {
	Render(id string, data templates.Data) (map[string][]byte, error)
}

// RecordStore persists what initialization creates
type RecordStore interface {
	UpsertRepository(ctx context.Context, repo *db.Repository) (*db.Repository, error)
	UpsertEnvironments(ctx context.Context, projectID uuid.UUID, envs []db.Environment) ([]db.Environment, error)
	ListEnvironments(ctx context.Context, projectID uuid.UUID) ([]db.Environment, error)
	MarkInitialized(ctx context.Context, id uuid.UUID) error
}

// ActionDeps are the collaborators of the default step actions
type ActionDeps struct {
	Providers   gitprovider.Registry
	Credentials gitprovider.CredentialResolver
	Pusher      gitprovider.Pusher
	Templates   TemplateRenderer
	Records     RecordStore
	// Applier is nil when no cluster is configured; setup_gitops then
	// commits the manifests and skips the apply.
	Applier         gitops.Applier
	NamespacePrefix string
	// GitSecretName is referenced by generated GitRepository objects of
	// private repositories
	GitSecretName string
	Author        gitprovider.Signature
	Logger        *slog.Logger
}

// Checkpoint output keys
const (
	OutputCommit         = "commit"
	OutputRepositoryID   = "repositoryId"
	OutputEnvironments   = "environments"
	OutputEnvironmentIDs = "environmentIds"
	OutputManifestCommit = "manifestCommit"
)

// NewActions binds the default actions to the catalog step names
func NewActions(d ActionDeps) map[string]Action {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Author.Name == "" {
		d.Author = gitprovider.DefaultSignature
	}
	a := &actions{ActionDeps: d}
	return map[string]Action{
		steps.CreateRepository:      a.createRepository,
		steps.PushTemplate:          a.pushTemplate,
		steps.CreateDatabaseRecords: a.createDatabaseRecords,
		steps.SetupGitOps:           a.setupGitOps,
		steps.Finalize:              a.finalize,
	}
}

type actions struct {
	ActionDeps
}

func (a *actions) credentials(ctx context.Context, p *queue.InitializePayload) (gitprovider.Provider, gitprovider.Credentials, error) {
	provider, err := a.Providers.Get(p.Repository.Provider)
	if err != nil {
		return nil, gitprovider.Credentials{}, queue.Permanent(err)
	}
	creds, err := a.Credentials.Resolve(ctx, p.Repository.Provider, p.UserID)
	if err != nil {
		return nil, gitprovider.Credentials{}, fmt.Errorf("failed to resolve %s credentials: %w", p.Repository.Provider, err)
	}
	return provider, creds, nil
}

func (a *actions) createRepository(ctx context.Context, exec *Execution, report Reporter) error {
	p := exec.Payload
	provider, creds, err := a.credentials(ctx, p)
	if err != nil {
		return err
	}
	report.Report(10, "Resolved "+provider.Name()+" credentials")

	var info *gitprovider.RepositoryInfo
	if p.Repository.Mode == "existing" {
		owner, name, perr := gitprovider.ParseRepositoryURL(p.Repository.ExistingURL)
		if perr != nil {
			return queue.Permanent(perr)
		}
		report.Report(30, "Linking existing repository "+owner+"/"+name)
		info, err = provider.GetRepository(ctx, creds, owner, name)
		if err != nil {
			return err
		}
	} else {
		report.Report(30, "Creating repository "+p.Repository.Name)
		req := gitprovider.CreateRequest{
			Owner:         p.Repository.Owner,
			Name:          p.Repository.Name,
			Description:   p.ProjectName,
			Visibility:    p.Repository.Visibility,
			DefaultBranch: p.Branch(),
		}
		info, err = provider.CreateRepository(ctx, creds, req)
		if gitprovider.IsAlreadyExists(err) {
			// a previous attempt may have created it before crashing
			info, err = a.adopt(ctx, provider, creds, req, err)
		}
		if err != nil {
			return err
		}
	}
	if info.DefaultBranch == "" {
		info.DefaultBranch = p.Branch()
	}

	exec.SetAll(info.Outputs())
	report.Report(100, "Repository ready: "+info.FullName)
	return nil
}

// adopt looks up a repository whose creation reported a name conflict
func (a *actions) adopt(ctx context.Context, provider gitprovider.Provider, creds gitprovider.Credentials, req gitprovider.CreateRequest, createErr error) (*gitprovider.RepositoryInfo, error) {
	owner := req.Owner
	if owner == "" {
		if u, ok := provider.(interface {
			AuthenticatedUser(ctx context.Context, creds gitprovider.Credentials) (string, error)
		}); ok {
			login, err := u.AuthenticatedUser(ctx, creds)
			if err != nil {
				return nil, fmt.Errorf("%w (owner lookup failed: %v)", createErr, err)
			}
			owner = login
		} else {
			owner = creds.Username
		}
	}
	if owner == "" {
		return nil, queue.Permanent(createErr)
	}
	info, err := provider.GetRepository(ctx, creds, owner, req.Name)
	if err != nil {
		return nil, fmt.Errorf("%w (lookup of existing repository failed: %v)", createErr, err)
	}
	a.Logger.Info("adopted existing repository", "repository", info.FullName)
	return info, nil
}

func repository(exec *Execution) (gitprovider.RepositoryInfo, error) {
	outputs, _ := exec.Outputs(steps.CreateRepository)
	info, ok := gitprovider.RepositoryFromOutputs(outputs)
	if !ok {
		return info, queue.Permanent(errors.New("no repository recorded for the project"))
	}
	return info, nil
}

func (a *actions) pushTemplate(ctx context.Context, exec *Execution, report Reporter) error {
	p := exec.Payload
	info, err := repository(exec)
	if err != nil {
		return err
	}

	files, err := a.Templates.Render(p.TemplateID, templates.Data{
		ProjectName:   p.ProjectName,
		ProjectSlug:   p.ProjectSlug,
		Owner:         info.Owner,
		RepoName:      info.Name,
		DefaultBranch: info.DefaultBranch,
		Provider:      info.Provider,
	})
	if err != nil {
		return queue.Permanent(err)
	}
	report.Report(10, fmt.Sprintf("Rendered %d template files", len(files)))

	_, creds, err := a.credentials(ctx, p)
	if err != nil {
		return err
	}
	res, err := a.Pusher.Push(ctx, gitprovider.PushRequest{
		CloneURL:    info.CloneURL,
		Branch:      info.DefaultBranch,
		Files:       files,
		Message:     "Initialize " + p.ProjectName + " from template " + p.TemplateID,
		Author:      a.Author,
		Credentials: creds,
		Progress: func(done, total int) {
			report.Report(10+80*done/total, fmt.Sprintf("Staged %d/%d files", done, total))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to push template: %w", err)
	}

	exec.Set(OutputCommit, res.Commit)
	msg := "Pushed commit " + shortHash(res.Commit)
	if res.Unchanged {
		msg = "Template already present at " + shortHash(res.Commit)
	}
	report.Report(100, msg)
	return nil
}

func (a *actions) createDatabaseRecords(ctx context.Context, exec *Execution, report Reporter) error {
	p := exec.Payload
	pid, err := uuid.Parse(p.ProjectID)
	if err != nil {
		return queue.Permanent(err)
	}
	info, err := repository(exec)
	if err != nil {
		return err
	}

	repo, err := a.Records.UpsertRepository(ctx, &db.Repository{
		ProjectID:     pid,
		Provider:      info.Provider,
		ExternalID:    info.ExternalID,
		Owner:         info.Owner,
		Name:          info.Name,
		HTMLURL:       info.HTMLURL,
		CloneURL:      info.CloneURL,
		DefaultBranch: info.DefaultBranch,
		Visibility:    info.Visibility,
	})
	if err != nil {
		return err
	}
	exec.Set(OutputRepositoryID, repo.ID.String())
	report.Report(40, "Linked repository record")

	var envs []db.Environment
	if len(p.EnvironmentIDs) > 0 {
		envs, err = a.selectedEnvironments(ctx, pid, p.EnvironmentIDs)
	} else {
		envs, err = a.Records.UpsertEnvironments(ctx, pid, db.DefaultEnvironments())
	}
	if err != nil {
		return err
	}

	names := make([]string, len(envs))
	ids := make([]string, len(envs))
	for i, e := range envs {
		names[i] = e.Name
		ids[i] = e.ID.String()
	}
	exec.Set(OutputEnvironments, names)
	exec.Set(OutputEnvironmentIDs, ids)
	report.Report(100, fmt.Sprintf("Created %d environments", len(envs)))
	return nil
}

func (a *actions) selectedEnvironments(ctx context.Context, pid uuid.UUID, ids []string) ([]db.Environment, error) {
	all, err := a.Records.ListEnvironments(ctx, pid)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []db.Environment
	for _, e := range all {
		if want[e.ID.String()] {
			out = append(out, e)
			delete(want, e.ID.String())
		}
	}
	if len(want) > 0 {
		return nil, queue.Permanent(fmt.Errorf("%d selected environments do not belong to project %s", len(want), pid))
	}
	return out, nil
}

func (a *actions) setupGitOps(ctx context.Context, exec *Execution, report Reporter) error {
	p := exec.Payload
	info, err := repository(exec)
	if err != nil {
		return err
	}
	records, _ := exec.Outputs(steps.CreateDatabaseRecords)
	envs := stringSlice(records[OutputEnvironments])
	if len(envs) == 0 {
		return fmt.Errorf("%w: project has no environments", ErrSkipped)
	}

	spec := gitops.Spec{
		ProjectID:       p.ProjectID,
		ProjectSlug:     p.ProjectSlug,
		RepositoryURL:   info.CloneURL,
		Branch:          info.DefaultBranch,
		NamespacePrefix: a.NamespacePrefix,
		Environments:    envs,
	}
	if info.Visibility == gitprovider.VisibilityPrivate {
		spec.SecretName = a.GitSecretName
	}
	sets, err := gitops.Build(spec)
	if err != nil {
		return queue.Permanent(err)
	}
	files, err := gitops.Files(sets)
	if err != nil {
		return queue.Permanent(err)
	}
	report.Report(10, fmt.Sprintf("Generated Flux manifests for %d environments", len(sets)))

	_, creds, err := a.credentials(ctx, p)
	if err != nil {
		return err
	}
	res, err := a.Pusher.Push(ctx, gitprovider.PushRequest{
		CloneURL:    info.CloneURL,
		Branch:      info.DefaultBranch,
		Files:       files,
		Message:     "Add Flux manifests",
		Author:      a.Author,
		Credentials: creds,
	})
	if err != nil {
		return fmt.Errorf("failed to commit Flux manifests: %w", err)
	}
	exec.Set(OutputManifestCommit, res.Commit)
	report.Report(40, "Committed Flux manifests")

	if a.Applier == nil {
		return fmt.Errorf("%w: no Kubernetes cluster configured", ErrSkipped)
	}
	err = gitops.ApplyAll(ctx, a.Applier, sets, func(done, total int) {
		report.Report(40+60*done/total, fmt.Sprintf("Applied %d/%d cluster objects", done, total))
	})
	switch {
	case errors.Is(err, gitops.ErrClusterUnavailable), errors.Is(err, gitops.ErrFluxNotInstalled):
		a.Logger.Warn("skipping GitOps apply", "project_id", p.ProjectID, "error", err)
		return fmt.Errorf("%w: %v", ErrSkipped, err)
	case err != nil:
		return err
	}
	report.Report(100, "GitOps configured")
	return nil
}

func (a *actions) finalize(ctx context.Context, exec *Execution, report Reporter) error {
	pid, err := uuid.Parse(exec.ProjectID)
	if err != nil {
		return queue.Permanent(err)
	}
	if err := a.Records.MarkInitialized(ctx, pid); err != nil {
		return err
	}
	report.Report(100, "Project ready")
	return nil
}

// stringSlice reads a []string output, which comes back as []any after a
// JSON round trip through a checkpoint
func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
