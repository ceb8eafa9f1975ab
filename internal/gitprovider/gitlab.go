package gitprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultGitLabURL is gitlab.com
const DefaultGitLabURL = "https://gitlab.com"

// GitLabProvider creates projects through the GitLab v4 REST API
type GitLabProvider struct {
	client *restClient
}

// NewGitLab creates a GitLab provider. BaseURL is the instance root, without /api/v4.
func NewGitLab(opts ClientOptions) *GitLabProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultGitLabURL
	}
	opts.BaseURL += "/api/v4"
	return &GitLabProvider{client: newRESTClient(GitLab, opts, func(req *http.Request, creds Credentials) {
		req.Header.Set("PRIVATE-TOKEN", creds.Token)
	})}
}

func (g *GitLabProvider) Name() string { return GitLab }

type gitlabProject struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Path              string `json:"path"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	DefaultBranch     string `json:"default_branch"`
	Visibility        string `json:"visibility"`
	Namespace         struct {
		FullPath string `json:"full_path"`
	} `json:"namespace"`
}

func (p gitlabProject) info() *RepositoryInfo {
	return &RepositoryInfo{
		Provider:      GitLab,
		ExternalID:    strconv.FormatInt(p.ID, 10),
		Owner:         p.Namespace.FullPath,
		Name:          p.Path,
		FullName:      p.PathWithNamespace,
		HTMLURL:       p.WebURL,
		CloneURL:      p.HTTPURLToRepo,
		DefaultBranch: p.DefaultBranch,
		Visibility:    p.Visibility,
	}
}

// CreateRepository creates a project, in a group namespace when Owner is set
func (g *GitLabProvider) CreateRepository(ctx context.Context, creds Credentials, req CreateRequest) (*RepositoryInfo, error) {
	body := map[string]any{
		"name":                   req.Name,
		"path":                   req.Name,
		"description":            req.Description,
		"visibility":             req.Visibility,
		"initialize_with_readme": false,
	}
	if req.DefaultBranch != "" {
		body["default_branch"] = req.DefaultBranch
	}
	if req.Owner != "" {
		var ns struct {
			ID int64 `json:"id"`
		}
		if err := g.client.do(ctx, creds, http.MethodGet, "/namespaces/"+url.PathEscape(req.Owner), nil, &ns); err != nil {
			return nil, fmt.Errorf("failed to resolve GitLab namespace %s: %w", req.Owner, err)
		}
		body["namespace_id"] = ns.ID
	}

	var project gitlabProject
	if err := g.client.do(ctx, creds, http.MethodPost, "/projects", body, &project); err != nil {
		return nil, fmt.Errorf("failed to create GitLab project %s: %w", req.Name, err)
	}
	info := project.info()
	if info.DefaultBranch == "" {
		info.DefaultBranch = req.DefaultBranch
	}
	return info, nil
}

// GetRepository looks up a project by namespace path and name
func (g *GitLabProvider) GetRepository(ctx context.Context, creds Credentials, owner, name string) (*RepositoryInfo, error) {
	var project gitlabProject
	path := "/projects/" + url.PathEscape(owner+"/"+name)
	if err := g.client.do(ctx, creds, http.MethodGet, path, nil, &project); err != nil {
		return nil, fmt.Errorf("failed to get GitLab project %s/%s: %w", owner, name, err)
	}
	return project.info(), nil
}
