package gitprovider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultGitHubURL is the public GitHub API
const DefaultGitHubURL = "https://api.github.com"

// GitHubProvider creates repositories through the GitHub REST API
type GitHubProvider struct {
	client *restClient
}

// NewGitHub creates a GitHub provider. An empty BaseURL uses api.github.com.
func NewGitHub(opts ClientOptions) *GitHubProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultGitHubURL
	}
	return &GitHubProvider{client: newRESTClient(GitHub, opts, func(req *http.Request, creds Credentials) {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	})}
}

func (g *GitHubProvider) Name() string { return GitHub }

type githubRepo struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (r githubRepo) info() *RepositoryInfo {
	visibility := VisibilityPublic
	if r.Private {
		visibility = VisibilityPrivate
	}
	return &RepositoryInfo{
		Provider:      GitHub,
		ExternalID:    strconv.FormatInt(r.ID, 10),
		Owner:         r.Owner.Login,
		Name:          r.Name,
		FullName:      r.FullName,
		HTMLURL:       r.HTMLURL,
		CloneURL:      r.CloneURL,
		DefaultBranch: r.DefaultBranch,
		Visibility:    visibility,
	}
}

// CreateRepository creates an empty repository under the user or an organization
func (g *GitHubProvider) CreateRepository(ctx context.Context, creds Credentials, req CreateRequest) (*RepositoryInfo, error) {
	path := "/user/repos"
	if req.Owner != "" {
		path = "/orgs/" + url.PathEscape(req.Owner) + "/repos"
	}
	body := map[string]any{
		"name":        req.Name,
		"description": req.Description,
		"private":     req.Visibility != VisibilityPublic,
		"auto_init":   false,
	}
	var repo githubRepo
	if err := g.client.do(ctx, creds, http.MethodPost, path, body, &repo); err != nil {
		return nil, fmt.Errorf("failed to create GitHub repository %s: %w", req.Name, err)
	}
	info := repo.info()
	if info.DefaultBranch == "" {
		info.DefaultBranch = req.DefaultBranch
	}
	return info, nil
}

// GetRepository looks up owner/name
func (g *GitHubProvider) GetRepository(ctx context.Context, creds Credentials, owner, name string) (*RepositoryInfo, error) {
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
	var repo githubRepo
	if err := g.client.do(ctx, creds, http.MethodGet, path, nil, &repo); err != nil {
		return nil, fmt.Errorf("failed to get GitHub repository %s/%s: %w", owner, name, err)
	}
	return repo.info(), nil
}

// AuthenticatedUser returns the login owning the token, used when a create
// under the user namespace must be looked up again
func (g *GitHubProvider) AuthenticatedUser(ctx context.Context, creds Credentials) (string, error) {
	var user struct {
		Login string `json:"login"`
	}
	if err := g.client.do(ctx, creds, http.MethodGet, "/user", nil, &user); err != nil {
		return "", fmt.Errorf("failed to get GitHub user: %w", err)
	}
	return user.Login, nil
}
