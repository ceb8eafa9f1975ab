// Package gitprovider creates repositories on hosted git providers and pushes
// generated content into them.
package gitprovider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Provider names
const (
	GitHub = "github"
	GitLab = "gitlab"
)

// Visibility values
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// ErrNoCredentials is returned when no token is configured for a provider
var ErrNoCredentials = errors.New("no credentials configured for provider")

// Credentials authenticate API calls and git pushes
type Credentials struct {
	Username string
	Token    string
}

// CreateRequest describes a repository to create
type CreateRequest struct {
	// Owner is an organization, group, or user namespace. Empty means the
	// authenticated user.
	Owner         string
	Name          string
	Description   string
	Visibility    string
	DefaultBranch string
}

// RepositoryInfo describes a hosted repository
type RepositoryInfo struct {
	Provider      string `json:"provider"`
	ExternalID    string `json:"externalId"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	FullName      string `json:"fullName"`
	HTMLURL       string `json:"htmlUrl"`
	CloneURL      string `json:"cloneUrl"`
	DefaultBranch string `json:"defaultBranch"`
	Visibility    string `json:"visibility"`
}

// Outputs flattens the info for a ledger checkpoint
func (r RepositoryInfo) Outputs() map[string]any {
	return map[string]any{
		"provider":      r.Provider,
		"externalId":    r.ExternalID,
		"owner":         r.Owner,
		"name":          r.Name,
		"fullName":      r.FullName,
		"htmlUrl":       r.HTMLURL,
		"cloneUrl":      r.CloneURL,
		"defaultBranch": r.DefaultBranch,
		"visibility":    r.Visibility,
	}
}

// RepositoryFromOutputs rebuilds info saved with Outputs
func RepositoryFromOutputs(outputs map[string]any) (RepositoryInfo, bool) {
	str := func(k string) string {
		s, _ := outputs[k].(string)
		return s
	}
	info := RepositoryInfo{
		Provider:      str("provider"),
		ExternalID:    str("externalId"),
		Owner:         str("owner"),
		Name:          str("name"),
		FullName:      str("fullName"),
		HTMLURL:       str("htmlUrl"),
		CloneURL:      str("cloneUrl"),
		DefaultBranch: str("defaultBranch"),
		Visibility:    str("visibility"),
	}
	return info, info.CloneURL != "" && info.Name != ""
}

// Provider is a hosted git service
type Provider interface {
	Name() string
	CreateRepository(ctx context.Context, creds Credentials, req CreateRequest) (*RepositoryInfo, error)
	GetRepository(ctx context.Context, creds Credentials, owner, name string) (*RepositoryInfo, error)
}

// CredentialResolver finds the credentials to act on behalf of a user
type CredentialResolver interface {
	Resolve(ctx context.Context, provider, userID string) (Credentials, error)
}

// StaticCredentials resolves one configured token per provider regardless of user
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Resolve(_ context.Context, provider, _ string) (Credentials, error) {
	c, ok := s[provider]
	if !ok || c.Token == "" {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNoCredentials, provider)
	}
	return c, nil
}

// Registry maps provider names to implementations
type Registry map[string]Provider

// NewRegistry indexes providers by name
func NewRegistry(providers ...Provider) Registry {
	r := Registry{}
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}

// Get returns the named provider
func (r Registry) Get(name string) (Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unsupported git provider %q", name)
	}
	return p, nil
}

// ParseRepositoryURL splits an https clone or web URL into owner and name.
// GitLab subgroups are kept in the owner.
func ParseRepositoryURL(raw string) (owner, name string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("invalid repository URL %q", raw)
	}
	path := strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("repository URL %q has no owner/name path", raw)
	}
	return path[:idx], path[idx+1:], nil
}
