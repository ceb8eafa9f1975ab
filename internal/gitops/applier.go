package gitops

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FieldManager identifies this service's server-side apply ownership
const FieldManager = "project-init"

var (
	// ErrClusterUnavailable is returned when no cluster is configured or the
	// API server cannot be reached
	ErrClusterUnavailable = errors.New("kubernetes cluster unavailable")
	// ErrFluxNotInstalled is returned when the Flux CRDs are missing
	ErrFluxNotInstalled = errors.New("flux is not installed in the cluster")
)

// Applier creates or updates objects in a cluster
type Applier interface {
	Apply(ctx context.Context, obj Object) error
}

// APIError is a rejected apply
type APIError struct {
	Kind    string
	Name    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apply %s %s: HTTP %d: %s", e.Kind, e.Name, e.Status, e.Message)
}

// Retryable reports whether the API server may accept the apply later
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusConflict
}

// APIServerOptions configures an APIServer
type APIServerOptions struct {
	URL      string
	Token    string
	Insecure bool
	Timeout  time.Duration
	Logger   *slog.Logger
}

// APIServer applies objects with Kubernetes server-side apply over the REST API
type APIServer struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewAPIServer creates an applier. It returns nil when opts.URL is empty,
// meaning no cluster is configured.
func NewAPIServer(opts APIServerOptions) *APIServer {
	if opts.URL == "" {
		return nil
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for dev clusters
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &APIServer{
		baseURL: strings.TrimRight(opts.URL, "/"),
		token:   opts.Token,
		http:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		logger:  logger.With("component", "kube_applier"),
	}
}

// ResourcePath returns the REST path of an object
func ResourcePath(obj Object) (string, error) {
	name := url.PathEscape(obj.Metadata.Name)
	ns := url.PathEscape(obj.Metadata.Namespace)
	switch obj.Kind {
	case "Namespace":
		return "/api/v1/namespaces/" + name, nil
	case "GitRepository":
		return "/apis/" + SourceAPIVersion + "/namespaces/" + ns + "/gitrepositories/" + name, nil
	case "Kustomization":
		return "/apis/" + KustomizeAPIVersion + "/namespaces/" + ns + "/kustomizations/" + name, nil
	}
	return "", fmt.Errorf("unsupported kind %q", obj.Kind)
}

// Apply server-side applies obj, taking ownership of conflicting fields
func (a *APIServer) Apply(ctx context.Context, obj Object) error {
	if a == nil {
		return ErrClusterUnavailable
	}
	p, err := ResourcePath(obj)
	if err != nil {
		return err
	}
	body, err := yaml.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", obj.Kind, obj.Metadata.Name, err)
	}

	u := a.baseURL + p + "?fieldManager=" + FieldManager + "&force=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/apply-patch+yaml")
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusNotFound && obj.Kind != "Namespace" {
		return fmt.Errorf("%w: %s", ErrFluxNotInstalled, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Kind: obj.Kind, Name: obj.Metadata.Name, Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	a.logger.Debug("applied object", "kind", obj.Kind, "name", obj.Metadata.Name, "namespace", obj.Metadata.Namespace)
	return nil
}

// ApplyAll applies the environment sets in order, stopping at the first error
func ApplyAll(ctx context.Context, applier Applier, sets []EnvironmentSet, progress func(done, total int)) error {
	total := 0
	for _, s := range sets {
		total += len(s.Objects())
	}
	done := 0
	for _, s := range sets {
		for _, obj := range s.Objects() {
			if err := applier.Apply(ctx, obj); err != nil {
				return fmt.Errorf("environment %s: %w", s.Environment, err)
			}
			done++
			if progress != nil {
				progress(done, total)
			}
		}
	}
	return nil
}
