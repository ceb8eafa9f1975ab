package gitops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testSpec() Spec {
	return Spec{
		ProjectID:     "7f1c3a52-1d7e-4b8e-9d55-0c1b7c0a9e11",
		ProjectSlug:   "billing-api",
		RepositoryURL: "https://github.com/acme/billing-api.git",
		Environments:  []string{"development", "production"},
	}
}

func TestBuild(t *testing.T) {
	sets, err := Build(testSpec())
	require.NoError(t, err)
	require.Len(t, sets, 2)

	dev := sets[0]
	assert.Equal(t, "development", dev.Environment)
	assert.Equal(t, "proj-billing-api-development", dev.Namespace.Metadata.Name)
	assert.Equal(t, "billing-api-development", dev.Source.Metadata.Name)
	assert.Equal(t, "proj-billing-api-development", dev.Source.Metadata.Namespace)

	src, ok := dev.Source.Spec.(GitRepositorySpec)
	require.True(t, ok)
	assert.Equal(t, "main", src.Ref.Branch)
	assert.Equal(t, "1m", src.Interval)
	assert.Nil(t, src.SecretRef)

	ks, ok := dev.Kustomization.Spec.(KustomizationSpec)
	require.True(t, ok)
	assert.Equal(t, "./environments/development", ks.Path)
	assert.True(t, ks.Prune)
	assert.Equal(t, "billing-api-development", ks.SourceRef.Name)
	assert.Equal(t, "proj-billing-api-development", ks.TargetNamespace)
}

func TestBuild_Validation(t *testing.T) {
	spec := testSpec()
	spec.Environments = nil
	_, err := Build(spec)
	assert.Error(t, err)

	spec = testSpec()
	spec.RepositoryURL = ""
	_, err = Build(spec)
	assert.Error(t, err)
}

func TestNamespace_Sanitized(t *testing.T) {
	spec := Spec{ProjectSlug: "My_Project", NamespacePrefix: "team"}
	assert.Equal(t, "team-my-project-staging", spec.Namespace("staging"))

	spec.ProjectSlug = strings.Repeat("a", 80)
	assert.LessOrEqual(t, len(spec.Namespace("dev")), 63)
}

func TestFiles(t *testing.T) {
	spec := testSpec()
	spec.SecretName = "git-credentials"
	sets, err := Build(spec)
	require.NoError(t, err)

	files, err := Files(sets)
	require.NoError(t, err)
	assert.Contains(t, files, "deploy/flux/development.yaml")
	assert.Contains(t, files, "deploy/flux/production.yaml")
	assert.Contains(t, files, "environments/production/kustomization.yaml")

	dec := yaml.NewDecoder(strings.NewReader(string(files["deploy/flux/development.yaml"])))
	var kinds []string
	for {
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		kinds = append(kinds, doc["kind"].(string))
	}
	assert.Equal(t, []string{"Namespace", "GitRepository", "Kustomization"}, kinds)
	assert.Contains(t, string(files["deploy/flux/development.yaml"]), "secretRef:")
}

func TestResourcePath(t *testing.T) {
	sets, err := Build(testSpec())
	require.NoError(t, err)

	p, err := ResourcePath(sets[0].Namespace)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/namespaces/proj-billing-api-development", p)

	p, err = ResourcePath(sets[0].Kustomization)
	require.NoError(t, err)
	assert.Equal(t, "/apis/kustomize.toolkit.fluxcd.io/v1/namespaces/proj-billing-api-development/kustomizations/billing-api-development", p)

	_, err = ResourcePath(Object{Kind: "Deployment"})
	assert.Error(t, err)
}

func TestAPIServer_Apply(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/apply-patch+yaml", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer kube-token", r.Header.Get("Authorization"))
		assert.Equal(t, FieldManager, r.URL.Query().Get("fieldManager"))
		assert.Equal(t, "true", r.URL.Query().Get("force"))

		body, _ := io.ReadAll(r.Body)
		var obj map[string]any
		assert.NoError(t, yaml.Unmarshal(body, &obj))

		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	applier := NewAPIServer(APIServerOptions{URL: srv.URL, Token: "kube-token"})
	sets, err := Build(testSpec())
	require.NoError(t, err)

	var progress []int
	err = ApplyAll(context.Background(), applier, sets, func(done, total int) {
		assert.Equal(t, 6, total)
		progress = append(progress, done)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, progress)
	assert.Len(t, paths, 6)
	assert.Equal(t, "/api/v1/namespaces/proj-billing-api-development", paths[0])
}

func TestAPIServer_FluxMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v1/") {
			w.WriteHeader(http.StatusCreated)
			return
		}
		http.Error(w, "the server could not find the requested resource", http.StatusNotFound)
	}))
	defer srv.Close()

	sets, err := Build(testSpec())
	require.NoError(t, err)
	err = ApplyAll(context.Background(), NewAPIServer(APIServerOptions{URL: srv.URL}), sets, nil)
	assert.True(t, errors.Is(err, ErrFluxNotInstalled))
	assert.Contains(t, err.Error(), "environment development")
}

func TestAPIServer_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	sets, err := Build(testSpec())
	require.NoError(t, err)
	err = NewAPIServer(APIServerOptions{URL: srv.URL}).Apply(context.Background(), sets[0].Namespace)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.False(t, apiErr.Retryable())
	assert.True(t, (&APIError{Status: 503}).Retryable())
}

func TestAPIServer_Unconfigured(t *testing.T) {
	applier := NewAPIServer(APIServerOptions{})
	assert.Nil(t, applier)
	err := applier.Apply(context.Background(), Object{Kind: "Namespace"})
	assert.True(t, errors.Is(err, ErrClusterUnavailable))
}
