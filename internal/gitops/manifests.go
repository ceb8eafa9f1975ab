// Package gitops generates the Flux objects that deploy a project's
// environments and applies them to a Kubernetes cluster.
package gitops

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flux API groups
const (
	SourceAPIVersion    = "source.toolkit.fluxcd.io/v1"
	KustomizeAPIVersion = "kustomize.toolkit.fluxcd.io/v1"
)

// DefaultInterval is the reconcile interval of generated objects
const DefaultInterval = "1m"

// ManifestDir is where generated manifests are committed in the repository
const ManifestDir = "deploy/flux"

// Metadata is Kubernetes object metadata
type Metadata struct {
	Name        string            `yaml:"name"`
	Namespace   string            `yaml:"namespace,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

// Object is one Kubernetes manifest
type Object struct {
	APIVersion string   `yaml:"apiVersion"`
	Kind       string   `yaml:"kind"`
	Metadata   Metadata `yaml:"metadata"`
	Spec       any      `yaml:"spec,omitempty"`
}

// GitRef selects what a GitRepository tracks
type GitRef struct {
	Branch string `yaml:"branch,omitempty"`
}

// SecretRef names a secret in the object's namespace
type SecretRef struct {
	Name string `yaml:"name"`
}

// GitRepositorySpec is the spec of a Flux GitRepository
type GitRepositorySpec struct {
	URL       string     `yaml:"url"`
	Ref       GitRef     `yaml:"ref"`
	Interval  string     `yaml:"interval"`
	SecretRef *SecretRef `yaml:"secretRef,omitempty"`
}

// SourceRef points a Kustomization at its source
type SourceRef struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
}

// KustomizationSpec is the spec of a Flux Kustomization
type KustomizationSpec struct {
	SourceRef       SourceRef `yaml:"sourceRef"`
	Path            string    `yaml:"path"`
	Prune           bool      `yaml:"prune"`
	Interval        string    `yaml:"interval"`
	TargetNamespace string    `yaml:"targetNamespace,omitempty"`
}

// Spec is the input for manifest generation
type Spec struct {
	ProjectID       string
	ProjectSlug     string
	RepositoryURL   string
	Branch          string
	NamespacePrefix string
	Environments    []string
	// SecretName is the git credentials secret; empty for public repositories
	SecretName string
}

// Validate checks the spec has what generation needs
func (s Spec) Validate() error {
	switch {
	case s.ProjectSlug == "":
		return fmt.Errorf("gitops spec: project slug is required")
	case s.RepositoryURL == "":
		return fmt.Errorf("gitops spec: repository URL is required")
	case len(s.Environments) == 0:
		return fmt.Errorf("gitops spec: at least one environment is required")
	}
	return nil
}

// Namespace returns the namespace of an environment
func (s Spec) Namespace(env string) string {
	prefix := s.NamespacePrefix
	if prefix == "" {
		prefix = "proj"
	}
	return dns1123(fmt.Sprintf("%s-%s-%s", prefix, s.ProjectSlug, env))
}

// EnvironmentSet is the objects generated for one environment
type EnvironmentSet struct {
	Environment   string
	Namespace     Object
	Source        Object
	Kustomization Object
}

// Objects returns the set in apply order
func (e EnvironmentSet) Objects() []Object {
	return []Object{e.Namespace, e.Source, e.Kustomization}
}

// Build generates a Namespace, GitRepository, and Kustomization per environment
func Build(spec Spec) ([]EnvironmentSet, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	branch := spec.Branch
	if branch == "" {
		branch = "main"
	}

	sets := make([]EnvironmentSet, 0, len(spec.Environments))
	for _, env := range spec.Environments {
		ns := spec.Namespace(env)
		name := dns1123(spec.ProjectSlug + "-" + env)
		labels := map[string]string{
			"app.kubernetes.io/managed-by": "project-init",
			"project-init/project":         dns1123(spec.ProjectSlug),
			"project-init/environment":     env,
		}
		if spec.ProjectID != "" {
			labels["project-init/project-id"] = spec.ProjectID
		}

		source := GitRepositorySpec{
			URL:      spec.RepositoryURL,
			Ref:      GitRef{Branch: branch},
			Interval: DefaultInterval,
		}
		if spec.SecretName != "" {
			source.SecretRef = &SecretRef{Name: spec.SecretName}
		}

		sets = append(sets, EnvironmentSet{
			Environment: env,
			Namespace: Object{
				APIVersion: "v1",
				Kind:       "Namespace",
				Metadata:   Metadata{Name: ns, Labels: labels},
			},
			Source: Object{
				APIVersion: SourceAPIVersion,
				Kind:       "GitRepository",
				Metadata:   Metadata{Name: name, Namespace: ns, Labels: labels},
				Spec:       source,
			},
			Kustomization: Object{
				APIVersion: KustomizeAPIVersion,
				Kind:       "Kustomization",
				Metadata:   Metadata{Name: name, Namespace: ns, Labels: labels},
				Spec: KustomizationSpec{
					SourceRef:       SourceRef{Kind: "GitRepository", Name: name},
					Path:            "./environments/" + env,
					Prune:           true,
					Interval:        DefaultInterval,
					TargetNamespace: ns,
				},
			},
		})
	}
	return sets, nil
}

// Marshal renders objects as a multi-document YAML stream
func Marshal(objects ...Object) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, obj := range objects {
		if err := enc.Encode(obj); err != nil {
			return nil, fmt.Errorf("failed to encode %s %s: %w", obj.Kind, obj.Metadata.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish manifest stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Files lays the generated objects out as repository files: the Flux objects
// under deploy/flux/<env>.yaml and an empty kustomize entry point for each
// environment path the Kustomization reconciles.
func Files(sets []EnvironmentSet) (map[string][]byte, error) {
	files := map[string][]byte{}
	for _, set := range sets {
		data, err := Marshal(set.Objects()...)
		if err != nil {
			return nil, err
		}
		files[path.Join(ManifestDir, set.Environment+".yaml")] = data

		entry, err := Marshal(Object{
			APIVersion: "kustomize.config.k8s.io/v1beta1",
			Kind:       "Kustomization",
			Metadata:   Metadata{Name: set.Environment},
			Spec:       nil,
		})
		if err != nil {
			return nil, err
		}
		files[path.Join("environments", set.Environment, "kustomization.yaml")] = entry
	}
	return files, nil
}

// dns1123 lowercases and replaces characters Kubernetes names reject
func dns1123(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 63 {
		out = strings.TrimRight(out[:63], "-")
	}
	return out
}
