package gitprovider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitPusher_PushToEmptyRemote(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(remote, true)
	require.NoError(t, err)

	var progressed []int
	p := NewGitPusher(nil)
	res, err := p.Push(context.Background(), PushRequest{
		CloneURL: remote,
		Branch:   "main",
		Files: map[string][]byte{
			"README.md":        []byte("# demo\n"),
			"cmd/demo/main.go": []byte("package main\n"),
		},
		Message:  "Initialize project from template",
		Progress: func(done, total int) { progressed = append(progressed, done) },
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Commit)
	assert.False(t, res.Unchanged)
	assert.Equal(t, []int{1, 2}, progressed)

	checkout := filepath.Join(t.TempDir(), "checkout")
	_, err = git.PlainClone(checkout, false, &git.CloneOptions{URL: remote})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(checkout, "cmd", "demo", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}

func TestGitPusher_SecondPushIsNoop(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(remote, true)
	require.NoError(t, err)

	req := PushRequest{
		CloneURL: remote,
		Branch:   "main",
		Files:    map[string][]byte{"README.md": []byte("# demo\n")},
	}
	p := NewGitPusher(nil)
	first, err := p.Push(context.Background(), req)
	require.NoError(t, err)

	second, err := p.Push(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Unchanged)
	assert.Equal(t, first.Commit, second.Commit)

	// new content lands on top of the existing history
	req.Files["deploy/flux/kustomization.yaml"] = []byte("kind: Kustomization\n")
	third, err := p.Push(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Unchanged)
	assert.NotEqual(t, first.Commit, third.Commit)
}

func TestBasicAuth(t *testing.T) {
	assert.Nil(t, basicAuth(Credentials{}))
	assert.NotNil(t, basicAuth(Credentials{Token: "x"}))
}
