package templates

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_GoService(t *testing.T) {
	ClearCache()

	files, err := NewRenderer().Render("go-service", Data{
		ProjectName: "Billing API",
		ProjectSlug: "billing-api",
		Owner:       "acme",
		RepoName:    "billing-api",
		Provider:    "github",
	})
	require.NoError(t, err)

	assert.Contains(t, files, "README.md")
	assert.Contains(t, files, "Dockerfile")
	assert.Contains(t, files, ".gitignore")
	assert.NotContains(t, files, "template.json")
	assert.Contains(t, string(files["go.mod"]), "module github.com/acme/billing-api")
	assert.Contains(t, string(files["cmd/billing-api/main.go"]), "billing-api listening")
	assert.Contains(t, string(files["README.md"]), "Pushing to `main`")
}

func TestRender_UnknownTemplate(t *testing.T) {
	ClearCache()

	_, err := NewRenderer().Render("cobol-mainframe", Data{})
	assert.True(t, errors.Is(err, ErrUnknownTemplate))

	_, err = NewRenderer().Render("../files", Data{})
	assert.True(t, errors.Is(err, ErrUnknownTemplate))
}

func TestRender_MissingKeyFails(t *testing.T) {
	ClearCache()

	fsys := fstest.MapFS{
		"bad/template.json":   {Data: []byte(`{"name":"Bad"}`)},
		"bad/README.md.tmpl":  {Data: []byte("{{.Nope}}")},
		"good/template.json":  {Data: []byte(`{"id":"good"}`)},
		"good/static.txt":     {Data: []byte("{{.NotRendered}}")},
		"good/name.txt.tmpl":  {Data: []byte("{{.ProjectName}}")},
		"stray-file-at-root":  {Data: []byte("x")},
		"nomanifest/file.txt": {Data: []byte("x")},
	}
	r := NewRendererFS(fsys)

	_, err := r.Render("bad", Data{})
	assert.Error(t, err)

	files, err := r.Render("good", Data{ProjectName: "Demo"})
	require.NoError(t, err)
	assert.Equal(t, "{{.NotRendered}}", string(files["static.txt"]))
	assert.Equal(t, "Demo", string(files["name.txt"]))

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bad", list[0].ID)
	assert.Equal(t, "good", list[1].ID)
}

func TestList_Embedded(t *testing.T) {
	ClearCache()

	list, err := NewRenderer().List()
	require.NoError(t, err)
	ids := []string{}
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"blank", "go-service"}, ids)
}
