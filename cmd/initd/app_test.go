package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/project-init/internal/config"
	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/queue"
)

const validPayload = `{
  "projectId": "6f1c2a8e-3b7d-4c1e-9a55-2f0d8c4b7e11",
  "projectName": "Billing API",
  "projectSlug": "billing-api",
  "userId": "0b9e4f7a-1c2d-4e3f-8a9b-5c6d7e8f9a0b",
  "organizationId": "a1b2c3d4-e5f6-4a7b-8c9d-0e1f2a3b4c5d",
  "repository": {"provider": "github", "name": "billing-api", "visibility": "private", "mode": "create"},
  "templateId": "go-service"
}`

func TestReadPayload(t *testing.T) {
	p, err := readPayload(strings.NewReader(validPayload))
	require.NoError(t, err)
	assert.Equal(t, "billing-api", p.ProjectSlug)
	assert.Equal(t, "main", p.Repository.DefaultBranch)
}

func TestReadPayload_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"not json", "nope", "failed to parse payload"},
		{"unknown field", `{"projectId": "x", "extra": true}`, "failed to parse payload"},
		{"missing fields", `{}`, "invalid payload"},
		{"bad provider", strings.Replace(validPayload, `"github"`, `"bitbucket"`, 1), "invalid payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readPayload(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", "warn")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&buf, "text", "debug").Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitList(" https://a.example, ,https://b.example "))
}

func TestParseUUIDArg(t *testing.T) {
	id := uuid.New()
	got, err := parseUUIDArg("job id", id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = parseUUIDArg("job id", "42")
	assert.ErrorContains(t, err, "invalid job id")
}

func TestTokenValidator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secret := strings.Repeat("s", 32)
	env := func(m map[string]string) func(string) string {
		return func(k string) string { return m[k] }
	}

	v, err := tokenValidator(env(map[string]string{"JWT_SECRET": secret}), false, logger)
	require.NoError(t, err)
	assert.NotNil(t, v)

	v, err = tokenValidator(env(nil), true, logger)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = tokenValidator(env(nil), false, logger)
	assert.Error(t, err, "a secret is required outside in-memory mode")

	inMemory = true
	t.Cleanup(func() { inMemory = false })
	v, err = tokenValidator(env(nil), false, logger)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = tokenValidator(env(map[string]string{"JWT_SECRET": "short"}), false, logger)
	assert.Error(t, err, "a bad secret is never ignored")
}

func TestEnsureProject(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryProjects()
	p, err := readPayload(strings.NewReader(validPayload))
	require.NoError(t, err)

	require.NoError(t, ensureProject(ctx, store, p))
	project, err := store.GetProject(ctx, uuid.MustParse(p.ProjectID))
	require.NoError(t, err)
	assert.Equal(t, "billing-api", project.Slug)

	require.NoError(t, ensureProject(ctx, store, p), "existing project is reused")

	require.NoError(t, store.SetStatus(ctx, project.ID, db.ProjectStatusActive, nil))
	assert.ErrorContains(t, ensureProject(ctx, store, p), "already initialized")
}

func TestInMemoryBackendWiring(t *testing.T) {
	inMemory = true
	t.Cleanup(func() { inMemory = false })

	cfg := config.Defaults()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := openBackend(context.Background(), &cfg, logger)
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.db)
	assert.IsType(t, &queue.Memory{}, b.queue)

	consumer, err := newConsumer(&cfg, b, logger)
	require.NoError(t, err)
	assert.NotNil(t, consumer)
}

func TestMigratePrint(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"migrate", "--print"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		migratePrint = false
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "CREATE TABLE")
}

func TestCommandsRejectInMemory(t *testing.T) {
	for _, args := range [][]string{
		{"worker", "--in-memory"},
		{"status", "--in-memory", uuid.NewString()},
		{"dead-letters", "list", "--in-memory"},
	} {
		t.Run(args[0], func(t *testing.T) {
			rootCmd.SetArgs(args)
			rootCmd.SetOut(io.Discard)
			rootCmd.SetErr(io.Discard)
			t.Cleanup(func() {
				rootCmd.SetArgs(nil)
				rootCmd.SetOut(nil)
				rootCmd.SetErr(nil)
				inMemory = false
			})
			err := rootCmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "in-memory")
		})
	}
}
