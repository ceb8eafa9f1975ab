package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/project-init/internal/config"
	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/progress"
	"github.com/jonathan/project-init/internal/queue"
	"github.com/jonathan/project-init/internal/server/ratelimit"
)

type testEnv struct {
	server   *Server
	queue    *queue.Memory
	ledger   *ledger.Memory
	projects *db.MemoryProjects
	broker   *progress.Broker
	jwt      *JWTService
}

type envOption func(*Deps, *Config)

func withAuth(j *JWTService) envOption {
	return func(d *Deps, _ *Config) { d.Auth = j.AsTokenValidator() }
}

func withLimiter(l *ratelimit.Limiter) envOption {
	return func(d *Deps, _ *Config) { d.RateLimiter = l }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		queue:    queue.NewMemory(),
		ledger:   ledger.NewMemory(steps.Default),
		projects: db.NewMemoryProjects(),
		broker:   progress.NewBroker(nil),
		jwt:      NewJWTService(&config.JWTConfig{Secret: testJWTSecret, ExpirationHours: 1}),
	}
	deps := Deps{
		Queue:    env.queue,
		Ledger:   env.ledger,
		Projects: env.projects,
		Events:   env.broker,
		Catalog:  steps.Default,
	}
	cfg := Config{JobMaxAttempts: 3, KeepAlive: 50 * time.Millisecond}
	for _, o := range opts {
		o(&deps, &cfg)
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	env.server = s
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func payloadFor(projectID, orgID, userID uuid.UUID) *queue.InitializePayload {
	return &queue.InitializePayload{
		ProjectID:      projectID.String(),
		ProjectName:    "Billing API",
		ProjectSlug:    "billing-api",
		UserID:         userID.String(),
		OrganizationID: orgID.String(),
		Repository: queue.RepositoryOptions{
			Provider:   "github",
			Name:       "billing-api",
			Visibility: "private",
			Mode:       "create",
		},
		TemplateID: "go-service",
	}
}

// seed creates a project with an enqueued job
func (e *testEnv) seed(t *testing.T) (*queue.InitializePayload, uuid.UUID) {
	t.Helper()
	id := uuid.New()
	p := payloadFor(id, uuid.New(), uuid.New())
	w := e.do(t, http.MethodPost, "/projects/"+id.String()+"/init", p, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	return p, id
}

func (e *testEnv) completeAll(t *testing.T, projectID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	for _, def := range steps.Default.Steps() {
		_, err := e.ledger.StartStep(ctx, projectID.String(), def.Name)
		require.NoError(t, err)
		require.NoError(t, e.ledger.CompleteStep(ctx, projectID.String(), def.Name))
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestInitialize_EnqueuesAndCreatesProject(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	p := payloadFor(id, uuid.New(), uuid.New())

	w := env.do(t, http.MethodPost, "/projects/"+id.String()+"/init", p, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[EnqueueResponse](t, w)
	assert.True(t, resp.Created)
	assert.Equal(t, id.String(), resp.ProjectID)
	assert.Equal(t, queue.StatusQueued, resp.Status)

	project, err := env.projects.GetProject(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "billing-api", project.Slug)
	assert.Equal(t, db.ProjectStatusInitializing, project.Status)

	job, err := env.queue.Latest(context.Background(), queue.KindInitializeProject, id)
	require.NoError(t, err)
	stored, err := queue.DecodeInitializePayload(job)
	require.NoError(t, err)
	assert.Equal(t, "main", stored.Repository.DefaultBranch)
	assert.Equal(t, 3, job.MaxAttempts)

	// A second request while the job is pending returns the same job
	w = env.do(t, http.MethodPost, "/projects/"+id.String()+"/init", p, "")
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[EnqueueResponse](t, w)
	assert.False(t, again.Created)
	assert.Equal(t, resp.JobID, again.JobID)
}

func TestInitialize_Validation(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	tests := []struct {
		name   string
		path   string
		mutate func(p *queue.InitializePayload)
	}{
		{"bad path id", "/projects/not-a-uuid/init", func(*queue.InitializePayload) {}},
		{"mismatched project", "", func(p *queue.InitializePayload) { p.ProjectID = uuid.NewString() }},
		{"missing template", "", func(p *queue.InitializePayload) { p.TemplateID = "" }},
		{"bad provider", "", func(p *queue.InitializePayload) { p.Repository.Provider = "svn" }},
		{"existing without url", "", func(p *queue.InitializePayload) { p.Repository.Mode = "existing" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := payloadFor(id, uuid.New(), uuid.New())
			tt.mutate(p)
			path := tt.path
			if path == "" {
				path = "/projects/" + id.String() + "/init"
			}
			w := env.do(t, http.MethodPost, path, p, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/projects/"+id.String()+"/init", strings.NewReader(`{"projectId":`))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := env.queue.Latest(context.Background(), queue.KindInitializeProject, id)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestInitialize_ActiveProjectConflicts(t *testing.T) {
	env := newTestEnv(t)
	p, id := env.seed(t)
	require.NoError(t, env.projects.SetStatus(context.Background(), id, db.ProjectStatusActive, nil))

	w := env.do(t, http.MethodPost, "/projects/"+id.String()+"/init", p, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	p.OrganizationID = uuid.NewString()
	require.NoError(t, env.projects.SetStatus(context.Background(), id, db.ProjectStatusFailed, nil))
	w = env.do(t, http.MethodPost, "/projects/"+id.String()+"/init", p, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuth(t *testing.T) {
	jwtSvc := NewJWTService(&config.JWTConfig{Secret: testJWTSecret, ExpirationHours: 1})
	env := newTestEnv(t, withAuth(jwtSvc))
	userID, orgID := uuid.New(), uuid.New()
	token, err := jwtSvc.GenerateToken(userID, orgID)
	require.NoError(t, err)
	outsider, err := jwtSvc.GenerateToken(uuid.New(), uuid.New())
	require.NoError(t, err)

	id := uuid.New()
	p := payloadFor(id, orgID, userID)
	p.UserID = ""
	path := "/projects/" + id.String() + "/init"

	w := env.do(t, http.MethodPost, path, p, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, path, p, outsider)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, path, p, token)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	project, err := env.projects.GetProject(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, userID, project.OwnerID, "owner comes from the token")

	w = env.do(t, http.MethodGet, path, nil, outsider)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, path, nil, token)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays public
	w = env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInitStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/projects/"+uuid.NewString()+"/init", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, id := env.seed(t)
	ctx := context.Background()
	_, err := env.ledger.StartStep(ctx, id.String(), steps.CreateRepository)
	require.NoError(t, err)
	require.NoError(t, env.ledger.CompleteStep(ctx, id.String(), steps.CreateRepository))
	_, err = env.ledger.StartStep(ctx, id.String(), steps.PushTemplate)
	require.NoError(t, err)
	require.NoError(t, env.ledger.UpdateStepProgress(ctx, id.String(), steps.PushTemplate, 50))

	w = env.do(t, http.MethodGet, "/projects/"+id.String()+"/init", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[StatusResponse](t, w)
	assert.Equal(t, ledger.ProjectInitializing, resp.Status)
	assert.Equal(t, 35, resp.OverallProgress)
	assert.Equal(t, steps.PushTemplate, resp.CurrentStep)
	assert.Len(t, resp.Steps, 2)
	require.NotNil(t, resp.Job)
	assert.Equal(t, queue.StatusQueued, resp.Job.Status)
	assert.Equal(t, db.ProjectStatusInitializing, resp.ProjectStatus)
}

func TestRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p, id := env.seed(t)
	path := "/projects/" + id.String() + "/init/retry"

	// Fail the first job so the retry is not deduplicated
	job, err := env.queue.Claim(ctx, queue.KindInitializeProject, time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.queue.DeadLetter(ctx, job, errors.New("create_repository failed")))
	_, err = env.ledger.StartStep(ctx, id.String(), steps.CreateRepository)
	require.NoError(t, err)
	require.NoError(t, env.ledger.FailStep(ctx, id.String(), steps.CreateRepository, errors.New("boom")))
	msg := "Failed to create Git repository"
	require.NoError(t, env.projects.SetStatus(ctx, id, db.ProjectStatusFailed, &msg))

	w := env.do(t, http.MethodPost, path, nil, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[EnqueueResponse](t, w)
	assert.NotEqual(t, job.ID.String(), resp.JobID)

	retried, err := env.queue.Latest(ctx, queue.KindInitializeProject, id)
	require.NoError(t, err)
	reused, err := queue.DecodeInitializePayload(retried)
	require.NoError(t, err)
	assert.Equal(t, p.TemplateID, reused.TemplateID)

	records, err := env.ledger.GetSteps(ctx, id.String())
	require.NoError(t, err)
	assert.Len(t, records, 1, "a plain retry keeps the ledger")

	// fresh=true clears the ledger; the pending job is reused
	w = env.do(t, http.MethodPost, path+"?fresh=true", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	records, err = env.ledger.GetSteps(ctx, id.String())
	require.NoError(t, err)
	assert.Empty(t, records)

	w = env.do(t, http.MethodPost, path+"?fresh=maybe", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, env.projects.SetStatus(ctx, id, db.ProjectStatusActive, nil))
	w = env.do(t, http.MethodPost, path, nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetry_FreshWhileRunningConflicts(t *testing.T) {
	env := newTestEnv(t)
	_, id := env.seed(t)
	_, err := env.ledger.StartStep(context.Background(), id.String(), steps.CreateRepository)
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/projects/"+id.String()+"/init/retry?fresh=true", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestRetry_WithoutPreviousJob(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	_, err := env.projects.CreateProject(context.Background(), &db.Project{ID: id, OrganizationID: uuid.New(), OwnerID: uuid.New(), Name: "x", Slug: "x"})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/projects/"+id.String()+"/init/retry", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestStream_SSE_TerminalStateCloses(t *testing.T) {
	env := newTestEnv(t)
	_, id := env.seed(t)
	ctx := context.Background()
	job, err := env.queue.Claim(ctx, queue.KindInitializeProject, time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.queue.Ack(ctx, job))
	env.completeAll(t, id)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/projects/" + id.String() + "/init/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, StateEvent, events[0].name)
	assert.Contains(t, events[0].data, `"overall_progress":100`)
	assert.Contains(t, events[0].data, `"status":"active"`)
}

func TestStream_SSE_LiveEvents(t *testing.T) {
	env := newTestEnv(t)
	_, id := env.seed(t)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/projects/" + id.String() + "/init/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return env.broker.Subscribers(id.String()) == 1 }, time.Second, 5*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, env.broker.Publish(ctx, progress.Event{Type: progress.TypeProgress, ProjectID: id.String(), Step: steps.PushTemplate, Progress: 35}))
	require.NoError(t, env.broker.Publish(ctx, progress.Event{Type: progress.TypeCompleted, ProjectID: id.String(), Progress: 100}))

	events := readSSE(t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, StateEvent, events[0].name)
	assert.Equal(t, progress.TypeProgress, events[1].name)
	assert.Contains(t, events[1].data, `"progress":35`)
	assert.Equal(t, progress.TypeCompleted, events[2].name)

	require.Eventually(t, func() bool { return env.broker.Subscribers(id.String()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestStream_UnknownProject(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/projects/"+uuid.NewString()+"/init/stream", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream_WebSocket(t *testing.T) {
	env := newTestEnv(t)
	_, id := env.seed(t)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/projects/" + id.String() + "/init/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first struct {
		Event string         `json:"event"`
		Data  StatusResponse `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, StateEvent, first.Event)
	assert.Equal(t, id.String(), first.Data.ProjectID)

	require.Eventually(t, func() bool { return env.broker.Subscribers(id.String()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, env.broker.Publish(context.Background(), progress.Event{
		Type: progress.TypeFailed, ProjectID: id.String(), Progress: 20, Error: "Failed to push template",
	}))

	var ev struct {
		Event string         `json:"event"`
		Data  progress.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, progress.TypeFailed, ev.Event)
	assert.Equal(t, "Failed to push template", ev.Data.Error)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestDeadJobs(t *testing.T) {
	env := newTestEnv(t)
	_, id := env.seed(t)
	ctx := context.Background()
	job, err := env.queue.Claim(ctx, queue.KindInitializeProject, time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.queue.DeadLetter(ctx, job, errors.New("token revoked")))

	w := env.do(t, http.MethodGet, "/jobs/dead", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	type deadList struct {
		Jobs  []DeadJob `json:"jobs"`
		Count int       `json:"count"`
	}
	list := decode[deadList](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, id.String(), list.Jobs[0].ProjectID)
	require.NotNil(t, list.Jobs[0].LastError)
	assert.Equal(t, "token revoked", *list.Jobs[0].LastError)

	w = env.do(t, http.MethodGet, "/jobs/dead?limit=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/jobs/%s/requeue", job.ID), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	requeued, ok := env.queue.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StatusQueued, requeued.Status)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/jobs/%s/requeue", job.ID), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodPost, "/jobs/nope/requeue", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []ratelimit.EndpointConfig{
			{Path: "/projects/{id}/init", Method: "POST", Limit: 1, Window: time.Hour, Burst: 1},
		},
	})
	defer limiter.Stop()
	env := newTestEnv(t, withLimiter(limiter))

	id := uuid.New()
	p := payloadFor(id, uuid.New(), uuid.New())
	w := env.do(t, http.MethodPost, "/projects/"+id.String()+"/init", p, "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = env.do(t, http.MethodPost, "/projects/"+id.String()+"/init", p, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodOptions, "/projects/x/init", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ErrValidation{Field: "id"}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", &ErrForbidden{}), http.StatusForbidden},
		{fmt.Errorf("%w: x", db.ErrProjectNotFound), http.StatusNotFound},
		{queue.ErrJobNotFound, http.StatusNotFound},
		{&ErrConflict{Message: "busy"}, http.StatusConflict},
		{&ledger.InvalidTransitionError{}, http.StatusConflict},
		{fmt.Errorf("slug: %w", db.ErrDuplicate), http.StatusConflict},
		{queue.ErrActiveJob, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}
