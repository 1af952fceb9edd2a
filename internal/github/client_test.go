package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"xdrop/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL,
		Token:        "ghp_test",
		Owner:        "xdrop",
		Repo:         "apps",
		WorkflowFile: "build-app.yml",
		Ref:          "main",
	}, logging.Discard(), nil)
}

func TestDispatchWorkflow(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/xdrop/apps/actions/workflows/build-app.yml/dispatches", r.URL.Path)
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.DispatchWorkflow(context.Background(), map[string]string{"platform": "android", "build_id": "b1"}))
	assert.Equal(t, "main", got["ref"])
	assert.Equal(t, map[string]any{"platform": "android", "build_id": "b1"}, got["inputs"])
}

func TestDispatchFailureCarriesMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Workflow does not have 'workflow_dispatch' trigger"}`))
	})
	err := c.DispatchWorkflow(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow_dispatch")
}

func TestListRunsJobsArtifacts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/xdrop/apps/actions/workflows/build-app.yml/runs":
			assert.Equal(t, "workflow_dispatch", r.URL.Query().Get("event"))
			_, _ = w.Write([]byte(`{"total_count":1,"workflow_runs":[{"id":77,"name":"Build App","display_title":"Build b1","status":"in_progress","conclusion":null,"created_at":"2026-10-15T10:00:05Z"}]}`))
		case "/repos/xdrop/apps/actions/runs/77/jobs":
			_, _ = w.Write([]byte(`{"jobs":[{"name":"build","status":"in_progress","steps":[{"name":"Checkout","status":"completed"},{"name":"Gradle assemble","status":"in_progress"}]}]}`))
		case "/repos/xdrop/apps/actions/runs/77/artifacts":
			_, _ = w.Write([]byte(`{"artifacts":[{"archive_download_url":"https://example.com/a.zip"}]}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	runs, err := c.ListRuns(ctx, time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(77), runs[0].ID)
	assert.Equal(t, "Build b1", runs[0].DisplayTitle)
	assert.Equal(t, time.Date(2026, 10, 15, 10, 0, 5, 0, time.UTC), runs[0].CreatedAt)

	step, err := c.CurrentStep(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, "Gradle assemble", step)

	u, err := c.ArtifactURL(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.zip", u)
}

func TestNotConfigured(t *testing.T) {
	c := New(Config{}, logging.Discard(), nil)
	assert.ErrorIs(t, c.DispatchWorkflow(context.Background(), nil), ErrNotConfigured)
}
