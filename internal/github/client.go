package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xdrop/internal/metrics"

	"github.com/tidwall/gjson"
)

const defaultBaseURL = "https://api.github.com"

// ErrNotConfigured is returned when owner, repo or token is missing.
var ErrNotConfigured = errors.New("github actions not configured")

// Config identifies the workflow that builds apps.
type Config struct {
	BaseURL      string
	Token        string
	Owner        string
	Repo         string
	WorkflowFile string
	Ref          string
	Timeout      time.Duration
}

// Run is a workflow run summary.
type Run struct {
	ID           int64
	Name         string
	DisplayTitle string
	Status       string
	Conclusion   string
	HTMLURL      string
	CreatedAt    time.Time
}

// Client calls the GitHub Actions REST API.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	http    *http.Client
	metrics *metrics.Metrics
}

// New creates a GitHub Actions client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "github"),
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

func (c *Client) repoPath() string {
	return "/repos/" + url.PathEscape(c.cfg.Owner) + "/" + url.PathEscape(c.cfg.Repo)
}

// DispatchWorkflow fires a workflow_dispatch event with inputs on the configured ref.
func (c *Client) DispatchWorkflow(ctx context.Context, inputs map[string]string) error {
	payload, err := json.Marshal(map[string]any{"ref": c.cfg.Ref, "inputs": inputs})
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}
	endpoint := c.repoPath() + "/actions/workflows/" + url.PathEscape(c.cfg.WorkflowFile) + "/dispatches"
	_, err = c.do(ctx, http.MethodPost, endpoint, "dispatch", payload)
	return err
}

// ListRuns returns dispatch runs of the workflow created at or after since, newest first.
func (c *Client) ListRuns(ctx context.Context, since time.Time) ([]Run, error) {
	q := url.Values{}
	q.Set("event", "workflow_dispatch")
	q.Set("per_page", "30")
	if !since.IsZero() {
		q.Set("created", ">="+since.UTC().Format(time.RFC3339))
	}
	endpoint := c.repoPath() + "/actions/workflows/" + url.PathEscape(c.cfg.WorkflowFile) + "/runs?" + q.Encode()
	body, err := c.do(ctx, http.MethodGet, endpoint, "list_runs", nil)
	if err != nil {
		return nil, err
	}
	var runs []Run
	gjson.GetBytes(body, "workflow_runs").ForEach(func(_, v gjson.Result) bool {
		runs = append(runs, parseRun(v))
		return true
	})
	return runs, nil
}

// GetRun loads a single run.
func (c *Client) GetRun(ctx context.Context, runID int64) (*Run, error) {
	body, err := c.do(ctx, http.MethodGet, c.repoPath()+"/actions/runs/"+strconv.FormatInt(runID, 10), "get_run", nil)
	if err != nil {
		return nil, err
	}
	run := parseRun(gjson.ParseBytes(body))
	return &run, nil
}

// CurrentStep names the step a run is executing, falling back to the latest job name.
func (c *Client) CurrentStep(ctx context.Context, runID int64) (string, error) {
	body, err := c.do(ctx, http.MethodGet, c.repoPath()+"/actions/runs/"+strconv.FormatInt(runID, 10)+"/jobs", "list_jobs", nil)
	if err != nil {
		return "", err
	}
	jobs := gjson.GetBytes(body, "jobs").Array()
	for _, job := range jobs {
		if job.Get("status").String() != "in_progress" {
			continue
		}
		for _, step := range job.Get("steps").Array() {
			if step.Get("status").String() == "in_progress" {
				return step.Get("name").String(), nil
			}
		}
		return job.Get("name").String(), nil
	}
	if len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		steps := last.Get("steps").Array()
		if len(steps) > 0 {
			return steps[len(steps)-1].Get("name").String(), nil
		}
		return last.Get("name").String(), nil
	}
	return "", nil
}

// ArtifactURL returns the download URL of the run's first artifact, or "" if none.
func (c *Client) ArtifactURL(ctx context.Context, runID int64) (string, error) {
	body, err := c.do(ctx, http.MethodGet, c.repoPath()+"/actions/runs/"+strconv.FormatInt(runID, 10)+"/artifacts", "list_artifacts", nil)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "artifacts.0.archive_download_url").String(), nil
}

func parseRun(v gjson.Result) Run {
	created, _ := time.Parse(time.RFC3339, v.Get("created_at").String())
	return Run{
		ID:           v.Get("id").Int(),
		Name:         v.Get("name").String(),
		DisplayTitle: v.Get("display_title").String(),
		Status:       v.Get("status").String(),
		Conclusion:   v.Get("conclusion").String(),
		HTMLURL:      v.Get("html_url").String(),
		CreatedAt:    created,
	}
}

func (c *Client) do(ctx context.Context, method, endpoint, label string, payload []byte) ([]byte, error) {
	if c.cfg.Token == "" || c.cfg.Owner == "" || c.cfg.Repo == "" {
		return nil, ErrNotConfigured
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveUpstream("github", label, "error", 0)
		return nil, fmt.Errorf("github request: %w", err)
	}
	defer res.Body.Close()
	c.metrics.ObserveUpstream("github", label, strconv.Itoa(res.StatusCode), time.Since(start).Seconds())

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		msg := gjson.GetBytes(respBody, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return nil, fmt.Errorf("github %s: status=%d message=%s", label, res.StatusCode, msg)
	}
	return respBody, nil
}
