package builds

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"xdrop/internal/auth"
	"xdrop/internal/github"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
)

// Platforms accepted by the build workflow.
var Platforms = map[string]bool{"android": true, "ios": true}

// Store is the build persistence.
type Store interface {
	CreateBuild(ctx context.Context, userID, platform string, agentID *string) (*repo.Build, error)
	GetBuild(ctx context.Context, id string) (*repo.Build, error)
	UpdateBuild(ctx context.Context, b repo.Build) (*repo.Build, error)
	ClaimedRunIDs(ctx context.Context, runIDs []int64) (map[int64]bool, error)
}

// Actions is the CI surface used to run and observe builds.
type Actions interface {
	DispatchWorkflow(ctx context.Context, inputs map[string]string) error
	ListRuns(ctx context.Context, since time.Time) ([]github.Run, error)
	GetRun(ctx context.Context, runID int64) (*github.Run, error)
	CurrentStep(ctx context.Context, runID int64) (string, error)
	ArtifactURL(ctx context.Context, runID int64) (string, error)
}

// Service triggers CI builds and reports their progress.
type Service struct {
	store        Store
	actions      Actions
	workflowName string
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewService creates the build service. workflowName is used to match runs when titles lack the build id.
func NewService(store Store, actions Actions, workflowName string, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:        store,
		actions:      actions,
		workflowName: workflowName,
		logger:       logger.With("component", "builds"),
		metrics:      m,
	}
}

// Register mounts the build routes.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /functions/builds", s.handleTrigger)
	mux.HandleFunc("GET /functions/builds/{id}", s.handleStatus)
}

type triggerRequest struct {
	Platform string  `json:"platform"`
	AgentID  *string `json:"agent_id"`
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req triggerRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	platform := strings.ToLower(strings.TrimSpace(req.Platform))
	if !Platforms[platform] {
		httputil.Error(w, http.StatusBadRequest, "platform must be android or ios")
		return
	}

	b, err := s.store.CreateBuild(r.Context(), user.ID, platform, req.AgentID)
	if err != nil {
		s.internalError(w, "create build", err)
		return
	}
	logger := s.logger.With("build_id", b.ID, "platform", platform)

	inputs := map[string]string{"platform": platform, "build_id": b.ID}
	if err := s.actions.DispatchWorkflow(r.Context(), inputs); err != nil {
		logger.Warn("workflow dispatch failed", "error", err)
		s.metrics.IncError("build_dispatch")
		msg := err.Error()
		b.Status = repo.BuildStatusFailed
		b.ErrorMessage = &msg
		if _, uerr := s.store.UpdateBuild(r.Context(), *b); uerr != nil {
			logger.Error("record dispatch failure", "error", uerr)
		}
		httputil.Error(w, http.StatusBadGateway, "failed to dispatch build: "+msg)
		return
	}

	logger.Info("build dispatched")
	httputil.WriteJSON(w, http.StatusCreated, b)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	b, err := s.store.GetBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httputil.Error(w, http.StatusNotFound, "build not found")
			return
		}
		s.internalError(w, "get build", err)
		return
	}
	if b.UserID != user.ID {
		httputil.Error(w, http.StatusForbidden, "not your build")
		return
	}

	refreshed, err := s.Refresh(r.Context(), *b)
	if err != nil {
		// Serve the stored row when GitHub is unavailable.
		s.logger.Warn("refresh build", "build_id", b.ID, "error", err)
		s.metrics.IncError("build_refresh")
		httputil.WriteJSON(w, http.StatusOK, b)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, refreshed)
}

// Refresh links b to its workflow run if needed and pulls the latest run state.
// The build is persisted only when something changed.
func (s *Service) Refresh(ctx context.Context, b repo.Build) (*repo.Build, error) {
	if Terminal(b.Status) && (b.Status != repo.BuildStatusSuccess || b.ArtifactURL != nil) {
		return &b, nil
	}
	before := b

	if b.GitHubRunID == nil {
		runs, err := s.actions.ListRuns(ctx, b.CreatedAt.Add(-time.Minute))
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(runs))
		for _, run := range runs {
			ids = append(ids, run.ID)
		}
		claimed, err := s.store.ClaimedRunIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		run, ok := MatchRun(runs, b, s.workflowName, claimed)
		if !ok {
			return &b, nil
		}
		id := run.ID
		b.GitHubRunID = &id
	}

	run, err := s.actions.GetRun(ctx, *b.GitHubRunID)
	if err != nil {
		return nil, err
	}
	b.Status = MapStatus(run.Status, run.Conclusion, b.Status)

	if step, err := s.actions.CurrentStep(ctx, *b.GitHubRunID); err != nil {
		s.logger.Warn("fetch build jobs", "build_id", b.ID, "error", err)
	} else if step != "" {
		b.CurrentStep = &step
	}

	if b.Status == repo.BuildStatusSuccess && b.ArtifactURL == nil {
		if u, err := s.actions.ArtifactURL(ctx, *b.GitHubRunID); err != nil {
			s.logger.Warn("fetch build artifact", "build_id", b.ID, "error", err)
		} else if u != "" {
			b.ArtifactURL = &u
		}
	}
	if b.Status == repo.BuildStatusFailed && b.ErrorMessage == nil && run.Conclusion != "" {
		msg := "workflow concluded " + run.Conclusion
		b.ErrorMessage = &msg
	}

	if sameProgress(before, b) {
		return &b, nil
	}
	updated, err := s.store.UpdateBuild(ctx, b)
	if errors.Is(err, repo.ErrAlreadyExists) {
		// Another build bound the same run first; retry matching on the next poll.
		s.logger.Info("workflow run already claimed", "build_id", b.ID, "run_id", *b.GitHubRunID)
		return &before, nil
	}
	return updated, err
}

func sameProgress(a, b repo.Build) bool {
	return a.Status == b.Status &&
		eqInt(a.GitHubRunID, b.GitHubRunID) &&
		eqStr(a.CurrentStep, b.CurrentStep) &&
		eqStr(a.ArtifactURL, b.ArtifactURL) &&
		eqStr(a.ErrorMessage, b.ErrorMessage)
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Service) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("build request failed", "op", op, "error", err)
	s.metrics.IncError("builds")
	httputil.Error(w, http.StatusInternalServerError, err.Error())
}
