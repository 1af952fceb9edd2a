package builds

import (
	"strings"
	"time"

	"xdrop/internal/github"
	"xdrop/internal/repo"
)

// MatchWindow bounds how long after a build row a dispatched run may appear.
const MatchWindow = 2 * time.Minute

// MatchRun picks the workflow run most likely started for b. Candidates must be created
// within MatchWindow after the build and must not appear in claimed, the runs already
// bound to other builds. A run whose title carries the build id wins outright; otherwise
// runs of the named workflow are preferred, closest timestamp first.
func MatchRun(runs []github.Run, b repo.Build, workflowName string, claimed map[int64]bool) (github.Run, bool) {
	var (
		best      github.Run
		bestRank  = -1
		bestDelta time.Duration
	)
	for _, run := range runs {
		if claimed[run.ID] {
			continue
		}
		delta := run.CreatedAt.Sub(b.CreatedAt)
		// Clock skew between the database and GitHub is tolerated by a few seconds.
		if delta < -5*time.Second || delta > MatchWindow {
			continue
		}
		if delta < 0 {
			delta = -delta
		}
		rank := 0
		switch {
		case b.ID != "" && strings.Contains(run.DisplayTitle, b.ID):
			rank = 2
		case workflowName != "" && strings.EqualFold(run.Name, workflowName):
			rank = 1
		}
		if rank > bestRank || (rank == bestRank && delta < bestDelta) {
			best, bestRank, bestDelta = run, rank, delta
		}
	}
	return best, bestRank >= 0
}

// MapStatus converts a GitHub run status/conclusion into a build status.
// Unknown states return current unchanged.
func MapStatus(status, conclusion, current string) string {
	switch status {
	case "queued", "waiting", "pending", "requested":
		return repo.BuildStatusQueued
	case "in_progress":
		return repo.BuildStatusBuilding
	case "completed":
		if conclusion == "success" {
			return repo.BuildStatusSuccess
		}
		return repo.BuildStatusFailed
	}
	return current
}

// Terminal reports whether a build no longer changes.
func Terminal(status string) bool {
	return status == repo.BuildStatusSuccess || status == repo.BuildStatusFailed
}
