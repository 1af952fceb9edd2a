package admin

import (
	"math"
	"net/http"
	"time"

	"xdrop/internal/httputil"
	"xdrop/internal/repo"
)

const (
	analyticsCacheTTL = 30 * time.Second
	topAgentsLimit    = 10
)

var analyticsPeriods = map[string]int{"7d": 7, "30d": 30, "90d": 90}

// MetricSummary compares one metric across the current and previous period.
type MetricSummary struct {
	Current  int64   `json:"current"`
	Previous int64   `json:"previous"`
	Total    int64   `json:"total"`
	Change   float64 `json:"change_pct"`
}

// Analytics is the dashboard roll-up for one period.
type Analytics struct {
	Period      string                   `json:"period"`
	From        time.Time                `json:"from"`
	To          time.Time                `json:"to"`
	Metrics     map[string]MetricSummary `json:"metrics"`
	TopAgents   []repo.AgentRank         `json:"top_agents"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// PercentChange is (cur-prev)/prev*100 rounded to two decimals. With no previous
// value it is 100 when something happened and 0 otherwise.
func PercentChange(cur, prev int64) float64 {
	if prev == 0 {
		if cur > 0 {
			return 100
		}
		return 0
	}
	pct := float64(cur-prev) / float64(prev) * 100
	return math.Round(pct*100) / 100
}

func (h *Handler) analytics(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "30d"
	}
	days, ok := analyticsPeriods[period]
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "period must be 7d, 30d or 90d")
		return
	}

	key := "analytics:" + period
	if h.cache != nil {
		var cached Analytics
		hit, err := h.cache.GetJSON(r.Context(), key, &cached)
		if err != nil {
			h.logger.Warn("analytics cache read failed", "error", err)
		}
		h.metrics.CacheResult("analytics", hit)
		if hit {
			httputil.WriteJSON(w, http.StatusOK, cached)
			return
		}
	}

	now := h.now().UTC()
	span := time.Duration(days) * 24 * time.Hour
	curFrom := now.Add(-span)
	prevFrom := curFrom.Add(-span)

	out := Analytics{
		Period:      period,
		From:        curFrom,
		To:          now,
		Metrics:     make(map[string]MetricSummary, len(repo.AnalyticsMetrics)),
		GeneratedAt: now,
	}
	for _, metric := range repo.AnalyticsMetrics {
		cur, err := h.store.MetricTotal(r.Context(), metric, curFrom, now)
		if err != nil {
			h.internalError(w, "analytics current", err)
			return
		}
		prev, err := h.store.MetricTotal(r.Context(), metric, prevFrom, curFrom)
		if err != nil {
			h.internalError(w, "analytics previous", err)
			return
		}
		total, err := h.store.MetricTotal(r.Context(), metric, time.Time{}, time.Time{})
		if err != nil {
			h.internalError(w, "analytics total", err)
			return
		}
		out.Metrics[metric] = MetricSummary{Current: cur, Previous: prev, Total: total, Change: PercentChange(cur, prev)}
	}

	top, err := h.store.TopAgents(r.Context(), topAgentsLimit)
	if err != nil {
		h.internalError(w, "top agents", err)
		return
	}
	out.TopAgents = top

	if h.cache != nil {
		if err := h.cache.SetJSON(r.Context(), key, out, analyticsCacheTTL); err != nil {
			h.logger.Warn("analytics cache write failed", "error", err)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
