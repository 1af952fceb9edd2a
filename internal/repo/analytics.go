package repo

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Analytics metric names.
const (
	MetricUsers        = "users"
	MetricBots         = "bots"
	MetricPosts        = "posts"
	MetricAgents       = "agents"
	MetricPurchases    = "purchases"
	MetricRevenue      = "revenue"
	MetricCreditsSpent = "credits_spent"
)

// AnalyticsMetrics lists the metrics in reporting order.
var AnalyticsMetrics = []string{
	MetricUsers, MetricBots, MetricPosts, MetricAgents, MetricPurchases, MetricRevenue, MetricCreditsSpent,
}

var metricQueries = map[string]string{
	MetricUsers:        `SELECT COUNT(*) FROM profiles`,
	MetricBots:         `SELECT COUNT(*) FROM bots`,
	MetricPosts:        `SELECT COUNT(*) FROM posts`,
	MetricAgents:       `SELECT COUNT(*) FROM agents`,
	MetricPurchases:    `SELECT COUNT(*) FROM purchases`,
	MetricRevenue:      `SELECT COALESCE(SUM(price_paid), 0) FROM purchases`,
	MetricCreditsSpent: `SELECT COALESCE(SUM(-amount), 0) FROM credit_transactions WHERE amount < 0 AND type IN ('purchase', 'agent_run')`,
}

// MetricTotal aggregates metric over rows created in [from, to). Zero bounds are open.
func (r *Repository) MetricTotal(ctx context.Context, metric string, from, to time.Time) (int64, error) {
	base, ok := metricQueries[metric]
	if !ok {
		return 0, fmt.Errorf("unknown metric %q", metric)
	}

	var f filter
	if !from.IsZero() {
		f.add(`created_at >= ?`, from)
	}
	if !to.IsZero() {
		f.add(`created_at < ?`, to)
	}
	q := base
	switch {
	case len(f.clauses) == 0:
	case strings.Contains(base, " WHERE "):
		q += " AND " + f.conditions()
	default:
		q += f.where()
	}

	var total int64
	if err := r.pool.QueryRow(ctx, q, f.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("metric %s: %w", metric, err)
	}
	return total, nil
}
