package repo

import (
	"context"
	"fmt"
)

const reportColumns = `id, user_id, category, description, screenshot_url, status, admin_notes, created_at, updated_at`

func scanReport(row rowScanner) (Report, error) {
	var rp Report
	err := row.Scan(&rp.ID, &rp.UserID, &rp.Category, &rp.Description, &rp.ScreenshotURL,
		&rp.Status, &rp.AdminNotes, &rp.CreatedAt, &rp.UpdatedAt)
	return rp, err
}

// CreateReport inserts a pending report.
func (r *Repository) CreateReport(ctx context.Context, userID, category, description string, screenshotURL *string) (*Report, error) {
	const q = `
INSERT INTO reports (user_id, category, description, screenshot_url)
VALUES ($1, $2, $3, $4)
RETURNING ` + reportColumns
	rp, err := scanReport(r.pool.QueryRow(ctx, q, userID, category, description, screenshotURL))
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	return &rp, nil
}

// GetReport loads a report by id.
func (r *Repository) GetReport(ctx context.Context, id string) (*Report, error) {
	rp, err := scanReport(r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id::text = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get report: %w", notFound(err))
	}
	return &rp, nil
}

// UpdateReport moves a report from one status to another. The update only applies while the
// row still holds from, so concurrent reviewers cannot both transition it; a lost race is ErrNotFound.
func (r *Repository) UpdateReport(ctx context.Context, id, from, to string, notes *string) (*Report, error) {
	const q = `
UPDATE reports
SET status = $3, admin_notes = COALESCE($4, admin_notes), updated_at = NOW()
WHERE id::text = $1 AND status = $2
RETURNING ` + reportColumns
	rp, err := scanReport(r.pool.QueryRow(ctx, q, id, from, to, notes))
	if err != nil {
		return nil, fmt.Errorf("update report: %w", notFound(err))
	}
	return &rp, nil
}

// ListReports returns one admin page of reports.
func (r *Repository) ListReports(ctx context.Context, params ListParams) ([]Report, int, error) {
	var f filter
	if params.Status != "" {
		f.add(`status = ?`, params.Status)
	}
	if params.Search != "" {
		f.add(`description ILIKE ?`, likePattern(params.Search))
	}
	total, err := r.count(ctx, "reports", &f)
	if err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + reportColumns + ` FROM reports` + f.where() +
		` ORDER BY created_at DESC LIMIT ` + f.next(1) + ` OFFSET ` + f.next(2)
	rows, err := r.pool.Query(ctx, q, append(f.args, PageSize, params.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	res := []Report{}
	for rows.Next() {
		rp, err := scanReport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		res = append(res, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate reports: %w", err)
	}
	return res, total, nil
}
