package reports

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"xdrop/internal/auth"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
	"xdrop/internal/storage"
)

// Categories accepted for reports.
var Categories = map[string]bool{"bug": true, "abuse": true, "payment": true, "other": true}

const (
	maxDescriptionRunes = 5000
	maxScreenshotBytes  = 5 << 20
)

var screenshotTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"gif":  "image/gif",
}

// Store persists reports.
type Store interface {
	CreateReport(ctx context.Context, userID, category, description string, screenshotURL *string) (*repo.Report, error)
}

// Service accepts user reports.
type Service struct {
	store   Store
	uploads storage.Uploader
	bucket  string
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates the report intake service.
func NewService(store Store, uploads storage.Uploader, bucket string, logger *slog.Logger, m *metrics.Metrics) *Service {
	if bucket == "" {
		bucket = "screenshots"
	}
	return &Service{
		store:   store,
		uploads: uploads,
		bucket:  bucket,
		now:     time.Now,
		logger:  logger.With("component", "reports"),
		metrics: m,
	}
}

// Register mounts the report route.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /functions/reports", s.handleCreate)
}

type createRequest struct {
	Category         string `json:"category"`
	Description      string `json:"description"`
	ScreenshotBase64 string `json:"screenshot_base64"`
	ScreenshotExt    string `json:"screenshot_ext"`
}

// DecodeScreenshot decodes a base64 payload, tolerating a data URL prefix.
func DecodeScreenshot(payload string) ([]byte, error) {
	if i := strings.Index(payload, ";base64,"); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+len(";base64,"):]
	}
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	return data, nil
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req createRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if !Categories[category] {
		httputil.Error(w, http.StatusBadRequest, "category must be one of bug, abuse, payment, other")
		return
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		httputil.Error(w, http.StatusBadRequest, "description is required")
		return
	}
	if utf8.RuneCountInString(desc) > maxDescriptionRunes {
		httputil.Error(w, http.StatusBadRequest, "description is too long")
		return
	}

	var screenshotURL *string
	if req.ScreenshotBase64 != "" {
		ext := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(req.ScreenshotExt)), ".")
		if ext == "" {
			ext = "png"
		}
		contentType, ok := screenshotTypes[ext]
		if !ok {
			httputil.Error(w, http.StatusBadRequest, "unsupported screenshot type")
			return
		}
		data, err := DecodeScreenshot(req.ScreenshotBase64)
		if err != nil || len(data) == 0 {
			httputil.Error(w, http.StatusBadRequest, "screenshot_base64 is not valid base64")
			return
		}
		if len(data) > maxScreenshotBytes {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "screenshot is too large")
			return
		}
		u, err := s.uploads.Upload(r.Context(), s.bucket, storage.ObjectPath(user.ID, s.now(), ext), contentType, data)
		if err != nil {
			s.logger.Error("upload screenshot", "user_id", user.ID, "error", err)
			s.metrics.IncError("reports_storage")
			httputil.Error(w, http.StatusBadGateway, "screenshot upload failed")
			return
		}
		screenshotURL = &u
	}

	rep, err := s.store.CreateReport(r.Context(), user.ID, category, desc, screenshotURL)
	if err != nil {
		s.logger.Error("create report", "user_id", user.ID, "error", err)
		s.metrics.IncError("reports")
		httputil.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("report filed", "report_id", rep.ID, "category", category)
	httputil.WriteJSON(w, http.StatusCreated, rep)
}
