package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"xdrop/internal/auth"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"

	"gopkg.in/yaml.v3"
)

// MaxBatch bounds how many bots one request may register.
const MaxBatch = 25

const (
	maxNameRunes = 50
	maxBioRunes  = 280
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)

// Store is the persistence used for registration.
type Store interface {
	ExistingHandles(ctx context.Context, handles []string) ([]string, error)
	CreateBot(ctx context.Context, nb repo.NewBot) (*repo.Bot, error)
}

// Candidate is one bot in a registration batch.
type Candidate struct {
	Name        string `json:"name" yaml:"name"`
	Handle      string `json:"handle" yaml:"handle"`
	Bio         string `json:"bio" yaml:"bio"`
	AvatarURL   string `json:"avatar_url" yaml:"avatar_url"`
	EndpointURL string `json:"endpoint_url" yaml:"endpoint_url"`
}

// Result reports the outcome for one candidate. APIKey is only ever returned here.
type Result struct {
	Index  int       `json:"index"`
	Handle string    `json:"handle"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	Bot    *repo.Bot `json:"bot,omitempty"`
	APIKey string    `json:"api_key,omitempty"`
}

// ErrBatchSize is returned for empty or oversized batches.
var ErrBatchSize = fmt.Errorf("batch must contain between 1 and %d bots", MaxBatch)

// NormalizeHandle lowercases and trims a handle, dropping a leading "@".
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// ValidHandle reports whether h is a normalised, well-formed handle.
func ValidHandle(h string) bool {
	return handlePattern.MatchString(h)
}

// Registrar creates bots in batches.
type Registrar struct {
	store   Store
	keygen  func() (string, string, error)
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a registrar.
func New(store Store, logger *slog.Logger, m *metrics.Metrics) *Registrar {
	return &Registrar{
		store:   store,
		keygen:  auth.GenerateAPIKey,
		logger:  logger.With("component", "registration"),
		metrics: m,
	}
}

// Register mounts the batch registration route.
func (g *Registrar) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /functions/bots/register", g.handleRegister)
}

// RegisterBatch validates every candidate and creates the valid ones as pending bots owned by ownerID.
// Invalid or duplicate handles fail per item; the rest of the batch still proceeds.
func (g *Registrar) RegisterBatch(ctx context.Context, ownerID string, batch []Candidate) ([]Result, error) {
	if len(batch) == 0 || len(batch) > MaxBatch {
		return nil, ErrBatchSize
	}

	results := make([]Result, len(batch))
	seen := make(map[string]int, len(batch))
	var lookup []string
	for i, c := range batch {
		h := NormalizeHandle(c.Handle)
		results[i] = Result{Index: i, Handle: h}
		if msg := validate(c, h); msg != "" {
			results[i].Error = msg
			continue
		}
		if _, dup := seen[h]; dup {
			results[i].Error = "duplicate handle in batch"
			continue
		}
		seen[h] = i
		lookup = append(lookup, h)
	}

	taken, err := g.store.ExistingHandles(ctx, lookup)
	if err != nil {
		return nil, err
	}
	for _, h := range taken {
		if i, ok := seen[h]; ok {
			results[i].Error = "handle already taken"
		}
	}

	for i, c := range batch {
		res := &results[i]
		if res.Error != "" {
			continue
		}
		key, hash, err := g.keygen()
		if err != nil {
			g.logger.Error("generate api key", "handle", res.Handle, "error", err)
			res.Error = "could not issue api key"
			continue
		}
		bot, err := g.store.CreateBot(ctx, repo.NewBot{
			OwnerID:     ownerID,
			Name:        strings.TrimSpace(c.Name),
			Handle:      res.Handle,
			Bio:         optional(c.Bio),
			AvatarURL:   optional(c.AvatarURL),
			EndpointURL: optional(c.EndpointURL),
			APIKeyHash:  hash,
		})
		if errors.Is(err, repo.ErrAlreadyExists) {
			res.Error = "handle already taken"
			continue
		}
		if err != nil {
			// Earlier bots in the batch are already stored and their keys
			// exist only in results, so the batch keeps going.
			g.logger.Error("create bot", "handle", res.Handle, "error", err)
			res.Error = err.Error()
			continue
		}
		res.OK, res.Bot, res.APIKey = true, bot, key
		g.logger.Info("bot registered", "bot_id", bot.ID, "handle", bot.Handle, "owner_id", ownerID)
	}
	return results, nil
}

func validate(c Candidate, handle string) string {
	name := strings.TrimSpace(c.Name)
	switch {
	case name == "":
		return "name is required"
	case utf8.RuneCountInString(name) > maxNameRunes:
		return fmt.Sprintf("name must be %d characters or less", maxNameRunes)
	case !ValidHandle(handle):
		return "handle must be 3-30 characters of a-z, 0-9 or _"
	case utf8.RuneCountInString(strings.TrimSpace(c.Bio)) > maxBioRunes:
		return fmt.Sprintf("bio must be %d characters or less", maxBioRunes)
	}
	return ""
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

type batchRequest struct {
	Bots []Candidate `json:"bots"`
}

// BatchResponse summarises a registration batch.
type BatchResponse struct {
	Results    []Result `json:"results"`
	Registered int      `json:"registered"`
	Failed     int      `json:"failed"`
}

// Summarize builds the response envelope for results.
func Summarize(results []Result) BatchResponse {
	resp := BatchResponse{Results: results}
	for _, r := range results {
		if r.OK {
			resp.Registered++
		} else {
			resp.Failed++
		}
	}
	return resp
}

func (g *Registrar) handleRegister(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req batchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := g.RegisterBatch(r.Context(), user.ID, req.Bots)
	if errors.Is(err, ErrBatchSize) {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("register bots", "owner_id", user.ID, "error", err)
		g.metrics.IncError("registration")
		httputil.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := Summarize(results)
	status := http.StatusOK
	if resp.Registered > 0 {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, resp)
}

// BatchFile is the YAML layout accepted by LoadBatchFile.
type BatchFile struct {
	Owner string      `yaml:"owner"`
	Bots  []Candidate `yaml:"bots"`
}

// LoadBatchFile reads a YAML registration batch.
func LoadBatchFile(path string) (*BatchFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var bf BatchFile
	if err := yaml.Unmarshal(raw, &bf); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	return &bf, nil
}
