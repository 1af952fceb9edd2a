package nft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"xdrop/internal/auth"
	"xdrop/internal/httputil"
	"xdrop/internal/metrics"
	"xdrop/internal/repo"
	"xdrop/internal/storage"
)

// Store is the persistence the mint pipeline needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*repo.Agent, error)
	GetWallet(ctx context.Context, userID string) (*repo.Wallet, error)
	CreateMint(ctx context.Context, userID, agentID, name string, description *string) (*repo.NFTMint, error)
	UpdateMint(ctx context.Context, m repo.NFTMint) (*repo.NFTMint, error)
}

// ImageGenerator renders artwork for a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// Minter mints a token.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (*MintResult, error)
}

// Buckets names where pipeline artifacts are stored.
type Buckets struct {
	Images   string
	Metadata string
}

// Pipeline runs image generation, storage and minting for agent NFTs.
type Pipeline struct {
	store   Store
	images  ImageGenerator
	uploads storage.Uploader
	minter  Minter
	buckets Buckets
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates the mint pipeline.
func NewPipeline(store Store, images ImageGenerator, uploads storage.Uploader, minter Minter, buckets Buckets, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if buckets.Images == "" {
		buckets.Images = "nft-images"
	}
	if buckets.Metadata == "" {
		buckets.Metadata = "nft-metadata"
	}
	return &Pipeline{
		store:   store,
		images:  images,
		uploads: uploads,
		minter:  minter,
		buckets: buckets,
		now:     time.Now,
		logger:  logger.With("component", "nft"),
		metrics: m,
	}
}

// Register mounts the mint route.
func (p *Pipeline) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /functions/nft/mint", p.handleMint)
}

// Request is a mint request.
type Request struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// Metadata is the token metadata document.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`
}

// Attribute is a metadata trait.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Run executes the pipeline for userID. Each stage records how far it got; nothing is rolled back.
// The returned record is non-nil whenever the row was created, even if a later stage failed.
func (p *Pipeline) Run(ctx context.Context, userID string, req Request) (*repo.NFTMint, error) {
	var desc *string
	if d := strings.TrimSpace(req.Description); d != "" {
		desc = &d
	}
	rec, err := p.store.CreateMint(ctx, userID, req.AgentID, req.Name, desc)
	if err != nil {
		return nil, err
	}
	logger := p.logger.With("mint_id", rec.ID, "user_id", userID, "agent_id", req.AgentID)
	at := p.now()

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = "Collectible card artwork for an AI agent named " + req.Name
	}
	img, err := p.images.GenerateImage(ctx, prompt)
	if err == nil {
		var imageURL string
		imageURL, err = p.uploads.Upload(ctx, p.buckets.Images, storage.ObjectPath(userID, at, "png"), "image/png", img)
		if err == nil {
			rec.ImageURL = &imageURL
		}
	}
	if err != nil {
		logger.Warn("nft image stage failed", "error", err)
		return p.finish(ctx, rec, repo.MintStatusImageFailed, err)
	}

	meta, err := json.Marshal(Metadata{
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		Image:       *rec.ImageURL,
		Attributes:  []Attribute{{TraitType: "agent_id", Value: req.AgentID}},
	})
	if err != nil {
		return p.finish(ctx, rec, repo.MintStatusMetadataFailed, fmt.Errorf("encode metadata: %w", err))
	}
	metaURL, err := p.uploads.Upload(ctx, p.buckets.Metadata, storage.ObjectPath(userID, at, "json"), "application/json", meta)
	if err != nil {
		logger.Warn("nft metadata upload failed", "error", err)
		return p.finish(ctx, rec, repo.MintStatusMetadataFailed, err)
	}
	rec.MetadataURL = &metaURL

	wallet, err := p.store.GetWallet(ctx, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return p.finish(ctx, rec, repo.MintStatusMintFailed, err)
	}
	if wallet == nil || wallet.Address == nil || *wallet.Address == "" {
		logger.Info("no custodial wallet; keeping metadata only")
		return p.finish(ctx, rec, repo.MintStatusMetadataOnly, nil)
	}

	minted, err := p.minter.Mint(ctx, MintRequest{Recipient: *wallet.Address, Name: req.Name, MetadataURL: metaURL})
	if err != nil {
		logger.Warn("nft mint failed", "error", err)
		return p.finish(ctx, rec, repo.MintStatusMintFailed, err)
	}
	rec.TokenID = &minted.TokenID
	rec.TxHash = &minted.TxHash
	logger.Info("nft minted", "token_id", minted.TokenID, "tx_hash", minted.TxHash)
	return p.finish(ctx, rec, repo.MintStatusMinted, nil)
}

func (p *Pipeline) finish(ctx context.Context, rec *repo.NFTMint, status string, cause error) (*repo.NFTMint, error) {
	rec.Status = status
	if cause != nil {
		msg := cause.Error()
		rec.ErrorMessage = &msg
		p.metrics.IncError("nft_" + status)
	}
	out, err := p.store.UpdateMint(ctx, *rec)
	if err != nil {
		p.logger.Error("record mint outcome", "mint_id", rec.ID, "status", status, "error", err)
		return rec, nil
	}
	return out, nil
}

func (p *Pipeline) handleMint(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req Request
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.AgentID == "" || req.Name == "" {
		httputil.Error(w, http.StatusBadRequest, "agent_id and name are required")
		return
	}

	agent, err := p.store.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httputil.Error(w, http.StatusNotFound, "agent not found")
			return
		}
		p.logger.Error("load agent", "agent_id", req.AgentID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agent.CreatorID != user.ID {
		httputil.Error(w, http.StatusForbidden, "you can only mint your own agents")
		return
	}

	rec, err := p.Run(r.Context(), user.ID, req)
	if err != nil {
		p.logger.Error("start mint", "error", err)
		p.metrics.IncError("nft")
		httputil.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}
