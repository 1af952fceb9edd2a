package repo

import (
	"encoding/json"
	"time"
)

// Bot statuses.
const (
	BotStatusPending  = "pending"
	BotStatusActive   = "active"
	BotStatusVerified = "verified"
	BotStatusBanned   = "banned"
)

// Agent statuses.
const (
	AgentStatusDraft     = "draft"
	AgentStatusPublished = "published"
	AgentStatusArchived  = "archived"
)

// Report statuses.
const (
	ReportStatusPending   = "pending"
	ReportStatusInReview  = "in_review"
	ReportStatusResolved  = "resolved"
	ReportStatusDismissed = "dismissed"
)

// Build statuses.
const (
	BuildStatusQueued   = "queued"
	BuildStatusBuilding = "building"
	BuildStatusSuccess  = "success"
	BuildStatusFailed   = "failed"
)

// NFT mint statuses.
const (
	MintStatusPending        = "pending"
	MintStatusImageFailed    = "image_failed"
	MintStatusMetadataFailed = "metadata_failed"
	MintStatusMetadataOnly   = "metadata_only"
	MintStatusMintFailed     = "mint_failed"
	MintStatusMinted         = "minted"
)

// Ledger entry types.
const (
	TxTypePurchase   = "purchase"
	TxTypeDeposit    = "deposit"
	TxTypeWithdrawal = "withdrawal"
	TxTypeWalletSync = "wallet_sync"
	TxTypeAgentRun   = "agent_run"
	TxTypeEarning    = "earning"
)

// Profile represents the profiles table row.
type Profile struct {
	ID          string    `json:"id"`
	DisplayName *string   `json:"display_name"`
	Email       *string   `json:"email,omitempty"`
	AvatarURL   *string   `json:"avatar_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Bot represents a social persona.
type Bot struct {
	ID             string    `json:"id"`
	OwnerID        *string   `json:"owner_id,omitempty"`
	Name           string    `json:"name"`
	Handle         string    `json:"handle"`
	AvatarURL      *string   `json:"avatar_url"`
	Bio            *string   `json:"bio"`
	Badge          *string   `json:"badge"`
	FollowerCount  int       `json:"follower_count"`
	FollowingCount int       `json:"following_count"`
	Status         string    `json:"status"`
	EndpointURL    *string   `json:"endpoint_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewBot carries fields for bot registration.
type NewBot struct {
	OwnerID     string
	Name        string
	Handle      string
	Bio         *string
	AvatarURL   *string
	EndpointURL *string
	APIKeyHash  string
}

// Post represents a bot-authored post.
type Post struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Content   string    `json:"content"`
	Likes     int       `json:"likes"`
	Reposts   int       `json:"reposts"`
	Replies   int       `json:"replies"`
	ReplyToID *string   `json:"reply_to_id"`
	ImageURL  *string   `json:"image_url"`
	AudioURL  *string   `json:"audio_url"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// PostAuthor is the bot summary attached to feed items.
type PostAuthor struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Handle    string  `json:"handle"`
	AvatarURL *string `json:"avatar_url"`
	Badge     *string `json:"badge"`
}

// FeedPost is a post joined with its author.
type FeedPost struct {
	Post
	Bot PostAuthor `json:"bot"`
}

// NewPost carries fields for post creation.
type NewPost struct {
	BotID     string
	Content   string
	ReplyToID *string
	ImageURL  *string
	AudioURL  *string
	Tags      []string
}

// PostFilter narrows the public feed.
type PostFilter struct {
	Limit  int
	Offset int
	BotID  string
	Tag    string
}

// Agent is a purchasable automation unit.
type Agent struct {
	ID          string    `json:"id"`
	CreatorID   string    `json:"creator_id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	TemplateID  *string   `json:"template_id"`
	Price       int64     `json:"price"`
	Runs        int64     `json:"runs"`
	Earnings    int64     `json:"earnings"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Purchase links a buyer with an agent.
type Purchase struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	AgentID   string     `json:"agent_id"`
	PricePaid int64      `json:"price_paid"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// Trial is a time-boxed, earnings-locked free grant.
type Trial struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AgentID        string    `json:"agent_id"`
	Status         string    `json:"status"`
	EarningsLocked bool      `json:"earnings_locked"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Wallet holds a user's credit balance and custodial wallet linkage.
type Wallet struct {
	UserID           string    `json:"user_id"`
	Balance          int64     `json:"balance"`
	ProviderWalletID *string   `json:"provider_wallet_id"`
	Address          *string   `json:"address"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreditTransaction is an append-only ledger row.
type CreditTransaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Type         string    `json:"type"`
	Description  *string   `json:"description"`
	Reference    *string   `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LedgerEntry describes a balance change to apply.
type LedgerEntry struct {
	UserID      string
	Amount      int64
	Type        string
	Description string
	Reference   string
}

// Report is a user-submitted issue.
type Report struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	ScreenshotURL *string   `json:"screenshot_url"`
	Status        string    `json:"status"`
	AdminNotes    *string   `json:"admin_notes"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Build is a CI build request/status record.
type Build struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AgentID      *string   `json:"agent_id"`
	Platform     string    `json:"platform"`
	Status       string    `json:"status"`
	GitHubRunID  *int64    `json:"github_run_id"`
	CurrentStep  *string   `json:"current_step"`
	ArtifactURL  *string   `json:"artifact_url"`
	ErrorMessage *string   `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NFTMint tracks a mint pipeline run and whichever partial outcome it reached.
type NFTMint struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	Description  *string   `json:"description"`
	ImageURL     *string   `json:"image_url"`
	MetadataURL  *string   `json:"metadata_url"`
	TokenID      *string   `json:"token_id"`
	TxHash       *string   `json:"tx_hash"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Settings is the key-value settings table loaded wholesale.
type Settings map[string]json.RawMessage

// ListParams carries admin list filters. Page is 1-based.
type ListParams struct {
	Page   int
	Search string
	Status string
	Type   string
	Sort   string
	Desc   bool
}

// PageSize is the fixed admin page size.
const PageSize = 50

// MaxPage bounds Page so the computed offset stays positive.
const MaxPage = 1 << 20

// Offset returns the row offset for Page.
func (p ListParams) Offset() int {
	page := p.Page
	switch {
	case page < 1:
		return 0
	case page > MaxPage:
		page = MaxPage
	}
	return (page - 1) * PageSize
}

// AgentRank is a row in the top-agents roll-up.
type AgentRank struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Runs     int64  `json:"runs"`
	Earnings int64  `json:"earnings"`
}
