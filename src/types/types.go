package types

import "time"

// Content kinds
const (
	KindNote     = "note"
	KindQuestion = "question"
	KindAnswer   = "answer"
	KindComment  = "comment"
	KindReply    = "reply"
)

// Ledger action types
const (
	ActionNote           = "note"
	ActionQuestion       = "question"
	ActionAnswer         = "answer"
	ActionComment        = "comment"
	ActionReply          = "reply"
	ActionLikePost       = "like_post"
	ActionLikeComment    = "like_comment"
	ActionChallenge      = "challenge"
	ActionDeposit        = "deposit"
	ActionBounty         = "bounty"
	ActionSettlement     = "settlement"
	ActionFine           = "fine"
	ActionChallengeAward = "challenge_award"
)

// Content status
const (
	ContentActive  = "active"
	ContentRemoved = "removed"
)

// Content settlement status
const (
	SettlementPending = "pending"
	SettlementSettled = "settled"
)

// Challenge status
const (
	ChallengePending   = "pending"
	ChallengeGuilty    = "guilty"
	ChallengeNotGuilty = "not_guilty"
)

// Challenge reason classes
const (
	ReasonLowQuality = "low_quality"
	ReasonSpam       = "spam_ad"
	ReasonPlagiarism = "plagiarism_ai"
	ReasonScam       = "scam_phishing"
)

// Settlement window status
const (
	WindowOpen   = "open"
	WindowClosed = "closed"
)

// Reward rows
const (
	RewardAuthor  = "author"
	RewardComment = "comment"
	RewardBounty  = "bounty"
)

// Accounts, created on first action, soft-archived only
type Account struct {
	ID                uint64 `gorm:"primaryKey"`
	CreatorScore      int    `gorm:"not null;default:0"`
	CuratorScore      int    `gorm:"not null;default:0"`
	JurorScore        int    `gorm:"not null;default:0"`
	RiskScore         int    `gorm:"not null;default:0"`
	FreeActionCredits int    `gorm:"not null;default:0"`
	ScoutScore        float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ArchivedAt        *time.Time
}

// Append-only money log, one account per entry
type LedgerEntry struct {
	ID           uint64 `gorm:"primaryKey"`
	AccountID    uint64 `gorm:"index;not null"`
	Amount       int64  `gorm:"not null"`
	BalanceAfter int64  `gorm:"not null"`
	Action       string `gorm:"size:32;not null"`
	RefKind      string `gorm:"size:16"`
	RefID        uint64
	DedupeKey    *string `gorm:"size:32;uniqueIndex"`
	CreatedAt    time.Time
}

// Posts, questions, answers, comments, replies
type ContentItem struct {
	ID               uint64 `gorm:"primaryKey"`
	AuthorID         uint64 `gorm:"index;not null"`
	Kind             string `gorm:"size:16;not null"`
	ParentID         *uint64
	Body             string `gorm:"type:text"`
	CostPaid         int64  `gorm:"not null;default:0"`
	Bounty           int64  `gorm:"not null;default:0"`
	Status           string `gorm:"size:16;not null;default:active"`
	SettlementStatus string `gorm:"size:16;index;not null;default:pending"`
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

// Like edges, toggled, weight resolved at settlement
type Engagement struct {
	ID        uint64 `gorm:"primaryKey"`
	ContentID uint64 `gorm:"uniqueIndex:idx_engagement_once;not null"`
	AccountID uint64 `gorm:"uniqueIndex:idx_engagement_once;index;not null"`
	CreatedAt time.Time
}

// Follow edges, feeds the interaction graph
type Follow struct {
	ID         uint64 `gorm:"primaryKey"`
	FollowerID uint64 `gorm:"uniqueIndex:idx_follow_once;not null"`
	FolloweeID uint64 `gorm:"uniqueIndex:idx_follow_once;not null"`
	CreatedAt  time.Time
}

// Content reports, pending until the oracle rules
type Challenge struct {
	ID                uint64 `gorm:"primaryKey"`
	ContentID         uint64 `gorm:"index;not null"`
	ChallengerID      uint64 `gorm:"index;not null"`
	AuthorID          uint64 `gorm:"index;not null"`
	Reason            string `gorm:"size:32;not null"`
	Detail            string `gorm:"type:text"`
	FeePaid           int64  `gorm:"not null"`
	Status            string `gorm:"size:16;index;not null;default:pending"`
	FineAmount        int64  `gorm:"not null;default:0"`
	CollectedAmount   int64  `gorm:"not null;default:0"`
	VerdictReason     string `gorm:"size:512"`
	VerdictConfidence float64
	Attempts          int `gorm:"not null;default:0"`
	LastTriedAt       *time.Time
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}

// Fee inflow accumulator per period
type SettlementWindow struct {
	ID          uint64    `gorm:"primaryKey"`
	PeriodStart time.Time `gorm:"index;not null"`
	PeriodEnd   time.Time `gorm:"index;not null"`
	PoolAmount  int64     `gorm:"not null;default:0"`
	Status      string    `gorm:"size:16;index;not null;default:open"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Per-item settlement allocation, paid exactly once
type ContentReward struct {
	ID        uint64 `gorm:"primaryKey"`
	WindowID  uint64 `gorm:"uniqueIndex:idx_reward_once;index;not null"`
	ContentID uint64 `gorm:"uniqueIndex:idx_reward_once;not null"`
	AccountID uint64 `gorm:"uniqueIndex:idx_reward_once;index;not null"`
	Kind      string `gorm:"uniqueIndex:idx_reward_once;size:16;not null"`
	Amount    int64  `gorm:"not null"`
	Score     float64
	Paid      bool `gorm:"index;not null;default:false"`
	CreatedAt time.Time
	PaidAt    *time.Time
}

// Cabal detections, one row per episode, drives the cooldown
type CabalFlag struct {
	ID            uint64 `gorm:"primaryKey"`
	Fingerprint   string `gorm:"size:32;index;not null"`
	Members       string `gorm:"type:text;not null"`
	MemberCount   int    `gorm:"not null"`
	InternalRatio float64
	FlaggedAt     time.Time `gorm:"index"`
}

// Runtime-tunable settings
type Setting struct {
	ID    uint16 `gorm:"primaryKey"`
	Name  string `gorm:"size:64;unique;not null"`
	Value string `gorm:"size:256"`
}

// Models lists every persisted type for migration.
func Models() []any {
	return []any{
		&Account{},
		&LedgerEntry{},
		&ContentItem{},
		&Engagement{},
		&Follow{},
		&Challenge{},
		&SettlementWindow{},
		&ContentReward{},
		&CabalFlag{},
		&Setting{},
	}
}
