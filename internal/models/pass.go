package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Pass types supported by the verification engine.
const (
	PassTypeDaily     = "daily"
	PassTypeSession   = "session"
	PassTypeSeasonal  = "seasonal"
	PassTypeUnlimited = "unlimited"
)

// Pass statuses.
const (
	PassStatusActive  = "active"
	PassStatusUsed    = "used"
	PassStatusBlocked = "blocked"
	PassStatusDeleted = "deleted"
)

// Verification result statuses returned to gate clients.
const (
	VerifyStatusValid        = "valid"
	VerifyStatusUsed         = "used"
	VerifyStatusBlocked      = "blocked"
	VerifyStatusNotFound     = "not_found"
	VerifyStatusPromptMulti  = "prompt_multi_use"
	VerifyStatusBusy         = "busy"
	VerifyStatusInvalidToken = "invalid_token"
	VerifyStatusInvalidCount = "invalid_count"
	VerifyStatusError        = "error"
)

func ValidPassType(t string) bool {
	switch t {
	case PassTypeDaily, PassTypeSession, PassTypeSeasonal, PassTypeUnlimited:
		return true
	}
	return false
}

type Pass struct {
	bun.BaseModel `bun:"table:passes"`

	PassID        string     `bun:"pass_id,pk" json:"pass_id"`
	UID           string     `bun:"uid,unique,notnull" json:"uid"`
	PassType      string     `bun:"pass_type,notnull" json:"pass_type"`
	Category      string     `bun:"category,notnull" json:"category"`
	PeopleAllowed int        `bun:"people_allowed,notnull" json:"people_allowed"`
	MaxUses       *int       `bun:"max_uses" json:"max_uses,omitempty"`
	UsedCount     int        `bun:"used_count,notnull,default:0" json:"used_count"`
	Status        string     `bun:"status,notnull" json:"status"`
	LastUsedAt    *time.Time `bun:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
	DeletedAt     *time.Time `bun:"deleted_at" json:"-"`
}

// RemainingUses returns how many uses are left, or -1 for unbounded passes.
func (p *Pass) RemainingUses() int {
	if p.MaxUses == nil {
		return -1
	}
	remaining := *p.MaxUses - p.UsedCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exhausted reports whether a bounded pass has no uses left.
func (p *Pass) Exhausted() bool {
	return p.MaxUses != nil && p.UsedCount >= *p.MaxUses
}

// CacheEntry is the non-authoritative projection of a Pass mirrored in Redis.
// It intentionally omits used_count: usage mutations always re-read the store.
type CacheEntry struct {
	PassID        string `json:"pass_id"`
	Status        string `json:"status"`
	PassType      string `json:"pass_type"`
	Category      string `json:"category"`
	PeopleAllowed int    `json:"people_allowed"`
	MaxUses       *int   `json:"max_uses,omitempty"`
}

func CacheEntryFromPass(p *Pass) CacheEntry {
	return CacheEntry{
		PassID:        p.PassID,
		Status:        p.Status,
		PassType:      p.PassType,
		Category:      p.Category,
		PeopleAllowed: p.PeopleAllowed,
		MaxUses:       p.MaxUses,
	}
}

type Category struct {
	bun.BaseModel `bun:"table:categories"`

	Key       string    `bun:"key,pk" json:"key"`
	Name      string    `bun:"name,notnull" json:"name"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

// PromptToken bridges the two phases of the session-pass confirmation flow.
// Stored in Redis under its token with a TTL; never persisted.
type PromptToken struct {
	Token         string    `json:"token"`
	UID           string    `json:"uid"`
	RemainingUses int       `json:"remaining_uses"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Actor identifies who triggered an operation, extracted from the auth layer.
type Actor struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type VerificationResult struct {
	Status         string     `json:"status"`
	Message        string     `json:"message"`
	Pass           *Pass      `json:"pass_info,omitempty"`
	PromptToken    string     `json:"prompt_token,omitempty"`
	RemainingUses  *int       `json:"remaining_uses,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	ProcessingTime string     `json:"processing_time,omitempty"`
}

type BulkCreateRequest struct {
	UIDs          []string `json:"uids"`
	PassType      string   `json:"pass_type"`
	Category      string   `json:"category"`
	PeopleAllowed int      `json:"people_allowed"`
	MaxUses       *int     `json:"max_uses,omitempty"`
}

type BulkItemError struct {
	UID    string `json:"uid"`
	Reason string `json:"reason"`
}

type BulkCreationResult struct {
	Total          int             `json:"total"`
	Created        int             `json:"created"`
	Duplicates     int             `json:"duplicates"`
	Errors         []BulkItemError `json:"errors"`
	SuccessfulUIDs []string        `json:"successful_uids"`
	DuplicateUIDs  []string        `json:"duplicate_uids"`
}

// CacheStats reports the current size of the cache projections.
type CacheStats struct {
	ActiveCount  int64 `json:"active_count"`
	BlockedCount int64 `json:"blocked_count"`
}

// ConsistencyReport compares a cached projection against the store for one UID.
type ConsistencyReport struct {
	UID        string `json:"uid"`
	Consistent bool   `json:"consistent"`
	Repaired   bool   `json:"repaired"`
	Detail     string `json:"detail,omitempty"`
}
