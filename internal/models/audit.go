package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Audit action types.
const (
	AuditActionVerifyPass      = "verify_pass"
	AuditActionCreatePass      = "create_pass"
	AuditActionBulkCreatePass  = "bulk_create_pass"
	AuditActionBlockPass       = "block_pass"
	AuditActionUnblockPass     = "unblock_pass"
	AuditActionResetSinglePass = "reset_single_pass"
	AuditActionDeletePass      = "delete_pass"
	AuditActionSessionConsume  = "session_consume"
	AuditActionCacheRebuild    = "cache_rebuild"
)

// Audit results.
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
	AuditResultError   = "error"
)

// AuditRecord is one immutable row in a day-partitioned audit table. The
// table name on the model is a placeholder; reads and writes always go
// through ModelTableExpr with the partition resolver's table name.
type AuditRecord struct {
	bun.BaseModel `bun:"table:audit_logs"`

	ID            int64      `bun:"id,pk,autoincrement" json:"id"`
	ActionType    string     `bun:"action_type,notnull" json:"action_type"`
	UserID        string     `bun:"user_id" json:"user_id"`
	Role          string     `bun:"role" json:"role"`
	PassID        string     `bun:"pass_id" json:"pass_id,omitempty"`
	UID           string     `bun:"uid" json:"uid,omitempty"`
	ScannedAt     *time.Time `bun:"scanned_at" json:"scanned_at,omitempty"`
	ScannedBy     string     `bun:"scanned_by" json:"scanned_by,omitempty"`
	RemainingUses *int       `bun:"remaining_uses" json:"remaining_uses,omitempty"`
	ConsumedCount *int       `bun:"consumed_count" json:"consumed_count,omitempty"`
	Category      string     `bun:"category" json:"category,omitempty"`
	PassType      string     `bun:"pass_type" json:"pass_type,omitempty"`
	IPAddress     string     `bun:"ip_address" json:"ip_address,omitempty"`
	UserAgent     string     `bun:"user_agent" json:"user_agent,omitempty"`
	Details       string     `bun:"details" json:"details,omitempty"`
	Result        string     `bun:"result,notnull" json:"result"`
	ErrorMessage  string     `bun:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
}
