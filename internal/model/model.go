// Package model defines the domain types used across the application.
package model

import "time"

// SourceType identifies the social network a post originates from.
type SourceType string

// Supported source types.
const (
	SourceTelegram SourceType = "telegram"
	SourceVK       SourceType = "vk"
)

// RawRef is an opaque, provider-tagged handle to the original message.
// Only the connector matching Type may interpret its contents; everyone
// else passes it through untouched.
type RawRef struct {
	Type     SourceType
	Telegram *TelegramRef
	VK       *VKRef
}

// TelegramRef locates a message inside Telegram for native forwarding.
type TelegramRef struct {
	ChatID    int64
	MessageID int
}

// VKRef locates a wall post inside VK.
type VKRef struct {
	OwnerID int64
	PostID  int64
}

// Post is a single incoming post event. Immutable once received; it lives
// only for the duration of one pipeline run.
type Post struct {
	SourceType SourceType
	SourceID   string
	SourceName string
	PostID     string
	Text       string
	Raw        *RawRef
	HasMedia   bool
}

// Filter is a classification rule: a prompt, a set of categories and a
// confidence threshold. Mutated only through config sync; read-only during
// pipeline execution.
type Filter struct {
	ID         string
	Name       string
	Prompt     string
	Categories []string
	Threshold  float64
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// Source is a monitored channel or group with its associated filters,
// in configured order.
type Source struct {
	ID        int64
	Type      SourceType
	SourceID  string
	Name      string
	Enabled   bool
	Cursor    string
	Filters   []Filter
	CreatedAt time.Time
}

// ClassificationResult is the classifier's verdict for one (post, filter)
// pair. Produced fresh per call, never persisted on its own.
type ClassificationResult struct {
	IsRelevant bool
	Category   string
	Confidence float64
	Reason     string
}

// FilterOutcome is the winning classification together with the filter that
// produced it. At most one per post.
type FilterOutcome struct {
	FilterID string
	Result   ClassificationResult
}

// ProcessedRecord is the durable audit and dedup entry for one post,
// written exactly once and never updated.
type ProcessedRecord struct {
	ID              int64
	SourceType      SourceType
	SourceID        string
	PostID          string
	TextFingerprint string
	FilterID        string
	Category        string
	Confidence      float64
	Reason          string
	WasForwarded    bool
	ProcessedAt     time.Time
}
