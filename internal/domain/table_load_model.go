package domain

import "time"

const (
	TableLoadPublished = "published"
	TableLoadUnchanged = "unchanged"
	TableLoadFailed    = "failed"
)

// TableLoad records one reload attempt of the attribution table. Only the
// metadata is stored; the networks themselves are never persisted.
type TableLoad struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	// Generation is the table generation that was serving once the attempt
	// finished. Failed attempts keep the previous generation.
	Generation uint64 `gorm:"index;not null;default:0" json:"generation"`

	Instance string `gorm:"size:255;not null;default:''" json:"instance"`
	Reason   string `gorm:"size:64;not null;default:''" json:"reason"`
	Source   string `gorm:"size:1024;not null;default:''" json:"source"`
	Status   string `gorm:"size:16;index;not null" json:"status"`

	IPv4Networks int `gorm:"not null;default:0" json:"ipv4_networks"`
	IPv6Networks int `gorm:"not null;default:0" json:"ipv6_networks"`
	Records      int `gorm:"not null;default:0" json:"records"`
	Duplicates   int `gorm:"not null;default:0" json:"duplicates"`
	Skipped      int `gorm:"not null;default:0" json:"skipped"`

	// Fingerprint is the xxhash of the feed, rendered as hex so it survives
	// databases without unsigned 64-bit columns.
	Fingerprint string `gorm:"size:16;not null;default:''" json:"fingerprint"`
	DurationMs  int64  `gorm:"not null;default:0" json:"duration_ms"`
	Error       string `gorm:"type:text;not null;default:''" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
