package store

import (
	"time"

	"gorm.io/datatypes"
)

// Processing statuses owned by the enrichment worker. Ingestion only ever
// creates articles as pending and requeues pending/failed ones.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Article struct {
	ID               string            `json:"id" gorm:"primaryKey;column:id"`
	SourceID         string            `json:"source_id" gorm:"column:source_id;index"`
	URL              string            `json:"url" gorm:"column:url;uniqueIndex"`
	CanonicalURL     string            `json:"canonical_url,omitempty" gorm:"column:canonical_url"`
	Title            string            `json:"title" gorm:"column:title;index"`
	Author           string            `json:"author,omitempty" gorm:"column:author"`
	Outlet           string            `json:"outlet" gorm:"column:outlet"`
	PublishedAt      time.Time         `json:"published_at" gorm:"column:published_at;index"`
	Language         string            `json:"language" gorm:"column:language"`
	Paywalled        bool              `json:"paywalled" gorm:"column:paywalled"`
	CleanedText      string            `json:"cleaned_text,omitempty" gorm:"column:cleaned_text"`
	Summary          string            `json:"summary,omitempty" gorm:"column:summary"`
	Hash             string            `json:"hash" gorm:"column:hash;uniqueIndex"`
	ProcessingStatus string            `json:"processing_status" gorm:"column:processing_status;index"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty" gorm:"column:processed_at"`
	LastError        string            `json:"last_error,omitempty" gorm:"column:last_error"`
	Raw              datatypes.JSONMap `json:"raw,omitempty" gorm:"column:raw"`
	CreatedAt        time.Time         `json:"created_at" gorm:"column:created_at;index"`
	UpdatedAt        time.Time         `json:"updated_at" gorm:"column:updated_at"`
}

func (Article) TableName() string {
	return "articles"
}

type Source struct {
	ID         string    `json:"id" gorm:"primaryKey;column:id"`
	Type       string    `json:"type" gorm:"column:type"`
	Title      string    `json:"title" gorm:"column:title"`
	URL        string    `json:"url" gorm:"column:url;uniqueIndex"`
	Country    string    `json:"country" gorm:"column:country"`
	Reputation int       `json:"reputation" gorm:"column:reputation"`
	Enabled    bool      `json:"enabled" gorm:"column:enabled"`
	CreatedAt  time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Source) TableName() string {
	return "sources"
}

// SourceDescriptor is the natural-key description used for lazy source
// creation. URL is the identity.
type SourceDescriptor struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Country string `json:"country"`
}
