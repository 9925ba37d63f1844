package models

import "time"

// Story is the transient ingestion unit produced by the source client and
// carried through queue payloads. It is never mutated after creation.
type Story struct {
	ExternalID  string `json:"external_id" validate:"required"`
	Title       string `json:"title" validate:"required,min=1"`
	Author      string `json:"author"`
	URL         string `json:"url" validate:"omitempty,url"`
	PublishedAt int64  `json:"published_at" validate:"gte=0"`
	Score       int    `json:"score"`
	Category    string `json:"category" validate:"omitempty,oneof=top best new"`
}

// SaveResult reports the outcome of persisting a batch. Duplicates are a
// first-class counted outcome, not errors.
type SaveResult struct {
	Saved      int `json:"saved"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

func (r *SaveResult) Add(other SaveResult) {
	r.Saved += other.Saved
	r.Skipped += other.Skipped
	r.Duplicates += other.Duplicates
	r.Errors += other.Errors
}

// Event is the envelope published to Kafka when an article is persisted.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}
