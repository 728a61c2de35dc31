package journal

import (
	"time"
)

// FetchStatus represents the outcome of one download task
type FetchStatus string

const (
	StatusDownloaded FetchStatus = "downloaded"
	StatusExists     FetchStatus = "exists"
	StatusNotFound   FetchStatus = "not_found"
	StatusFailed     FetchStatus = "failed"
)

// FetchRecord represents one task outcome in the journal
type FetchRecord struct {
	RunID     string      `json:"run_id"`
	ID        string      `json:"id"`
	Version   string      `json:"version"`
	URL       string      `json:"url"`
	Target    string      `json:"target"`
	Status    FetchStatus `json:"status"`
	Bytes     int64       `json:"bytes"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Store defines the interface for fetch journal persistence
type Store interface {
	SaveFetch(record *FetchRecord) error
	GetFetch(target string) (*FetchRecord, error)
	LatestRun() (string, error)
	ListProblems(runID string) ([]*FetchRecord, error)

	Close() error
}
