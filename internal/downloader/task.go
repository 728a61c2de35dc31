package downloader

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned when upstream answers 404 for a task
	ErrNotFound = errors.New("upstream returned not found")

	// ErrClosed is returned by Queue after Close
	ErrClosed = errors.New("downloader is closed")
)

// Task represents one download unit of work
type Task struct {
	// ID and Version label the task in logs and the journal
	ID      string
	Version string

	URL string
	// Size is the expected size in bytes, if known
	Size *uint64
	// Target is where the body is written
	Target string
	// AliasPath, if set, gets a relative symlink pointing at Target
	AliasPath string
	// Force fetches even if Target already exists
	Force bool
}

// Config contains downloader configuration
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// DefaultQueueSize is the channel capacity used when Config.QueueSize is unset
const DefaultQueueSize = 1024

func newHTTPClient(workers int, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: workers * 2,
		MaxConnsPerHost:     workers * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
