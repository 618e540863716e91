// Package ports defines the capabilities the summarizer core calls out to:
// remote storage, outbound mail, orchestrator notifications and file fetching.
package ports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status values reported to the orchestrator.
const (
	StatusDelivered = "final_reports_delivered"
	StatusDeleted   = "deleted"
)

// ErrNotConfigured marks a best-effort action whose collaborator was never wired.
var ErrNotConfigured = errors.New("collaborator not configured")

// RemoteStorage keeps one folder per session in cloud storage.
type RemoteStorage interface {
	// FindOrCreateFolder returns the id of the folder called name, creating it when absent.
	FindOrCreateFolder(ctx context.Context, name string) (string, error)

	// LookupFolder reports the id of the folder called name without creating it.
	LookupFolder(ctx context.Context, name string) (string, bool, error)

	// Upload stores the local file under folderID and returns a shareable link.
	Upload(ctx context.Context, localPath, folderID string) (string, error)

	// DeleteFolder removes the folder and everything in it. A missing folder is not an error.
	DeleteFolder(ctx context.Context, folderID string) error
}

// Message is an outbound email.
type Message struct {
	To             string
	Subject        string
	Body           string
	AttachmentPath string
}

// Mailer sends email through the configured transport.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// StatusUpdate is the payload posted to the orchestrator.
type StatusUpdate struct {
	SessionID  string    `json:"session_id"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	SentAt     time.Time `json:"sent_at"`
}

// MessageID identifies the update for deduplication. Each delivery of a
// session reports each status once; a restarted session gets a new DeliveryID.
func (u StatusUpdate) MessageID() string {
	id := u.SessionID + ":" + u.Status
	if u.DeliveryID != "" {
		id += ":" + u.DeliveryID
	}
	return id
}

// Notifier reports session status to the orchestrator.
type Notifier interface {
	Post(ctx context.Context, update StatusUpdate) error
}

// Fetcher downloads the content behind a report URL.
type Fetcher interface {
	Get(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// Degradation records a best-effort action that failed without aborting the workflow.
type Degradation struct {
	Action string
	Err    error
}

func (d Degradation) Error() string {
	if d.Err == nil {
		return d.Action + ": failed"
	}
	return fmt.Sprintf("%s: %v", d.Action, d.Err)
}

func (d Degradation) Unwrap() error { return d.Err }

// Degradations collects the best-effort failures of one workflow step.
type Degradations []Degradation

// Add appends a degradation for action when err is non-nil and reports whether it did.
func (ds *Degradations) Add(action string, err error) bool {
	if err == nil {
		return false
	}
	*ds = append(*ds, Degradation{Action: action, Err: err})
	return true
}

// Empty reports whether every action succeeded.
func (ds Degradations) Empty() bool { return len(ds) == 0 }

// Has reports whether action degraded.
func (ds Degradations) Has(action string) bool {
	for _, d := range ds {
		if d.Action == action {
			return true
		}
	}
	return false
}

// Err joins the degradations into one error, or nil when there are none.
func (ds Degradations) Err() error {
	if len(ds) == 0 {
		return nil
	}
	errs := make([]error, 0, len(ds))
	for _, d := range ds {
		errs = append(errs, d)
	}
	return errors.Join(errs...)
}

func (ds Degradations) String() string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, d.Error())
	}
	return strings.Join(parts, "; ")
}
