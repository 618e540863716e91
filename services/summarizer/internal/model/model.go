package model

import "time"

// Status is the lifecycle position of a session.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusDelivered  Status = "delivered"
	StatusConfirmed  Status = "confirmed"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusFailed
}

// ReportFile is one generated report offered for packaging.
type ReportFile struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
	FileType string `json:"file_type"`
}

// Archive is the packaged bundle for one session.
type Archive struct {
	Path      string
	SessionID string
	Entries   []string
	Bytes     int64
}

// Session is one user's report-delivery transaction.
type Session struct {
	ID         string         `json:"session_id"`
	Email      string         `json:"email"`
	FolderPath string         `json:"folder_path"`
	Status     Status         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Delivery is the durable record of one completed dispatch.
type Delivery struct {
	SessionID         string
	DeliveryID        string
	Email             string
	Link              string
	Uploaded          bool
	Emailed           bool
	Notified          bool
	Files             []string
	DuplicatesDropped int
	Degraded          []string
	Metadata          map[string]any
	DeliveredAt       time.Time
	ExpiresAt         time.Time
}

// Event is one status transition of a session.
type Event struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	From      Status    `json:"from" db:"from_status"`
	To        Status    `json:"to" db:"to_status"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	At        time.Time `json:"at" db:"created_at"`
}
