package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reportd/pkg/render"
	"reportd/services/summarizer/internal/metrics"
	"reportd/services/summarizer/internal/model"
	"reportd/services/summarizer/internal/ports"
)

// Best-effort actions performed per dispatch.
const (
	ActionUpload = "upload"
	ActionEmail  = "email"
	ActionNotify = "notify"
)

const (
	// DefaultActionTimeout bounds each remote action of a dispatch.
	DefaultActionTimeout = 2 * time.Minute

	deliveredMessage = "All reports delivered via email. Awaiting confirmation."
)

// ErrArchiveMissing means there is nothing on disk to deliver.
var ErrArchiveMissing = errors.New("archive file missing")

// Request identifies what to deliver and to whom. DeliveryID distinguishes
// repeated deliveries of the same session.
type Request struct {
	SessionID  string
	DeliveryID string
	Email      string
	Archive    *model.Archive
}

// Record is the outcome of one dispatch.
type Record struct {
	SessionID   string             `json:"session_id"`
	FolderID    string             `json:"folder_id,omitempty"`
	Link        string             `json:"link,omitempty"`
	Uploaded    bool               `json:"uploaded"`
	Emailed     bool               `json:"emailed"`
	Notified    bool               `json:"notified"`
	Degraded    ports.Degradations `json:"-"`
	DeliveredAt time.Time          `json:"delivered_at"`
}

// Deps are the collaborators a Dispatcher calls. Storage and Mailer may be nil,
// in which case the matching action is reported as degraded.
type Deps struct {
	Storage       ports.RemoteStorage
	Mailer        ports.Mailer
	Notifier      ports.Notifier
	Emails        *render.Engine
	Brand         string
	ActionTimeout time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

// Dispatcher uploads an archive, emails it and reports the result.
type Dispatcher struct {
	storage  ports.RemoteStorage
	mailer   ports.Mailer
	notifier ports.Notifier
	emails   *render.Engine
	brand    string
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewDispatcher(deps Deps) (*Dispatcher, error) {
	if deps.Emails == nil {
		return nil, errors.New("email renderer is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if deps.ActionTimeout <= 0 {
		deps.ActionTimeout = DefaultActionTimeout
	}
	return &Dispatcher{
		storage:  deps.Storage,
		mailer:   deps.Mailer,
		notifier: deps.Notifier,
		emails:   deps.Emails,
		brand:    deps.Brand,
		timeout:  deps.ActionTimeout,
		logger:   deps.Logger.With().Str("component", "delivery").Logger(),
		metrics:  deps.Metrics,
	}, nil
}

// Dispatch attempts upload and email independently, then notifies the orchestrator.
// Only a missing archive is fatal; every other failure is returned in Record.Degraded.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Record, error) {
	if req.Archive == nil || strings.TrimSpace(req.Archive.Path) == "" {
		return nil, ErrArchiveMissing
	}
	if _, err := os.Stat(req.Archive.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveMissing, err)
	}

	log := d.logger.With().Str("session_id", req.SessionID).Logger()
	rec := &Record{SessionID: req.SessionID}

	folderID, link, err := d.upload(ctx, req)
	if d.degrade(&rec.Degraded, ActionUpload, err, log) {
		rec.Link = ""
	} else {
		rec.FolderID, rec.Link, rec.Uploaded = folderID, link, true
		log.Info().Str("folder_id", folderID).Msg("archive uploaded")
	}

	err = d.email(ctx, req, rec.Link)
	if !d.degrade(&rec.Degraded, ActionEmail, err, log) {
		rec.Emailed = true
	}

	err = d.notify(ctx, req)
	if !d.degrade(&rec.Degraded, ActionNotify, err, log) {
		rec.Notified = true
	}

	if rec.Uploaded && rec.Emailed {
		if err := os.Remove(req.Archive.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Msg("remove delivered archive")
		}
	}

	rec.DeliveredAt = time.Now().UTC()
	return rec, nil
}

func (d *Dispatcher) upload(ctx context.Context, req Request) (string, string, error) {
	if d.storage == nil {
		return "", "", ports.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	folderID, err := d.storage.FindOrCreateFolder(ctx, req.SessionID)
	if err != nil {
		return "", "", err
	}
	link, err := d.storage.Upload(ctx, req.Archive.Path, folderID)
	if err != nil {
		return "", "", err
	}
	return folderID, link, nil
}

func (d *Dispatcher) email(ctx context.Context, req Request, link string) error {
	if d.mailer == nil {
		return ports.ErrNotConfigured
	}
	subject, body, err := d.emails.Email(render.EmailDelivery, render.EmailData{
		SessionID: req.SessionID,
		Link:      link,
		Brand:     d.brand,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.mailer.Send(ctx, ports.Message{
		To:             req.Email,
		Subject:        subject,
		Body:           body,
		AttachmentPath: req.Archive.Path,
	})
}

func (d *Dispatcher) notify(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.notifier.Post(ctx, ports.StatusUpdate{
		SessionID:  req.SessionID,
		DeliveryID: req.DeliveryID,
		Status:     ports.StatusDelivered,
		Message:    deliveredMessage,
	})
}

func (d *Dispatcher) degrade(ds *ports.Degradations, action string, err error, log zerolog.Logger) bool {
	if !ds.Add(action, err) {
		return false
	}
	d.metrics.Degraded(action)
	log.Warn().Err(err).Str("action", action).Msg("delivery action failed, continuing")
	return true
}
