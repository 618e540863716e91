// Package session coordinates one delivery per session: dedup, package,
// dispatch, then arm the retention timer and wait for confirmation or expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reportd/services/summarizer/internal/delivery"
	"reportd/services/summarizer/internal/expiry"
	"reportd/services/summarizer/internal/metrics"
	"reportd/services/summarizer/internal/model"
	"reportd/services/summarizer/internal/ports"
)

const (
	// DefaultScratchDir holds one Temp_ folder per session.
	DefaultScratchDir = "temp_sessions"
	// DefaultRecentTTL is how long finished sessions stay queryable.
	DefaultRecentTTL = 24 * time.Hour

	// FolderPrefix starts every scratch folder name.
	FolderPrefix = "Temp_"
)

var (
	// ErrSessionActive is returned when a session id is already being delivered or awaiting confirmation.
	ErrSessionActive = errors.New("session already active")
	// ErrUnknownSession is returned for ids that were never started or have aged out.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidRequest is returned when a start request lacks required fields.
	ErrInvalidRequest = errors.New("missing required fields: session_id, email, files")
)

// Packager builds the session archive.
type Packager interface {
	Build(ctx context.Context, files []model.ReportFile, folder, sessionID string) (*model.Archive, ports.Degradations, error)
}

// Deliverer uploads, emails and announces an archive.
type Deliverer interface {
	Dispatch(ctx context.Context, req delivery.Request) (*delivery.Record, error)
}

// Recorder persists deliveries and transitions. Failures are logged, never fatal.
type Recorder interface {
	RecordDelivery(ctx context.Context, d model.Delivery) error
	RecordEvent(ctx context.Context, e model.Event) error
}

// Request starts a session.
type Request struct {
	SessionID string             `json:"session_id"`
	Email     string             `json:"email"`
	Files     []model.ReportFile `json:"files"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// Validate reports ErrInvalidRequest when a required field is empty.
func (r Request) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" || strings.TrimSpace(r.Email) == "" || len(r.Files) == 0 {
		return ErrInvalidRequest
	}
	return nil
}

// Result describes a completed start.
type Result struct {
	Session           model.Session
	Link              string
	FilesIncluded     []string
	DuplicatesDropped int
	Degraded          ports.Degradations
	ExpiresAt         time.Time
}

// Options configure a Lifecycle.
type Options struct {
	ScratchDir string
	RecentTTL  time.Duration
	Packager   Packager
	Deliverer  Deliverer
	Scheduler  *expiry.Scheduler
	Recorder   Recorder
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Lifecycle is the entry point for starting and confirming sessions.
type Lifecycle struct {
	scratchDir string
	packager   Packager
	deliverer  Deliverer
	scheduler  *expiry.Scheduler
	recorder   Recorder
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	sessions   *registry
}

func NewLifecycle(opts Options) (*Lifecycle, error) {
	if opts.Packager == nil {
		return nil, errors.New("packager is required")
	}
	if opts.Deliverer == nil {
		return nil, errors.New("deliverer is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if strings.TrimSpace(opts.ScratchDir) == "" {
		opts.ScratchDir = DefaultScratchDir
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = DefaultRecentTTL
	}

	l := &Lifecycle{
		scratchDir: opts.ScratchDir,
		packager:   opts.Packager,
		deliverer:  opts.Deliverer,
		scheduler:  opts.Scheduler,
		recorder:   opts.Recorder,
		logger:     opts.Logger.With().Str("component", "session").Logger(),
		metrics:    opts.Metrics,
		tracer:     otel.Tracer("reportd/summarizer/session"),
		sessions:   newRegistry(opts.RecentTTL),
	}
	l.scheduler.OnFired(l.expired)
	return l, nil
}

// FolderPath returns the scratch folder for a session id.
func FolderPath(scratchDir, sessionID string) string {
	name := sessionID
	if !strings.HasPrefix(name, FolderPrefix) {
		name = FolderPrefix + name
	}
	return filepath.Join(scratchDir, name)
}

// Start packages and delivers the session's reports, then arms its expiry.
// Any error returned here is fatal to the session: nothing is armed and the
// scratch folder is removed. Best-effort failures are reported in Result.Degraded.
// Cancelling ctx does not interrupt the work; each remote action carries its own timeout.
func (l *Lifecycle) Start(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	id := strings.TrimSpace(req.SessionID)

	ctx, span := l.tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.Int("session.files", len(req.Files)),
	))
	defer span.End()
	ctx = context.WithoutCancel(ctx)
	deliveryID := uuid.NewString()

	now := started.UTC()
	snap := &Snapshot{Session: model.Session{
		ID:         id,
		Email:      req.Email,
		FolderPath: FolderPath(l.scratchDir, id),
		Status:     model.StatusCollecting,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	if !l.sessions.insert(snap) {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, id)
	}
	l.metrics.SessionStarted()

	log := l.logger.With().Str("session_id", id).Str("delivery_id", deliveryID).Logger()
	log.Info().Int("files", len(req.Files)).Msg("session started")

	fail := func(stage string, err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		l.failed(ctx, id, stage, err)
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	if err := os.MkdirAll(snap.FolderPath, 0o755); err != nil {
		return fail("create scratch folder", err)
	}

	files, dropped := Dedup(req.Files)
	if dropped > 0 {
		l.metrics.DuplicatesDropped(dropped)
		log.Warn().Int("dropped", dropped).Msg("duplicate report types dropped")
	}

	archive, degraded, err := l.packager.Build(ctx, files, snap.FolderPath, id)
	if err != nil {
		return fail("build archive", err)
	}
	if len(archive.Entries) == 0 {
		log.Warn().Msg("archive is empty, delivering anyway")
	}

	rec, err := l.deliverer.Dispatch(ctx, delivery.Request{
		SessionID:  id,
		DeliveryID: deliveryID,
		Email:      req.Email,
		Archive:    archive,
	})
	if err != nil {
		return fail("dispatch", err)
	}
	degraded = append(degraded, rec.Degraded...)

	var archiveKey string
	if rec.Uploaded {
		archiveKey = rec.FolderID + filepath.Base(archive.Path)
	}
	l.sessions.update(id, func(s *Snapshot) {
		s.Status = model.StatusDelivered
		s.UpdatedAt = time.Now().UTC()
		s.Link = rec.Link
		s.ArchiveKey = archiveKey
		s.FilesIncluded = archive.Entries
		s.DuplicatesDropped = dropped
	})

	expiresAt, err := l.scheduler.Arm(expiry.Target{SessionID: id, DeliveryID: deliveryID, Email: req.Email})
	if err != nil {
		return fail("arm expiry", err)
	}
	l.sessions.update(id, func(s *Snapshot) { s.ExpiresAt = expiresAt })

	l.metrics.ObserveDelivery(time.Since(started))
	l.record(ctx, model.Delivery{
		SessionID:         id,
		DeliveryID:        deliveryID,
		Email:             req.Email,
		Link:              rec.Link,
		Uploaded:          rec.Uploaded,
		Emailed:           rec.Emailed,
		Notified:          rec.Notified,
		Files:             archive.Entries,
		DuplicatesDropped: dropped,
		Degraded:          actions(degraded),
		Metadata:          req.Metadata,
		DeliveredAt:       rec.DeliveredAt,
		ExpiresAt:         expiresAt,
	})
	l.event(ctx, id, model.StatusCollecting, model.StatusDelivered, degraded.String())

	span.SetAttributes(
		attribute.Int("session.files_included", len(archive.Entries)),
		attribute.Int("session.degraded", len(degraded)),
	)
	log.Info().
		Bool("uploaded", rec.Uploaded).
		Bool("emailed", rec.Emailed).
		AnErr("degraded", degraded.Err()).
		Time("expires_at", expiresAt).
		Msg("session delivered")

	return &Result{
		Session: model.Session{
			ID:         id,
			Email:      req.Email,
			FolderPath: snap.FolderPath,
			Status:     model.StatusDelivered,
			Metadata:   req.Metadata,
			CreatedAt:  now,
			UpdatedAt:  time.Now().UTC(),
		},
		Link:              rec.Link,
		FilesIncluded:     archive.Entries,
		DuplicatesDropped: dropped,
		Degraded:          degraded,
		ExpiresAt:         expiresAt,
	}, nil
}

// Confirm cancels the pending expiry for sessionID. It reports false when the
// timer already fired or the session is not awaiting confirmation.
func (l *Lifecycle) Confirm(ctx context.Context, sessionID string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if !l.scheduler.Cancel(sessionID) {
		if _, ok := l.sessions.get(sessionID); !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		return false, nil
	}

	l.finish(ctx, sessionID, model.StatusConfirmed, "confirmation received")
	return true, nil
}

// Status returns the active or recently finished session.
func (l *Lifecycle) Status(sessionID string) (Snapshot, bool) {
	snap, ok := l.sessions.get(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	if snap.Status == model.StatusDelivered {
		snap.TimerState = l.scheduler.State(sessionID).String()
		if at, ok := l.scheduler.FiresAt(sessionID); ok {
			snap.ExpiresAt = at
		}
	}
	return snap, true
}

// ActiveFolders lists the scratch folders of sessions that are not finished.
func (l *Lifecycle) ActiveFolders() []string {
	return l.sessions.activeFolders()
}

// Active returns the number of unfinished sessions.
func (l *Lifecycle) Active() int {
	return l.sessions.len()
}

// Shutdown stops armed timers without running cleanup and waits for cleanups
// already in progress. Scratch folders of stopped sessions are left for the janitor.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	if n := l.scheduler.Stop(); n > 0 {
		l.logger.Warn().Int("sessions", n).Msg("shutting down with sessions awaiting confirmation")
	}
	return l.scheduler.Wait(ctx)
}

func (l *Lifecycle) expired(target expiry.Target, degraded ports.Degradations) {
	l.finish(context.Background(), target.SessionID, model.StatusExpired, degraded.String())
}

func (l *Lifecycle) finish(ctx context.Context, id string, status model.Status, detail string) {
	snap, ok := l.sessions.finish(id, status)
	l.scheduler.Forget(id)
	if !ok {
		return
	}
	l.removeScratch(snap.FolderPath, id)
	l.metrics.SessionFinished(string(status))
	l.event(ctx, id, snap.Status, status, detail)
	l.logger.Info().Str("session_id", id).Str("status", string(status)).Msg("session finished")
}

func (l *Lifecycle) failed(ctx context.Context, id, stage string, err error) {
	l.logger.Error().Err(err).Str("session_id", id).Str("stage", stage).Msg("session start failed")
	snap, ok := l.sessions.finish(id, model.StatusFailed)
	if !ok {
		return
	}
	l.removeScratch(snap.FolderPath, id)
	l.metrics.SessionFinished(string(model.StatusFailed))
	l.event(ctx, id, snap.Status, model.StatusFailed, stage+": "+err.Error())
}

func (l *Lifecycle) removeScratch(folder, id string) {
	if folder == "" {
		return
	}
	if err := os.RemoveAll(folder); err != nil {
		l.logger.Warn().Err(err).Str("session_id", id).Str("folder", folder).Msg("remove scratch folder")
	}
}

func (l *Lifecycle) record(ctx context.Context, d model.Delivery) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordDelivery(ctx, d); err != nil {
		l.logger.Warn().Err(err).Str("session_id", d.SessionID).Str("action", "ledger").Msg("record delivery")
	}
}

func (l *Lifecycle) event(ctx context.Context, id string, from, to model.Status, detail string) {
	if l.recorder == nil {
		return
	}
	err := l.recorder.RecordEvent(ctx, model.Event{
		SessionID: id,
		From:      from,
		To:        to,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("session_id", id).Str("action", "ledger").Msg("record event")
	}
}

func actions(ds ports.Degradations) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Action)
	}
	return out
}
