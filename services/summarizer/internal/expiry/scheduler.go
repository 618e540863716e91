// Package expiry owns the per-session retention timer. Each armed session moves
// exactly once from Armed to either Cancelled (confirmation won) or Fired
// (retention elapsed and cleanup ran). The move is a single compare-and-swap,
// so a confirmation and a firing timer can never both take effect.
package expiry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"reportd/pkg/render"
	"reportd/services/summarizer/internal/metrics"
	"reportd/services/summarizer/internal/ports"
)

// Cleanup actions performed when a timer fires.
const (
	ActionDeleteFolder = "delete_folder"
	ActionExpiryEmail  = "expiry_email"
	ActionNotify       = "notify"
)

const (
	// DefaultRetention is how long a delivered session waits for confirmation.
	DefaultRetention = 2 * time.Hour
	// DefaultActionTimeout bounds each cleanup action.
	DefaultActionTimeout = time.Minute

	deletedMessage = "No confirmation received. Session folder deleted."
)

var (
	// ErrAlreadyArmed is returned when a session already has a live timer.
	ErrAlreadyArmed = errors.New("expiry already armed for session")
	// ErrStopped is returned by Arm after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// State is the position of one session's timer.
type State int32

const (
	StateUnknown State = iota
	StateArmed
	StateCancelled
	StateFired
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateCancelled:
		return "cancelled"
	case StateFired:
		return "fired"
	default:
		return "unknown"
	}
}

// Target is what a timer cleans up when it fires. Folder is the remote
// folder name and defaults to SessionID.
type Target struct {
	SessionID  string
	DeliveryID string
	Email      string
	Folder     string
}

func (t Target) folder() string {
	if t.Folder != "" {
		return t.Folder
	}
	return t.SessionID
}

// FiredFunc is called after a fired timer's cleanup finished.
type FiredFunc func(target Target, degraded ports.Degradations)

type timer struct {
	target  Target
	state   atomic.Int32
	t       *time.Timer
	firesAt time.Time
}

func (tm *timer) load() State { return State(tm.state.Load()) }

func (tm *timer) transition(to State) bool {
	return tm.state.CompareAndSwap(int32(StateArmed), int32(to))
}

// Deps are the collaborators used by cleanup. Storage and Mailer may be nil.
type Deps struct {
	Retention     time.Duration
	Storage       ports.RemoteStorage
	Mailer        ports.Mailer
	Notifier      ports.Notifier
	Emails        *render.Engine
	Brand         string
	ActionTimeout time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

// Scheduler tracks at most one timer per session.
type Scheduler struct {
	retention time.Duration
	storage   ports.RemoteStorage
	mailer    ports.Mailer
	notifier  ports.Notifier
	emails    *render.Engine
	brand     string
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	timers  map[string]*timer
	onFired FiredFunc
	stopped bool

	// counts timers that are armed or firing
	inflight sync.WaitGroup
}

func NewScheduler(deps Deps) (*Scheduler, error) {
	if deps.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if deps.Emails == nil {
		return nil, errors.New("email renderer is required")
	}
	if deps.Retention <= 0 {
		deps.Retention = DefaultRetention
	}
	if deps.ActionTimeout <= 0 {
		deps.ActionTimeout = DefaultActionTimeout
	}
	return &Scheduler{
		retention: deps.Retention,
		storage:   deps.Storage,
		mailer:    deps.Mailer,
		notifier:  deps.Notifier,
		emails:    deps.Emails,
		brand:     deps.Brand,
		timeout:   deps.ActionTimeout,
		logger:    deps.Logger.With().Str("component", "expiry").Logger(),
		metrics:   deps.Metrics,
		timers:    make(map[string]*timer),
	}, nil
}


// OnFired registers fn to run after each fired cleanup. It replaces any earlier hook.
func (s *Scheduler) OnFired(fn FiredFunc) {
	s.mu.Lock()
	s.onFired = fn
	s.mu.Unlock()
}

// Arm starts the retention timer for target and returns when it will fire.
// A session whose previous timer reached a terminal state may be armed again.
func (s *Scheduler) Arm(target Target) (time.Time, error) {
	if target.SessionID == "" {
		return time.Time{}, errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return time.Time{}, ErrStopped
	}
	if existing, ok := s.timers[target.SessionID]; ok && existing.load() == StateArmed {
		return time.Time{}, ErrAlreadyArmed
	}

	tm := &timer{target: target, firesAt: time.Now().Add(s.retention)}
	tm.state.Store(int32(StateArmed))
	s.inflight.Add(1)
	tm.t = time.AfterFunc(s.retention, func() { s.fire(tm) })
	s.timers[target.SessionID] = tm
	s.metrics.TimerArmed()

	s.logger.Info().
		Str("session_id", target.SessionID).
		Time("fires_at", tm.firesAt).
		Msg("expiry armed")
	return tm.firesAt, nil
}

// Cancel moves an armed timer to Cancelled. It returns false when the session is
// unknown or its timer already fired or was cancelled.
func (s *Scheduler) Cancel(sessionID string) bool {
	s.mu.Lock()
	tm, ok := s.timers[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if !tm.transition(StateCancelled) {
		return false
	}
	s.release(tm)
	s.logger.Info().Str("session_id", sessionID).Msg("expiry cancelled")
	return true
}

// State reports the timer state for sessionID.
func (s *Scheduler) State(sessionID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[sessionID]
	if !ok {
		return StateUnknown
	}
	return tm.load()
}

// FiresAt reports when an armed session's timer is due.
func (s *Scheduler) FiresAt(sessionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tm, ok := s.timers[sessionID]
	if !ok || tm.load() != StateArmed {
		return time.Time{}, false
	}
	return tm.firesAt, true
}

// Armed returns the number of timers still waiting.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tm := range s.timers {
		if tm.load() == StateArmed {
			n++
		}
	}
	return n
}

// Forget drops the record of a session whose timer is no longer armed.
func (s *Scheduler) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tm, ok := s.timers[sessionID]; ok && tm.load() != StateArmed {
		delete(s.timers, sessionID)
	}
}

// Stop cancels every armed timer without running cleanup and refuses new arms.
// It returns the number of timers it cancelled.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	s.stopped = true
	timers := make([]*timer, 0, len(s.timers))
	for _, tm := range s.timers {
		timers = append(timers, tm)
	}
	s.mu.Unlock()

	n := 0
	for _, tm := range timers {
		if tm.transition(StateCancelled) {
			s.release(tm)
			n++
		}
	}
	if n > 0 {
		s.logger.Info().Int("timers", n).Msg("expiry scheduler stopped with armed timers")
	}
	return n
}

// Wait blocks until no timer is armed or firing, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release accounts for a timer that left Armed by cancellation. If the
// underlying timer already started, its callback sees Cancelled and calls Done.
func (s *Scheduler) release(tm *timer) {
	s.metrics.TimerReleased()
	if tm.t.Stop() {
		s.inflight.Done()
	}
}

func (s *Scheduler) fire(tm *timer) {
	defer s.inflight.Done()

	if !tm.transition(StateFired) {
		return
	}
	s.metrics.TimerReleased()

	target := tm.target
	log := s.logger.With().Str("session_id", target.SessionID).Logger()
	log.Info().Msg("retention window elapsed, cleaning up")

	var degraded ports.Degradations
	s.degrade(&degraded, ActionDeleteFolder, s.deleteFolder(target), log)
	s.degrade(&degraded, ActionExpiryEmail, s.sendNotice(target), log)
	s.degrade(&degraded, ActionNotify, s.notify(target), log)

	s.mu.Lock()
	hook := s.onFired
	s.mu.Unlock()
	if hook != nil {
		hook(target, degraded)
	}
	log.Info().AnErr("degraded", degraded.Err()).Msg("expiry cleanup finished")
}

func (s *Scheduler) deleteFolder(target Target) error {
	if s.storage == nil {
		return ports.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	id, found, err := s.storage.LookupFolder(ctx, target.folder())
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return s.storage.DeleteFolder(ctx, id)
}

func (s *Scheduler) sendNotice(target Target) error {
	if s.mailer == nil {
		return ports.ErrNotConfigured
	}
	subject, body, err := s.emails.Email(render.EmailExpiry, render.EmailData{
		SessionID: target.SessionID,
		Brand:     s.brand,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.mailer.Send(ctx, ports.Message{To: target.Email, Subject: subject, Body: body})
}

func (s *Scheduler) notify(target Target) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.notifier.Post(ctx, ports.StatusUpdate{
		SessionID:  target.SessionID,
		DeliveryID: target.DeliveryID,
		Status:     ports.StatusDeleted,
		Message:    deletedMessage,
	})
}

func (s *Scheduler) degrade(ds *ports.Degradations, action string, err error, log zerolog.Logger) {
	if !ds.Add(action, err) {
		return
	}
	s.metrics.Degraded(action)
	log.Warn().Err(err).Str("action", action).Msg("expiry cleanup action failed, continuing")
}
