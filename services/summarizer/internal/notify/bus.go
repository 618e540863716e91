package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reportd/pkg/bus"
	"reportd/services/summarizer/internal/ports"
)

const (
	StatusSubject   = "summarizer.sessions.status"
	ConfirmSubject  = "summarizer.sessions.confirm"
	confirmDurable  = "summarizer-confirm"
	DefaultStream   = "SUMMARIZER"
	subjectWildcard = "summarizer.sessions.>"
)

// Publisher is the part of the bus used for status events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Subscriber is the part of the bus used for inbound confirmations.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// EnsureStream creates the stream carrying every summarizer subject.
func EnsureStream(b *bus.Bus, name string) error {
	if name == "" {
		name = DefaultStream
	}
	return b.EnsureStream(name, subjectWildcard)
}

// BusNotifier publishes status updates on StatusSubject.
type BusNotifier struct {
	pub Publisher
}

func NewBusNotifier(pub Publisher) (*BusNotifier, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	return &BusNotifier{pub: pub}, nil
}

func (n *BusNotifier) Post(ctx context.Context, update ports.StatusUpdate) error {
	if update.SentAt.IsZero() {
		update.SentAt = time.Now().UTC()
	}
	return n.pub.Publish(ctx, StatusSubject, update)
}

// Confirmer cancels a session's pending expiry.
type Confirmer interface {
	Confirm(ctx context.Context, sessionID string) (bool, error)
}

type confirmEvent struct {
	SessionID string `json:"session_id"`
}

// ConfirmListener turns bus confirmations into Confirm calls.
type ConfirmListener struct {
	sub       Subscriber
	confirmer Confirmer
	logger    zerolog.Logger

	mu     sync.Mutex
	closer io.Closer
}

func NewConfirmListener(sub Subscriber, confirmer Confirmer, logger zerolog.Logger) (*ConfirmListener, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	if confirmer == nil {
		return nil, errors.New("confirmer is required")
	}
	return &ConfirmListener{
		sub:       sub,
		confirmer: confirmer,
		logger:    logger.With().Str("component", "confirm-listener").Logger(),
	}, nil
}

// Start subscribes to ConfirmSubject until ctx is cancelled or Close is called.
func (l *ConfirmListener) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	closer, err := l.sub.Subscribe(ctx, ConfirmSubject, confirmDurable, l.handle)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.closer = closer
	l.mu.Unlock()
	return nil
}

func (l *ConfirmListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func (l *ConfirmListener) handle(ctx context.Context, data []byte) error {
	var evt confirmEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		l.logger.Warn().Err(err).Msg("dropping malformed confirmation")
		return nil
	}
	evt.SessionID = strings.TrimSpace(evt.SessionID)
	if evt.SessionID == "" {
		l.logger.Warn().Msg("dropping confirmation without session_id")
		return nil
	}

	cancelled, err := l.confirmer.Confirm(ctx, evt.SessionID)
	if err != nil {
		l.logger.Warn().Err(err).Str("session_id", evt.SessionID).Msg("confirmation not applied")
		return nil
	}
	l.logger.Info().Str("session_id", evt.SessionID).Bool("cancelled", cancelled).Msg("confirmation received over bus")
	return nil
}
