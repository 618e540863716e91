package notify

import (
	"context"
	"errors"

	"reportd/services/summarizer/internal/ports"
)

// Fanout posts every update to each notifier and joins their failures.
type Fanout []ports.Notifier

func (f Fanout) Post(ctx context.Context, update ports.StatusUpdate) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Post(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard accepts and drops every update. Used when no orchestrator is configured.
type Discard struct{}

func (Discard) Post(context.Context, ports.StatusUpdate) error { return nil }
