package orchestration

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-agent/core/events"
)

// panicSafeHandler turns a handler panic into an error so a misbehaving
// handler never takes a drain loop down with it.
func panicSafeHandler(name string, handle Handler) Handler {
	return func(ctx context.Context, event events.Event) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s handler panicked: %v", name, recovered)
			}
		}()

		if err = handle(ctx, event); err != nil {
			return fmt.Errorf("%s handler failed: %w", name, err)
		}

		return nil
	}
}
