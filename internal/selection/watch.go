package selection

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Watch calls Select every interval until ctx is done, so the cached
// selection is refreshed ahead of client traffic. Changes of the selected
// endpoint are logged.
func (s *Selector) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.opts.ReselectTimeout
	}

	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Selection watch stopped")
			return

		case <-ticker.C:
			endpoint, err := s.Select(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Warn("Selection refresh failed", slog.Any("err", err))
				}
				continue
			}

			if endpoint == last {
				continue
			}

			if endpoint == "" {
				s.log.Warn("Selected node lost", slog.String("previous", last))
			} else {
				s.log.Info("Selected node changed",
					slog.String("previous", last),
					slog.String("endpoint", endpoint))
			}
			last = endpoint
		}
	}
}
