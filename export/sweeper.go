package export

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"careflow/notify"
	"careflow/storage"
)

// sweepConcurrency bounds in-flight object deletes per sweep.
const sweepConcurrency = 4

// Sweeper deletes intake-package objects whose retention window has
// passed and marks the rows expired. A row is only marked after its
// object is gone; delete failures leave the row for the next sweep.
type Sweeper struct {
	store      PackageStore
	client     storage.Client
	dispatcher notify.Dispatcher
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewSweeper(store PackageStore, client storage.Client, dispatcher notify.Dispatcher, interval time.Duration, logger *slog.Logger) *Sweeper {
	if dispatcher == nil {
		dispatcher = notify.NopDispatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			} else if swept > 0 {
				s.logger.Info("retention sweep complete", "expired", swept)
			}
		}
	}
}

// Sweep runs one retention pass and reports how many packages were
// reaped: delivered packages past retention plus stale pending/failed
// rows left behind by interrupted exports.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	count, err := s.sweepExpired(ctx)
	if err != nil {
		return count, err
	}
	stale, err := s.sweepStale(ctx)
	return count + stale, err
}

func (s *Sweeper) sweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	swept := make(chan string, len(expired))
	for _, pkg := range expired {
		pkg := pkg
		g.Go(func() error {
			// Deleting an already-missing object is success.
			if err := s.client.Delete(gctx, pkg.StorageKey); err != nil {
				s.logger.Warn("expired object delete failed",
					"package_id", pkg.ID,
					"storage_key", pkg.StorageKey,
					"error", err,
				)
				return nil
			}
			if err := s.store.UpdateStatus(gctx, pkg.ID, PackageExpired); err != nil {
				s.logger.Warn("expired status update failed", "package_id", pkg.ID, "error", err)
				return nil
			}
			notify.Dispatch(gctx, s.dispatcher, s.logger, notify.Event{
				Type:       notify.EventPackageExpired,
				ReferralID: pkg.ReferralID,
				Payload:    map[string]any{"package_id": pkg.ID},
			})
			swept <- pkg.ID
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(swept)

	count := 0
	for range swept {
		count++
	}
	return count, nil
}

// sweepStale reaps pending/failed rows past retention. No expiry event is
// announced: these packages were never delivered. A pending row can still
// own an object when the upload landed but the status update did not, so
// the object delete is attempted first.
func (s *Sweeper) sweepStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListStale(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, pkg := range stale {
		if pkg.StorageKey != "" {
			if err := s.client.Delete(ctx, pkg.StorageKey); err != nil {
				s.logger.Warn("stale object delete failed",
					"package_id", pkg.ID,
					"storage_key", pkg.StorageKey,
					"error", err,
				)
				continue
			}
		}
		if err := s.store.UpdateStatus(ctx, pkg.ID, PackageExpired); err != nil {
			s.logger.Warn("stale status update failed", "package_id", pkg.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}
