package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper runs CleanupExpired on a periodic schedule, optionally exporting
// the swept rows to an archive destination first.
type Sweeper struct {
	store    *Store
	archive  ArchiveDestination // nil = delete without archiving
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper over the given store. archive may be nil.
func NewSweeper(store *Store, archive ArchiveDestination, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		archive:  archive,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the periodic sweep. It runs one sweep immediately, then on
// each tick.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the sweeper and waits for the current sweep (if any) to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce archives (when configured) and deletes all expired rows.
// Returns the number of rows removed.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	if s.archive != nil {
		rows, err := s.store.ExpiredRows(ctx)
		if err != nil {
			s.logger.Error("sweep: listing expired rows failed", "err", err)
			return 0
		}
		if len(rows) > 0 {
			data, err := exportJSONL(rows)
			if err != nil {
				s.logger.Error("sweep: export failed", "err", err)
				return 0
			}
			if err := s.archive.Write(ctx, data); err != nil {
				// Keep the rows; they will be archived on the next sweep.
				s.logger.Error("sweep: archive write failed", "err", err)
				return 0
			}
		}
	}

	count, err := s.store.CleanupExpired(ctx)
	if err != nil {
		s.logger.Error("sweep: cleanup failed", "err", err)
		return 0
	}
	if count > 0 {
		s.logger.Info("sweep: removed expired idempotency rows", "count", count)
	}
	return count
}
