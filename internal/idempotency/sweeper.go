package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"
)

const sweepLockKey = "anchorpipe:lock:idempotency-sweep"

// Sweeper periodically purges expired ledger entries. When a lock client is
// set only the replica holding the lock sweeps in a given interval: the lock
// is never released and lapses on its TTL just before the next tick.
type Sweeper struct {
	ledger   *Ledger
	locker   *redislock.Client
	lockKey  string
	interval time.Duration
	log      *zap.Logger
	stopCh   chan struct{}
}

// NewSweeper creates a sweeper. locker may be nil.
func NewSweeper(ledger *Ledger, locker *redislock.Client, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		ledger:   ledger,
		locker:   locker,
		lockKey:  sweepLockKey,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info("idempotency sweeper started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("idempotency sweeper stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.log.Info("idempotency sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// lockTTL keeps the sweep lock for most of an interval so replicas whose
// tickers drift apart still sweep at most once per interval.
func lockTTL(interval time.Duration) time.Duration {
	margin := interval / 10
	if margin > 5*time.Second {
		margin = 5 * time.Second
	}
	return interval - margin
}

// SweepOnce purges expired entries once. It returns the number removed; a
// sweep skipped because another replica holds the lock removes nothing.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	if s.locker != nil {
		_, err := s.locker.Obtain(ctx, s.lockKey, lockTTL(s.interval), nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.log.Debug("idempotency sweep skipped, lock held elsewhere")
			return 0
		}
		if err != nil {
			s.log.Error("obtaining idempotency sweep lock", zap.Error(err))
			return 0
		}
	}

	n, err := s.ledger.PurgeExpired(ctx)
	if err != nil {
		s.log.Error("purging expired idempotency entries", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.log.Info("purged expired idempotency entries", zap.Int64("count", n))
	}
	return n
}
