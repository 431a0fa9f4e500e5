package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/signal_hook/internal/lock"
	"github.com/austindbirch/signal_hook/internal/logging"
	"github.com/austindbirch/signal_hook/internal/metrics"
)

// Sweeper runs Dispatcher.Sweep on a cron schedule. The lock keeps replicas
// from sweeping at the same time; overlapping runs in one process are
// skipped.
type Sweeper struct {
	dispatcher *Dispatcher
	locker     lock.Locker
	key        string
	ttl        time.Duration
	logger     *logging.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewSweeper validates schedule and prepares the job. A nil locker means
// this process is the only sweeper.
func NewSweeper(d *Dispatcher, schedule string, locker lock.Locker, key string, ttl time.Duration) (*Sweeper, error) {
	if locker == nil {
		locker = lock.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		dispatcher: d,
		locker:     locker,
		key:        key,
		ttl:        ttl,
		logger:     d.logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Plain().WithField("entries", len(s.cron.Entries())).Info("retry sweeper started")
}

// Stop cancels the running sweep's picking and waits for it to finish or
// for ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		done := s.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// RunOnce takes the lock and sweeps. A lock held elsewhere is not an error;
// the result is then empty.
func (s *Sweeper) RunOnce(ctx context.Context) (res SweepResult, err error) {
	release, ok, err := s.locker.TryLock(ctx, s.key, s.ttl)
	if err != nil {
		metrics.RecordSweep("error", 0)
		s.logger.WithContext(ctx).WithError(err).Error("sweep lock failed")
		return res, err
	}
	if !ok {
		metrics.RecordSweep("skipped", 0)
		s.logger.WithContext(ctx).Debug("sweep skipped, lock held elsewhere")
		return res, nil
	}
	defer release()

	res, err = s.dispatcher.Sweep(ctx)
	if err != nil {
		metrics.RecordSweep("error", res.Picked)
		s.logger.WithContext(ctx).WithError(err).Error("sweep failed")
		return res, err
	}
	metrics.RecordSweep("ok", res.Picked)
	return res, nil
}
