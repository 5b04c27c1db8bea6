package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"liqwatcher/internal/dispatch"
	"liqwatcher/internal/engine"
	"liqwatcher/internal/scheduler"
	"liqwatcher/internal/storage"
	"liqwatcher/internal/stream"
)

// Service runs the full pipeline: the stream manager feeding the
// dispatcher, and the scheduler driving engine evaluation cycles. The
// first fatal component error stops everything.
type Service struct {
	scheduler  *scheduler.Scheduler
	manager    *stream.Manager
	dispatcher *dispatch.Dispatcher
	engine     *engine.Engine
	logger     zerolog.Logger

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the monitoring service.
func New(sched *scheduler.Scheduler, manager *stream.Manager, dispatcher *dispatch.Dispatcher, eng *engine.Engine, locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		manager:    manager,
		dispatcher: dispatcher,
		engine:     eng,
		logger:     logger.With().Str("component", "service").Logger(),
		locker:     locker,
		lockKey:    lockKey,
	}
}

// Run starts all components and blocks until ctx is cancelled or one
// of them fails fatally.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)

	go func() {
		errCh <- s.dispatcher.Run(ctx)
	}()
	go func() {
		errCh <- s.manager.Run(ctx)
	}()
	go func() {
		errCh <- s.scheduler.Run(ctx, s.ProcessBucket)
	}()

	err := <-errCh
	cancel()

	// Drain the remaining components so nothing leaks past Run.
	for i := 0; i < 2; i++ {
		<-errCh
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// ProcessBucket 执行单个时间桶的评估逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.engine.RunCycle(ctx, bucket)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
