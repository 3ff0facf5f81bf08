package worker

import (
	"context"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const sweeperLockKey = "overdue-sweeper"

// OverdueStore lists orders past their delivery estimate that are still in
// flight.
type OverdueStore interface {
	ListOverdueOrders(ctx context.Context, now time.Time) ([]models.Order, error)
}

// OrderEngine is the transition entry point the sweeper drives. Cancelling
// through the engine, not the store, keeps the sweeper on the same
// conditional-update path as every other caller.
type OrderEngine interface {
	TransitionStatus(ctx context.Context, orderID, target string, actor service.Actor, reason string) (*models.Order, error)
}

// Locker serializes sweep runs across instances.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// SweepSummary reports one sweep run.
type SweepSummary struct {
	Scanned   int       `json:"scanned"`
	Cancelled int       `json:"cancelled"`
	Skipped   int       `json:"skipped"`
	OrderIDs  []string  `json:"order_ids"`
	RanAt     time.Time `json:"ran_at"`
}

// Sweeper cancels orders whose estimated delivery date passed without them
// reaching delivered. It runs on a fixed interval and can be triggered on
// demand through the admin API; both paths share Run.
type Sweeper struct {
	store    OverdueStore
	engine   OrderEngine
	locker   Locker
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(store OverdueStore, engine OrderEngine, locker Locker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Sweeper{
		store:    store,
		engine:   engine,
		locker:   locker,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting overdue order sweeper", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping overdue order sweeper")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("Sweep run failed", zap.Error(err))
			}
		}
	}
}

// Run executes one sweep. Orders that a concurrent transition already
// resolved are counted as skipped, not errors: losing that race means the
// order no longer needs the sweeper.
func (s *Sweeper) Run(ctx context.Context) (*SweepSummary, error) {
	if s.locker != nil {
		acquired, err := s.locker.AcquireLock(ctx, sweeperLockKey, s.interval/2)
		if err != nil {
			s.logger.Warn("Sweeper lock unavailable, proceeding unlocked", zap.Error(err))
		} else if !acquired {
			s.logger.Info("Sweep already running elsewhere, skipping")
			return &SweepSummary{RanAt: time.Now().UTC()}, nil
		} else {
			defer func() {
				if err := s.locker.ReleaseLock(ctx, sweeperLockKey); err != nil {
					s.logger.Warn("Failed to release sweeper lock", zap.Error(err))
				}
			}()
		}
	}

	started := time.Now().UTC()
	defer func() {
		util.SweeperRunLatency.Observe(time.Since(started).Seconds())
	}()
	util.SweeperRunsTotal.Inc()

	overdue, err := s.store.ListOverdueOrders(ctx, started)
	if err != nil {
		return nil, err
	}

	summary := &SweepSummary{
		Scanned:  len(overdue),
		OrderIDs: make([]string, 0, len(overdue)),
		RanAt:    started,
	}
	for _, order := range overdue {
		_, err := s.engine.TransitionStatus(ctx, order.OrderID, models.OrderStatusCancelled,
			service.SystemActor(), service.ReasonOverdueDelivery)
		switch {
		case err == nil:
			summary.Cancelled++
			summary.OrderIDs = append(summary.OrderIDs, order.OrderID)
			util.SweeperCancelledTotal.Inc()
		case apperr.IsCode(err, apperr.CodeConflict),
			apperr.IsCode(err, apperr.CodeInvalidTransition),
			apperr.IsCode(err, apperr.CodeNotFound):
			// Someone else moved the order between the scan and our write.
			summary.Skipped++
		default:
			summary.Skipped++
			s.logger.Error("Failed to cancel overdue order",
				zap.String("order_id", order.OrderID),
				zap.Error(err))
		}
	}

	s.logger.Info("Sweep completed",
		zap.Int("scanned", summary.Scanned),
		zap.Int("cancelled", summary.Cancelled),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}
