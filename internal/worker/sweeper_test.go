package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOverdueStore struct {
	orders []models.Order
}

func (f *fakeOverdueStore) ListOverdueOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	return f.orders, nil
}

// fakeEngine records transition attempts and answers per order ID.
type fakeEngine struct {
	results map[string]error
	calls   []string
	actors  []service.Actor
	reasons []string
}

func (f *fakeEngine) TransitionStatus(ctx context.Context, orderID, target string, actor service.Actor, reason string) (*models.Order, error) {
	f.calls = append(f.calls, orderID)
	f.actors = append(f.actors, actor)
	f.reasons = append(f.reasons, reason)
	if err := f.results[orderID]; err != nil {
		return nil, err
	}
	return &models.Order{OrderID: orderID, Status: target}, nil
}

type fakeLocker struct {
	held     bool
	acquired int
	released int
	err      error
}

func (f *fakeLocker) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	f.acquired++
	if f.err != nil {
		return false, f.err
	}
	return !f.held, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, lockKey string) error {
	f.released++
	return nil
}

func overdueOrder(id string) models.Order {
	return models.Order{
		OrderID:           id,
		Status:            models.OrderStatusPending,
		EstimatedDelivery: time.Now().UTC().AddDate(0, 0, -2),
	}
}

func TestSweepClassifiesOutcomes(t *testing.T) {
	st := &fakeOverdueStore{orders: []models.Order{
		overdueOrder("ORD-stale"),
		overdueOrder("ORD-resolved"),
		overdueOrder("ORD-gone"),
		overdueOrder("ORD-broken"),
	}}
	engine := &fakeEngine{results: map[string]error{
		"ORD-resolved": apperr.New(apperr.CodeInvalidTransition, "cannot transition"),
		"ORD-gone":     apperr.New(apperr.CodeNotFound, "order not found"),
		"ORD-broken":   apperr.Wrap(apperr.CodeInternal, errors.New("db down"), "update failed"),
	}}
	locker := &fakeLocker{}

	summary, err := NewSweeper(st, engine, locker, time.Hour).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Scanned)
	assert.Equal(t, 1, summary.Cancelled)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, []string{"ORD-stale"}, summary.OrderIDs)
	assert.False(t, summary.RanAt.IsZero())
	assert.Equal(t, 1, locker.released)
}

func TestSweepCancelsAsSystem(t *testing.T) {
	st := &fakeOverdueStore{orders: []models.Order{overdueOrder("ORD-1")}}
	engine := &fakeEngine{}

	_, err := NewSweeper(st, engine, nil, time.Hour).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, engine.calls, 1)
	assert.Equal(t, models.ActorSystem, engine.actors[0].Role)
	assert.Equal(t, service.ReasonOverdueDelivery, engine.reasons[0])
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	st := &fakeOverdueStore{orders: []models.Order{overdueOrder("ORD-1")}}
	engine := &fakeEngine{}
	locker := &fakeLocker{held: true}

	summary, err := NewSweeper(st, engine, locker, time.Hour).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Scanned)
	assert.Empty(t, engine.calls, "a run holding the lock elsewhere must not touch orders")
	assert.Equal(t, 0, locker.released)
}

func TestSweepProceedsWhenLockerDown(t *testing.T) {
	st := &fakeOverdueStore{orders: []models.Order{overdueOrder("ORD-1")}}
	engine := &fakeEngine{}
	locker := &fakeLocker{err: errors.New("redis unavailable")}

	summary, err := NewSweeper(st, engine, locker, time.Hour).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cancelled)
}

func TestSweepEmptyBacklog(t *testing.T) {
	summary, err := NewSweeper(&fakeOverdueStore{}, &fakeEngine{}, nil, time.Hour).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
	assert.NotNil(t, summary.OrderIDs)
}
