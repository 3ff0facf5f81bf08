package service

import (
	"context"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
)

// StatsStore is the aggregate query surface for revenue attribution.
type StatsStore interface {
	GetSellerStats(ctx context.Context, sellerID string, now time.Time) (*store.SellerStats, error)
	GetPlatformStats(ctx context.Context, topN int) (*store.PlatformStats, error)
}

// StatsService serves revenue and volume summaries. Cancelled orders are
// excluded from every revenue figure, seller and platform alike.
type StatsService struct {
	store    StatsStore
	identity *IdentityService

	topSellers int
}

// NewStatsService creates a new stats service
func NewStatsService(st StatsStore, identity *IdentityService, topSellers int) *StatsService {
	if topSellers <= 0 {
		topSellers = 10
	}
	return &StatsService{
		store:      st,
		identity:   identity,
		topSellers: topSellers,
	}
}

// SellerStats summarizes one seller's order volume and revenue.
func (s *StatsService) SellerStats(ctx context.Context, sellerID string) (*store.SellerStats, error) {
	ctx, span := util.StartSpan(ctx, "StatsService.SellerStats")
	defer span.End()

	stats, err := s.store.GetSellerStats(ctx, sellerID, time.Now().UTC())
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to aggregate seller stats")
	}
	return stats, nil
}

// PlatformStats summarizes the whole marketplace, with top sellers labeled
// by display name. Sellers the identity domain no longer knows are labeled
// Unknown rather than dropped.
func (s *StatsService) PlatformStats(ctx context.Context) (*store.PlatformStats, error) {
	ctx, span := util.StartSpan(ctx, "StatsService.PlatformStats")
	defer span.End()

	stats, err := s.store.GetPlatformStats(ctx, s.topSellers)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to aggregate platform stats")
	}
	s.labelTopSellers(ctx, stats)
	return stats, nil
}

func (s *StatsService) labelTopSellers(ctx context.Context, stats *store.PlatformStats) {
	if s.identity == nil || len(stats.TopSellers) == 0 {
		return
	}
	ids := make([]string, 0, len(stats.TopSellers))
	for _, seller := range stats.TopSellers {
		ids = append(ids, seller.SellerID)
	}
	resolved, err := s.identity.ResolveSellers(ctx, ids)
	if err != nil {
		resolved = nil
	}
	for i := range stats.TopSellers {
		if seller, ok := resolved[stats.TopSellers[i].SellerID]; ok {
			stats.TopSellers[i].SellerName = seller.Name
		} else {
			stats.TopSellers[i].SellerName = "Unknown"
		}
	}
}
