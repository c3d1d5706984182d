package app

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/stepsync/studio_services/internal/studio_service/domain"
	"github.com/stepsync/studio_services/internal/studio_service/repository"
)

// PricingResolver produces the purchasable package table.
type PricingResolver interface {
	ResolvePricing(ctx context.Context) (domain.PricingTable, error)
}

// Resolver re-reads both reference collections on every call.
type Resolver struct {
	repo   repository.PricingRepository
	logger *slog.Logger
}

func NewResolver(repo repository.PricingRepository, logger *slog.Logger) *Resolver {
	return &Resolver{repo: repo, logger: logger.With("component", "pricing_resolver")}
}

// ResolvePricing includes casual rates that are active and not promotional, and every
// active concession package whatever its promo flag. Promo packages are filtered later,
// by whatever presents them.
func (r *Resolver) ResolvePricing(ctx context.Context) (domain.PricingTable, error) {
	rates, err := r.repo.ListCasualRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading casual rates: %w", err)
	}
	packages, err := r.repo.ListConcessionPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading concession packages: %w", err)
	}

	table := make(domain.PricingTable, len(rates)+len(packages))
	for _, rate := range rates {
		if !rate.IsActive || rate.IsPromo {
			continue
		}
		table[rate.ID] = domain.PricingEntry{
			ID:            rate.ID,
			Name:          rate.Name,
			Type:          domain.PackageKindCasual,
			Price:         domain.ToMinorUnits(rate.Price),
			IsStudentRate: rate.IsStudentRate,
			Description:   rate.Description,
		}
	}
	for _, pkg := range packages {
		if !pkg.IsActive {
			continue
		}
		classes, expiry := pkg.NumberOfClasses, pkg.ExpiryMonths
		table[pkg.ID] = domain.PricingEntry{
			ID:              pkg.ID,
			Name:            pkg.Name,
			Type:            domain.PackageKindConcession,
			Price:           domain.ToMinorUnits(pkg.Price),
			NumberOfClasses: &classes,
			ExpiryMonths:    &expiry,
			Description:     pkg.Description,
		}
	}

	if len(table) == 0 {
		r.logger.ErrorContext(ctx, "No active packages found", "casual_rates", len(rates), "concession_packages", len(packages))
		return nil, domain.ErrNoActivePackages
	}
	r.logger.DebugContext(ctx, "Pricing resolved", "entries", len(table))
	return table, nil
}

// CachedResolver serves a resolved table for ttl before asking next again.
// Failed resolutions are not cached.
type CachedResolver struct {
	next PricingResolver
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	table     domain.PricingTable
	fetchedAt time.Time
}

func NewCachedResolver(next PricingResolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{next: next, ttl: ttl, now: time.Now}
}

func (c *CachedResolver) ResolvePricing(ctx context.Context) (domain.PricingTable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.table != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return maps.Clone(c.table), nil
	}
	table, err := c.next.ResolvePricing(ctx)
	if err != nil {
		return nil, err
	}
	c.table, c.fetchedAt = table, c.now()
	return maps.Clone(table), nil
}

// Invalidate drops the cached table.
func (c *CachedResolver) Invalidate() {
	c.mu.Lock()
	c.table = nil
	c.mu.Unlock()
}

// NewPricingResolver applies the cache only when ttl is positive.
func NewPricingResolver(repo repository.PricingRepository, ttl time.Duration, logger *slog.Logger) PricingResolver {
	base := NewResolver(repo, logger)
	if ttl <= 0 {
		return base
	}
	return NewCachedResolver(base, ttl)
}
