package exchange

import (
	"context"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// BookStrategy is the order-book pricing strategy: quotes are dry-run
// matches and settlement is MatchOrders.
type BookStrategy struct {
	engine *Engine
}

var _ domain.PricingStrategy = (*BookStrategy)(nil)

// NewBookStrategy wraps e.
func NewBookStrategy(e *Engine) *BookStrategy {
	return &BookStrategy{engine: e}
}

// Kind names the strategy.
func (s *BookStrategy) Kind() string { return "orderbook" }

// Quote previews req without committing.
func (s *BookStrategy) Quote(ctx context.Context, req domain.MatchRequest) (domain.MatchResult, error) {
	return s.engine.Preview(ctx, req)
}

// Settle commits req.
func (s *BookStrategy) Settle(ctx context.Context, req domain.MatchRequest) (domain.MatchResult, error) {
	return s.engine.MatchOrders(ctx, req)
}
