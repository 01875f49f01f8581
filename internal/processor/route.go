package processor

import (
	"context"

	"github.com/ksred/klear-match/internal/matching"
	"github.com/ksred/klear-match/internal/types"
	"github.com/ksred/klear-match/internal/venue"
	"github.com/shopspring/decimal"
)

// route executes the unmatched remainder of a market order on external venues,
// priced off the last trade of its book.
func (p *Processor) route(ctx context.Context, exec matching.Execution, reference decimal.Decimal) {
	order := exec.Order
	logger := p.logger.With().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("remaining", exec.Dropped.String()).
		Logger()

	if !reference.IsPositive() {
		logger.Warn().Msg("no reference price, cannot route remainder")
		p.setStatus(order.ID, types.StatusRouteFailed, "no reference price for "+order.Symbol)
		return
	}

	execution, err := p.router.Route(ctx, venue.Request{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Side:     string(order.Side),
		Price:    reference,
		Quantity: exec.Dropped,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to route remainder")
		p.setStatus(order.ID, types.StatusRouteFailed, err.Error())
		return
	}

	if err := p.store.CreateExecution(execution); err != nil {
		logger.Error().Err(err).Str("execution_id", execution.ExecutionID).Msg("failed to store venue execution")
		p.setStatus(order.ID, types.StatusRouteFailed, err.Error())
		return
	}
	p.setStatus(order.ID, types.StatusRouted, "")
	logger.Info().
		Str("execution_id", execution.ExecutionID).
		Str("executed", execution.TotalQuantity.String()).
		Msg("routed remainder to external venues")
}

func (p *Processor) setStatus(orderID string, status types.OrderStatus, reason string) {
	if err := p.store.SetOrderStatus(orderID, status, reason); err != nil {
		p.logger.Error().Err(err).Str("order_id", orderID).Str("status", string(status)).Msg("failed to update order status")
	}
}
