package venue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-match/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrNoFills is returned when no venue accepted any part of the request.
var ErrNoFills = errors.New("failed to execute order on any venue")

// Venue is a simulated external liquidity venue.
type Venue struct {
	ID              string
	Name            string
	MinLatency      int // in milliseconds
	MaxLatency      int
	LiquidityFactor float64 // 0-1, share of a request the venue can absorb
	SuccessRate     float64 // 0-1, probability of successful execution
	FeeRate         float64 // fraction of transaction value
}

// DefaultVenues mirrors the external venues the router knows about.
var DefaultVenues = []*Venue{
	{ID: "EXCH1", Name: "Primary Exchange", MinLatency: 5, MaxLatency: 30, LiquidityFactor: 0.9, SuccessRate: 0.95, FeeRate: 0.001},
	{ID: "EXCH2", Name: "Secondary Exchange", MinLatency: 10, MaxLatency: 50, LiquidityFactor: 0.7, SuccessRate: 0.90, FeeRate: 0.0008},
	{ID: "EXCH3", Name: "Regional Exchange", MinLatency: 15, MaxLatency: 70, LiquidityFactor: 0.5, SuccessRate: 0.85, FeeRate: 0.0005},
	{ID: "EXCH4", Name: "Dark Pool", MinLatency: 20, MaxLatency: 100, LiquidityFactor: 0.3, SuccessRate: 0.75, FeeRate: 0.0003},
}

// Request is the part of an order the book could not match.
type Request struct {
	OrderID  string
	Symbol   string
	Side     string
	Price    decimal.Decimal // reference price used to simulate the fill
	Quantity decimal.Decimal
}

// Router picks venues weighted by liquidity and success rate and splits a
// request across up to MaxAttempts of them.
type Router struct {
	venues      []*Venue
	MaxAttempts int

	mu    sync.Mutex
	rng   *rand.Rand
	sleep func(context.Context, time.Duration) error
}

// Option configures a Router.
type Option func(*Router)

// WithRand sets the random source used for venue selection and simulation.
func WithRand(rng *rand.Rand) Option {
	return func(r *Router) { r.rng = rng }
}

// WithSleep replaces the latency simulation, mostly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(r *Router) { r.sleep = sleep }
}

// NewRouter creates a router over venues. An empty list uses DefaultVenues.
func NewRouter(venues []*Venue, opts ...Option) *Router {
	if len(venues) == 0 {
		venues = DefaultVenues
	}
	r := &Router{
		venues:      venues,
		MaxAttempts: 3,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Router) float() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *Router) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// Execute simulates placing req on venue v.
func (r *Router) Execute(ctx context.Context, v *Venue, req Request) (*types.ExchangeFill, error) {
	logger := log.With().
		Str("venue_id", v.ID).
		Str("order_id", req.OrderID).
		Str("quantity", req.Quantity.String()).
		Str("price", req.Price.String()).
		Str("side", req.Side).
		Logger()

	logger.Info().Msg("attempting to execute order")

	latency := r.intn(v.MaxLatency-v.MinLatency+1) + v.MinLatency
	logger.Debug().Int("latency_ms", latency).Msg("simulated network latency")
	if err := r.sleep(ctx, time.Duration(latency)*time.Millisecond); err != nil {
		return nil, err
	}

	if r.float() > v.SuccessRate {
		logger.Warn().
			Float64("success_rate", v.SuccessRate).
			Msg("order execution failed due to success rate threshold")
		return nil, fmt.Errorf("execution failed on venue %s", v.ID)
	}

	// Executed price varies within ±2% of the reference price
	variance := decimal.NewFromFloat(1 + (r.float()*0.04 - 0.02))
	price := req.Price.Mul(variance).Round(8)

	qty := req.Quantity
	if r.float() > v.LiquidityFactor {
		qty = req.Quantity.Mul(decimal.NewFromFloat(v.LiquidityFactor)).Round(8)
		logger.Debug().
			Float64("liquidity_factor", v.LiquidityFactor).
			Str("executed_quantity", qty.String()).
			Msg("quantity adjusted due to liquidity")

		if !qty.IsPositive() {
			logger.Error().Msg("insufficient liquidity for execution")
			return nil, fmt.Errorf("insufficient liquidity on venue %s", v.ID)
		}
	}

	feeRate := decimal.NewFromFloat(v.FeeRate)
	fill := &types.ExchangeFill{
		FillID:       "FILL-" + v.ID + "-" + uuid.NewString(),
		ExchangeID:   v.ID,
		ExchangeName: v.Name,
		Price:        price,
		Quantity:     qty,
		FeeRate:      feeRate,
		FeeAmount:    price.Mul(qty).Mul(feeRate),
		CreatedAt:    time.Now(),
	}

	logger.Info().
		Str("fill_id", fill.FillID).
		Str("executed_price", fill.Price.String()).
		Str("executed_quantity", fill.Quantity.String()).
		Str("fee_amount", fill.FeeAmount.String()).
		Msg("order executed successfully on venue")

	return fill, nil
}

// Best selects a venue at random, weighted by liquidity and success rate.
func (r *Router) Best() *Venue {
	totalWeight := 0.0
	for _, v := range r.venues {
		totalWeight += v.LiquidityFactor * v.SuccessRate
	}

	choice := r.float() * totalWeight
	currentWeight := 0.0
	for _, v := range r.venues {
		currentWeight += v.LiquidityFactor * v.SuccessRate
		if currentWeight >= choice {
			return v
		}
	}
	return r.venues[0]
}

// Route splits req across venues until it is filled or MaxAttempts venues
// have been tried.
func (r *Router) Route(ctx context.Context, req Request) (*types.Execution, error) {
	logger := log.With().
		Str("order_id", req.OrderID).
		Str("total_quantity", req.Quantity.String()).
		Str("side", req.Side).
		Logger()

	logger.Info().Msg("starting cross-venue execution")

	remaining := req.Quantity
	var fills []types.ExchangeFill
	executed := decimal.Zero
	notional := decimal.Zero

	for i := 0; i < r.MaxAttempts && remaining.IsPositive(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := r.Best()

		attempt := req
		attempt.Quantity = remaining
		fill, err := r.Execute(ctx, v, attempt)
		if err != nil {
			logger.Warn().Err(err).Str("venue_id", v.ID).Msg("execution attempt failed")
			continue
		}

		fills = append(fills, *fill)
		executed = executed.Add(fill.Quantity)
		notional = notional.Add(fill.Price.Mul(fill.Quantity))
		remaining = remaining.Sub(fill.Quantity)
	}

	if len(fills) == 0 {
		logger.Error().Msg("failed to execute order on any venue")
		return nil, ErrNoFills
	}

	execution := &types.Execution{
		ExecutionID:   "EXEC-" + uuid.NewString(),
		OrderID:       req.OrderID,
		TotalQuantity: executed,
		AveragePrice:  notional.Div(executed).Round(8),
		Side:          req.Side,
		Status:        "COMPLETED",
		Fills:         fills,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	for i := range execution.Fills {
		execution.Fills[i].ExecutionID = execution.ExecutionID
	}

	logger.Info().
		Str("execution_id", execution.ExecutionID).
		Str("average_price", execution.AveragePrice.String()).
		Str("remaining_quantity", remaining.String()).
		Int("number_of_fills", len(fills)).
		Str("total_fees", totalFees(fills).String()).
		Msg("cross-venue execution completed")

	return execution, nil
}

func totalFees(fills []types.ExchangeFill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.FeeAmount)
	}
	return total
}
