package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-match/internal/auth"
	"github.com/ksred/klear-match/internal/matching"
	"github.com/ksred/klear-match/internal/orderqueue"
	"github.com/ksred/klear-match/internal/types"
	"github.com/ksred/klear-match/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderNotOpen   = errors.New("order is not resting in the book")
	ErrInvalidRequest = errors.New("invalid order request")
)

// Matcher is the view of the matching engine the API needs. Every call is
// served by the goroutine that owns the symbol's book.
type Matcher interface {
	Cancel(ctx context.Context, symbol, orderID string) (matching.Order, bool, error)
	Depth(ctx context.Context, symbol string, levels int) (matching.Depth, error)
	Orders(ctx context.Context, symbol string) (bids, asks []matching.Order, err error)
}

// Service handles order intake and book queries
type Service struct {
	db      *Database
	queue   orderqueue.Queue
	matcher Matcher
}

// NewService creates a new trading service on top of the given database,
// order queue and matcher
func NewService(gormDB *gorm.DB, queue orderqueue.Queue, matcher Matcher) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		queue:   queue,
		matcher: matcher,
	}
}

// CreateOrder validates and stores a new order, then queues it for matching.
// A repeated idempotency key returns the order created by the first request.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest, clientID, idempotencyKey string) (*types.Order, error) {
	logger := log.With().
		Str("client_id", clientID).
		Str("idempotency_key", idempotencyKey).
		Logger()

	record, err := s.db.GetIdempotencyRecord(clientID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetOrderByOrderIDAndClientID(record.ResourceID, clientID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrOrderNotFound
		}
		logger.Debug().Str("order_id", existing.OrderID).Msg("returning order for repeated idempotency key")
		return existing, nil
	}

	order, err := newOrder(req, clientID)
	if err != nil {
		return nil, err
	}

	if err := s.db.CreateOrderWithIdempotency(order, idempotencyKey); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, orderqueue.Job{Order: order.Matching()}); err != nil {
		logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to queue order")
		if statusErr := s.db.SetOrderStatus(order.OrderID, types.StatusRejected, "failed to queue order"); statusErr != nil {
			logger.Error().Err(statusErr).Str("order_id", order.OrderID).Msg("failed to reject unqueued order")
		}
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Str("order_type", order.OrderType).
		Str("price", order.Price.String()).
		Str("quantity", order.Quantity.String()).
		Msg("order accepted")

	return order, nil
}

// newOrder turns a request into a pending order, enforcing the submission
// contract of the book so bad orders are refused before they are queued.
func newOrder(req CreateOrderRequest, clientID string) (*types.Order, error) {
	side := matching.Side(strings.ToLower(req.Side))
	kind := matching.Kind(strings.ToLower(req.OrderType))
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, req.Side)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown order type %q", ErrInvalidRequest, req.OrderType)
	}

	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: quantity %q is not a number", ErrInvalidRequest, req.Quantity)
	}
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}

	price := decimal.Zero
	if req.Price != "" {
		if price, err = decimal.NewFromString(req.Price); err != nil {
			return nil, fmt.Errorf("%w: price %q is not a number", ErrInvalidRequest, req.Price)
		}
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidRequest)
	}
	if kind == matching.Limit && !price.IsPositive() {
		return nil, fmt.Errorf("%w: limit orders need a positive price", ErrInvalidRequest)
	}
	if kind == matching.Market {
		price = decimal.Zero
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.New().String()
	}

	now := time.Now()
	return &types.Order{
		OrderID:   orderID,
		ClientID:  clientID,
		Symbol:    symbol,
		Side:      string(side),
		OrderType: string(kind),
		Price:     price,
		Quantity:  quantity,
		Filled:    decimal.Zero,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetOrderByOrderIDAndClientID retrieves an order by its ID and client ID
func (s *Service) GetOrderByOrderIDAndClientID(orderID, clientID string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndClientID(orderID, clientID)
}

// CancelOrder takes a client's resting order out of its book.
func (s *Service) CancelOrder(ctx context.Context, orderID, clientID string) (*types.CancelResponse, error) {
	order, err := s.db.GetOrderByOrderIDAndClientID(orderID, clientID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if !order.Status.Open() {
		return nil, ErrOrderNotOpen
	}

	cancelled, ok, err := s.matcher.Cancel(ctx, order.Symbol, order.OrderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrderNotOpen
	}

	return &types.CancelResponse{
		OrderID: cancelled.ID,
		Status:  types.OrderStatus(cancelled.Status),
		Filled:  cancelled.Filled.String(),
	}, nil
}

// GetBook returns the aggregated depth of a symbol's book.
func (s *Service) GetBook(ctx context.Context, symbol string, levels int) (matching.Depth, error) {
	return s.matcher.Depth(ctx, strings.ToUpper(symbol), levels)
}

// GetBookOrders returns the resting orders of a symbol's book.
func (s *Service) GetBookOrders(ctx context.Context, symbol string) (*types.BookOrdersResponse, error) {
	symbol = strings.ToUpper(symbol)
	bids, asks, err := s.matcher.Orders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &types.BookOrdersResponse{Symbol: symbol, Bids: bids, Asks: asks}, nil
}

// GetOrderTrades returns the trades a client's order took part in.
func (s *Service) GetOrderTrades(orderID, clientID string) ([]types.Trade, error) {
	order, err := s.db.GetOrderByOrderIDAndClientID(orderID, clientID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return s.db.TradesForOrder(orderID)
}

// GetOrderExecutions returns the external venue executions of a client's
// routed order, with their fills.
func (s *Service) GetOrderExecutions(orderID, clientID string) ([]types.Execution, error) {
	order, err := s.db.GetOrderByOrderIDAndClientID(orderID, clientID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return s.db.GetExecutionsForOrder(orderID)
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service      *Service
	defaultDepth int
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints.
// defaultDepth is the number of levels returned when a book request does
// not ask for a depth.
func NewGinHandlers(service *Service, defaultDepth int) *GinHandlers {
	return &GinHandlers{
		service:      service,
		defaultDepth: defaultDepth,
	}
}

// CreateOrderHandler handles POST requests to create new orders
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		clientID := clientIDFrom(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(c.Request.Context(), req, clientID, idempotencyKey)
		respond(c, order, err)
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFrom(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		order, err := h.service.GetOrderByOrderIDAndClientID(c.Param("order_id"), clientID)
		if err == nil && order == nil {
			err = ErrOrderNotFound
		}
		respond(c, order, err)
	}
}

// CancelOrderHandler handles DELETE requests for resting orders
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFrom(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		result, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"), clientID)
		respond(c, result, err)
	}
}

// GetOrderTradesHandler lists the trades of an order
func (h *GinHandlers) GetOrderTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFrom(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		trades, err := h.service.GetOrderTrades(c.Param("order_id"), clientID)
		respond(c, trades, err)
	}
}

// GetOrderExecutionsHandler lists the venue executions of a routed order
func (h *GinHandlers) GetOrderExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := clientIDFrom(c)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		executions, err := h.service.GetOrderExecutions(c.Param("order_id"), clientID)
		respond(c, executions, err)
	}
}

// GetBookHandler returns aggregated depth. Query parameter depth limits the
// number of levels per side.
func (h *GinHandlers) GetBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		levels := h.defaultDepth
		if raw := c.Query("depth"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				response.BadRequest(c, "depth must be a non-negative integer")
				return
			}
			levels = n
		}

		depth, err := h.service.GetBook(c.Request.Context(), c.Param("symbol"), levels)
		respond(c, depth, err)
	}
}

// GetBookOrdersHandler returns the resting orders of a book
func (h *GinHandlers) GetBookOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.GetBookOrders(c.Request.Context(), c.Param("symbol"))
		respond(c, orders, err)
	}
}

func clientIDFrom(c *gin.Context) string {
	if clientID := c.GetString("clientID"); clientID != "" {
		return clientID
	}
	claims, exists := c.Get("claims")
	if !exists {
		return ""
	}
	return auth.GetClientID(claims)
}

// respond maps trading and matching errors onto API responses.
func respond(c *gin.Context, data interface{}, err error) {
	switch {
	case err == nil:
		response.Success(c, data)
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, matching.ErrInvalidOrder):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrOrderNotFound):
		response.NotFound(c, "Order not found")
	case errors.Is(err, ErrOrderNotOpen):
		response.InvalidState(c, err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		response.Handle(c, data, err)
	}
}
