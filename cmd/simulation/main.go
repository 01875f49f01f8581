package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-match/internal/config"
	"github.com/ksred/klear-match/internal/matching"
	"github.com/ksred/klear-match/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders   = 50
	maxOrders   = 500
	numWorkers  = 5
	cancelRatio = 0.2 // share of accepted limit orders the simulation tries to cancel
	marketRatio = 0.15
)

var (
	symbols = map[string]float64{"AAPL": 190, "GOOGL": 140, "MSFT": 410, "AMZN": 180, "META": 490}
	sides   = []string{"buy", "sell"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the matching API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newSimulationClient(baseURL, apiKey, apiSecret string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"create": {name: "Create Order"},
			"cancel": {name: "Cancel Order"},
			"get":    {name: "Get Order"},
			"book":   {name: "Get Book"},
		},
	}

	token, err := sc.authenticate(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

// call sends a request and decodes the data of the response envelope into out
func (sc *simulationClient) call(route, method, path string, body interface{}, out interface{}) (int, error) {
	start := time.Now()
	code, err := sc.do(method, path, body, out)
	sc.stats[route].record(time.Since(start), err)
	return code, err
}

func (sc *simulationClient) do(method, path string, body interface{}, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !env.Success {
		msg := string(respBody)
		if env.Error != nil {
			msg = env.Error.Code + ": " + env.Error.Message
		}
		return resp.StatusCode, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil {
		return resp.StatusCode, json.Unmarshal(env.Data, out)
	}
	return resp.StatusCode, nil
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	_, err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}, &result)
	return result.Token, err
}

func (sc *simulationClient) createOrder(req map[string]string) (*types.Order, error) {
	var order types.Order
	if _, err := sc.call("create", http.MethodPost, "/api/v1/orders", req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// cancelOrder reports false when the order was no longer resting
func (sc *simulationClient) cancelOrder(orderID string) (bool, error) {
	code, err := sc.call("cancel", http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil)
	if code == http.StatusConflict {
		return false, nil
	}
	return err == nil, err
}

func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if _, err := sc.call("get", http.MethodGet, "/api/v1/orders/"+orderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) getBook(symbol string, depth int) (*matching.Depth, error) {
	var book matching.Depth
	if _, err := sc.call("book", http.MethodGet, fmt.Sprintf("/api/v1/books/%s?depth=%d", symbol, depth), nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// randomOrder draws a limit order within 1% of the symbol's mid price, or a
// market order
func randomOrder(rng *rand.Rand) map[string]string {
	names := make([]string, 0, len(symbols))
	for s := range symbols {
		names = append(names, s)
	}
	sort.Strings(names)
	symbol := names[rng.Intn(len(names))]

	req := map[string]string{
		"symbol":     symbol,
		"side":       sides[rng.Intn(len(sides))],
		"order_type": "limit",
		"quantity":   decimal.NewFromInt(int64(rng.Intn(100) + 1)).String(),
	}
	if rng.Float64() < marketRatio {
		req["order_type"] = "market"
		return req
	}

	mid := symbols[symbol]
	price := mid * (1 + (rng.Float64()*0.02 - 0.01))
	req["price"] = decimal.NewFromFloat(price).Round(2).String()
	return req
}

// runWorker submits orders and cancels a share of the limit orders it placed
func runWorker(workerID, numOrders int, sc *simulationClient, accepted chan<- string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	logger := log.With().Int("worker_id", workerID).Logger()

	var resting []string
	for i := 0; i < numOrders; i++ {
		req := randomOrder(rng)
		order, err := sc.createOrder(req)
		if err != nil {
			logger.Error().Err(err).Str("symbol", req["symbol"]).Msg("Failed to create order")
			continue
		}
		accepted <- order.OrderID
		logger.Debug().
			Str("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Str("side", order.Side).
			Str("order_type", order.OrderType).
			Str("price", order.Price.String()).
			Str("quantity", order.Quantity.String()).
			Msg("Order created")

		if order.OrderType == string(matching.Limit) {
			resting = append(resting, order.OrderID)
		}

		if len(resting) > 0 && rng.Float64() < cancelRatio {
			j := rng.Intn(len(resting))
			id := resting[j]
			resting = append(resting[:j], resting[j+1:]...)
			if _, err := sc.cancelOrder(id); err != nil {
				logger.Error().Err(err).Str("order_id", id).Msg("Failed to cancel order")
			}
		}

		time.Sleep(time.Duration(rng.Intn(50)) * time.Millisecond)
	}
}

// main drives a running matching server with concurrent clients and prints
// a summary of what the books did with their orders
func main() {
	cfg := config.Load()
	baseURL := "http://localhost:" + cfg.Port

	simClient, err := newSimulationClient(baseURL, cfg.APIKey, cfg.APISecret)
	if err != nil {
		log.Fatal().Err(err).Str("server", baseURL).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")
	start := time.Now()

	accepted := make(chan string, targetOrders)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, targetOrders/numWorkers, simClient, accepted)
		}(i)
	}
	wg.Wait()
	close(accepted)

	var orderIDs []string
	for id := range accepted {
		orderIDs = append(orderIDs, id)
	}
	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders submitted")

	// Let the processor drain the queue
	time.Sleep(2 * time.Second)

	statuses := make(map[types.OrderStatus]int)
	traded := decimal.Zero
	for _, id := range orderIDs {
		order, err := simClient.getOrder(id)
		if err != nil {
			log.Error().Err(err).Str("order_id", id).Msg("Failed to fetch order")
			continue
		}
		statuses[order.Status]++
		traded = traded.Add(order.Filled)
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MATCHING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("\nOrders submitted: %d\nQuantity filled:  %s\nDuration:         %v\n\nStatus Distribution\n-------------------\n",
		len(orderIDs), traded.String(), duration.Round(time.Millisecond))

	for _, status := range []types.OrderStatus{
		types.StatusPending, types.StatusPartial, types.StatusFilled, types.StatusCancelled,
		types.StatusRejected, types.StatusRouted, types.StatusRouteFailed,
	} {
		count := statuses[status]
		bar := strings.Repeat("#", int(float64(count)/float64(max(len(orderIDs), 1))*40))
		fmt.Printf("%-13s: %s (%d)\n", status, bar, count)
	}

	fmt.Println("\nTop of Book")
	fmt.Println("-----------")
	names := make([]string, 0, len(symbols))
	for s := range symbols {
		names = append(names, s)
	}
	sort.Strings(names)
	for _, symbol := range names {
		book, err := simClient.getBook(symbol, 1)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to fetch book")
			continue
		}
		bid, ask := "-", "-"
		if len(book.Bids) > 0 {
			bid = book.Bids[0].Quantity.String() + " @ " + book.Bids[0].Price.String()
		}
		if len(book.Asks) > 0 {
			ask = book.Asks[0].Quantity.String() + " @ " + book.Asks[0].Price.String()
		}
		fmt.Printf("%-6s bid %-22s ask %s\n", symbol, bid, ask)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("total_orders", len(orderIDs)).
		Str("quantity_filled", traded.String()).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}
