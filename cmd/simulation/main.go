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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-oms/internal/types"
)

const (
	minIntents = 20
	maxIntents = 120
	numWorkers = 4
)

var (
	symbols    = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META", "NVDA"}
	strategies = []string{"MOMENTUM", "MEANREV", "SWING", "AI"}
	prices     = map[string]float64{
		"AAPL": 190, "GOOGL": 140, "MSFT": 410, "AMZN": 175, "META": 480, "NVDA": 115,
	}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes min, max, mean, median, p95 and p99 durations
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

// strategyClient drives one strategy's intent flow over HTTP
type strategyClient struct {
	baseURL    string
	strategyID string
	authToken  string
	client     *http.Client
	stats      map[string]*routeStats
}

func newStrategyClient(baseURL, strategyID string, stats map[string]*routeStats) (*strategyClient, error) {
	sc := &strategyClient{
		baseURL:    baseURL,
		strategyID: strategyID,
		client:     &http.Client{Timeout: 10 * time.Second},
		stats:      stats,
	}
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", strategyID, err)
	}
	sc.authToken = token
	return sc, nil
}

// authenticate exchanges the strategy's demo credentials for a JWT
func (sc *strategyClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	key := strings.ToLower(sc.strategyID) + "-api-key"
	credentials := map[string]string{
		"api_key":    key,
		"api_secret": key + "-secret",
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.Token, nil
}

// submitIntent posts one intent and returns the synchronous result
func (sc *strategyClient) submitIntent(intent map[string]any) (*types.IntentResult, error) {
	start := time.Now()
	defer func() {
		sc.stats["submit"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/intents", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Submit intent response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("submit intent failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool               `json:"success"`
		Data    types.IntentResult `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return &result.Data, nil
}

// getPositions fetches the strategy's view of the book
func (sc *strategyClient) getPositions() ([]types.PositionView, error) {
	start := time.Now()
	defer func() {
		sc.stats["positions"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest("GET", fmt.Sprintf("%s/api/v1/positions", sc.baseURL), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get positions failed with status %d", resp.StatusCode)
	}

	var result struct {
		Success bool                 `json:"success"`
		Data    []types.PositionView `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// randomIntent builds a plausible entry or exit for the strategy
func randomIntent(strategyID string, exitBias float64) map[string]any {
	symbol := symbols[rand.Intn(len(symbols))]
	px := prices[symbol]

	if rand.Float64() < exitBias {
		return map[string]any{
			"strategy_id": strategyID,
			"symbol":      symbol,
			"intent_type": "EXIT",
			"urgency":     "NORMAL",
		}
	}
	return map[string]any{
		"strategy_id":      strategyID,
		"symbol":           symbol,
		"intent_type":      "ENTER",
		"desired_qty":      float64(rand.Intn(40) + 5),
		"urgency":          "NORMAL",
		"time_horizon":     "INTRADAY",
		"entry_px":         px,
		"stop_px":          px * 0.98,
		"hard_stop_px":     px * 0.95,
		"cancel_after_sec": 30,
		"max_slippage_bps": 20,
	}
}

func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, rs := range stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main drives a multi-strategy intent load against a running server and
// reports outcome and latency statistics. Point it at a server with
// SERVER_ADDRESS; the default matches the local dev port.
func main() {
	baseURL := os.Getenv("SERVER_ADDRESS")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	stats := map[string]*routeStats{
		"auth":      {name: "Authentication"},
		"submit":    {name: "Submit Intent"},
		"positions": {name: "Get Positions"},
	}

	clients := make(map[string]*strategyClient, len(strategies))
	for _, strategyID := range strategies {
		sc, err := newStrategyClient(baseURL, strategyID, stats)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize strategy client")
		}
		clients[strategyID] = sc
	}

	targetIntents := rand.Intn(maxIntents-minIntents) + minIntents
	log.Info().Int("target_intents", targetIntents).Msg("Starting simulation")

	outcomes := struct {
		sync.Mutex
		byStatus map[types.IntentStatus]int
		byReason map[string]int
	}{
		byStatus: make(map[types.IntentStatus]int),
		byReason: make(map[string]int),
	}

	var wg sync.WaitGroup
	perWorker := targetIntents / numWorkers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				strategyID := strategies[rand.Intn(len(strategies))]
				sc := clients[strategyID]

				// Exits get more likely as the book fills up.
				result, err := sc.submitIntent(randomIntent(strategyID, 0.3))
				if err != nil {
					stats["submit"].addFailure()
					log.Error().Err(err).Int("worker", workerID).Msg("Failed to submit intent")
					continue
				}

				outcomes.Lock()
				outcomes.byStatus[result.Status]++
				if result.ReasonCode != "" {
					outcomes.byReason[result.ReasonCode]++
				}
				outcomes.Unlock()

				log.Info().
					Int("worker", workerID).
					Str("intent_id", result.IntentID).
					Str("status", string(result.Status)).
					Str("reason", result.ReasonCode).
					Str("order_id", result.OrderID).
					Msg("Intent processed")

				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	// Let fills and reconciliation settle before the final snapshot.
	time.Sleep(3 * time.Second)

	positions, err := clients[strategies[0]].getPositions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch final positions")
	}

	fmt.Println("\nIntent Outcomes")
	fmt.Println(strings.Repeat("-", 50))
	for status, count := range outcomes.byStatus {
		fmt.Printf("%-20s %10d\n", status, count)
	}
	fmt.Println("\nRejection / Deferral Reasons")
	fmt.Println(strings.Repeat("-", 50))
	for reason, count := range outcomes.byReason {
		fmt.Printf("%-30s %10d\n", reason, count)
	}

	fmt.Println("\nFinal Positions")
	fmt.Println(strings.Repeat("-", 70))
	for _, view := range positions {
		fmt.Printf("%-8s real=%8.0f avg=%8.2f frozen=%-5v allocs=%d\n",
			view.Symbol, view.RealQty, view.AvgPrice, view.Frozen, len(view.Allocations))
		for strategyID, alloc := range view.Allocations {
			fmt.Printf("  %-10s qty=%8.0f basis=%8.2f\n", strategyID, alloc.Quantity, alloc.CostBasis)
		}
	}

	printPerformanceStats(stats)
}
