package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trade-coordinator/internal/auth"
	"github.com/ksred/trade-coordinator/internal/types"
)

const (
	minTrades     = 15
	maxTrades     = 100
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
)

var (
	symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}
	sides   = []string{"BUY", "SELL"}
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

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, and p95 from recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0
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
	p95 = rs.durations[len(rs.durations)*95/100]
	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type client struct {
	http  *http.Client
	token string
}

func newClient() (*client, error) {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}

	body, _ := json.Marshal(auth.Credentials{
		APIKey:    auth.TestAPIKey,
		APISecret: auth.TestAPISecret,
	})
	resp, err := c.http.Post(serverAddress+"/api/v1/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("token request rejected")
	}

	var tok auth.TokenResponse
	if err := json.Unmarshal(env.Data, &tok); err != nil {
		return nil, err
	}
	c.token = tok.Token
	return c, nil
}

func (c *client) post(path string, payload interface{}, stats *routeStats) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, serverAddress+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		stats.record(elapsed, true)
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		stats.record(elapsed, true)
		return nil, err
	}
	stats.record(elapsed, !env.Success)
	return &env, nil
}

func randomTrade(rng *rand.Rand) *types.TradeParameters {
	return &types.TradeParameters{
		Symbol:            symbols[rng.Intn(len(symbols))],
		Side:              sides[rng.Intn(len(sides))],
		OrderType:         types.OrderTypeMarket,
		Quantity:          0.01 + rng.Float64()*0.05,
		ConfidenceScore:   0.5 + rng.Float64()*0.5,
		StopLossPercent:   2 + rng.Float64()*3,
		TakeProfitPercent: 4 + rng.Float64()*6,
		Priority:          rng.Intn(5),
	}
}

func main() {
	c, err := newClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to authenticate against server")
	}

	tradeStats := &routeStats{name: "POST /api/v1/trades"}
	closeStats := &routeStats{name: "POST /api/v1/positions/close-all"}

	total := minTrades + rand.Intn(maxTrades-minTrades+1)
	log.Info().Int("trades", total).Int("workers", numWorkers).Msg("starting simulation")

	outcomes := struct {
		sync.Mutex
		counts map[string]int
	}{counts: make(map[string]int)}

	jobs := make(chan *types.TradeParameters, total)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for params := range jobs {
				env, err := c.post("/api/v1/trades", params, tradeStats)
				key := "transport_error"
				if err == nil {
					if env.Error != nil {
						key = env.Error.Code
					} else {
						var res struct {
							Status string `json:"status"`
						}
						_ = json.Unmarshal(env.Data, &res)
						key = res.Status
					}
				}
				outcomes.Lock()
				outcomes.counts[key]++
				outcomes.Unlock()
			}
		}(w)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var last *types.TradeParameters
	for i := 0; i < total; i++ {
		params := randomTrade(rng)
		// Resubmit roughly every tenth trade verbatim to exercise the
		// idempotency path.
		if last != nil && i%10 == 9 {
			params = last
		}
		last = params
		jobs <- params
	}
	close(jobs)
	wg.Wait()

	// Let the monitor observe the opened positions briefly, then close
	// everything out.
	time.Sleep(10 * time.Second)
	if _, err := c.post("/api/v1/positions/close-all", map[string]string{"reason": "manual"}, closeStats); err != nil {
		log.Error().Err(err).Msg("close-all request failed")
	}

	log.Info().Interface("outcomes", outcomes.counts).Msg("simulation complete")
	for _, rs := range []*routeStats{tradeStats, closeStats} {
		min, max, mean, median, p95 := rs.calculate()
		log.Info().
			Str("route", rs.name).
			Int("calls", rs.totalCalls).
			Int("failures", rs.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Msg("route statistics")
	}
}
