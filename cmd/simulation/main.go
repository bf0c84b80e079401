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

	"github.com/gin-gonic/gin"
	"github.com/ksred/attribution-api/internal/allocation"
	"github.com/ksred/attribution-api/internal/audit"
	"github.com/ksred/attribution-api/internal/auth"
	"github.com/ksred/attribution-api/internal/broker"
	"github.com/ksred/attribution-api/internal/database"
	"github.com/ksred/attribution-api/internal/exits"
	"github.com/ksred/attribution-api/internal/idempotency"
	"github.com/ksred/attribution-api/internal/locks"
	"github.com/ksred/attribution-api/internal/policy"
	"github.com/ksred/attribution-api/internal/reconciliation"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/ksred/attribution-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minExits      = 15
	maxExits      = 60
	numWorkers    = 4
	serverAddress = "http://localhost:8080"
	simAPIKey     = "sim-api-key"
	simAPISecret  = "sim-api-secret"
	jwtSecret     = "simulation-secret-key"
)

var (
	accounts   = []string{"ACC_ALPHA", "ACC_BETA", "ACC_GAMMA"}
	symbols    = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	strategies = []string{"momentum", "mean_reversion", "breakout", "pairs"}
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
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
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

// simulationClient handles HTTP communication with the attribution API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
	statsMu   sync.Mutex
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"seed":      {name: "Seed Position"},
			"exit":      {name: "Submit Exit"},
			"cases":     {name: "List Cases"},
			"resolve":   {name: "Resolve Case"},
			"reconcile": {name: "Reconciliation"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) record(route string, start time.Time, failed bool) {
	sc.statsMu.Lock()
	defer sc.statsMu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(time.Since(start))
	if failed {
		rs.failures++
	}
}

// doJSON performs an authenticated JSON request and decodes the envelope's
// data field into out (which may be nil when the caller ignores the body).
func (sc *simulationClient) doJSON(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("auth", start, failed) }()

	credentials := map[string]string{
		"api_key":    simAPIKey,
		"api_secret": simAPISecret,
	}

	raw, err := json.Marshal(credentials)
	if err != nil {
		failed = true
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(raw),
	)
	if err != nil {
		failed = true
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		failed = true
		return "", err
	}

	return result.Data.Token, nil
}

// seedPosition records an open position through the internal API
func (sc *simulationClient) seedPosition(position *types.Position) (*types.Position, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("seed", start, failed) }()

	var result struct {
		Success bool           `json:"success"`
		Data    types.Position `json:"data"`
	}
	if err := sc.doJSON("POST", "/api/v1/internal/positions", position, &result); err != nil {
		failed = true
		return nil, err
	}
	return &result.Data, nil
}

// submitExit submits an exit event and returns the processing outcome
func (sc *simulationClient) submitExit(req *exits.SubmitRequest) (*exits.Outcome, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("exit", start, failed) }()

	var result struct {
		Success bool          `json:"success"`
		Data    exits.Outcome `json:"data"`
	}
	if err := sc.doJSON("POST", "/api/v1/exits", req, &result); err != nil {
		failed = true
		return nil, err
	}
	return &result.Data, nil
}

// listPendingCases retrieves unresolved attribution cases
func (sc *simulationClient) listPendingCases() ([]allocation.Case, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("cases", start, failed) }()

	var result struct {
		Success bool              `json:"success"`
		Data    []allocation.Case `json:"data"`
	}
	if err := sc.doJSON("GET", "/api/v1/cases", nil, &result); err != nil {
		failed = true
		return nil, err
	}
	return result.Data, nil
}

// resolveCase applies a manual resolution to a pending case
func (sc *simulationClient) resolveCase(caseID string, res *allocation.Resolution) (*allocation.ResultView, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("resolve", start, failed) }()

	var result struct {
		Success bool                  `json:"success"`
		Data    allocation.ResultView `json:"data"`
	}
	if err := sc.doJSON("POST", fmt.Sprintf("/api/v1/cases/%s/resolve", caseID), res, &result); err != nil {
		failed = true
		return nil, err
	}
	return &result.Data, nil
}

// seedOrder records an internal order so the reconciliation worker has
// something to reconcile
func (sc *simulationClient) seedOrder(order *types.Order) error {
	start := time.Now()
	failed := false
	defer func() { sc.record("reconcile", start, failed) }()

	if err := sc.doJSON("POST", "/api/v1/internal/orders", order, nil); err != nil {
		failed = true
		return err
	}
	return nil
}

// seedBrokerStatus injects ground-truth state into the mock broker
func (sc *simulationClient) seedBrokerStatus(status *broker.OrderStatus) error {
	start := time.Now()
	failed := false
	defer func() { sc.record("reconcile", start, failed) }()

	if err := sc.doJSON("POST", "/api/v1/internal/broker/orders", status, nil); err != nil {
		failed = true
		return err
	}
	return nil
}

// runReconciliation triggers one reconciliation pass and returns the report
func (sc *simulationClient) runReconciliation() (*reconciliation.Report, error) {
	start := time.Now()
	failed := false
	defer func() { sc.record("reconcile", start, failed) }()

	var result struct {
		Success bool                  `json:"success"`
		Data    reconciliation.Report `json:"data"`
	}
	if err := sc.doJSON("POST", "/api/v1/internal/reconciliation/run", nil, &result); err != nil {
		failed = true
		return nil, err
	}
	return &result.Data, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the attribution simulation
// It starts a local API server, seeds positions, submits concurrent exit
// events, resolves the manual cases they raise, and finally exercises
// drift reconciliation against the mock broker
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Seed open positions across accounts, symbols and strategies
	seeded := seedPositions(simClient)
	log.Info().Int("positions", seeded).Msg("Positions seeded")

	// Generate random number of exits to process
	targetExits := rand.Intn(maxExits-minExits) + minExits
	log.Info().Int("target_exits", targetExits).Msg("Starting simulation")

	outcomesChan := make(chan *exits.Outcome, targetExits)
	exitQuantities := &sync.Map{} // exit_id -> submitted quantity
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			submitExitsHTTP(workerID, targetExits/numWorkers, simClient, outcomesChan, exitQuantities)
		}(i)
	}

	wg.Wait()
	close(outcomesChan)

	// Collect statistics during processing
	stats := struct {
		TotalExits     int
		AutoApproved   int
		ManualRequired int
		Blocked        int
		PartialCases   int
		ResolvedCases  int
		FailedResolves int
		TotalAllocated float64
		StartTime      time.Time
		Symbols        map[string]int
		Policies       map[string]int
	}{
		StartTime: time.Now(),
		Symbols:   make(map[string]int),
		Policies:  make(map[string]int),
	}

	for outcome := range outcomesChan {
		stats.TotalExits++
		if outcome.Decision != nil {
			stats.Policies[outcome.Decision.PolicyApplied]++
			switch outcome.Decision.Decision {
			case policy.DecisionAutoApproved:
				stats.AutoApproved++
			case policy.DecisionManualRequired:
				stats.ManualRequired++
			case policy.DecisionBlocked:
				stats.Blocked++
			}
		}
		if outcome.Result != nil {
			stats.TotalAllocated += outcome.Result.TotalAllocatedQuantity
			stats.Symbols[outcome.Result.Symbol]++
			if outcome.Result.RequiresManualIntervention {
				stats.PartialCases++
			}
		}
	}

	log.Info().
		Int("total", stats.TotalExits).
		Int("auto", stats.AutoApproved).
		Int("manual", stats.ManualRequired).
		Int("blocked", stats.Blocked).
		Msg("All exits submitted")

	// Resolve pending cases with a greedy split over the candidate snapshot
	pending, err := simClient.listPendingCases()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pending cases")
	}
	for i := range pending {
		resolved, err := resolvePendingCase(simClient, &pending[i], exitQuantities)
		if err != nil {
			log.Error().Err(err).Str("case_id", pending[i].CaseID).Msg("Failed to resolve case")
			stats.FailedResolves++
			continue
		}
		if resolved != nil {
			stats.ResolvedCases++
			stats.TotalAllocated += resolved.TotalAllocatedQuantity
			log.Info().
				Str("case_id", pending[i].CaseID).
				Str("allocation_id", resolved.AllocationID).
				Float64("allocated", resolved.TotalAllocatedQuantity).
				Msg("Case resolved")
		}
	}

	// Exercise reconciliation: seed a sell order the broker filled behind
	// our back, then run a pass and let the worker converge the drift
	report := exerciseReconciliation(simClient)

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 ATTRIBUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Exit Statistics
------------------
Total Exits:      %d
Auto Approved:    %d
Manual Required:  %d
Blocked:          %d
Partial (cases):  %d
Cases Resolved:   %d
Failed Resolves:  %d
Total Allocated:  %.2f
Duration:         %v

📈 Policy Distribution
--------------------
`, stats.TotalExits, stats.AutoApproved, stats.ManualRequired, stats.Blocked,
		stats.PartialCases, stats.ResolvedCases, stats.FailedResolves,
		stats.TotalAllocated, duration.Round(time.Millisecond))

	maxPolicyCount := 0
	for _, count := range stats.Policies {
		if count > maxPolicyCount {
			maxPolicyCount = count
		}
	}
	for name, count := range stats.Policies {
		barLength := int(float64(count) / float64(maxPolicyCount) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-28s: %s (%d)\n", name, bar, count)
	}

	if report != nil {
		fmt.Printf(`
🔍 Reconciliation
-----------------
Checked:          %d
Drift Detected:   %d
Corrected:        %d
Errors:           %d
`, report.TotalChecked, report.DriftCount, report.Corrected, report.Errors)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("total_exits", stats.TotalExits).
		Int("resolved_cases", stats.ResolvedCases).
		Float64("total_allocated", stats.TotalAllocated).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// seedPositions creates a few strategy positions per account and symbol
func seedPositions(simClient *simulationClient) int {
	seeded := 0
	for _, account := range accounts {
		for _, symbol := range symbols {
			n := rand.Intn(3) + 2 // 2-4 positions per account/symbol
			for i := 0; i < n; i++ {
				position := &types.Position{
					TradingAccountID: account,
					Symbol:           symbol,
					Quantity:         float64(rand.Intn(100) + 25),
					StrategyID:       strategies[rand.Intn(len(strategies))],
					EntryPrice:       float64(rand.Intn(400) + 50),
				}
				if _, err := simClient.seedPosition(position); err != nil {
					log.Error().Err(err).
						Str("account", account).
						Str("symbol", symbol).
						Msg("Failed to seed position")
					continue
				}
				seeded++
			}
		}
	}
	return seeded
}

// submitExitsHTTP generates and submits random exit events to the API
// Runs as a worker goroutine, sending outcomes to outcomesChan
func submitExitsHTTP(workerID, numExits int, simClient *simulationClient, outcomesChan chan<- *exits.Outcome, exitQuantities *sync.Map) {
	for i := 0; i < numExits; i++ {
		req := &exits.SubmitRequest{
			TradingAccountID: accounts[rand.Intn(len(accounts))],
			Symbol:           symbols[rand.Intn(len(symbols))],
			ExitQuantity:     float64(rand.Intn(150) + 10),
			ExitPrice:        float64(rand.Intn(400) + 50),
		}

		// Occasionally override the gate's recommendation
		if rand.Intn(10) == 0 {
			method := types.MethodProportional
			req.OverrideMethod = &method
		}

		outcome, err := simClient.submitExit(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("symbol", req.Symbol).
				Msg("Failed to submit exit")
			continue
		}

		exitQuantities.Store(outcome.ExitID, req.ExitQuantity)
		outcomesChan <- outcome
		log.Info().
			Int("worker_id", workerID).
			Str("exit_id", outcome.ExitID).
			Str("symbol", req.Symbol).
			Float64("quantity", req.ExitQuantity).
			Str("decision", outcome.Decision.Decision).
			Msg("Exit submitted")

		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// resolvePendingCase builds a greedy manual split over the case's candidate
// snapshot and applies it. Cases raised for exits this run did not submit
// (or whose positions have since been consumed) are skipped or fail; both
// are acceptable in a simulation.
func resolvePendingCase(simClient *simulationClient, pendingCase *allocation.Case, exitQuantities *sync.Map) (*allocation.ResultView, error) {
	quantity, ok := exitQuantities.Load(pendingCase.ExitID)
	if !ok {
		return nil, nil
	}
	remaining := quantity.(float64)

	var candidates []types.Position
	if err := json.Unmarshal([]byte(pendingCase.CandidateSnapshot), &candidates); err != nil {
		return nil, fmt.Errorf("failed to parse candidate snapshot: %w", err)
	}

	allocations := make(map[string]float64)
	for _, candidate := range candidates {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, candidate.Quantity)
		allocations[candidate.PositionID] = take
		remaining -= take
	}
	if remaining > 0 || len(allocations) == 0 {
		// The exit exceeds what the snapshot can cover; leave for an operator
		return nil, nil
	}

	return simClient.resolveCase(pendingCase.CaseID, &allocation.Resolution{
		DecisionMaker: "simulation-operator",
		Rationale:     "greedy split across snapshot candidates",
		Allocations:   allocations,
	})
}

// exerciseReconciliation seeds drift between internal and broker order state
// and runs one reconciliation pass
func exerciseReconciliation(simClient *simulationClient) *reconciliation.Report {
	brokerOrderID := "BRK_SIM_001"
	order := &types.Order{
		OrderID:          "ORD_SIM_001",
		TradingAccountID: accounts[0],
		Symbol:           symbols[0],
		Side:             "SELL",
		Quantity:         40,
		FilledQuantity:   0,
		Price:            180,
		Status:           types.OrderPending,
		BrokerOrderID:    brokerOrderID,
	}
	if err := simClient.seedOrder(order); err != nil {
		log.Error().Err(err).Msg("Failed to seed internal order")
		return nil
	}

	// Broker saw the fill; our copy still says PENDING
	status := &broker.OrderStatus{
		BrokerOrderID:  brokerOrderID,
		Status:         types.OrderComplete,
		FilledQuantity: 40,
		AvgFillPrice:   181.5,
		UpdatedAt:      time.Now(),
	}
	if err := simClient.seedBrokerStatus(status); err != nil {
		log.Error().Err(err).Msg("Failed to seed broker status")
		return nil
	}

	report, err := simClient.runReconciliation()
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation run failed")
		return nil
	}

	log.Info().
		Str("report_id", report.ReportID).
		Int("drift_count", report.DriftCount).
		Int("corrected", report.Corrected).
		Msg("Reconciliation pass complete")
	return report
}

// startServer initializes and starts the attribution API server
// Sets up all required services, handlers and routes
func startServer() error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret, 24*time.Hour)
	authService.RegisterAPICredentials(simAPIKey, simAPISecret)

	auditService := audit.NewService(db)
	coordinator := locks.NewCoordinator(db, 30*time.Second, 5*time.Second)
	ledger := idempotency.NewLedger(db, 3, 24*time.Hour)
	engine := allocation.NewEngine(db, auditService, coordinator, ledger, 30*time.Second, 5, 50*time.Millisecond)
	gate := policy.NewGate(db, auditService)
	exitService := exits.NewService(db, gate, engine)
	brokerClient := broker.NewMock()
	worker := reconciliation.NewWorker(db, brokerClient, auditService, exitService,
		5*time.Second, time.Minute, reconciliation.Scope{MaxAge: 24 * time.Hour, BatchSize: 100})

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	auditHandlers := audit.NewGinHandlers(auditService)
	allocationHandlers := allocation.NewGinHandlers(engine)
	exitHandlers := exits.NewGinHandlers(exitService)
	reconciliationHandlers := reconciliation.NewGinHandlers(worker)

	setupRoutes(router, authHandlers, exitHandlers, allocationHandlers, auditHandlers, reconciliationHandlers, brokerClient)

	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	exitHandlers *exits.GinHandlers,
	allocationHandlers *allocation.GinHandlers,
	auditHandlers *audit.GinHandlers,
	reconciliationHandlers *reconciliation.GinHandlers,
	brokerMock *broker.Mock,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Exit attribution routes
		exitsGroup := v1.Group("/exits")
		exitsGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			exitsGroup.POST("", exitHandlers.SubmitExitHandler())
		}

		allocations := v1.Group("/allocations")
		allocations.Use(middleware.JWTAuth(jwtSecret))
		{
			allocations.GET("/:allocation_id", allocationHandlers.GetAllocationHandler())
		}

		cases := v1.Group("/cases")
		cases.Use(middleware.JWTAuth(jwtSecret))
		{
			cases.GET("", allocationHandlers.ListPendingCasesHandler())
			cases.GET("/:case_id", allocationHandlers.GetCaseHandler())
			cases.POST("/:case_id/resolve", allocationHandlers.ResolveCaseHandler())
		}

		auditGroup := v1.Group("/audit")
		auditGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			auditGroup.GET("", auditHandlers.ListEntriesHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.JWTAuth(jwtSecret))
		{
			internal.POST("/reconciliation/run", reconciliationHandlers.RunHandler())
			internal.POST("/reconciliation/orders/:order_id", reconciliationHandlers.ReconcileOrderHandler())
			internal.POST("/orders", reconciliationHandlers.SeedOrderHandler())
			internal.POST("/positions", exitHandlers.SeedPositionHandler())
			internal.GET("/positions", exitHandlers.ListPositionsHandler())
			internal.POST("/broker/orders", seedBrokerOrderHandler(brokerMock))
		}
	}
}

// seedBrokerOrderHandler injects ground-truth order state into the mock broker
func seedBrokerOrderHandler(mock *broker.Mock) gin.HandlerFunc {
	return func(c *gin.Context) {
		var status broker.OrderStatus
		if err := c.ShouldBindJSON(&status); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if status.BrokerOrderID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "broker_order_id is required"})
			return
		}
		mock.SetOrderStatus(status.BrokerOrderID, status)
		c.JSON(http.StatusCreated, status)
	}
}
