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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tabshare/tabshare-api/internal/auth"
	"github.com/tabshare/tabshare-api/internal/config"
	"github.com/tabshare/tabshare-api/internal/database"
	"github.com/tabshare/tabshare-api/internal/events"
	"github.com/tabshare/tabshare-api/internal/gateway"
	"github.com/tabshare/tabshare-api/internal/reconcile"
	"github.com/tabshare/tabshare-api/internal/types"
)

const (
	minGroups     = 10
	maxGroups     = 60
	numWorkers    = 5
	serverAddress = "http://localhost:8080"

	duplicateWebhookRate = 0.2 // share of paid webhooks delivered twice
	failedWebhookRate    = 0.1 // share of intents the gateway fails
)

var guestNames = []string{"Ana", "Bruno", "Carla", "Diego", "Elisa", "Fabio", "Gabi", "Hugo"}

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

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes min, max, mean, median, 95th and 99th percentile durations
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

// simulationClient handles HTTP communication with the split-bill API
type simulationClient struct {
	baseURL       string
	authToken     string
	webhookSecret string
	client        *http.Client
	stats         map[string]*routeStats
}

func newSimulationClient(webhookSecret string) (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL:       serverAddress,
		webhookSecret: webhookSecret,
		client:        client,
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"create":  {name: "Create Group"},
			"join":    {name: "Join And Pay"},
			"webhook": {name: "Gateway Webhook"},
			"poll":    {name: "Poll Group"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate exchanges the venue credentials for a host JWT
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
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
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// createGroup opens a new shared bill and returns its ID
func (sc *simulationClient) createGroup(total float64, table string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["create"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"cart": []types.CartItem{
			{Name: "Chopp", Quantity: 4, UnitPrice: total / 8},
			{Name: "Petiscos", Quantity: 2, UnitPrice: total / 4},
		},
		"total":      total,
		"table_code": table,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/groups", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create group failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			GroupOrderID string `json:"group_order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.GroupOrderID == "" {
		return "", fmt.Errorf("no group ID in response: %s", string(respBody))
	}

	return result.Data.GroupOrderID, nil
}

// join declares a guest share and returns the gateway payment reference
func (sc *simulationClient) join(groupID, identity string, share float64) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["join"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"identity":     identity,
		"share_amount": share,
		"document":     randomCPF(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/groups/%s/join", sc.baseURL, groupID),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("join failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			PaymentReference string `json:"payment_reference"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.PaymentReference == "" {
		return "", fmt.Errorf("no payment reference in response: %s", string(respBody))
	}

	return result.Data.PaymentReference, nil
}

// deliverWebhook plays the gateway's part: a signed confirmation callback
func (sc *simulationClient) deliverWebhook(paymentReference, eventType string, amount float64) error {
	start := time.Now()
	defer func() {
		sc.stats["webhook"].addDuration(time.Since(start))
	}()

	payload := gateway.WebhookPayload{
		PaymentReference: paymentReference,
		EventType:        eventType,
		Amount:           amount,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/webhooks/payment-gateway", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(sc.webhookSecret, body))

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// pollGroup reads the current group snapshot
func (sc *simulationClient) pollGroup(groupID string) (*types.GroupSnapshot, error) {
	start := time.Now()
	defer func() {
		sc.stats["poll"].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/groups/%s", sc.baseURL, groupID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data types.GroupSnapshot `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
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

// groupOutcome is what one simulated table ended up as
type groupOutcome struct {
	groupID   string
	target    float64
	paidSum   float64
	status    string
	guests    int
	failedPay int
}

// main runs the split-bill simulation: a local server, concurrent hosts
// opening bills, guests paying their shares, and the gateway confirming
// them with duplicates and failures mixed in.
func main() {
	cfg := config.Load()
	cfg.DBPath = "simulation.db"

	go func() {
		if err := startServer(cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient(cfg.WebhookSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetGroups := rand.Intn(maxGroups-minGroups) + minGroups
	log.Info().Int("target_groups", targetGroups).Msg("Starting simulation")

	outcomes := make(chan groupOutcome, targetGroups)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runTables(workerID, targetGroups/numWorkers, simClient, outcomes)
		}(i)
	}

	wg.Wait()
	close(outcomes)

	// Aggregate results
	stats := struct {
		TotalGroups    int
		Completed      int
		StillPending   int
		Cancelled      int
		TotalTarget    float64
		TotalCollected float64
		FailedPayments int
		StartTime      time.Time
		GuestHistogram map[int]int
	}{
		StartTime:      time.Now(),
		GuestHistogram: make(map[int]int),
	}

	for outcome := range outcomes {
		stats.TotalGroups++
		stats.TotalTarget += outcome.target
		stats.TotalCollected += outcome.paidSum
		stats.FailedPayments += outcome.failedPay
		stats.GuestHistogram[outcome.guests]++

		switch outcome.status {
		case types.GroupStatusCompleted:
			stats.Completed++
		case types.GroupStatusCancelled:
			stats.Cancelled++
		default:
			stats.StillPending++
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SPLIT-BILL SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Group Statistics
----------------
Total Groups:     %d
Completed:        %d
Still Pending:    %d
Cancelled:        %d
Failed Payments:  %d
Target Total:     R$%.2f
Collected Total:  R$%.2f

Guests Per Table
----------------
`, stats.TotalGroups, stats.Completed, stats.StillPending, stats.Cancelled,
		stats.FailedPayments, stats.TotalTarget, stats.TotalCollected)

	maxCount := 0
	for _, count := range stats.GuestHistogram {
		if count > maxCount {
			maxCount = count
		}
	}
	for guests := 2; guests <= 5; guests++ {
		count := stats.GuestHistogram[guests]
		barLength := 0
		if maxCount > 0 {
			barLength = int(float64(count) / float64(maxCount) * 20)
		}
		fmt.Printf("%d guests: %s (%d)\n", guests, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	completionRate := 0.0
	if stats.TotalGroups > 0 {
		completionRate = float64(stats.Completed) / float64(stats.TotalGroups) * 100
	}
	log.Info().
		Float64("completion_rate", completionRate).
		Int("total_groups", stats.TotalGroups).
		Float64("collected_total", stats.TotalCollected).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// runTables simulates one worker's share of tables end to end
func runTables(workerID, numGroups int, simClient *simulationClient, outcomes chan<- groupOutcome) {
	for i := 0; i < numGroups; i++ {
		target := float64(rand.Intn(240)+60) + 0.40
		table := fmt.Sprintf("T%d%d", workerID, i)

		groupID, err := simClient.createGroup(target, table)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to create group")
			continue
		}

		guests := rand.Intn(4) + 2
		share := target / float64(guests)

		outcome := groupOutcome{groupID: groupID, target: target, guests: guests}

		// Guests pay their shares concurrently, gateway confirms async
		var guestWG sync.WaitGroup
		var mu sync.Mutex
		for g := 0; g < guests; g++ {
			guestWG.Add(1)
			go func(guestIdx int) {
				defer guestWG.Done()

				identity := guestNames[rand.Intn(len(guestNames))]
				ref, err := simClient.join(groupID, identity, share)
				if err != nil {
					log.Warn().Err(err).Str("group_id", groupID).Msg("Guest failed to join")
					mu.Lock()
					outcome.failedPay++
					mu.Unlock()
					return
				}

				// Webhook arrives after a random gateway processing delay
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)

				eventType := gateway.EventPaid
				if rand.Float64() < failedWebhookRate {
					eventType = gateway.EventFailed
				}

				if err := simClient.deliverWebhook(ref, eventType, share); err != nil {
					log.Warn().Err(err).Str("payment_reference", ref).Msg("Webhook delivery failed")
					return
				}

				// The gateway redelivers at least once for some payments
				if eventType == gateway.EventPaid && rand.Float64() < duplicateWebhookRate {
					if err := simClient.deliverWebhook(ref, eventType, share); err != nil {
						log.Warn().Err(err).Str("payment_reference", ref).Msg("Duplicate webhook delivery failed")
					}
				}

				if eventType == gateway.EventFailed {
					mu.Lock()
					outcome.failedPay++
					mu.Unlock()
				}
			}(g)
		}
		guestWG.Wait()

		snapshot, err := simClient.pollGroup(groupID)
		if err != nil {
			log.Error().Err(err).Str("group_id", groupID).Msg("Failed to poll group")
			outcomes <- outcome
			continue
		}

		outcome.paidSum = snapshot.PaidSum
		outcome.status = snapshot.Status
		outcomes <- outcome

		log.Info().
			Int("worker_id", workerID).
			Str("group_id", groupID).
			Float64("target", target).
			Float64("paid_sum", snapshot.PaidSum).
			Str("status", snapshot.Status).
			Int("guests", guests).
			Msg("Table settled")

		time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
	}
}

// randomCPF produces an 11-digit document for anonymous guests
func randomCPF() string {
	digits := make([]byte, 11)
	for i := range digits {
		digits[i] = byte('0' + rand.Intn(10))
	}
	// Avoid the repeated-digit sequences the engine rejects
	digits[10] = byte('0' + (int(digits[0]-'0')+1)%10)
	return string(digits)
}

// startServer initializes and starts the split-bill API server
func startServer(cfg config.Config) error {
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	reconcileService := reconcile.NewService(db, gateway.NewSimulated(),
		&events.LogPublisher{Producer: "simulation"}, reconcile.Options{
			DefaultTTL:     cfg.DefaultTTL,
			LockTimeout:    cfg.LockTimeout,
			GatewayTimeout: cfg.GatewayTimeout,
		})

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	reconcileHandlers := reconcile.NewGinHandlers(reconcileService)
	webhookHandlers := gateway.NewWebhookHandlers(reconcileService, cfg.WebhookSecret)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		groups := v1.Group("/groups")
		{
			groups.POST("", reconcileHandlers.CreateGroupHandler())
			groups.POST("/:group_id/cancel", reconcileHandlers.CancelGroupHandler())
			groups.POST("/:group_id/join", reconcileHandlers.JoinHandler())
			groups.GET("/:group_id", reconcileHandlers.GetGroupHandler())
		}

		v1.POST("/webhooks/payment-gateway", webhookHandlers.PaymentEventHandler())
	}

	return router.Run(":8080")
}
