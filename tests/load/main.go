package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/cache"
	httpserver "github.com/aapda-setu/verification-pipeline/internal/http"
	"github.com/aapda-setu/verification-pipeline/internal/http/handlers"
	"github.com/aapda-setu/verification-pipeline/internal/ml"
	"github.com/aapda-setu/verification-pipeline/internal/pipeline"
	"github.com/aapda-setu/verification-pipeline/internal/policy"
	"github.com/aapda-setu/verification-pipeline/internal/queue"
	"github.com/aapda-setu/verification-pipeline/internal/repository"
	"github.com/aapda-setu/verification-pipeline/internal/service"
	"github.com/aapda-setu/verification-pipeline/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server   *httptest.Server
	backends []*httptest.Server
	cancel   context.CancelFunc
}

func main() {
	submitTotal := flag.Int("submit-total", 400, "total report submissions")
	submitConcurrency := flag.Int("submit-concurrency", 32, "concurrency for report submissions")
	mediaTotal := flag.Int("media-total", 200, "total submissions carrying media refs")
	mediaConcurrency := flag.Int("media-concurrency", 16, "concurrency for media submissions")
	fetchTotal := flag.Int("fetch-total", 300, "total report status fetches")
	fetchConcurrency := flag.Int("fetch-concurrency", 24, "concurrency for status fetches")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment()
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.cancel()
	defer env.server.Close()
	for _, backend := range env.backends {
		defer backend.Close()
	}

	client := &http.Client{Timeout: 10 * time.Second}
	mediaURL := env.backends[len(env.backends)-1].URL + "/photo.jpg"

	var mu sync.Mutex
	createdIDs := make([]string, 0, *submitTotal)

	submitScenario := runScenario("report_submit", *submitTotal, *submitConcurrency, func(index int) error {
		payload := map[string]any{
			"tenant_id": "default",
			"text":      fmt.Sprintf("flooding reported on street %d, water still rising", index%50),
		}
		reportID, err := postReport(client, env.server.URL+"/v1/reports", payload)
		if err != nil {
			return err
		}
		mu.Lock()
		createdIDs = append(createdIDs, reportID)
		mu.Unlock()
		return nil
	})

	mediaScenario := runScenario("report_submit_with_media", *mediaTotal, *mediaConcurrency, func(index int) error {
		payload := map[string]any{
			"tenant_id":  "default",
			"text":       fmt.Sprintf("smoke visible near sector %d", index%40),
			"media_refs": []string{mediaURL},
		}
		_, err := postReport(client, env.server.URL+"/v1/reports", payload)
		return err
	})

	fetchScenario := runScenario("report_fetch", *fetchTotal, *fetchConcurrency, func(index int) error {
		mu.Lock()
		if len(createdIDs) == 0 {
			mu.Unlock()
			return fmt.Errorf("no reports available to fetch")
		}
		reportID := createdIDs[index%len(createdIDs)]
		mu.Unlock()
		return getJSON(client, env.server.URL+"/v1/reports/"+reportID, http.StatusOK)
	})

	results := []scenarioResult{submitScenario, mediaScenario, fetchScenario}
	slo := map[string]bool{
		"report_submit_p95_le_500ms": submitScenario.P95MS <= 500,
		"report_fetch_p95_le_200ms":  fetchScenario.P95MS <= 200,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment() (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	textBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text_score":0.72}`))
	}))
	imageBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"image_score":0.64,"is_tampered":false,"is_duplicate":false}`))
	}))
	mediaBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{0xCD}, 2048))
	}))

	repo := repository.NewMemoryReportsRepository()
	localQueue := queue.NewLocalQueue(4096, 3, logger)

	orchestrator := pipeline.NewOrchestrator(pipeline.Dependencies{
		Repo:     repo,
		Producer: localQueue,
		Defaults: policy.NewDefaults(0.5, 0.5),
		Logger:   logger,
	})
	localQueue.SetDeadLetterHandler(orchestrator.OnBranchExhausted)

	mediaCache := cache.NewMediaCache(cache.Config{TTL: 10 * time.Minute, MaxEntries: 512})
	textClient := ml.NewTextClient(ml.ClientConfig{BaseURL: textBackend.URL, Timeout: 5 * time.Second})
	imageClient := ml.NewImageClient(ml.ClientConfig{BaseURL: imageBackend.URL, Timeout: 5 * time.Second}, mediaCache)
	fusionClient := ml.NewFusionClient(ml.ClientConfig{}, ml.FusionWeights{})

	go worker.NewTextWorker(localQueue, textClient, orchestrator, 5*time.Second, logger).Start(ctx)
	go worker.NewImageWorker(localQueue, imageClient, orchestrator, 5*time.Second, logger).Start(ctx)
	go worker.NewFusionWorker(localQueue, fusionClient, orchestrator, 5*time.Second, logger).Start(ctx)

	reportsService := service.NewReportsService(repo, orchestrator, logger)
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(reportsService),
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	server := httptest.NewServer(router)
	return &benchmarkEnv{
		server:   server,
		backends: []*httptest.Server{textBackend, imageBackend, mediaBackend},
		cancel:   cancel,
	}, nil
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postReport(client *http.Client, url string, payload any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return "", fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, http.StatusCreated, string(body))
	}

	var decoded struct {
		ReportID string `json:"report_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.ReportID == "" {
		return "", fmt.Errorf("response missing report_id")
	}
	return decoded.ReportID, nil
}

func getJSON(client *http.Client, url string, expectedStatus int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
