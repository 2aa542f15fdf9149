package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	partners    int
)

// Metrics
var (
	totalRequests uint64
	accepted202   uint64 // Jobs queued
	success200    uint64 // Inline responses
	fail409       uint64 // Conflicts
	failOther     uint64

	jobsCompleted uint64
	jobsFailed    uint64
	settledOrders uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "runs", "Workload type: runs | adjust | mixed")
	flag.IntVar(&partners, "partners", 20, "Number of seeded partners")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		path, payload := nextRequest()
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusAccepted:
			atomic.AddUint64(&accepted202, 1)
			var accepted struct {
				JobID string `json:"job_id"`
			}
			if json.NewDecoder(resp.Body).Decode(&accepted) == nil && accepted.JobID != "" {
				waitJob(client, accepted.JobID)
			}
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func nextRequest() (string, map[string]any) {
	kind := workload
	if kind == "mixed" {
		// Mixed: 20% settlement runs, the rest adjustments
		if rand.Float32() < 0.2 {
			kind = "runs"
		} else {
			kind = "adjust"
		}
	}

	if kind == "adjust" {
		partnerID := fmt.Sprintf("partner-%04d", rand.Intn(partners)+1)
		amount := "100"
		if rand.Float32() < 0.5 {
			amount = "-100"
		}
		return "/api/v1/adjustments", map[string]any{
			"partner_id": partnerID,
			"amount":     amount,
			"reference":  "bench-" + uuid.NewString(),
			"reason":     "benchmark",
		}
	}
	return "/api/v1/settlements/runs", map[string]any{}
}

// waitJob polls the job until it reaches a terminal status.
func waitJob(client *http.Client, id string) {
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		resp, err := client.Get(targetURL + "/api/v1/jobs/" + id)
		if err != nil {
			return
		}
		var st struct {
			Status        string `json:"status"`
			SettledOrders uint64 `json:"settled_orders"`
		}
		err = json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if err != nil {
			return
		}

		switch st.Status {
		case "completed":
			atomic.AddUint64(&jobsCompleted, 1)
			atomic.AddUint64(&settledOrders, st.SettledOrders)
			return
		case "failed", "cancelled":
			atomic.AddUint64(&jobsFailed, 1)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s202 := atomic.LoadUint64(&accepted202)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"accepted_jobs":     s202,
		"success_inline":    s200,
		"conflicts":         f409,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
		"jobs_completed":    atomic.LoadUint64(&jobsCompleted),
		"jobs_failed":       atomic.LoadUint64(&jobsFailed),
		"settled_orders":    atomic.LoadUint64(&settledOrders),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
