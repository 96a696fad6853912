package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

const appPort = 8081

func main() {
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rps := flag.Int("rate", 100, "Requests per second")
	dupes := flag.Bool("dupes", false, "Replay the same event to measure the idempotent path")
	flag.Parse()

	fmt.Println("Building application...")
	buildCmd := exec.Command("go", "build", "-o", "bin/server", "./cmd/server")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}

	fmt.Println("Starting application...")
	cmd := exec.Command("./bin/server")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("SERVER_PORT=%d", appPort),
		"SERVER_API_KEYS=bench-key-12345",
		"STORE_DRIVER=memory",
		"RATE_LIMIT_REQUESTS_PER_SECOND=100000",
		"RATE_LIMIT_BURST=100000",
		"LOG_LEVEL=error",
	)

	logFile, _ := os.Create("bench_server.log")
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to start app: %v", err)
	}
	defer func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}()

	waitForApp(fmt.Sprintf("http://localhost:%d/health", appPort))

	mode := "unique events"
	if *dupes {
		mode = "duplicate replays"
	}
	fmt.Printf("Running record benchmark (%s): %s duration, %d req/s\n", mode, *duration, *rps)

	baseTS := time.Now().UTC().Format(time.RFC3339)
	var seq atomic.Int64

	targeter := func(t *vegeta.Target) error {
		n := int64(1)
		if !*dupes {
			n = seq.Add(1)
		}
		t.Method = "POST"
		t.URL = fmt.Sprintf("http://localhost:%d/ledger/v1/usage", appPort)
		t.Body = []byte(fmt.Sprintf(`{
			"operation": "text-generation",
			"model": "gpt-4o-mini",
			"user_id": "bench_user",
			"org_id": "bench_org",
			"resource_id": "asset_%d",
			"resource_type": "article",
			"timestamp": %q,
			"success": true,
			"tokens": {"input_tokens": 1200, "output_tokens": 300}
		}`, n, baseTS))
		t.Header = http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer bench-key-12345"},
		}
		return nil
	}

	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	var metrics vegeta.Metrics

	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: *rps, Per: time.Second}, *duration, "Record") {
		metrics.Add(res)
	}
	metrics.Close()

	fmt.Println("--------------------------------------------------")
	fmt.Println("99th percentile: ", metrics.Latencies.P99)
	fmt.Println("Mean:            ", metrics.Latencies.Mean)
	fmt.Println("Max:             ", metrics.Latencies.Max)
	fmt.Printf("Success:         %.2f%%\n", metrics.Success*100)
	fmt.Printf("Throughput:      %.2f req/s\n", metrics.Throughput)
	fmt.Println("--------------------------------------------------")

	if len(metrics.Errors) > 0 {
		fmt.Println("Error Set (first 5 unique):")

		uniqueErrors := make(map[string]bool)
		count := 0
		for _, msg := range metrics.Errors {
			if !uniqueErrors[msg] && count < 5 {
				fmt.Println(msg)

				uniqueErrors[msg] = true
				count++
			}
		}
	}
}

func waitForApp(url string) {
	for i := 0; i < 20; i++ {
		resp, err := http.Get(url)
		if err == nil && resp.StatusCode == 200 {
			resp.Body.Close()
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	log.Fatal("App timed out")
}
