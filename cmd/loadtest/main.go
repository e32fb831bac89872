// Loadtest drives concurrent traffic through the gateway and reports
// throughput, latency percentiles, and which node served each request.
//
// Usage:
//
//	go run ./cmd/loadtest --url http://localhost:8080/tracks --concurrency 10 --requests 1000
//	go run ./cmd/loadtest --url http://localhost:8080 --requests 5000 --out summary.json
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/node-selector/internal/handler"
)

const unknownNode = "(unknown)"

type options struct {
	URL         string
	Method      string
	Body        string
	Concurrency int
	Requests    int
	Timeout     time.Duration
}

// NodeSummary aggregates the requests one node served.
type NodeSummary struct {
	Total   int     `json:"total"`
	Success int     `json:"success"`
	Failure int     `json:"failure"`
	P50     float64 `json:"p50_ms"`
	P90     float64 `json:"p90_ms"`
	P99     float64 `json:"p99_ms"`

	latencies []time.Duration
}

type Report struct {
	Target       string                  `json:"target"`
	Requests     int                     `json:"requests"`
	Concurrency  int                     `json:"concurrency"`
	Success      int                     `json:"success"`
	Failure      int                     `json:"failure"`
	Duration     time.Duration           `json:"duration_ns"`
	Throughput   float64                 `json:"throughput_rps"`
	StatusCodes  map[int]int             `json:"status_codes"`
	Nodes        map[string]*NodeSummary `json:"nodes"`
	NodeSwitches int                     `json:"node_switches"`
	P50          float64                 `json:"p50_ms"`
	P99          float64                 `json:"p99_ms"`

	mu        sync.Mutex
	lastNode  string
	latencies []time.Duration
}

func (r *Report) record(node string, status int, dur time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latencies = append(r.latencies, dur)
	if err != nil {
		r.Failure++
		return
	}

	r.StatusCodes[status]++
	if node == "" {
		node = unknownNode
	}
	if r.lastNode != "" && node != r.lastNode {
		r.NodeSwitches++
	}
	r.lastNode = node

	ns, ok := r.Nodes[node]
	if !ok {
		ns = &NodeSummary{}
		r.Nodes[node] = ns
	}
	ns.Total++
	ns.latencies = append(ns.latencies, dur)

	if status >= 200 && status <= 299 {
		r.Success++
		ns.Success++
	} else {
		r.Failure++
		ns.Failure++
	}
}

func (r *Report) finish(elapsed time.Duration) {
	r.Duration = elapsed
	if elapsed > 0 {
		r.Throughput = float64(r.Success+r.Failure) / elapsed.Seconds()
	}
	r.P50 = percentileMillis(r.latencies, 0.50)
	r.P99 = percentileMillis(r.latencies, 0.99)
	for _, ns := range r.Nodes {
		ns.P50 = percentileMillis(ns.latencies, 0.50)
		ns.P90 = percentileMillis(ns.latencies, 0.90)
		ns.P99 = percentileMillis(ns.latencies, 0.99)
	}
}

func percentileMillis(samples []time.Duration, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	tmp := make([]time.Duration, len(samples))
	copy(tmp, samples)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	return float64(tmp[int(float64(len(tmp)-1)*p)].Microseconds()) / 1000.0
}

func run(ctx context.Context, opts options) (*Report, error) {
	client := &http.Client{Timeout: opts.Timeout}
	report := &Report{
		Target:      opts.URL,
		Requests:    opts.Requests,
		Concurrency: opts.Concurrency,
		StatusCodes: make(map[int]int),
		Nodes:       make(map[string]*NodeSummary),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	start := time.Now()
	for i := 0; i < opts.Requests; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, bytes.NewBufferString(opts.Body))
			if err != nil {
				return err
			}
			if opts.Body != "" {
				req.Header.Set("Content-Type", "application/json")
			}

			began := time.Now()
			resp, err := client.Do(req)
			dur := time.Since(began)
			if err != nil {
				report.record("", 0, dur, err)
				return nil
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			report.record(resp.Header.Get(handler.SelectedNodeHeader), resp.StatusCode, dur, nil)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.finish(time.Since(start))

	return report, nil
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintln(w, "--- Load Test Summary ---")
	fmt.Fprintf(w, "Target: %s\n", r.Target)
	fmt.Fprintf(w, "Requests: %d  Concurrency: %d\n", r.Requests, r.Concurrency)
	fmt.Fprintf(w, "Success: %d  Failure: %d\n", r.Success, r.Failure)
	fmt.Fprintf(w, "Duration: %v  Throughput: %.2f req/s\n", r.Duration, r.Throughput)
	fmt.Fprintf(w, "Latency: p50=%.2fms p99=%.2fms\n", r.P50, r.P99)
	fmt.Fprintf(w, "Node switches: %d\n", r.NodeSwitches)

	fmt.Fprintln(w, "\nStatus codes:")
	codes := make([]int, 0, len(r.StatusCodes))
	for k := range r.StatusCodes {
		codes = append(codes, k)
	}
	sort.Ints(codes)
	for _, k := range codes {
		fmt.Fprintf(w, "  %d -> %d\n", k, r.StatusCodes[k])
	}

	fmt.Fprintln(w, "\nServed by:")
	nodes := make([]string, 0, len(r.Nodes))
	for k := range r.Nodes {
		nodes = append(nodes, k)
	}
	sort.Strings(nodes)
	for _, k := range nodes {
		ns := r.Nodes[k]
		fmt.Fprintf(w, "  %s -> total=%d success=%d failure=%d p50=%.2fms p90=%.2fms p99=%.2fms\n",
			k, ns.Total, ns.Success, ns.Failure, ns.P50, ns.P90, ns.P99)
	}
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("loadtest", pflag.ExitOnError)
	fs.StringVar(&opts.URL, "url", "http://localhost:8080/", "target URL")
	fs.StringVar(&opts.Method, "method", http.MethodGet, "HTTP method")
	fs.StringVar(&opts.Body, "body", "", "request body")
	fs.IntVar(&opts.Concurrency, "concurrency", 10, "number of concurrent workers")
	fs.IntVar(&opts.Requests, "requests", 100, "total number of requests to send")
	fs.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	out := fs.String("out", "", "write a JSON summary to this file")
	_ = fs.Parse(os.Args[1:])

	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	report, err := run(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}
	printReport(os.Stdout, report)

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create json file: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		f.Close()
		fmt.Printf("\nWrote JSON summary to %s\n", *out)
	}

	if report.Failure > 0 {
		os.Exit(2)
	}
}
