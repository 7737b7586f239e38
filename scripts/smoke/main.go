// Command smoke probes a running API instance and reports whether its
// public surface is up. Intended for post-deploy checks.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

type target struct {
	Method   string
	Path     string
	Expect   int
	Critical bool
}

type result struct {
	Target   target
	Status   int
	OK       bool
	Err      error
	Duration time.Duration
}

func defaultTargets(prefix string) []target {
	return []target{
		{Method: http.MethodGet, Path: "/health", Expect: http.StatusOK, Critical: true},
		{Method: http.MethodGet, Path: "/ready", Expect: http.StatusOK, Critical: true},
		{Method: http.MethodGet, Path: "/metrics", Expect: http.StatusOK, Critical: false},
		{Method: http.MethodGet, Path: prefix + "/catalog", Expect: http.StatusOK, Critical: true},
		{Method: http.MethodGet, Path: prefix + "/admin/vouchers", Expect: http.StatusUnauthorized, Critical: false},
	}
}

func main() {
	var (
		base    string
		prefix  string
		timeout time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080", "API base URL")
	flag.StringVar(&prefix, "prefix", "/api/v1", "API route prefix")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	client := &http.Client{Timeout: timeout}
	var (
		failed         int
		criticalFailed int
		results        []result
	)

	for _, t := range defaultTargets(prefix) {
		res := probe(client, base, t)
		results = append(results, res)
		if !res.OK {
			failed++
			if t.Critical {
				criticalFailed++
			}
		}
	}

	for _, res := range results {
		status := "ok"
		if !res.OK {
			status = "FAIL"
		}
		detail := fmt.Sprintf("%d", res.Status)
		if res.Err != nil {
			detail = res.Err.Error()
		}
		log.Printf("%-4s %-6s %-28s %-10s (%s)", status, res.Target.Method, res.Target.Path, detail, res.Duration.Round(time.Millisecond))
	}

	summary := map[string]int{"total": len(results), "failed": failed, "critical_failed": criticalFailed}
	out, _ := json.Marshal(summary)
	fmt.Println(string(out))

	if criticalFailed > 0 {
		os.Exit(1)
	}
}

func probe(client *http.Client, base string, t target) result {
	url := strings.TrimSuffix(base, "/") + t.Path
	req, err := http.NewRequest(t.Method, url, nil)
	if err != nil {
		return result{Target: t, Err: err}
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return result{Target: t, Err: err, Duration: duration}
	}
	defer resp.Body.Close() //nolint:errcheck

	return result{
		Target:   t,
		Status:   resp.StatusCode,
		OK:       resp.StatusCode == t.Expect,
		Duration: duration,
	}
}
