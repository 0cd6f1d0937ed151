// plannercli - single-shot CLI wrapper over the planner's POST /run
// endpoint. Prints the planner's JSON response (re-indented when it parses)
// and exits 0 iff the response reports ok=true.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	var (
		serverURL     = flag.String("server", getEnv("PLANNER_URL", "http://localhost:8090"), "Planner base URL")
		message       = flag.String("message", "", "Request message (required)")
		mode          = flag.String("mode", "enqueue_and_wait", "Mode: answer, plan, enqueue, enqueue_and_wait")
		maxToolCalls  = flag.Int("max-tool-calls", 0, "Override limits.max_tool_calls")
		waitTimeoutMS = flag.Int("wait-timeout-ms", 0, "Override limits.wait_timeout_ms")
		timeout       = flag.Duration("timeout", 150*time.Second, "HTTP client timeout")
	)
	flag.Parse()

	if *message == "" {
		fmt.Fprintln(os.Stderr, "error: --message is required")
		flag.Usage()
		os.Exit(2)
	}

	body := map[string]any{
		"message": *message,
		"mode":    *mode,
	}
	limits := map[string]any{}
	if *maxToolCalls > 0 {
		limits["max_tool_calls"] = *maxToolCalls
	}
	if *waitTimeoutMS > 0 {
		limits["wait_timeout_ms"] = *waitTimeoutMS
	}
	if len(limits) > 0 {
		body["limits"] = limits
	}

	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: encoding request: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Post(*serverURL+"/run", "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: calling planner: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: reading response: %v\n", err)
		os.Exit(1)
	}

	// Print the response object re-indented, or the raw bytes if it is not
	// valid JSON.
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		os.Stdout.Write(raw)
		fmt.Println()
	} else {
		fmt.Println(pretty.String())
	}

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || !parsed.OK {
		os.Exit(1)
	}
}
