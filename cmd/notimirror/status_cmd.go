package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jpalka/notimirror/internal/config"
)

// handleStatus queries a running daemon over its web API and prints a
// short health summary.
func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	listenAddr := fs.String("listen", "", "Daemon address (host:port, defaults to configured web.listen)")
	token := fs.String("token", "", "API token if the daemon requires one")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: notimirror status [options]")
		fmt.Fprintln(os.Stderr)
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	addr := *listenAddr
	if addr == "" {
		addr = config.GetWebSettings().Listen
	}

	statusURL := url.URL{Scheme: "http", Host: addr, Path: "/healthz"}
	if *token != "" {
		q := statusURL.Query()
		q.Set("token", *token)
		statusURL.RawQuery = q.Encode()
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(statusURL.String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon not reachable at %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "daemon at %s returned %s\n", addr, resp.Status)
		os.Exit(1)
	}

	var health struct {
		OK        bool   `json:"ok"`
		ReadOnly  bool   `json:"readOnly"`
		Connected bool   `json:"connected"`
		Time      string `json:"time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "unexpected response from %s: %v\n", addr, err)
		os.Exit(1)
	}

	fmt.Printf("daemon:    %s\n", addr)
	fmt.Printf("ok:        %t\n", health.OK)
	fmt.Printf("readOnly:  %t\n", health.ReadOnly)
	fmt.Printf("connected: %t\n", health.Connected)
}
