package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/homesteadhq/homestead/internal/config"
)

// runStatusCommand queries a running daemon's /healthz and prints the
// result. Exit code 0 means healthy.
func runStatusCommand(ctx context.Context, homeDir string) int {
	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		"http://"+cfg.Gateway.BindAddr+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "daemon not reachable at %s: %v\n", cfg.Gateway.BindAddr, err)
		return 1
	}
	defer resp.Body.Close()

	var payload struct {
		Healthy           bool     `json:"healthy"`
		DBOk              bool     `json:"db_ok"`
		ConfigFingerprint string   `json:"config_fingerprint"`
		Models            []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}

	fmt.Printf("healthy:     %v\n", payload.Healthy)
	fmt.Printf("db:          %v\n", payload.DBOk)
	fmt.Printf("config:      %s\n", payload.ConfigFingerprint)
	fmt.Printf("models:      %v\n", payload.Models)
	if !payload.Healthy {
		return 1
	}
	return 0
}
