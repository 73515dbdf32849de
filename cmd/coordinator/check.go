package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mosaic-ai/internal/adapter/store"
	"mosaic-ai/internal/infra/config"
)

const checkTimeout = 5 * time.Second

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check is a named check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

func runCheck() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agents", Fn: checkAgents},
		{Name: "Record store", Fn: checkStore},
		{Name: "Bus transport", Fn: checkTransport},
	}

	fmt.Println("mosaic-coordinator check")
	fmt.Println(strings.Repeat("=", 50))

	results := runChecks(context.Background(), cfg, checks)
	var pass, warn, fail int
	for _, r := range results {
		fmt.Printf("  [%s] %s: %s\n", r.Status, r.Name, r.Message)
		if r.Fix != "" {
			fmt.Printf("      Fix: %s\n", r.Fix)
		}
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func runChecks(ctx context.Context, cfg *config.Config, checks []Check) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		r := c.Fn(cctx, cfg)
		cancel()
		r.Name = c.Name
		results = append(results, r)
	}
	return results
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the listed problems in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: "config loaded from " + cfgPath}
	}
}

func checkAgents(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if len(cfg.Agents) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no agents configured; every turn will get the fallback response",
			Fix:     "Add agents under the agents: section",
		}
	}
	crisis := false
	for _, a := range cfg.Agents {
		if a.ID == cfg.Coordination.CrisisAgentID {
			crisis = true
			break
		}
	}
	if !crisis {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d agent(s) configured but crisis agent %q is missing", len(cfg.Agents), cfg.Coordination.CrisisAgentID),
			Fix:     "Configure an agent with id " + cfg.Coordination.CrisisAgentID + " or set coordination.crisis_agent_id",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d agent(s) configured", len(cfg.Agents))}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s store: %v", cfg.Store.Backend, err),
			Fix:     "Check store.backend, store.path and store.redis_url",
		}
	}
	defer st.Close()
	if p, ok := st.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s store ping: %v", cfg.Store.Backend, err)}
		}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Store.Backend + " store reachable"}
}

func checkTransport(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Bus.Transport != "redis" {
		return CheckResult{Status: StatusPass, Message: "in-process transport"}
	}
	opts, err := goredis.ParseURL(cfg.Bus.RedisURL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bus.redis_url: %v", err)}
	}
	client := goredis.NewClient(opts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("redis %s unreachable: %v", opts.Addr, err),
			Fix:     "Start Redis or correct bus.redis_url",
		}
	}
	return CheckResult{Status: StatusPass, Message: "redis transport reachable at " + opts.Addr}
}
