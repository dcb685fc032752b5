// Command dispatchd runs the call dispatcher: an HTTP API server, a
// synthetic load generator, and operational utilities (status,
// cleanup, demo) driven by the same config and store wiring.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/callgrid/dispatchd/internal/dispatch"
	"github.com/callgrid/dispatchd/internal/httpapi"
	"github.com/callgrid/dispatchd/internal/loadgen"
	"github.com/callgrid/dispatchd/internal/notifier"
	"github.com/callgrid/dispatchd/internal/qualification"
	"github.com/callgrid/dispatchd/internal/store"
	"github.com/callgrid/dispatchd/pkg/config"
	"github.com/callgrid/dispatchd/pkg/observability"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "dispatchd",
		Short: "Call-to-agent dispatch engine",
		Long:  "dispatchd binds inbound calls to available agents under a per-call lock, drives their deferred completion, and reports outcomes via a fire-and-forget webhook.",
	}

	apiCmd = &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API server",
		RunE:  runAPI,
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Run a self-contained load test against an in-process dispatcher",
		RunE:  runTest,
	}

	loadCmd = &cobra.Command{
		Use:   "load",
		Short: "Drive sustained synthetic load against an in-process dispatcher",
		RunE:  runLoad,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the dispatcher's current system status",
		RunE:  runStatus,
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove every completed/abandoned/failed call and its assignment from both store tiers",
		RunE:  runCleanup,
	}

	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Run a small end-to-end demonstration: a handful of agents and calls",
		RunE:  runDemo,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults built-in if omitted)")

	testCmd.Flags().Bool("quick", false, "run a quick smoke test (5 agents, 20 calls)")
	testCmd.Flags().Int("stress", 0, "stress-test duration in minutes (0 disables stress mode)")
	testCmd.Flags().Int("calls", 0, "number of calls to generate (defaults to config test_num_calls)")
	testCmd.Flags().Int("agents", 0, "number of agents to generate (defaults to config test_num_agents)")

	loadCmd.Flags().Int("duration", 60, "load duration in seconds")
	loadCmd.Flags().Float64("calls-per-minute", 60, "target call arrival rate")
	loadCmd.Flags().Int("agents", 20, "number of agents to simulate")

	rootCmd.AddCommand(apiCmd, testCmd, loadCmd, statusCmd, cleanupCmd, demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	if configPath == "" {
		return config.Default()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("dispatchd: load config: %v", err)
	}
	return cfg
}

// system bundles everything a command needs: the dispatcher and its
// dependencies, built from cfg and torn down via Close.
type system struct {
	store   *store.Store
	notify  *notifier.Notifier
	metrics *observability.Registry
	disp    *dispatch.Dispatcher
}

func buildSystem(ctx context.Context, cfg *config.Config) (*system, error) {
	redisClient, err := store.Dial(ctx, cfg.CacheURL)
	if err != nil {
		return nil, fmt.Errorf("dial cache: %w", err)
	}
	fast := store.NewFastStore(redisClient, "")

	durable, err := store.OpenDurableStore(cfg.DataStoreURL)
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}

	st := store.New(fast, durable)
	st.Start()
	metrics := observability.NewRegistry()
	n := notifier.New(cfg.WebhookURL, cfg.WebhookTimeout, metrics)
	if err := n.Start("@every 1m"); err != nil {
		return nil, fmt.Errorf("start notifier: %w", err)
	}

	sampler := qualification.New(time.Now().UnixNano())
	d := dispatch.New(st, n, sampler, metrics, cfg)
	d.Start()

	checker := observability.InitHealthChecker()
	checker.RegisterCheck(observability.DatabaseCheck(fast.Ping))
	checker.RegisterCheck(observability.ExternalServiceCheck("durable_store", durable.Ping))

	return &system{store: st, notify: n, metrics: metrics, disp: d}, nil
}

func (s *system) Close() {
	s.disp.Stop()
	s.notify.Stop()
	if err := s.store.Close(); err != nil {
		log.Printf("dispatchd: store close error: %v", err)
	}
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx := context.Background()

	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	server := httpapi.NewServer(addr, sys.disp, sys.store, sys.metrics, cfg)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("dispatchd: API listening on %s", addr)
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Printf("dispatchd: server error: %v", err)
	case <-quit:
		log.Println("dispatchd: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx := context.Background()

	quick, _ := cmd.Flags().GetBool("quick")
	stress, _ := cmd.Flags().GetInt("stress")
	numCalls, _ := cmd.Flags().GetInt("calls")
	numAgents, _ := cmd.Flags().GetInt("agents")

	if numCalls == 0 {
		numCalls = cfg.TestNumCalls
	}
	if numAgents == 0 {
		numAgents = cfg.TestNumAgents
	}
	if quick {
		numCalls, numAgents = 20, 5
	}

	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	agents := loadgen.MakeAgents(cfg, numAgents)
	for _, a := range agents {
		if err := sys.store.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("seed agent: %w", err)
		}
	}

	var report loadgen.Report
	if stress > 0 {
		deadline := time.Now().Add(time.Duration(stress) * time.Minute)
		for time.Now().Before(deadline) {
			calls := loadgen.MakeCalls(cfg, numCalls, time.Now().UnixNano())
			report = loadgen.DriveArrivals(ctx, sys.disp, calls, 50, numAgents*2)
			logReport(report)
		}
	} else {
		calls := loadgen.MakeCalls(cfg, numCalls, 42)
		report = loadgen.DriveArrivals(ctx, sys.disp, calls, 50, numAgents*2)
		logReport(report)
	}

	agentIDs := make([]string, len(agents))
	for i, a := range agents {
		agentIDs[i] = a.ID
	}
	if !loadgen.Drain(ctx, sys.store, agentIDs, cfg.DrainTTL) {
		return fmt.Errorf("dispatchd: system did not drain within %s", cfg.DrainTTL)
	}

	if report.Failed > 0 {
		return fmt.Errorf("dispatchd: %d assignments failed", report.Failed)
	}
	return nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx := context.Background()

	durationSec, _ := cmd.Flags().GetInt("duration")
	callsPerMinute, _ := cmd.Flags().GetFloat64("calls-per-minute")
	numAgents, _ := cmd.Flags().GetInt("agents")

	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	agents := loadgen.MakeAgents(cfg, numAgents)
	for _, a := range agents {
		if err := sys.store.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("seed agent: %w", err)
		}
	}

	churnCtx, cancelChurn := context.WithTimeout(ctx, time.Duration(durationSec)*time.Second)
	defer cancelChurn()
	go loadgen.ChurnAgents(churnCtx, sys.store, agents, 0.7, 7)

	totalCalls := int(callsPerMinute * float64(durationSec) / 60.0)
	calls := loadgen.MakeCalls(cfg, totalCalls, time.Now().UnixNano())
	report := loadgen.DriveArrivals(ctx, sys.disp, calls, callsPerMinute/60.0, numAgents*2)
	logReport(report)

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx := context.Background()

	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	status, err := sys.disp.GetSystemStatus(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("agents by status: %v\n", status.AgentsByStatus)
	fmt.Printf("active assignments: %d\n", status.ActiveAssignments)
	fmt.Printf("p95 assignment latency: %.2fms (target %.2fms, met=%v)\n",
		status.AssignmentLatencyP95Ms, cfg.MaxAssignmentTimeMs, status.PerformanceTargetMet)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	ctx := context.Background()

	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	before, err := sys.store.CountCallsByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("calls by status before cleanup: %v\n", before)

	removed, err := sys.store.CleanupTerminalCalls(ctx)
	if err != nil {
		return fmt.Errorf("cleanup terminal calls: %w", err)
	}
	fmt.Printf("flushed %d terminal calls (completed/abandoned/failed) from both tiers\n", removed)
	return nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	cfg.CallDurationMean = 2
	cfg.CallDurationStd = 1
	ctx := context.Background()

	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	agents := loadgen.MakeAgents(cfg, 3)
	for _, a := range agents {
		if err := sys.store.SaveAgent(ctx, a); err != nil {
			return err
		}
	}

	calls := loadgen.MakeCalls(cfg, 5, 1)
	report := loadgen.DriveArrivals(ctx, sys.disp, calls, 5, 3)
	logReport(report)

	agentIDs := make([]string, len(agents))
	for i, a := range agents {
		agentIDs[i] = a.ID
	}
	loadgen.Drain(ctx, sys.store, agentIDs, 30*time.Second)
	return nil
}

func logReport(r loadgen.Report) {
	fmt.Printf("total=%d assigned=%d saturated=%d failed=%d race=%d p50=%.2fms p95=%.2fms max=%.2fms wall=%s\n",
		r.Total, r.Assigned, r.Saturated, r.Failed, r.RaceDetected, r.P50Ms, r.P95Ms, r.MaxMs, r.WallDuration)
}
