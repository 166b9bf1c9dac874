package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inktrace/inktrace/internal/alert"
	"github.com/inktrace/inktrace/internal/api"
	"github.com/inktrace/inktrace/internal/archive"
	"github.com/inktrace/inktrace/internal/brain"
	"github.com/inktrace/inktrace/internal/broadcast"
	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/discovery"
	"github.com/inktrace/inktrace/internal/intel"
	"github.com/inktrace/inktrace/internal/metrics"
	"github.com/inktrace/inktrace/internal/scoring"
	"github.com/inktrace/inktrace/internal/wiretap"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inktrace",
		Short: "Security intelligence pipeline for agent-to-agent traffic",
		Long:  "Inktrace discovers agents, intercepts their traffic, scores threats and streams the result to dashboards.",
	}

	var configFile string
	var port int
	var devMode bool

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start discovery, the wiretap relay and the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: inktrace.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override API port (default: 8003)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: debug logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter inktrace.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── snapshot ───
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current threat picture",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(port)
		},
	}

	// ─── agents ───
	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentList(port)
		},
	}

	agentResetCmd := &cobra.Command{
		Use:   "reset [agent-id]",
		Short: "Release an agent from quarantine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPost(port, "/api/agents/"+args[0]+"/reset", "agent released")
		},
	}
	agentsCmd.AddCommand(agentResetCmd)

	// ─── events ───
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List recent security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return runEventList(port, limit)
		},
	}
	eventsCmd.Flags().Int("limit", 20, "Number of events to show")

	eventsClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the security event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPost(port, "/api/events/clear", "security events cleared")
		},
	}
	eventsCmd.AddCommand(eventsClearCmd)

	// ─── threats ───
	threatsCmd := &cobra.Command{
		Use:   "threats",
		Short: "Threat management commands",
	}
	threatsClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Release every quarantined agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPost(port, "/api/threats/clear", "threats cleared")
		},
	}
	threatsCmd.AddCommand(threatsClearCmd)

	// ─── history ───
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List archived security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, configFile)
		},
	}
	historyCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	historyCmd.Flags().String("agent", "", "Filter by agent id")
	historyCmd.Flags().String("severity", "", "Filter by severity (info, high, critical)")
	historyCmd.Flags().Duration("since", 0, "Only events newer than this (e.g. 24h)")
	historyCmd.Flags().Int("limit", 50, "Number of events to show")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Inktrace %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.PersistentFlags().IntVar(&port, "api-port", 0, "API port of a running instance (default: 8003)")
	rootCmd.AddCommand(startCmd, initCmd, snapshotCmd, agentsCmd, eventsCmd, threatsCmd, historyCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── start ───

func runStart(configFile string, portOverride int, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logger := newLogger(cfg.Server.LogLevel)
	m := metrics.New()

	table, err := loadPolicyTable(cfg.PolicyTable)
	if err != nil {
		return err
	}
	engine, err := scoring.NewEngine(cfg.Scoring, table, logger)
	if err != nil {
		return fmt.Errorf("failed to build scoring engine: %w", err)
	}

	// Archive
	var (
		store *archive.Store
		sink  *archive.Sink
	)
	if cfg.Archive.Enabled {
		store, err = openArchive(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		sink = archive.NewSink(store, 0, m, logger)
	}

	opts := brain.Options{
		StaleTimeout:    cfg.Registry.StaleTimeout,
		EventLogSize:    cfg.Registry.EventLogSize,
		CommBufferSize:  cfg.Registry.CommunicationBufferSize,
		SnapshotEvents:  cfg.Registry.SnapshotEvents,
		RescoreWorkers:  cfg.Registry.RescoreWorkers,
		TentacleWeights: cfg.Tentacles.Weights,
		TentacleFloor:   cfg.Tentacles.Floor,
		Metrics:         m,
	}
	if sink != nil {
		opts.Sink = sink
	}
	b := brain.New(engine, opts, logger)
	if sink != nil {
		sink.SetHealthReporter(b)
	}

	hub := broadcast.NewHub(b, broadcast.Options{
		QueueSize:       cfg.Broadcast.QueueSize,
		WriteTimeout:    cfg.Broadcast.WriteTimeout,
		PingInterval:    cfg.Broadcast.PingInterval,
		AllowAllOrigins: cfg.Server.CORS,
		Metrics:         m,
	}, logger)
	b.SetConnectionSource(hub.ClientCount)

	alertMgr := alert.NewManager(cfg.Alerts, m, logger)
	alertMgr.SetTentacleSource(func() []intel.TentacleScore { return b.Snapshot().TentacleScores })

	unsubscribeHub := b.Subscribe(hub.Publish)
	defer unsubscribeHub()
	if alertMgr.HasSenders() {
		unsubscribeAlerts := b.Subscribe(alertMgr.HandleDelta)
		defer unsubscribeAlerts()
	}

	var disc *discovery.Engine
	if cfg.Discovery.Enabled {
		disc = discovery.New(cfg.Discovery, b, m, logger)
	}

	var tap *wiretap.Wiretap
	if cfg.Wiretap.Enabled {
		tapOpts := []wiretap.Option{wiretap.WithMetrics(m)}
		if disc != nil {
			tapOpts = append(tapOpts, wiretap.WithLearner(disc))
		}
		tap = wiretap.New(cfg.Wiretap, b, b, logger, tapOpts...)
	}

	apiServer := api.NewServer(cfg.Server, b, disc, hub, m, logger)
	if store != nil {
		apiServer.SetArchive(store)
	}

	// Hot-reload scoring rules and the policy table.
	if configFile != "" {
		if err := cfgLoader.Watch(logger, func(next *config.Config) {
			reloadScoring(engine, b, next, logger)
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	printBanner(cfg, disc != nil, tap != nil, store != nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	b.Start(gctx, cfg.Registry.SweepInterval)
	if sink != nil {
		g.Go(func() error {
			sink.Run(gctx)
			return nil
		})
		g.Go(func() error {
			sink.RunRetention(gctx, cfg.Archive.Retention, time.Hour)
			return nil
		})
	}
	if disc != nil {
		g.Go(func() error {
			return disc.Run(gctx)
		})
	}
	if tap != nil {
		g.Go(func() error {
			tap.Run(gctx)
			return nil
		})
		g.Go(func() error {
			return tap.Start(cfg.Wiretap.Port)
		})
	}
	if alertMgr.HasSenders() {
		g.Go(func() error {
			pruneLoop(gctx, alertMgr)
			return nil
		})
	}
	g.Go(func() error {
		if err := apiServer.Start(api.Addr(cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if tap != nil {
			_ = tap.Shutdown(shutCtx)
		}
		return apiServer.Shutdown(shutCtx)
	})

	err = g.Wait()
	b.Wait()
	alertMgr.Wait()
	return err
}

func reloadScoring(engine *scoring.Engine, b *brain.Brain, cfg *config.Config, logger *slog.Logger) {
	table, err := loadPolicyTable(cfg.PolicyTable)
	if err != nil {
		logger.Error("hot-reload failed", "error", err)
		return
	}
	if err := engine.Reconfigure(cfg.Scoring, table); err != nil {
		logger.Error("hot-reload failed", "error", err)
		return
	}
	ids := make([]string, 0)
	for id := range b.AgentAddresses() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := b.Rescore(id); err != nil {
			logger.Warn("rescore after reload failed", "agent_id", id, "error", err)
		}
	}
	logger.Info("scoring reconfigured", "agents_rescored", len(ids))
}

func pruneLoop(ctx context.Context, mgr *alert.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.PruneDedup()
		}
	}
}

func loadPolicyTable(path string) (*scoring.PolicyTable, error) {
	if path == "" {
		return nil, nil
	}
	table, err := scoring.LoadPolicyTable(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy table: %w", err)
	}
	return table, nil
}

func openArchive(path string) (*archive.Store, error) {
	store, err := archive.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := store.Initialize(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}
	return store, nil
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func printBanner(cfg *config.Config, discoveryOn, tapOn, archiveOn bool) {
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║            Inktrace " + version + "                  ║")
	fmt.Println("  ║   Security intelligence for agent traffic║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → API:       http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Stream:    ws://localhost:%d/ws\n", cfg.Server.Port)
	if tapOn {
		fmt.Printf("  → Wiretap:   http://localhost:%d (X-Inktrace-Target or /relay/<agent>)\n", cfg.Wiretap.Port)
	}
	if discoveryOn {
		fmt.Printf("  → Discovery: %d endpoints every %s\n", len(cfg.Discovery.Endpoints), cfg.Discovery.Interval)
	}
	if archiveOn {
		fmt.Printf("  → Archive:   %s\n", cfg.Archive.Path)
	}
	fmt.Println()
}

// ─── init ───

func runInit() error {
	configPath := "inktrace.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    inktrace start            # Start the pipeline")
	fmt.Println("    inktrace snapshot         # Inspect the threat picture")
	return nil
}

// ─── client commands ───

func runSnapshot(port int) error {
	var snap intel.Snapshot
	if err := getJSON(port, "/api/snapshot", &snap); err != nil {
		return err
	}

	fmt.Println("Inktrace Threat Picture")
	fmt.Println("───────────────────────")
	fmt.Printf("  %-22s %s (score %d)\n", "threat level:", snap.ThreatLevel, snap.OverallScore)
	fmt.Printf("  %-22s %d (%d malicious)\n", "agents:", snap.Stats.TotalAgents, snap.Stats.MaliciousAgents)
	fmt.Printf("  %-22s %d\n", "messages intercepted:", snap.Counters.MessagesIntercepted)
	fmt.Printf("  %-22s %d\n", "subscribers:", snap.Counters.ActiveConnections)
	if snap.Degraded {
		for sub, msg := range snap.Health {
			fmt.Printf("  %-22s %s: %s\n", "degraded:", sub, msg)
		}
	}
	fmt.Println()
	for _, t := range snap.TentacleScores {
		fmt.Printf("  %-4s %-28s %3d  %s\n", t.ID, t.Name, t.Score, t.Trend)
	}
	if a := snap.CriticalAlert; a != nil {
		fmt.Println()
		fmt.Printf("  ⚠ CRITICAL: %s (%s) threat score %d\n", a.AgentName, a.AgentID, a.ThreatScore)
		for _, f := range a.SecurityAlerts {
			fmt.Printf("     - %s\n", f.Message)
		}
	}
	return nil
}

func runAgentList(port int) error {
	var result struct {
		Agents map[string]intel.AgentRecord `json:"agents"`
	}
	if err := getJSON(port, "/api/agents", &result); err != nil {
		return err
	}
	if len(result.Agents) == 0 {
		fmt.Println("No agents registered yet.")
		return nil
	}

	ids := make([]string, 0, len(result.Agents))
	for id := range result.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("%-16s %-20s %-22s %-12s %s\n", "ID", "NAME", "ADDRESS", "STATUS", "THREAT")
	fmt.Println(strings.Repeat("─", 80))
	for _, id := range ids {
		a := result.Agents[id]
		fmt.Printf("%-16s %-20s %-22s %-12s %d\n", truncate(a.ID, 16), truncate(a.Name, 20), a.Address, a.Status, a.Threat.ThreatScore)
	}
	return nil
}

func runEventList(port, limit int) error {
	var result struct {
		Events []intel.SecurityEvent `json:"events"`
	}
	if err := getJSON(port, fmt.Sprintf("/api/security-events?limit=%d", limit), &result); err != nil {
		return err
	}
	printEvents(result.Events)
	return nil
}

func runHistory(cmd *cobra.Command, configFile string) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	path := cfgLoader.Get().Archive.Path
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no archive at %s (enable archive in config)", path)
	}

	store, err := openArchive(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	agent, _ := cmd.Flags().GetString("agent")
	severity, _ := cmd.Flags().GetString("severity")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := archive.EventFilter{
		AgentID:  agent,
		Severity: intel.Severity(strings.ToLower(severity)),
		Limit:    limit,
	}
	if since > 0 {
		filter.Since = time.Now().Add(-since)
	}
	events, err := store.ListEvents(filter)
	if err != nil {
		return err
	}
	// Archive lists newest first; print oldest first like the live feed.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	printEvents(events)
	return nil
}

func printEvents(events []intel.SecurityEvent) {
	if len(events) == 0 {
		fmt.Println("No security events.")
		return
	}
	fmt.Printf("%-20s %-9s %-28s %s\n", "TIME", "SEVERITY", "TYPE", "DESCRIPTION")
	fmt.Println(strings.Repeat("─", 100))
	for _, ev := range events {
		fmt.Printf("%-20s %-9s %-28s %s\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Severity, ev.Type, truncate(ev.Description, 60))
	}
}

func runPost(port int, path, done string) error {
	p := resolvePort(port)
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d%s", p, path), "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Inktrace: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = decodeJSON(resp, &e)
		return fmt.Errorf("request failed (%d): %s", resp.StatusCode, e.Error)
	}
	fmt.Printf("  ✓ %s\n", done)
	return nil
}

func getJSON(port int, path string, v interface{}) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", p, path))
	if err != nil {
		return fmt.Errorf("inktrace is not running on port %d: %w", p, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return decodeJSON(resp, v)
}

func findConfigFile() string {
	candidates := []string{
		"inktrace.yaml",
		"inktrace.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "inktrace", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 8003
	}
	return port
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}
