package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	stdsignal "os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/config"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/regime"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/scoring"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/domain/signal"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/engine"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/gates"
	httpifc "github.com/mlevitan96-crypto/stock-bot-sub007/internal/interfaces/http"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/ledger"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/learner"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/persistence"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/persistence/postgres"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/provider"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/reconcile"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/scheduler"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/venue"
)

const (
	appName = "stockbot"
	version = "v0.3.0"
)

var (
	configPath string
	logLevel   string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Adaptive multi-signal equity trading bot",
		Version: version,
		Long: `stockbot scores equities from institutional flow signals, filters
candidates through a multi-stage gate pipeline, and reconciles its local
view against the brokerage, which is always authoritative.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Path to yaml config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override configured log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full trading loop",
		Long:  "Starts the scheduler: decision loop, data refresh, reconciliation, and the read-only HTTP surface.",
		RunE:  runBot,
	}

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Score the universe once and print the ranking",
		Long:  "One-shot scoring pass over cached signals; no orders are placed.",
		RunE:  runScan,
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the venue",
		RunE:  runReconcileOnce,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print persisted quota, ledger, and weight state",
		RunE:  runStatus,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	return cfg, nil
}

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg        *config.Config
	cache      *cache.SignalCache
	quota      *quota.Manager
	ledger     *ledger.Ledger
	learner    *learner.Learner
	venue      *venue.Paper
	reconciler *reconcile.Reconciler
	pipeline   *gates.Pipeline
	engine     *engine.Engine
	metrics    *httpifc.MetricsRegistry
}

func statePath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.State.Dir, name)
}

func buildApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	var mirror cache.Mirror
	if cfg.Redis.Addr != "" {
		mirror = cache.NewRedisMirror(cfg.Redis.Addr, "", 0, "stockbot", cfg.Scoring.UsabilityCeiling.Duration)
	}
	signalCache := cache.New(cfg.CacheConfig(), mirror)

	quotaMgr := quota.NewManager(cfg.QuotaConfig(),
		statePath(cfg, "quota.json"), statePath(cfg, "deferred.json"))
	led := ledger.Open(statePath(cfg, "ledger.json"))
	lrn := learner.New(cfg.LearnerConfig(), statePath(cfg, "posteriors.json"))

	paper := venue.NewPaper(100_000)
	reconciler := reconcile.New(cfg.ReconcileConfig(), led, paper)

	metrics := httpifc.NewMetricsRegistry()
	journal := gates.MultiJournal{
		gates.NewJSONLJournal(statePath(cfg, "decisions.jsonl")),
		metrics,
	}
	var tradeAudit engine.TradeAudit
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Open(cfg.Postgres.DSN, postgres.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("postgres audit store: %w", err)
		}
		repo := postgres.NewDecisionsRepo(db, 5*time.Second)
		journal = append(journal, persistence.NewJournalSink(repo, 5*time.Second))
		tradeAudit = persistence.NewOutcomeSink(postgres.NewOutcomesRepo(db, 5*time.Second), 5*time.Second)
	}
	pipeline := gates.New(cfg.GatesConfig(), lrn, journal)

	// Regime detection rides on the positioning component's sign across the
	// cached universe until a dedicated classifier feeds the bot.
	regimes := engine.RegimeFunc(func() regime.Detection {
		return detectRegime(signalCache)
	})

	eng := engine.New(cfg.EngineConfig(), cfg.ScoringConfig(), signalCache, led,
		paper, paper, lrn, pipeline, regimes)
	if tradeAudit != nil {
		eng.SetTradeAudit(tradeAudit)
	}

	return &app{
		cfg:        cfg,
		cache:      signalCache,
		quota:      quotaMgr,
		ledger:     led,
		learner:    lrn,
		venue:      paper,
		reconciler: reconciler,
		pipeline:   pipeline,
		engine:     eng,
		metrics:    metrics,
	}, nil
}

// detectRegime aggregates the positioning component's direction across the
// universe: broad net-long positioning reads bullish, broad net-short
// bearish, anything split is neutral. Confidence is the vote margin.
func detectRegime(c *cache.SignalCache) regime.Detection {
	var up, down, total int
	for _, snap := range c.SnapshotAll() {
		obs, ok := snap.Components[signal.ComponentPositioning]
		if !ok {
			continue
		}
		total++
		switch {
		case obs.Value > 0:
			up++
		case obs.Value < 0:
			down++
		}
	}
	if total == 0 {
		return regime.Detection{Regime: regime.Unknown}
	}

	margin := float64(up-down) / float64(total)
	switch {
	case margin > 0.3:
		return regime.Detection{Regime: regime.Bullish, Confidence: margin}
	case margin < -0.3:
		return regime.Detection{Regime: regime.Bearish, Confidence: -margin}
	default:
		return regime.Detection{Regime: regime.Neutral, Confidence: 1 - absFloat(margin)}
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// instrumentedEngine counts completed decision iterations.
type instrumentedEngine struct {
	inner   *engine.Engine
	metrics *httpifc.MetricsRegistry
}

func (ie *instrumentedEngine) RunOnce(ctx context.Context) {
	ie.inner.RunOnce(ctx)
	ie.metrics.DecisionIterations.Inc()
}

// instrumentedReconciler counts observed divergences by kind.
type instrumentedReconciler struct {
	inner   *reconcile.Reconciler
	metrics *httpifc.MetricsRegistry
}

func (ir *instrumentedReconciler) Reconcile(ctx context.Context) (reconcile.Diff, error) {
	diff, err := ir.inner.Reconcile(ctx)
	ir.metrics.ReconcileDivergences.WithLabelValues("stale").Add(float64(len(diff.Stale)))
	ir.metrics.ReconcileDivergences.WithLabelValues("missing").Add(float64(len(diff.Missing)))
	ir.metrics.ReconcileDivergences.WithLabelValues("mismatched_qty").Add(float64(len(diff.MismatchedQty)))
	return diff, err
}

// sampleGauges refreshes point-in-time gauges on a fixed tick.
func sampleGauges(ctx context.Context, a *app) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qs := a.quota.Status()
			a.metrics.QuotaCallsUsed.Set(float64(qs.CallsUsedToday))
			a.metrics.DeferredCalls.Set(float64(qs.QueuedCalls))
			a.metrics.OpenPositions.Set(float64(a.ledger.Count()))
		}
	}
}

func runBot(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := stdsignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var feed *provider.Feed
	if cfg.Feed.URL != "" {
		feed = provider.NewFeed(cfg.Feed.URL, a.cache)
		go feed.Run(ctx)
	}

	poller := provider.NewPoller(nil, a.quota, a.cache, cfg.Universe)
	poller.OnFailure(func(endpoint string) {
		a.metrics.ProviderFailures.WithLabelValues(endpoint).Inc()
	})
	sched := scheduler.New(cfg.SchedulerConfig(),
		&instrumentedEngine{inner: a.engine, metrics: a.metrics}, poller,
		&instrumentedReconciler{inner: a.reconciler, metrics: a.metrics},
		a.learner, cfg.MarketHoursConfig())
	if err := sched.Start(ctx); err != nil {
		return err
	}
	go sampleGauges(ctx, a)

	server := httpifc.NewServer(cfg.ServerConfig(), httpifc.Deps{
		Quota:      a.quota,
		Reconciler: a.reconciler,
		Learner:    a.learner,
		Ledger:     a.ledger,
		Cache:      a.cache,
		Universe:   cfg.Universe,
		Metrics:    a.metrics,
	}, version)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	log.Info().Str("version", version).Strs("universe", cfg.Universe).Msg("stockbot running")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	sched.Stop()
	log.Info().Msg("stockbot stopped")
	return nil
}

func runScan(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	now := time.Now()
	det := detectRegime(a.cache)
	snaps := a.cache.SnapshotAll()

	type row struct {
		Symbol string
		Score  *scoring.CompositeScore
	}
	var rows []row
	for _, symbol := range cfg.Universe {
		snap, ok := snaps[symbol]
		if !ok {
			fmt.Printf("%-6s  no cached signals\n", symbol)
			continue
		}
		cs, err := scoring.Score(snap, det, a.learner, cfg.ScoringConfig(), now)
		if err != nil {
			fmt.Printf("%-6s  unscorable: %v\n", symbol, err)
			continue
		}
		rows = append(rows, row{Symbol: symbol, Score: cs})
	}
	sort.Slice(rows, func(i, j int) bool {
		return absFloat(rows[i].Score.FinalScore) > absFloat(rows[j].Score.FinalScore)
	})

	fmt.Printf("regime: %s (confidence %.2f)\n\n", det.Effective(), det.Confidence)
	for _, r := range rows {
		fmt.Printf("%-6s  score %8.2f  freshness %.2f  staleness %s\n",
			r.Symbol, r.Score.FinalScore, r.Score.FreshnessMultiplier,
			a.cache.Classify(r.Symbol, now))
	}
	return nil
}

func runReconcileOnce(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	diff, err := a.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	if diff.Clean() {
		fmt.Println("ledger and venue are in sync")
		return nil
	}
	out, _ := json.MarshalIndent(diff, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(struct {
		Quota     quota.Status                        `json:"quota"`
		Positions []ledger.Position                   `json:"positions"`
		Weights   map[string]learner.PosteriorSummary `json:"weights"`
	}{
		Quota:     a.quota.Status(),
		Positions: a.ledger.All(),
		Weights:   a.learner.Summary(),
	}, "", "  ")
	fmt.Println(string(out))
	return nil
}
