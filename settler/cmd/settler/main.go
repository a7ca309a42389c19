package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/hashfleet/payouts/settler/pkg/clickhouse"
	"github.com/hashfleet/payouts/settler/pkg/ledger"
	"github.com/hashfleet/payouts/settler/pkg/metrics"
	"github.com/hashfleet/payouts/settler/pkg/notify"
	"github.com/hashfleet/payouts/settler/pkg/pool"
	"github.com/hashfleet/payouts/settler/pkg/rates"
	"github.com/hashfleet/payouts/settler/pkg/review"
	"github.com/hashfleet/payouts/settler/pkg/rewards"
	"github.com/hashfleet/payouts/settler/pkg/scheduler"
	"github.com/hashfleet/payouts/settler/pkg/scores"
	"github.com/hashfleet/payouts/settler/pkg/server"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
	"github.com/hashfleet/payouts/settler/pkg/workers"
	"github.com/hashfleet/payouts/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is for dev convenience; absence is fine.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address for the operator HTTP API (or set LISTEN_ADDR env var)")

	// Postgres configuration
	postgresConnFlag := flag.String("postgres-conn", "", "Postgres connection string (or set DATABASE_URL env var)")
	migrateFlag := flag.Bool("migrate", false, "Run ledger migrations before starting")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Upstream services
	rateOracleURLFlag := flag.String("rate-oracle-url", "", "Base URL of the rate oracle (or set RATE_ORACLE_URL env var)")
	rateRefreshIntervalFlag := flag.Duration("rate-refresh-interval", time.Minute, "How often to refresh rate snapshots")
	maxRateAgeFlag := flag.Duration("max-rate-age", 30*time.Minute, "Defer settlement when the rate snapshot is older than this")
	poolAPIURLFlag := flag.String("pool-api-url", "", "Base URL of the pool operator API (or set POOL_API_URL env var)")
	poolAPIKeyFlag := flag.String("pool-api-key", "", "API key for the pool operator API (or set POOL_API_KEY env var)")
	poolPollIntervalFlag := flag.Duration("poll-interval", time.Minute, "Pool stats poll cadence; also the score sample cadence")

	// Settlement configuration
	pairsFlag := flag.StringSlice("pair", nil, "account/coin settlement pair, repeatable (or set SETTLE_PAIRS env var, comma-separated)")
	unclaimedUserFlag := flag.String("unclaimed-user", "unclaimed", "User that receives unattributable rewards and remainders")
	platformUserFlag := flag.String("platform-user", "", "User that receives the reviewed-settlement commission")
	feeRatioFlag := flag.String("fee-ratio", "0.1", "Platform fee ratio in [0, 1) for reviewed settlements")
	categoryOverridesFlag := flag.StringToString("category-override", nil, "Force all shares for a coin into one category, e.g. XMR=CPU (repeatable)")
	settleIntervalFlag := flag.Duration("settle-interval", 5*time.Minute, "Hourly-settlement tick cadence")
	reviewIntervalFlag := flag.Duration("review-interval", 30*time.Minute, "Daily-review tick cadence")
	maxConcurrentFlag := flag.Int("max-concurrent", 4, "Maximum pairs settling at once per scheduler")

	// Operator surface
	rateLimitFlag := flag.Float64("api-rate-limit", 0, "Operator API requests per second per IP; 0 disables")
	rateBurstFlag := flag.Int("api-rate-burst", 20, "Operator API rate limit burst")
	slackBotTokenFlag := flag.String("slack-bot-token", "", "Slack bot token for operator notifications (or set SLACK_BOT_TOKEN env var)")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel for operator notifications (or set SLACK_CHANNEL env var)")
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for failed-window reporting (or set SENTRY_DSN env var)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		*postgresConnFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_ADDR_TCP"); env != "" {
		*clickhouseAddrFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_DATABASE"); env != "" {
		*clickhouseDatabaseFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_USERNAME"); env != "" {
		*clickhouseUsernameFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_PASSWORD"); env != "" {
		*clickhousePasswordFlag = env
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if env := os.Getenv("RATE_ORACLE_URL"); env != "" {
		*rateOracleURLFlag = env
	}
	if env := os.Getenv("POOL_API_URL"); env != "" {
		*poolAPIURLFlag = env
	}
	if env := os.Getenv("POOL_API_KEY"); env != "" {
		*poolAPIKeyFlag = env
	}
	if env := os.Getenv("SETTLE_PAIRS"); env != "" {
		*pairsFlag = strings.Split(env, ",")
	}
	if env := os.Getenv("SLACK_BOT_TOKEN"); env != "" {
		*slackBotTokenFlag = env
	}
	if env := os.Getenv("SLACK_CHANNEL"); env != "" {
		*slackChannelFlag = env
	}
	if env := os.Getenv("SENTRY_DSN"); env != "" {
		*sentryDSNFlag = env
	}

	if *postgresConnFlag == "" {
		return fmt.Errorf("--postgres-conn or DATABASE_URL is required")
	}
	if *clickhouseAddrFlag == "" {
		return fmt.Errorf("--clickhouse-addr or CLICKHOUSE_ADDR_TCP is required")
	}
	if *rateOracleURLFlag == "" {
		return fmt.Errorf("--rate-oracle-url or RATE_ORACLE_URL is required")
	}
	if *poolAPIURLFlag == "" {
		return fmt.Errorf("--pool-api-url or POOL_API_URL is required")
	}
	if *platformUserFlag == "" {
		return fmt.Errorf("--platform-user is required")
	}

	pairs, err := parsePairs(*pairsFlag)
	if err != nil {
		return err
	}
	feeRatio, err := decimal.NewFromString(*feeRatioFlag)
	if err != nil {
		return fmt.Errorf("invalid --fee-ratio %q: %w", *feeRatioFlag, err)
	}
	categoryOverrides, err := parseCategoryOverrides(*categoryOverridesFlag)
	if err != nil {
		return err
	}

	if *sentryDSNFlag != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     *sentryDSNFlag,
			Release: version,
		}); err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting settler", "version", version, "commit", commit, "pairs", len(pairs))
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	if *migrateFlag {
		if err := ledger.RunMigrations(log, *postgresConnFlag); err != nil {
			return err
		}
	}

	db, err := ledger.NewPool(ctx, log, *postgresConnFlag)
	if err != nil {
		return err
	}
	defer db.Close()

	chClient, err := clickhouse.NewClient(ctx, log,
		*clickhouseAddrFlag, *clickhouseDatabaseFlag,
		*clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
	if err != nil {
		return err
	}
	defer chClient.Close()

	if err := scores.EnsureSchema(ctx, chClient); err != nil {
		return err
	}

	// Stores
	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to create ledger store: %w", err)
	}
	snapshotStore := rewards.NewPGSnapshotStore(db)
	ownershipStore := workers.NewPGStore(db)

	// Leaf resolvers
	coins := coinsOf(pairs)
	rateResolver, err := rates.NewResolver(rates.Config{
		Logger:          log,
		Source:          rates.NewHTTPSource(*rateOracleURLFlag),
		Coins:           coins,
		RefreshInterval: *rateRefreshIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create rate resolver: %w", err)
	}
	rewardResolver, err := rewards.NewResolver(rewards.Config{
		Logger: log,
		Store:  snapshotStore,
	})
	if err != nil {
		return fmt.Errorf("failed to create reward resolver: %w", err)
	}
	scoreAggregator, err := scores.NewAggregator(scores.AggregatorConfig{
		Logger:     log,
		ClickHouse: chClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create score aggregator: %w", err)
	}
	scoreWriter, err := scores.NewWriter(scores.WriterConfig{
		Logger:     log,
		ClickHouse: chClient,
	})
	if err != nil {
		return fmt.Errorf("failed to create score writer: %w", err)
	}
	ownershipResolver, err := workers.NewResolver(workers.Config{
		Logger:          log,
		Store:           ownershipStore,
		UnclaimedUserID: *unclaimedUserFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create ownership resolver: %w", err)
	}

	// Pool ingestion
	poller, err := pool.NewPoller(pool.Config{
		Logger:    log,
		Source:    pool.NewHTTPSource(*poolAPIURLFlag, *poolAPIKeyFlag),
		Pairs:     poolPairs(pairs),
		Snapshots: snapshotStore,
		Samples:   scoreWriter,
		Interval:  *poolPollIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pool poller: %w", err)
	}

	notifier := notify.New(notify.Config{
		Logger:   log,
		BotToken: *slackBotTokenFlag,
		Channel:  *slackChannelFlag,
	})

	// Engines
	engine, err := settlement.NewEngine(settlement.EngineConfig{
		Logger:            log,
		Rates:             rateResolver,
		Rewards:           rewardResolver,
		Scores:            scoreAggregator,
		Ownership:         ownershipResolver,
		Ledger:            ledgerStore,
		Notifier:          notifier,
		UnclaimedUserID:   *unclaimedUserFlag,
		MaxRateAge:        *maxRateAgeFlag,
		ScoreCadence:      *poolPollIntervalFlag,
		CategoryOverrides: categoryOverrides,
	})
	if err != nil {
		return fmt.Errorf("failed to create settlement engine: %w", err)
	}
	reviewEngine, err := review.NewEngine(review.EngineConfig{
		Logger:          log,
		Rates:           rateResolver,
		Rewards:         rewardResolver,
		Scores:          scoreAggregator,
		Ownership:       ownershipResolver,
		Store:           ledgerStore,
		Notifier:        notifier,
		FeeRatio:        feeRatio,
		PlatformUserID:  *platformUserFlag,
		UnclaimedUserID: *unclaimedUserFlag,
		MaxRateAge:      *maxRateAgeFlag,
		ScoreCadence:    *poolPollIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create review engine: %w", err)
	}

	// Schedulers
	hourly, err := scheduler.New(scheduler.Config{
		Logger:        log,
		Name:          "hourly",
		Pairs:         pairs,
		Period:        time.Hour,
		Interval:      *settleIntervalFlag,
		MaxConcurrent: *maxConcurrentFlag,
		Run: func(ctx context.Context, account, coin string, start, end time.Time) error {
			_, err := engine.SettleWindow(ctx, account, coin, start, end)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create hourly scheduler: %w", err)
	}
	daily, err := scheduler.New(scheduler.Config{
		Logger:        log,
		Name:          "review",
		Pairs:         pairs,
		Period:        24 * time.Hour,
		Interval:      *reviewIntervalFlag,
		MaxConcurrent: *maxConcurrentFlag,
		Run: func(ctx context.Context, account, coin string, start, end time.Time) error {
			_, err := reviewEngine.Stage(ctx, account, coin, start, end)
			return err
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create review scheduler: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: *listenAddrFlag,
		Windows:    ledgerStore,
		Reviews:    ledgerStore,
		Redriver:   engine,
		Reviewer:   reviewEngine,
		Ready: func(ctx context.Context) bool {
			return db.Ping(ctx) == nil
		},
		RateLimit: rate.Limit(*rateLimitFlag),
		RateBurst: *rateBurstFlag,
		VersionInfo: map[string]string{
			"version": version,
			"commit":  commit,
			"date":    date,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	rateResolver.Start(ctx)
	poller.Start(ctx)
	hourly.Start(ctx)
	daily.Start(ctx)

	return srv.Run(ctx)
}

// parsePairs parses "account/coin" strings.
func parsePairs(raw []string) ([]scheduler.Pair, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --pair (or SETTLE_PAIRS) is required")
	}
	pairs := make([]scheduler.Pair, 0, len(raw))
	for _, item := range raw {
		account, coin, found := strings.Cut(strings.TrimSpace(item), "/")
		if !found || account == "" || coin == "" {
			return nil, fmt.Errorf("invalid pair %q, expected account/coin", item)
		}
		pairs = append(pairs, scheduler.Pair{Account: account, Coin: coin})
	}
	return pairs, nil
}

func parseCategoryOverrides(raw map[string]string) (map[string]settlement.Category, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	overrides := make(map[string]settlement.Category, len(raw))
	for coin, category := range raw {
		switch settlement.Category(category) {
		case settlement.CategoryCPU, settlement.CategoryGPU:
			overrides[coin] = settlement.Category(category)
		default:
			return nil, fmt.Errorf("invalid category override %q for %s", category, coin)
		}
	}
	return overrides, nil
}

func poolPairs(pairs []scheduler.Pair) []pool.Pair {
	out := make([]pool.Pair, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, pool.Pair{Account: p.Account, Coin: p.Coin})
	}
	return out
}

// coinsOf returns the distinct coins across pairs, order preserved.
func coinsOf(pairs []scheduler.Pair) []string {
	seen := make(map[string]bool)
	coins := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if !seen[p.Coin] {
			seen[p.Coin] = true
			coins = append(coins, p.Coin)
		}
	}
	return coins
}
