// Bouncer — human-in-the-loop authorization broker for AWS CLI execution.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/accounts"
	"github.com/marcus-qen/bouncer/internal/compliance"
	"github.com/marcus-qen/bouncer/internal/executor"
	"github.com/marcus-qen/bouncer/internal/grant"
	"github.com/marcus-qen/bouncer/internal/mcpserver"
	"github.com/marcus-qen/bouncer/internal/metrics"
	"github.com/marcus-qen/bouncer/internal/paging"
	"github.com/marcus-qen/bouncer/internal/pipeline"
	"github.com/marcus-qen/bouncer/internal/ratelimit"
	"github.com/marcus-qen/bouncer/internal/risk"
	"github.com/marcus-qen/bouncer/internal/sequence"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/telegram"
	"github.com/marcus-qen/bouncer/internal/telemetry"
	"github.com/marcus-qen/bouncer/internal/trust"
	"github.com/marcus-qen/bouncer/internal/uploads"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	dsn := cfg.DBDSN
	if dsn == "" {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
		}
		dsn = filepath.Join(cfg.DataDir, "bouncer.db")
	}
	st, err := store.Open(dsn)
	if err != nil {
		logger.Fatal("cannot open store", zap.Error(err))
	}
	defer st.Close()
	logger.Info("store opened", zap.String("dsn", dsn))

	reg := accounts.NewRegistry(st, cfg.DefaultAccount, logger.Named("accounts"))
	if err := reg.EnsureDefault(ctx); err != nil {
		logger.Fatal("cannot seed default account", zap.Error(err))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("cannot load AWS config", zap.Error(err))
	}

	runner := executor.NewRunner(sts.NewFromConfig(awsCfg), cfg.ExecTimeout, logger.Named("exec"))
	checker := compliance.NewChecker(cfg.TrustedAccounts)
	scorer := risk.NewScorer(cfg.RiskRules, cfg.TrustedAccounts, logger.Named("risk"))
	tr := trust.NewManager(st, cfg.TrustEnabled, logger.Named("trust"))
	grants := grant.NewManager(st, checker, scorer, logger.Named("grant"))
	limiter := ratelimit.NewLimiter(st, cfg.RateLimitEnabled, logger.Named("ratelimit"))
	sequencer := sequence.NewAnalyzer(st, logger.Named("sequence"))
	pager := paging.NewPager(st, logger.Named("paging"))

	chat := telegram.NewClient(cfg.TelegramToken, cfg.TelegramChatID, logger.Named("telegram"))
	up := uploads.NewManager(st, reg, tr, limiter, chat,
		uploads.NewClientFactory(awsCfg), uploads.NewPresigner(awsCfg), logger.Named("uploads"))

	broker := pipeline.NewBroker(st, reg, tr, grants, limiter, checker, scorer,
		sequencer, runner, pager, chat, logger)
	callbacks := pipeline.NewCallbacks(st, reg, tr, grants, up, runner, pager,
		sequencer, chat, logger)

	mcpserver.Version = version
	agentSrv := mcpserver.New(broker, st, reg, tr, grants, up, pager, cfg.SharedSecret, logger)
	if cfg.SharedSecret == "" {
		logger.Warn("no shared secret configured, agent transport is open")
	}

	if cfg.TelegramToken != "" {
		if err := chat.SetMyCommands(ctx, pipeline.BotCommands()); err != nil {
			logger.Warn("cannot register bot commands", zap.Error(err))
		}
		poller := telegram.NewPoller(chat, callbacks, cfg.ApprovedUsers, logger.Named("poller"))
		go func() {
			if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram poller stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("no telegram token configured, approvals are unreachable")
	}

	startReapers(ctx, st, logger)

	instanceID := uuid.NewString()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": version, "commit": commit, "date": date, "instance": instanceID,
		})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/mcp", agentSrv.Handler())
	mux.Handle("/mcp/", agentSrv.Handler())

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// No write timeout: the MCP transport holds SSE streams open.
		IdleTimeout: 120 * time.Second,
	}

	logger.Info("starting broker",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("instance", instanceID),
		zap.String("default_account", cfg.DefaultAccount),
		zap.Bool("telegram", cfg.TelegramToken != ""),
		zap.Bool("trust", cfg.TrustEnabled),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// startReapers schedules the background sweeps: pending requests time out
// every minute, decided rows and dead sessions age out every ten.
func startReapers(ctx context.Context, st *store.Store, logger *zap.Logger) {
	log := logger.Named("reaper")
	c := cron.New()

	_, _ = c.AddFunc("@every 1m", func() {
		n, err := st.ExpirePendingRequests(ctx)
		if err != nil {
			log.Warn("expire pending", zap.Error(err))
		}
		metrics.RecordReaped("requests", n)
		if pending, err := st.ListPending(ctx); err == nil {
			metrics.SetPendingApprovals(len(pending))
		}
	})

	_, _ = c.AddFunc("@every 10m", func() {
		sweeps := []struct {
			table string
			fn    func(context.Context) (int64, error)
		}{
			{"requests", st.PurgeRequests},
			{"grants", st.PurgeGrants},
			{"trust_sessions", st.PurgeTrustSessions},
			{"pages", st.PurgePages},
			{"history", st.PurgeHistory},
		}
		for _, s := range sweeps {
			n, err := s.fn(ctx)
			if err != nil {
				log.Warn("purge failed", zap.String("table", s.table), zap.Error(err))
				continue
			}
			metrics.RecordReaped(s.table, n)
		}
	})

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
}

// Config is the process configuration, read once from the environment.
type Config struct {
	ListenAddr       string
	DataDir          string
	DBDSN            string
	DefaultAccount   string
	TrustedAccounts  []string
	RiskRules        string
	SharedSecret     string
	TelegramToken    string
	TelegramChatID   string
	ApprovedUsers    []string
	TrustEnabled     bool
	RateLimitEnabled bool
	ExecTimeout      time.Duration
	OTLPEndpoint     string
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:       envOr("BOUNCER_LISTEN_ADDR", ":8080"),
		DataDir:          envOr("BOUNCER_DATA_DIR", "/var/lib/bouncer"),
		DBDSN:            os.Getenv("BOUNCER_DB_DSN"),
		DefaultAccount:   os.Getenv("BOUNCER_DEFAULT_ACCOUNT"),
		TrustedAccounts:  splitList(os.Getenv("BOUNCER_TRUSTED_ACCOUNTS")),
		RiskRules:        os.Getenv("BOUNCER_RISK_RULES"),
		SharedSecret:     os.Getenv("BOUNCER_SHARED_SECRET"),
		TelegramToken:    os.Getenv("BOUNCER_TELEGRAM_TOKEN"),
		TelegramChatID:   os.Getenv("BOUNCER_TELEGRAM_CHAT_ID"),
		ApprovedUsers:    splitList(os.Getenv("BOUNCER_TELEGRAM_APPROVERS")),
		TrustEnabled:     envBool("BOUNCER_TRUST_ENABLED", true),
		RateLimitEnabled: envBool("BOUNCER_RATE_LIMIT_ENABLED", true),
		ExecTimeout:      executor.DefaultTimeout,
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.DefaultAccount == "" {
		return nil, fmt.Errorf("BOUNCER_DEFAULT_ACCOUNT is required")
	}
	if len(cfg.DefaultAccount) != 12 {
		return nil, fmt.Errorf("BOUNCER_DEFAULT_ACCOUNT must be a 12-digit account id")
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID == "" {
		return nil, fmt.Errorf("BOUNCER_TELEGRAM_CHAT_ID is required when a token is set")
	}

	if raw := os.Getenv("BOUNCER_EXEC_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid BOUNCER_EXEC_TIMEOUT %q", raw)
		}
		cfg.ExecTimeout = d
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
