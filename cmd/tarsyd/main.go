// tarsyd is the marketplace runtime's single entrypoint: it wires every
// component in pkg/ to a shared Store and listens with the Reverse Proxy's
// HTTP(S) port, the one real network listener this module owns. Flag and
// env-var config directory, an .env load via godotenv, structured startup
// logging, then serve until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/codeready-toolchain/tarsy-runtime/internal/store"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/admission"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/blobstore"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/config"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/deployment"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/dispatcher"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/gateway"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/gateway/providers"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/hiring"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/proxy"
	rt "github.com/codeready-toolchain/tarsy-runtime/pkg/runtime"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/scheduler"
	"github.com/codeready-toolchain/tarsy-runtime/pkg/supervisor"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("no .env file loaded, continuing with existing environment", "path", envPath, "error", err)
	}

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	nodeID := getEnv("NODE_ID", rt.NewNodeID())
	log.Info("starting tarsyd", "node_id", nodeID, "config_dir", cfg.ConfigPath())

	st, err := buildStore(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("error closing store", "error", err)
		}
	}()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to blob store", "error", err)
		os.Exit(1)
	}

	routes := proxy.NewRouteTable()
	sup := supervisor.New(getEnv("SANDBOX_SCRATCH_ROOT", "/var/run/tarsyd/sandbox"), getEnv("CONTAINER_IMAGE_REPO", "localhost/tarsyd-agents"), nodeID, log)
	adm := admission.New(st, blobs)

	deployCfg := deployment.DefaultConfig()
	deployCfg.DeployStartup = cfg.Timeouts.StartTimeout
	deployCfg.ProbeInterval = cfg.Timeouts.ProbeInterval
	deployCfg.StopGrace = cfg.Timeouts.StopGracePeriod
	deployer := deployment.New(st, blobs, sup, routes, deployCfg, log)

	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.ExecutionTimeout = cfg.Timeouts.ExecutionTimeout
	dispatchCfg.ProxyBaseURL = getEnv("PROXY_BASE_URL", "http://127.0.0.1:8080")
	dispatch := dispatcher.New(st, adm, deployer, sup, dispatchCfg, log)
	_ = dispatch // exposed to an out-of-scope HTTP/CLI layer per SPEC_FULL.md §6; constructed here but not called by this binary

	hiringMgr := hiring.New(st, adm, deployer, hiring.DefaultConfig(), log)
	_ = hiringMgr // same as dispatch: exposed as a plain Go API for an external caller, per §6

	gw, err := buildGateway(ctx, cfg, st, log)
	if err != nil {
		log.Error("failed to build resource gateway", "error", err)
		os.Exit(1)
	}
	_ = gw // constructed so a bad gateway configuration fails startup; nothing in this binary calls it and it has no HTTP surface of its own

	proxyCfg := proxy.DefaultConfig()
	rp := proxy.New(routes, proxyCfg, log)

	sched := scheduler.New(st, deployer, sup, schedulerConfigFrom(cfg), log)
	sched.Run(ctx)
	defer sched.Stop()

	runtime := rt.New(nodeID, st, sched, cfg.Timeouts.SchedulerInterval, log)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(runtime))
	router.PathPrefix("/p/").Handler(rp.Handler())

	httpPort := getEnv("HTTP_PORT", "8080")
	server := &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("error during HTTP server shutdown", "error", err)
		}
	}()

	log.Info("HTTP server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("HTTP server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("tarsyd stopped")
}

func healthHandler(runtime *rt.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report, _ := runtime.Health(reqCtx)
		status := http.StatusOK
		if report.Status == rt.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"node_id":%q,"status":%q}`, report.NodeID, report.Status)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	sc, err := store.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.Store.MaxOpenConns > 0 {
		sc.MaxOpenConns = cfg.Store.MaxOpenConns
	}
	if cfg.Store.MaxIdleConns > 0 {
		sc.MaxIdleConns = cfg.Store.MaxIdleConns
	}
	if cfg.Store.ConnMaxLifetime > 0 {
		sc.ConnMaxLifetime = cfg.Store.ConnMaxLifetime
	}
	return store.NewPostgresStore(ctx, sc)
}

func buildBlobStore(ctx context.Context, cfg *config.Config) (*blobstore.Store, error) {
	return blobstore.New(ctx, blobstore.Config{
		Endpoint:         cfg.Objects.Endpoint,
		AccessKey:        os.Getenv(cfg.Objects.AccessKeyEnvVar),
		SecretKey:        os.Getenv(cfg.Objects.SecretKeyEnvVar),
		UseSSL:           cfg.Objects.UseSSL,
		BundleBucket:     cfg.Objects.BundleBucket,
		CredentialBucket: cfg.Objects.CredentialBucket,
	})
}

// buildGateway wires every LLM/vector/search provider named in
// SPEC_FULL.md §4.G that has enough configuration present to construct;
// a provider with no configured credentials is simply left unregistered —
// a RequestSpec naming it then fails with CodeProviderError rather than
// this process failing to start.
func buildGateway(ctx context.Context, cfg *config.Config, st store.Store, log *slog.Logger) (*gateway.Gateway, error) {
	llmProviders := map[string]providers.LLMProvider{}
	if key := os.Getenv(cfg.LLM.AnthropicAPIKeyEnvVar); key != "" {
		llmProviders["anthropic"] = providers.NewAnthropicProvider(key)
	}
	if cfg.LLM.BedrockRegion != "" {
		bedrock, err := providers.NewBedrockProvider(ctx, cfg.LLM.BedrockRegion)
		if err != nil {
			log.Warn("bedrock provider unavailable, continuing without it", "error", err)
		} else {
			llmProviders["bedrock"] = bedrock
		}
	}

	vectorProviders := map[string]providers.VectorProvider{}
	if cfg.Vector.Addr != "" {
		qdrant, err := providers.NewQdrantProvider(cfg.Vector.Addr, os.Getenv("QDRANT_API_KEY"))
		if err != nil {
			log.Warn("qdrant provider unavailable, continuing without it", "error", err)
		} else {
			vectorProviders["qdrant"] = qdrant
		}
	}

	searchProviders := map[string]providers.SearchProvider{}
	if endpoint := os.Getenv("MANAGED_SEARCH_ENDPOINT"); endpoint != "" {
		searchProviders["managed-search"] = providers.NewManagedSearchProvider(endpoint, os.Getenv("MANAGED_SEARCH_API_KEY"), nil)
	}

	rateCard := rateCardFrom(cfg)
	limiter := rateLimiterFrom(cfg)

	gwCfg := gateway.DefaultConfig()
	if cfg.RateLimit.RequestsPerMinute > 0 {
		gwCfg.DefaultLLMLimitPerMinute = cfg.RateLimit.RequestsPerMinute
	}

	// No CredentialDecryptor is wired: BYOK key management (encryption at
	// rest, rotation, access control) is explicitly out of this module's
	// scope — a hiring configured for BYOK fails with CodeProviderError
	// rather than this binary silently trusting an unencrypted path.
	return gateway.New(st, rateCard, limiter, nil, llmProviders, vectorProviders, searchProviders, gwCfg, log), nil
}

func rateCardFrom(cfg *config.Config) *gateway.RateCard {
	rc := gateway.NewDefaultRateCard()
	thousand := decimal.NewFromInt(1000)
	if !cfg.RateCard.LLMInputPerThousandTokens.IsZero() {
		perToken := cfg.RateCard.LLMInputPerThousandTokens.Div(thousand)
		rc.Register("anthropic", "completion-input", "input_tokens", perToken)
		rc.Register("bedrock", "completion-input", "input_tokens", perToken)
	}
	if !cfg.RateCard.LLMOutputPerThousandTokens.IsZero() {
		perToken := cfg.RateCard.LLMOutputPerThousandTokens.Div(thousand)
		rc.Register("anthropic", "completion", "output_tokens", perToken)
		rc.Register("bedrock", "completion", "output_tokens", perToken)
	}
	if !cfg.RateCard.VectorOpFlatRate.IsZero() {
		rc.Register("qdrant", "vector-op", "vectors", cfg.RateCard.VectorOpFlatRate)
	}
	if !cfg.RateCard.WebSearchFlatRate.IsZero() {
		rc.Register("managed-search", "web-search", "queries", cfg.RateCard.WebSearchFlatRate)
	}
	return rc
}

func rateLimiterFrom(cfg *config.Config) gateway.RateLimiter {
	if cfg.RateLimit.RedisAddr == "" {
		return gateway.NewMemoryRateLimiter()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr, DB: cfg.RateLimit.RedisDB})
	return gateway.NewRedisRateLimiter(client)
}

func schedulerConfigFrom(cfg *config.Config) scheduler.Config {
	sc := scheduler.DefaultConfig()
	if cfg.Timeouts.SchedulerInterval > 0 {
		sc.Interval = cfg.Timeouts.SchedulerInterval
	}
	if cfg.Scheduler.StaleExecutionAfter > 0 {
		sc.StaleExecutionAfter = cfg.Scheduler.StaleExecutionAfter
	}
	if cfg.Scheduler.OrphanDeploymentAfter > 0 {
		sc.DeploymentReapAfter = cfg.Scheduler.OrphanDeploymentAfter
	}
	if cfg.Scheduler.BudgetResetCheckEvery > 0 {
		sc.BudgetCheckInterval = cfg.Scheduler.BudgetResetCheckEvery
	}
	if cfg.Timeouts.StopGracePeriod > 0 {
		sc.OrphanGrace = cfg.Timeouts.StopGracePeriod
	}
	return sc
}
