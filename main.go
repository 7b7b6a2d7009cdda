package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"photoagent/agent"
	"photoagent/execlock"
	"photoagent/llm"
	"photoagent/masumi"
	"photoagent/obs"
	"photoagent/pexels"
	"photoagent/pipeline"
	"photoagent/store"
)

func main() {
	// Best-effort: local dev keeps credentials in .env, deployments inject env.
	_ = godotenv.Overload()

	shutdownObs, _ := obs.Init("photoagent")
	defer func() { _ = shutdownObs(context.Background()) }()

	paymentCfg := masumi.ConfigFromEnv()
	if err := paymentCfg.Validate(); err != nil {
		log.Fatalf("payment config: %v", err)
	}
	agentIdentifier := strings.TrimSpace(os.Getenv("AGENT_IDENTIFIER"))
	if agentIdentifier == "" {
		log.Fatalf("missing AGENT_IDENTIFIER (agent registration id on the payment service)")
	}
	openaiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if openaiKey == "" {
		log.Fatalf("missing OPENAI_API_KEY")
	}
	pexelsKey := strings.TrimSpace(os.Getenv("PEXELS_API_KEY"))
	if pexelsKey == "" {
		log.Fatalf("missing PEXELS_API_KEY")
	}
	if strings.TrimSpace(os.Getenv("SELLER_VKEY")) == "" {
		slog.Warn("SELLER_VKEY is empty; start_job responses will not carry a seller key")
	}

	// Jobs live in process memory by default. REDIS_ADDR switches to the
	// Redis-backed store (same contract) plus a cross-replica execution lock.
	var jobStore store.JobStore
	var lock agent.ExecLock
	if redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); redisAddr != "" {
		st, err := store.NewRedisJobStore(redisAddr, os.Getenv("REDIS_PASSWORD"))
		if err != nil {
			log.Fatalf("init redis store failed: %v", err)
		}
		jobStore = st
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		})
		lock = execlock.New(rdb, readEnvDefault("JOB_LOCK_PREFIX", "agent:lock:job:"))
	} else {
		jobStore = store.NewInMemoryJobStore()
		slog.Info("job store: in-memory (process lifetime only)")
	}

	payments := masumi.NewClient(paymentCfg)
	catalog := pexels.NewClient(pexelsKey)
	model := llm.NewOpenAIClient(openaiKey, os.Getenv("OPENAI_BASE_URL"))
	crew := pipeline.NewCrew(model, catalog, llm.DefaultModel())

	svc := agent.NewService(jobStore, payments, crew, lock, agent.OptionsFromEnv())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	svc.RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8000")
	slog.Info("stock photo agent listening", "addr", addr, "network", paymentCfg.Network)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("photoagent", mux))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 3 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
