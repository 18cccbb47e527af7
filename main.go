package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"leadsearch/credits"
	"leadsearch/inflight"
	"leadsearch/kv"
	"leadsearch/obs"
	"leadsearch/search"
	"leadsearch/store"
	"leadsearch/streamq"
)

func main() {
	// Best-effort: local dev reads .env, deployments use real env vars.
	_ = godotenv.Load()

	shutdownObs, logger := obs.Init("search-api")
	defer func() { _ = shutdownObs(context.Background()) }()
	obs.SetAppInfo("search-api")

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty: hot cache, dedup and the job queue require Redis")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       readEnvIntDefault("REDIS_DB", 0),
	})

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Fatalf("DATABASE_URL is empty: durable cache and credit ledger require Postgres")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("postgres connect failed: %v", err)
	}
	if err := db.AutoMigrate(&store.SearchCache{}, &credits.CreditTransaction{}, &credits.UserBalance{}); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	jobStore, err := store.NewRedisSearchJobStore(rdb, time.Duration(readEnvIntDefault("JOB_TTL_HOURS", 24))*time.Hour)
	if err != nil {
		log.Fatalf("init job store failed: %v", err)
	}

	streamKey := readEnvDefault("SEARCH_STREAM_KEY", "ls:searchjobs:stream")
	group := readEnvDefault("SEARCH_STREAM_GROUP", "ls-search")
	maxLen := int64(readEnvIntDefault("SEARCH_STREAM_MAXLEN", 100000))
	queue := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)

	kvStore := kv.NewRedisStore(rdb)
	hot := store.NewHotCache(kvStore, time.Duration(readEnvIntDefault("HOT_CACHE_TTL_MINUTES", 15))*time.Minute, logger)
	durable := store.NewDurableCache(db, time.Duration(readEnvIntDefault("DURABLE_CACHE_TTL_HOURS", 168))*time.Hour, logger)
	reg := inflight.New(kvStore, readEnvDefault("INFLIGHT_PREFIX", "ls:inflight:"), time.Duration(readEnvIntDefault("INFLIGHT_TTL_MINUTES", 10))*time.Minute)
	creditSvc := credits.NewService(db)

	searchSvc := search.NewService(jobStore, queue, hot, durable, reg, creditSvc, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	searchSvc.RegisterRoutes(mux)
	registerCreditRoutes(mux, creditSvc)

	addr := ":" + readEnvDefault("PORT", "8080")
	logger.Info("search api listening", "addr", addr, "stream", streamKey, "group", group)
	// Wrap order: cors -> otel -> metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("search-api", obs.MetricsMiddleware(mux)))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func registerCreditRoutes(mux *http.ServeMux, svc *credits.Service) {
	mux.HandleFunc("/credits/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}
		balance, err := svc.Balance(r.Context(), userID)
		if err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"balance":` + strconv.FormatInt(balance, 10) + `}`))
	})
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
