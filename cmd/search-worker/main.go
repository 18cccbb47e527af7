package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"leadsearch/breaker"
	"leadsearch/budget"
	"leadsearch/gateway"
	"leadsearch/inflight"
	"leadsearch/kv"
	"leadsearch/obs"
	"leadsearch/places"
	"leadsearch/pubsub"
	"leadsearch/search"
	"leadsearch/store"
	"leadsearch/streamq"
)

func main() {
	_ = godotenv.Load()

	shutdownObs, logger := obs.Init("search-worker")
	defer func() { _ = shutdownObs(context.Background()) }()
	obs.SetAppInfo("search-worker")

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       readEnvIntDefault("REDIS_DB", 0),
	})

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		log.Fatalf("DATABASE_URL is empty: worker writes the durable cache tier")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("postgres connect failed: %v", err)
	}

	apiKey := strings.TrimSpace(os.Getenv("PLACES_API_KEY"))
	if apiKey == "" {
		log.Fatalf("PLACES_API_KEY is empty")
	}
	placesClient := places.NewHTTPClient(
		readEnvDefault("PLACES_API_BASE_URL", "https://places.googleapis.com"),
		apiKey,
		time.Duration(readEnvIntDefault("PLACES_TIMEOUT_SECONDS", 10))*time.Second,
	)

	jobStore, err := store.NewRedisSearchJobStore(rdb, time.Duration(readEnvIntDefault("JOB_TTL_HOURS", 24))*time.Hour)
	if err != nil {
		log.Fatalf("init job store failed: %v", err)
	}

	kvStore := kv.NewRedisStore(rdb)
	ledger := budget.NewLedger(kvStore, logger)
	breakers := breaker.NewRegistry(
		readEnvIntDefault("BREAKER_THRESHOLD", 5),
		time.Duration(readEnvIntDefault("BREAKER_COOLDOWN_SECONDS", 30))*time.Second,
	)
	gw := gateway.New(placesClient, ledger, breakers, gateway.Config{
		GlobalDayCeiling:   int64(readEnvIntDefault("BUDGET_GLOBAL_DAY", 10000)),
		GlobalMonthCeiling: int64(readEnvIntDefault("BUDGET_GLOBAL_MONTH", 200000)),
		UserDayCeiling:     int64(readEnvIntDefault("BUDGET_USER_DAY", 200)),
		MaxInflight:        readEnvIntDefault("UPSTREAM_MAX_INFLIGHT", 4),
		MaxAttempts:        readEnvIntDefault("UPSTREAM_MAX_ATTEMPTS", 3),
	}, logger)

	hot := store.NewHotCache(kvStore, time.Duration(readEnvIntDefault("HOT_CACHE_TTL_MINUTES", 15))*time.Minute, logger)
	durable := store.NewDurableCache(db, time.Duration(readEnvIntDefault("DURABLE_CACHE_TTL_HOURS", 168))*time.Hour, logger)
	reg := inflight.New(kvStore, readEnvDefault("INFLIGHT_PREFIX", "ls:inflight:"), time.Duration(readEnvIntDefault("INFLIGHT_TTL_MINUTES", 10))*time.Minute)

	worker := search.NewWorker(jobStore, gw, hot, durable, reg, pubsub.NewRedisPublisher(rdb), logger)

	streamKey := readEnvDefault("SEARCH_STREAM_KEY", "ls:searchjobs:stream")
	group := readEnvDefault("SEARCH_STREAM_GROUP", "ls-search")
	maxLen := int64(readEnvIntDefault("SEARCH_STREAM_MAXLEN", 100000))
	q := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)

	ctx, cancel := signalContext()
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	consumerName := strings.TrimSpace(os.Getenv("WORKER_CONSUMER_NAME"))
	if consumerName == "" {
		consumerName = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}
	cons := streamq.NewConsumer(rdb, streamKey, group, consumerName)
	cons.SetConcurrency(readEnvIntDefault("STREAM_CONCURRENCY", 4))
	logger.Info("search-worker start", "stream", streamKey, "group", group, "consumer", consumerName)

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	err = cons.ConsumeLoop(ctx, func(ctx context.Context, jobID string) error {
		// handler should never crash the loop; all failures are persisted to job store.
		start := time.Now()
		err := worker.Process(ctx, jobID)
		obs.RecordWorkerJob("search-worker", start, err)
		return err
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("consume loop exited: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("search-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
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
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
