package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"restaurant-orders/internal/api"
	"restaurant-orders/internal/cart"
	"restaurant-orders/internal/config"
	"restaurant-orders/internal/connections/database"
	"restaurant-orders/internal/connections/rabbitmq"
	"restaurant-orders/internal/connections/redisdb"
	"restaurant-orders/internal/consumer"
	"restaurant-orders/internal/httpx"
	"restaurant-orders/internal/inventory"
	"restaurant-orders/internal/logger"
	"restaurant-orders/internal/repository"
	"restaurant-orders/internal/service"
	"restaurant-orders/internal/stockcache"
	"restaurant-orders/internal/waittime"
)

func main() {
	var (
		cfgPath  string
		mode     string
		strategy int
		debug    bool
	)
	flag.StringVar(&cfgPath, "config", "config.yml", "path to YAML config")
	flag.StringVar(&mode, "mode", "api", "run mode: api or consumer")
	flag.IntVar(&strategy, "strategy", inventory.KindCacheFronted,
		"inventory strategy: 0 cache-fronted, 1 optimistic, 2 pessimistic, 3 serialized")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	log := logger.New("restaurant-orders", mode, debug)

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := database.ConnectDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()
	log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("postgres connected")

	rdb, err := redisdb.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	defer rdb.Close()
	log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")

	rmq, err := rabbitmq.Dial(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq connect failed")
	}
	defer rmq.Close()
	paymentWindow := time.Duration(cfg.Server.PaymentWindowSec) * time.Second
	if err := rmq.DeclareTopology(paymentWindow); err != nil {
		log.Fatal().Err(err).Msg("rabbitmq topology declaration failed")
	}
	log.Info().Str("host", cfg.RabbitMQ.Host).Msg("rabbitmq connected")

	cache := stockcache.New(rdb)
	dishes := repository.NewDishesPG(pool)
	combos := repository.NewCombosPG(pool)
	orders := repository.NewOrdersPG(pool)
	users := repository.NewUsersPG(pool)
	notifications := repository.NewNotificationsPG(pool)
	stores := repository.NewStoresPG(pool)

	warmCaches(ctx, log, cache, dishes, stores)

	switch mode {
	case "api":
		strat := inventory.Select(strategy, inventory.Deps{
			Dishes: dishes,
			Combos: combos,
			Orders: orders,
			Cache:  cache,
			Pub:    rmq,
			Log:    log,
		})
		svc := &service.OrderService{
			Carts:    cart.NewRegistry(users),
			Strategy: strat,
			Orders:   orders,
			Dishes:   dishes,
			Pending:  rmq,
			Log:      log,
		}
		h := &api.Handler{
			Svc:   svc,
			Carts: svc.Carts,
			Wait:  waittime.NewEstimator(cache, dishes),
			Log:   log,
		}
		srv := httpx.New(fmt.Sprintf(":%d", cfg.Server.Port), h.Router())
		log.Info().Int("port", cfg.Server.Port).Int("strategy", strategy).Msg("api listening")
		if err := srv.Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}

	case "consumer":
		c := &consumer.Consumer{
			Orders:        orders,
			Dishes:        dishes,
			Combos:        combos,
			Notifications: notifications,
			Cache:         cache,
			Broker:        rmq,
			Log:           log,
			StrategyKind:  strategy,
			Workers:       cfg.Consumer.Workers,
			Prefetch:      cfg.Consumer.Prefetch,
		}
		log.Info().Int("workers", cfg.Consumer.Workers).Int("strategy", strategy).Msg("consumer running")
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Msg("consumer stopped")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(2)
	}

	log.Info().Msg("shutdown complete")
}

// warmCaches primes the per-store stock mirrors and the preparation-time
// hash so the first requests after a restart do not all fall through to
// the database. Failures are logged and tolerated; every consumer of these
// caches rebuilds on a miss anyway.
func warmCaches(ctx context.Context, log zerolog.Logger, cache *stockcache.Cache, dishes repository.Dishes, stores repository.Stores) {
	ids, err := stores.StoreIDs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("skipping stock cache warm-up")
		return
	}
	for _, id := range ids {
		stock, err := dishes.StockFor(ctx, id)
		if err != nil {
			log.Warn().Err(err).Int("store_id", id).Msg("failed to load stock for warm-up")
			continue
		}
		if err := cache.Warm(ctx, id, stock); err != nil {
			log.Warn().Err(err).Int("store_id", id).Msg("failed to warm stock cache")
		}
	}
	minutes, err := dishes.PrepTimes(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load prep times for warm-up")
		return
	}
	if err := cache.WarmPrepTimes(ctx, minutes); err != nil {
		log.Warn().Err(err).Msg("failed to warm prep time cache")
	}
	log.Info().Int("stores", len(ids)).Msg("caches warmed")
}
