package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"bolltrader/config"
	"bolltrader/internal/api"
	"bolltrader/internal/candlestore"
	"bolltrader/internal/engine"
	"bolltrader/internal/execution"
	"bolltrader/internal/feed"
	"bolltrader/internal/indicator"
	"bolltrader/internal/logger"
	"bolltrader/internal/metrics"
	"bolltrader/internal/model"
	redisstore "bolltrader/internal/store/redis"
	sqlitestore "bolltrader/internal/store/sqlite"
	"bolltrader/internal/strategy"
	"bolltrader/pkg/binance"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[trader] invalid configuration: %v", err)
	}

	logger.Init("trader", logger.ParseLevel(cfg.LogLevel), logger.Config{File: cfg.LogFile})
	log.Printf("[trader] starting: symbol=%s interval=%s window=%d simulate=%v",
		cfg.Symbol, cfg.Interval, cfg.Window, cfg.SimulateTrading)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.DBPath}, cfg.Symbol, cfg.Interval)
	if err != nil {
		log.Fatalf("[trader] open sqlite: %v", err)
	}
	defer store.Close()

	met := metrics.NewMetrics()
	health := metrics.NewHealthStatus(cfg.SimulateTrading)
	health.CheckSQLite(ctx, store.DB())

	var pub *redisstore.Publisher
	if cfg.RedisAddr != "" {
		pub, err = redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		}, cfg.Symbol, cfg.Interval)
		if err != nil {
			// the mirror is optional; run without it
			log.Printf("[trader] redis unavailable, mirror disabled: %v", err)
			pub = nil
		} else {
			defer pub.Close()
			health.CheckRedis(ctx, pub.Client())
		}
	}

	exec, coord, exchange := buildExecutor(ctx, cfg, store)

	var enginePub engine.Publisher
	if pub != nil {
		enginePub = pub
	}
	eng := engine.New(engine.Config{
		Symbol:   cfg.Symbol,
		Interval: cfg.Interval,
		Window:   cfg.Window,
		Options: strategy.Options{
			OnlyOnClose:      cfg.OnlyOnClose,
			ReentryBuffer:    cfg.ReentryBufferPct,
			UseBreakoutLevel: cfg.UseBreakoutLevelForEntry,
		},
	}, engine.Deps{
		Candles: candlestore.New(cfg.Symbol, cfg.Interval, max(200, cfg.Window+50)),
		Boll:    indicator.NewBoll(cfg.Window, cfg.BollMultiplier, cfg.BollDdof),
		Klines:  store,
		Bands:   store,
		Signals: store,
		States:  store,
		Errs:    store,
		Exec:    exec,
		Pub:     enginePub,
		Met:     met,
	})
	if err := eng.Restore(ctx); err != nil {
		log.Fatalf("[trader] restore: %v", err)
	}

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		metricsSrv.Stop(sctx)
	}()
	health.StartLivenessChecker(ctx, redisClient(pub), store.DB(), 15*time.Second)

	if cfg.APIAddr != "" {
		apiSrv := &http.Server{
			Addr:    cfg.APIAddr,
			Handler: api.NewRouter(api.Deps{Store: store, Positions: exchange, Symbol: cfg.Symbol, Interval: cfg.Interval}),
		}
		go func() {
			log.Printf("[trader] api listening on %s", cfg.APIAddr)
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[trader] api server: %v", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			apiSrv.Shutdown(sctx)
		}()
	}

	queue := feed.New(1024)
	stream := binance.NewStream(binance.StreamConfig{
		WSBase:         cfg.WSBase,
		Symbol:         cfg.Symbol,
		Interval:       cfg.Interval,
		PingInterval:   time.Duration(cfg.WSPingIntervalSec) * time.Second,
		PingTimeout:    time.Duration(cfg.WSPingTimeoutSec) * time.Second,
		BackoffInitial: time.Duration(cfg.WSBackoffInitSec) * time.Second,
		BackoffMax:     time.Duration(cfg.WSBackoffMaxSec) * time.Second,
	})
	stream.OnConnect = func() {
		health.SetWSConnected(true)
		met.ExecutionSuspended.Set(0)
		if coord != nil {
			coord.Resume()
		}
	}
	stream.OnDisconnect = func(err error) {
		met.WSReconnects.Inc()
		health.SetWSConnected(false)
		// no market data means no basis for new orders
		met.ExecutionSuspended.Set(1)
		if coord != nil {
			coord.Suspend()
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx, queue.C())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer queue.Close()
		stream.Run(ctx, func(k model.Kline) {
			health.SetLastKlineTime(time.Now())
			met.QueueDepth.Set(float64(queue.Depth()))
			if !queue.Publish(ctx, k) {
				log.Printf("[trader] dropping kline %d: shutting down", k.OpenTime)
			}
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	log.Printf("[trader] received %s, shutting down", s)
	cancel()
	wg.Wait()
	log.Printf("[trader] shutdown complete")
}

// buildExecutor picks the live coordinator or the simulator. The coordinator
// is returned separately so the stream callbacks can suspend it, and the
// exchange client so the status API can serve the live position; both are
// nil in simulate mode.
func buildExecutor(ctx context.Context, cfg *config.Config, store *sqlitestore.Store) (execution.Executor, *execution.Coordinator, api.PositionSource) {
	if cfg.SimulateTrading {
		log.Printf("[trader] simulate mode: no orders will reach the exchange")
		return execution.NewSimulator(cfg.Symbol, cfg.SimulateBalance, cfg.MaxPositionPct,
			cfg.QtyPrecision, store, store), nil, nil
	}

	client := binance.New(binance.Config{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		RestBase:   cfg.RestBase,
		RecvWindow: cfg.RecvWindow,
		Timeout:    time.Duration(cfg.HTTPTimeoutSec) * time.Second,
	})
	coord := execution.NewCoordinator(execution.Config{
		Symbol:          cfg.Symbol,
		MaxPositionPct:  cfg.MaxPositionPct,
		StopLossPct:     cfg.StopLossPct,
		StopLossEnabled: cfg.StopLossEnabled,
		StopWorkingType: cfg.StopLossWorkingType,
		QtyPrecision:    cfg.QtyPrecision,
		PricePrecision:  cfg.PriceRound,
		RequestTimeout:  time.Duration(cfg.HTTPTimeoutSec) * time.Second,
	}, client, store, store)
	coord.ApplyLeverage(ctx, cfg.Leverage)
	return coord, coord, client
}

func redisClient(pub *redisstore.Publisher) *goredis.Client {
	if pub == nil {
		return nil
	}
	return pub.Client()
}
