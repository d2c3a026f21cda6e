package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"bolltrader/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 30 * time.Minute

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher mirrors the live pipeline into Redis for dashboards and other
// subscribers. Everything here is best effort: a Redis outage never stalls
// or fails the trading loop, failures are only logged.
type Publisher struct {
	client   *goredis.Client
	symbol   string
	interval string
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// New creates a Publisher and pings the server.
func New(cfg Config, symbol, interval string) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Publisher{client: client, symbol: symbol, interval: interval}, nil
}

// PublishKline writes the latest kline and notifies subscribers.
func (p *Publisher) PublishKline(ctx context.Context, k model.Kline) {
	jsonData := string(k.JSON())

	pipe := p.client.Pipeline()
	pipe.Set(ctx, "kline:latest:"+p.suffix(), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, "pub:kline:"+p.suffix(), jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] kline pipeline error for %s: %v", k.Key(), err)
	}
}

// PublishBand writes a band update. Live preview bands go to PubSub only;
// confirmed bands also update the latest key.
func (p *Publisher) PublishBand(ctx context.Context, b model.Band) {
	data, err := json.Marshal(b)
	if err != nil {
		log.Printf("[redis] marshal band: %v", err)
		return
	}
	jsonData := string(data)
	pubsubCh := "pub:band:" + p.suffix()

	if b.Live {
		p.client.Publish(ctx, pubsubCh, jsonData)
		return
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, "band:latest:"+p.suffix(), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, pubsubCh, jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] band pipeline error: %v", err)
	}
}

// PublishSignal notifies subscribers of an emitted signal.
func (p *Publisher) PublishSignal(ctx context.Context, s model.Signal) {
	data, err := json.Marshal(s)
	if err != nil {
		log.Printf("[redis] marshal signal: %v", err)
		return
	}
	jsonData := string(data)

	pipe := p.client.Pipeline()
	pipe.Set(ctx, "signal:latest:"+p.suffix(), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, "pub:signal:"+p.suffix(), jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] signal pipeline error: %v", err)
	}
}

// PublishState writes the latest strategy state snapshot.
func (p *Publisher) PublishState(ctx context.Context, snap model.StateSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[redis] marshal state: %v", err)
		return
	}
	jsonData := string(data)

	pipe := p.client.Pipeline()
	pipe.Set(ctx, "state:latest:"+p.suffix(), jsonData, defaultLatestTTL)
	pipe.Publish(ctx, "pub:state:"+p.suffix(), jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] state pipeline error: %v", err)
	}
}

func (p *Publisher) suffix() string {
	return p.symbol + ":" + p.interval
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
