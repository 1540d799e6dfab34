package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// -----------------------------------------------------------------------------
// 环境变量约定:
// - required: 各环境不同的值 (数据库连接等)
// - default: 各环境通用的值 (TTL、流名称、超时等)
// -----------------------------------------------------------------------------

type Config struct {
	Server ServerConfig
	DB     DBConfig
	Redis  RedisConfig
	Cache  CacheConfig
	Stream StreamConfig
	MQ     MQConfig
	Log    LogConfig
}

type ServerConfig struct {
	Port            string `envconfig:"PORT" default:"5055"`
	EnableTracing   bool   `envconfig:"ENABLE_TRACING" default:"false"`
	CollectorAddr   string `envconfig:"COLLECTOR_SERVICE_ADDR"`
	DisableProfiler bool   `envconfig:"DISABLE_PROFILER" default:"false"`
}

type DBConfig struct {
	DSN string `envconfig:"MYSQL_ADDR" default:"root:root_password@tcp(127.0.0.1:3307)/hmdp?parseTime=true"`
}

type RedisConfig struct {
	Addr          string   `envconfig:"REDIS_ADDR" default:"localhost:6380"`
	URL           string   `envconfig:"REDIS_URL"`
	SentinelAddrs []string `envconfig:"REDIS_SENTINEL_ADDRS"`
	MasterName    string   `envconfig:"REDIS_MASTER_NAME" default:"mymaster"`
}

type CacheConfig struct {
	ShopTTL        time.Duration `envconfig:"CACHE_SHOP_TTL" default:"30m"`
	NullTTL        time.Duration `envconfig:"CACHE_NULL_TTL" default:"2m"`
	LockTTL        time.Duration `envconfig:"CACHE_LOCK_TTL" default:"10s"`
	RebuildWorkers int           `envconfig:"CACHE_REBUILD_WORKERS" default:"10"`
	RebuildQueue   int           `envconfig:"CACHE_REBUILD_QUEUE" default:"1024"`
	Codec          string        `envconfig:"CACHE_CODEC" default:"json"`
	BloomBits      uint64        `envconfig:"CACHE_BLOOM_BITS" default:"1048576"`
	BloomHashes    uint          `envconfig:"CACHE_BLOOM_HASHES" default:"5"`
	HotShopIDs     []int64       `envconfig:"CACHE_HOT_SHOP_IDS"`
}

type StreamConfig struct {
	Name         string        `envconfig:"STREAM_NAME" default:"stream.orders"`
	Group        string        `envconfig:"STREAM_GROUP" default:"g1"`
	Consumer     string        `envconfig:"STREAM_CONSUMER"`
	Block        time.Duration `envconfig:"STREAM_BLOCK" default:"2s"`
	RetryBackoff time.Duration `envconfig:"STREAM_RETRY_BACKOFF" default:"20ms"`
	OrderLockTTL time.Duration `envconfig:"ORDER_LOCK_TTL" default:"1200s"`
}

type MQConfig struct {
	NameServer string `envconfig:"ROCKETMQ_NAMESERVER"`
	GroupName  string `envconfig:"ROCKETMQ_GROUP" default:"voucher_order_producer_group"`
	Topic      string `envconfig:"ORDER_EVENT_TOPIC" default:"voucher_orders"`
}

type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	if cfg.Stream.Consumer == "" {
		cfg.Stream.Consumer = DefaultConsumerName()
	}
	return cfg, nil
}

// DefaultConsumerName 使用主机名作为消费者名，保证同一 pod 重启后能认领自己的 pending 消息
func DefaultConsumerName() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return "pod-" + hostname
}

func NewTestConfig() Config {
	return Config{
		Server: ServerConfig{Port: "0", DisableProfiler: true},
		Cache: CacheConfig{
			ShopTTL:        30 * time.Minute,
			NullTTL:        2 * time.Minute,
			LockTTL:        10 * time.Second,
			RebuildWorkers: 4,
			RebuildQueue:   64,
			Codec:          "json",
			BloomBits:      1 << 16,
			BloomHashes:    5,
		},
		Stream: StreamConfig{
			Name:         "stream.orders",
			Group:        "g1",
			Consumer:     "c1",
			Block:        50 * time.Millisecond,
			RetryBackoff: 5 * time.Millisecond,
			OrderLockTTL: 10 * time.Second,
		},
		MQ:  MQConfig{Topic: "voucher_orders"},
		Log: LogConfig{Level: "debug"},
	}
}
