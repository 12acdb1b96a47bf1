// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

// Config aggregates configuration for the fairqueue processes.
type Config struct {
	Debug  bool         `mapstructure:"debug"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Worker WorkerConfig `mapstructure:"worker"`
	Health HealthConfig `mapstructure:"health"`
}

type RedisConfig struct {
	// Addrs is one address for a single server, several for a cluster.
	Addrs      []string `mapstructure:"addrs"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	MasterName string   `mapstructure:"master_name"`
}

type QueueConfig struct {
	KeyPrefix          string        `mapstructure:"key_prefix"`
	ShardCount         int           `mapstructure:"shard_count"`
	ConsumerCount      int           `mapstructure:"consumer_count"`
	ConsumerInterval   time.Duration `mapstructure:"consumer_interval"`
	VisibilityTimeout  time.Duration `mapstructure:"visibility_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	ReclaimInterval    time.Duration `mapstructure:"reclaim_interval"`
	BatchClaimSize     int           `mapstructure:"batch_claim_size"`
	DescriptorCacheTTL time.Duration `mapstructure:"descriptor_cache_ttl"`
	// WorkerQueue is where every claimed message is routed, or the prefix
	// of per-tenant worker queues when RouteByTenant is set.
	WorkerQueue   string `mapstructure:"worker_queue"`
	RouteByTenant bool   `mapstructure:"route_by_tenant"`

	TenantConcurrency int `mapstructure:"tenant_concurrency"`
	QueueConcurrency  int `mapstructure:"queue_concurrency"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cooloff   CooloffConfig   `mapstructure:"cooloff"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Schema    SchemaConfig    `mapstructure:"schema"`
}

type SchedulerConfig struct {
	// Kind is "drr" or "weighted".
	Kind       string `mapstructure:"kind"`
	Quantum    int    `mapstructure:"quantum"`
	MaxDeficit int    `mapstructure:"max_deficit"`
	Seed       uint64 `mapstructure:"seed"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Jitter          float64       `mapstructure:"jitter"`
	DeadLetterQueue bool          `mapstructure:"dead_letter_queue"`
}

type CooloffConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Threshold     int           `mapstructure:"threshold"`
	Period        time.Duration `mapstructure:"period"`
	MaxStatesSize int           `mapstructure:"max_states_size"`
}

// RateLimitConfig caps claims per second across the process, or across
// every process sharing the store when Shared is set. Zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
	Shared    bool    `mapstructure:"shared"`
}

type SchemaConfig struct {
	// Rules maps a rule name to a CEL expression over payload, queue_id,
	// tenant_id and metadata.
	Rules             map[string]string `mapstructure:"rules"`
	ValidateOnEnqueue bool              `mapstructure:"validate_on_enqueue"`
}

type WorkerConfig struct {
	// Command is run once per message with the payload on stdin. The
	// worker pool is off when it is empty.
	Command     []string      `mapstructure:"command"`
	Concurrency int           `mapstructure:"concurrency"`
	PopTimeout  time.Duration `mapstructure:"pop_timeout"`
}

type HealthConfig struct {
	Port int `mapstructure:"port"`
	// PprofPort serves net/http/pprof; zero disables it.
	PprofPort int `mapstructure:"pprof_port"`
}

func DefaultConfig() *Config {
	def := fairqueue.DefaultOptions()
	backoff, _ := def.Retry.Strategy.(fairqueue.ExponentialBackoff)
	return &Config{
		Redis: RedisConfig{Addrs: []string{"localhost:6379"}},
		Queue: QueueConfig{
			KeyPrefix:          def.KeyPrefix,
			ShardCount:         def.ShardCount,
			ConsumerCount:      def.ConsumerCount,
			ConsumerInterval:   def.ConsumerInterval,
			VisibilityTimeout:  def.VisibilityTimeout,
			HeartbeatInterval:  def.HeartbeatInterval,
			ReclaimInterval:    def.ReclaimInterval,
			BatchClaimSize:     def.BatchClaimSize,
			DescriptorCacheTTL: def.DescriptorCacheTTL,
			WorkerQueue:        "default",
			Scheduler:          SchedulerConfig{Kind: "drr", Quantum: 10, MaxDeficit: 50},
			Retry: RetryConfig{
				MaxAttempts:     backoff.MaxAttempts,
				BaseDelay:       backoff.Base,
				MaxDelay:        backoff.Cap,
				Jitter:          backoff.Jitter,
				DeadLetterQueue: def.Retry.DeadLetterQueue,
			},
			Cooloff: CooloffConfig(def.Cooloff),
		},
		Worker: WorkerConfig{Concurrency: 4, PopTimeout: 2 * time.Second},
		Health: HealthConfig{Port: 8090, PprofPort: 6060},
	}
}

// Load reads configuration from an optional fairqueue.yaml and from
// environment variables. Environment variables use the prefix
// "FAIRQUEUE" and the dot character in keys is replaced by an underscore.
// For example, "queue.shard_count" becomes "FAIRQUEUE_QUEUE_SHARD_COUNT".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("fairqueue")
	v.AddConfigPath(".")
	v.SetEnvPrefix("FAIRQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if a := v.GetString("redis.addrs"); a != "" && !strings.HasPrefix(a, "[") {
		cfg.Redis.Addrs = strings.Split(a, ",")
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

func (c *Config) RedisClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      c.Redis.Addrs,
		Username:   c.Redis.Username,
		Password:   c.Redis.Password,
		DB:         c.Redis.DB,
		MasterName: c.Redis.MasterName,
	})
}

// WorkerQueueFor is the routing rule the queue and the worker pool agree
// on.
func (c *Config) WorkerQueueFor(tenantID string) string {
	if c.Queue.RouteByTenant {
		return c.Queue.WorkerQueue + "-" + tenantID
	}
	return c.Queue.WorkerQueue
}

// QueueOptions builds the library options for this configuration.
func (c *Config) QueueOptions(client redis.UniversalClient, logger *slog.Logger) (fairqueue.Options, error) {
	q := c.Queue
	opts := fairqueue.DefaultOptions()
	opts.Logger = logger
	opts.KeyPrefix = q.KeyPrefix
	opts.ShardCount = q.ShardCount
	opts.ConsumerCount = q.ConsumerCount
	opts.ConsumerInterval = q.ConsumerInterval
	opts.VisibilityTimeout = q.VisibilityTimeout
	opts.HeartbeatInterval = q.HeartbeatInterval
	opts.ReclaimInterval = q.ReclaimInterval
	opts.BatchClaimSize = q.BatchClaimSize
	opts.DescriptorCacheTTL = q.DescriptorCacheTTL
	opts.WorkerQueue.Resolve = func(m fairqueue.StoredMessage) string {
		return c.WorkerQueueFor(m.TenantID)
	}

	if q.TenantConcurrency > 0 {
		opts.ConcurrencyGroups = append(opts.ConcurrencyGroups, fairqueue.TenantConcurrency(q.TenantConcurrency))
	}
	if q.QueueConcurrency > 0 {
		opts.ConcurrencyGroups = append(opts.ConcurrencyGroups, fairqueue.QueueConcurrency(q.QueueConcurrency))
	}

	switch {
	case q.Retry.MaxAttempts == 1:
		opts.Retry.Strategy = fairqueue.NoRetry{}
	default:
		opts.Retry.Strategy = fairqueue.ExponentialBackoff{
			Base:        q.Retry.BaseDelay,
			Cap:         q.Retry.MaxDelay,
			Jitter:      q.Retry.Jitter,
			MaxAttempts: q.Retry.MaxAttempts,
		}
	}
	opts.Retry.DeadLetterQueue = q.Retry.DeadLetterQueue
	opts.Cooloff = fairqueue.CooloffOptions(q.Cooloff)

	keys := fairqueue.NewKeyProducer(q.KeyPrefix)
	switch strings.ToLower(q.Scheduler.Kind) {
	case "", "drr":
		opts.Scheduler = fairqueue.NewDRRScheduler(client, keys,
			fairqueue.WithDRRQuantum(q.Scheduler.Quantum),
			fairqueue.WithDRRMaxDeficit(q.Scheduler.MaxDeficit),
			fairqueue.WithDRRLogger(logger))
	case "weighted":
		seed := q.Scheduler.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		opts.Scheduler = fairqueue.NewWeightedScheduler(client, seed, nil, logger)
	default:
		return opts, fmt.Errorf("unknown scheduler kind %q", q.Scheduler.Kind)
	}

	if rl := q.RateLimit; rl.PerSecond > 0 {
		if rl.Shared {
			opts.GlobalRateLimiter = fairqueue.NewRedisWindowLimiter(client, keys, "claims", int(rl.PerSecond), time.Second)
		} else {
			opts.GlobalRateLimiter = fairqueue.NewTokenBucketLimiter(rl.PerSecond, rl.Burst, nil)
		}
	}

	if len(q.Schema.Rules) > 0 {
		names := make([]string, 0, len(q.Schema.Rules))
		for name := range q.Schema.Rules {
			names = append(names, name)
		}
		sort.Strings(names)
		rules := make([]fairqueue.CELRule, len(names))
		for i, name := range names {
			rules[i] = fairqueue.CELRule{Name: name, Expression: q.Schema.Rules[name]}
		}
		schema, err := fairqueue.NewCELSchema(rules...)
		if err != nil {
			return opts, fmt.Errorf("invalid payload schema: %w", err)
		}
		opts.PayloadSchema = schema
		opts.ValidateOnEnqueue = q.Schema.ValidateOnEnqueue
	}
	return opts, nil
}
