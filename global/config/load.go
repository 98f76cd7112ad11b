package config

import (
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"PPChat/tools/errs"
)

// Load 默认值 -> .env（存在则加载，不覆盖已有环境变量）-> yaml（path 非空）-> 环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errs.WrapMsg(err, "load .env")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.WrapMsg(err, "parse config", "path", path)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errs.WrapMsg(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 拒绝无法运行的组合
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return errs.ErrArgs.WrapMsg("node.id is required")
	}
	if c.Node.SnowNode < 0 || c.Node.SnowNode > 1023 {
		return errs.ErrArgs.WrapMsg("node.snow_node out of range", "value", c.Node.SnowNode)
	}
	if c.Session.Shards <= 0 {
		return errs.ErrArgs.WrapMsg("session.shards must be positive")
	}
	if c.Session.MaxIdle <= 0 || c.Session.SweepEvery <= 0 || c.Session.PingInterval <= 0 {
		return errs.ErrArgs.WrapMsg("session durations must be positive")
	}
	if c.Session.PingInterval >= c.Session.MaxIdle {
		return errs.ErrArgs.WrapMsg("session.ping_interval must be shorter than session.max_idle")
	}
	if c.Offline.TTL <= 0 || c.Offline.SweepEvery <= 0 || c.Offline.SyncBudget <= 0 {
		return errs.ErrArgs.WrapMsg("offline durations must be positive")
	}
	if c.Offline.DefaultLimit <= 0 || c.Offline.MaxLimit < c.Offline.DefaultLimit {
		return errs.ErrArgs.WrapMsg("offline limits invalid", "default", c.Offline.DefaultLimit, "max", c.Offline.MaxLimit)
	}
	switch c.Offline.Backend {
	case OfflineBackendMemory:
	case OfflineBackendPostgres:
		if c.Postgres.URL == "" {
			return errs.ErrArgs.WrapMsg("postgres.url is required for the postgres offline backend")
		}
	case OfflineBackendMongo:
		if c.Mongo.URI == "" {
			return errs.ErrArgs.WrapMsg("mongo.uri is required for the mongo offline backend")
		}
	case OfflineBackendGateway:
		if c.Redis.Addr == "" {
			return errs.ErrArgs.WrapMsg("redis.addr is required for the gateway offline backend (cursor store)")
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown offline.backend", "value", c.Offline.Backend)
	}
	if c.Gateway.BaseURL == "" {
		return errs.ErrArgs.WrapMsg("gateway.base_url is required")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errs.ErrArgs.WrapMsg("kafka.brokers is required when kafka is enabled")
	}
	if c.NATS.Enabled && len(c.NATS.Servers) == 0 {
		return errs.ErrArgs.WrapMsg("nats.servers is required when nats is enabled")
	}
	return nil
}
