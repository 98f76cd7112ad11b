package config

import (
	"time"
)

const (
	OfflineBackendMemory   = "memory"
	OfflineBackendPostgres = "postgres"
	OfflineBackendMongo    = "mongo"
	OfflineBackendGateway  = "gateway"
)

// Config 网关进程的全部配置：默认值 -> .env -> yaml -> 环境变量
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Session  SessionConfig  `yaml:"session"`
	Offline  OfflineConfig  `yaml:"offline"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Redis    RedisConfig    `yaml:"redis"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type NodeConfig struct {
	ID        string `yaml:"id"         env:"PPCHAT_NODE_ID"`
	SnowNode  int64  `yaml:"snow_node"  env:"PPCHAT_NODE_SNOW_NODE"` // 雪花ID节点号 0~1023
	HTTPAddr  string `yaml:"http_addr"  env:"PPCHAT_NODE_HTTP_ADDR"`
	GRPCAddr  string `yaml:"grpc_addr"  env:"PPCHAT_NODE_GRPC_ADDR"`
	AdminAuth string `yaml:"admin_auth" env:"PPCHAT_NODE_ADMIN_TOKEN"` // /internal/* 访问令牌，空=不校验
}

type SessionConfig struct {
	Shards        int           `yaml:"shards"          env:"PPCHAT_SESSION_SHARDS"`
	MaxIdle       time.Duration `yaml:"max_idle"        env:"PPCHAT_SESSION_MAX_IDLE"`
	SweepEvery    time.Duration `yaml:"sweep_every"     env:"PPCHAT_SESSION_SWEEP_EVERY"`
	UnauthTTL     time.Duration `yaml:"unauth_ttl"      env:"PPCHAT_SESSION_UNAUTH_TTL"`
	PingInterval  time.Duration `yaml:"ping_interval"   env:"PPCHAT_SESSION_PING_INTERVAL"`
	WriteWait     time.Duration `yaml:"write_wait"      env:"PPCHAT_SESSION_WRITE_WAIT"`
	SendQueueSize int           `yaml:"send_queue_size" env:"PPCHAT_SESSION_SEND_QUEUE_SIZE"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes" env:"PPCHAT_SESSION_MAX_FRAME_BYTES"`
	AllowOrigins  []string      `yaml:"allow_origins"   env:"PPCHAT_SESSION_ALLOW_ORIGINS" envSeparator:","`
}

type OfflineConfig struct {
	Backend            string        `yaml:"backend"             env:"PPCHAT_OFFLINE_BACKEND"`
	TTL                time.Duration `yaml:"ttl"                 env:"PPCHAT_OFFLINE_TTL"`
	DeliveredRetention time.Duration `yaml:"delivered_retention" env:"PPCHAT_OFFLINE_DELIVERED_RETENTION"`
	SweepEvery         time.Duration `yaml:"sweep_every"         env:"PPCHAT_OFFLINE_SWEEP_EVERY"`
	DefaultLimit       int           `yaml:"default_limit"       env:"PPCHAT_OFFLINE_DEFAULT_LIMIT"`
	MaxLimit           int           `yaml:"max_limit"           env:"PPCHAT_OFFLINE_MAX_LIMIT"`
	SyncBudget         time.Duration `yaml:"sync_budget"         env:"PPCHAT_OFFLINE_SYNC_BUDGET"`
}

type GatewayConfig struct {
	BaseURL             string        `yaml:"base_url"              env:"PPCHAT_GATEWAY_BASE_URL"`
	Token               string        `yaml:"token"                 env:"PPCHAT_GATEWAY_TOKEN"`
	Timeout             time.Duration `yaml:"timeout"               env:"PPCHAT_GATEWAY_TIMEOUT"`
	Retries             int           `yaml:"retries"               env:"PPCHAT_GATEWAY_RETRIES"`
	ParticipantCacheTTL time.Duration `yaml:"participant_cache_ttl" env:"PPCHAT_GATEWAY_PARTICIPANT_CACHE_TTL"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"           env:"PPCHAT_REDIS_ADDR"` // 空=不启用（在线状态/幂等退化为本地）
	Password     string        `yaml:"password"       env:"PPCHAT_REDIS_PASSWORD"`
	DB           int           `yaml:"db"             env:"PPCHAT_REDIS_DB"`
	PoolSize     int           `yaml:"pool_size"      env:"PPCHAT_REDIS_POOL_SIZE"`
	PresenceTTL  time.Duration `yaml:"presence_ttl"   env:"PPCHAT_REDIS_PRESENCE_TTL"`
	ClientMsgTTL time.Duration `yaml:"client_msg_ttl" env:"PPCHAT_REDIS_CLIENT_MSG_TTL"`
}

type MongoConfig struct {
	URI         string `yaml:"uri"           env:"PPCHAT_MONGO_URI"`
	Database    string `yaml:"database"      env:"PPCHAT_MONGO_DATABASE"`
	Username    string `yaml:"username"      env:"PPCHAT_MONGO_USERNAME"`
	Password    string `yaml:"password"      env:"PPCHAT_MONGO_PASSWORD"`
	MaxPoolSize int    `yaml:"max_pool_size" env:"PPCHAT_MONGO_MAX_POOL_SIZE"`
	MaxRetry    int    `yaml:"max_retry"     env:"PPCHAT_MONGO_MAX_RETRY"`
}

type PostgresConfig struct {
	URL      string `yaml:"url"       env:"PPCHAT_POSTGRES_URL"`
	MaxConns int32  `yaml:"max_conns" env:"PPCHAT_POSTGRES_MAX_CONNS"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"       env:"PPCHAT_KAFKA_ENABLED"`
	Brokers      []string `yaml:"brokers"       env:"PPCHAT_KAFKA_BROKERS" envSeparator:","`
	TopicPattern string   `yaml:"topic_pattern" env:"PPCHAT_KAFKA_TOPIC_PATTERN"` // 例如 "im.delivery-%02d"
	TopicCount   int      `yaml:"topic_count"   env:"PPCHAT_KAFKA_TOPIC_COUNT"`
	Retries      int      `yaml:"retries"       env:"PPCHAT_KAFKA_RETRIES"`
	Compression  string   `yaml:"compression"   env:"PPCHAT_KAFKA_COMPRESSION"` // none/snappy/lz4/zstd
	Version      string   `yaml:"version"       env:"PPCHAT_KAFKA_VERSION"`
	Workers      int      `yaml:"workers"       env:"PPCHAT_KAFKA_WORKERS"`
	Buffer       int      `yaml:"buffer"        env:"PPCHAT_KAFKA_BUFFER"`

	AutoCreateTopics  bool  `yaml:"auto_create_topics" env:"PPCHAT_KAFKA_AUTO_CREATE_TOPICS"`
	Partitions        int32 `yaml:"partitions"         env:"PPCHAT_KAFKA_PARTITIONS"`
	ReplicationFactor int16 `yaml:"replication_factor" env:"PPCHAT_KAFKA_REPLICATION_FACTOR"`
}

type NATSConfig struct {
	Enabled     bool     `yaml:"enabled"      env:"PPCHAT_NATS_ENABLED"`
	Servers     []string `yaml:"servers"      env:"PPCHAT_NATS_SERVERS" envSeparator:","`
	User        string   `yaml:"user"         env:"PPCHAT_NATS_USER"`
	Password    string   `yaml:"password"     env:"PPCHAT_NATS_PASSWORD"`
	KickSubject string   `yaml:"kick_subject" env:"PPCHAT_NATS_KICK_SUBJECT"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"PPCHAT_AUTH_JWT_SECRET"` // 空=信任握手里的 userId（仅限内网/开发）
	JWTAlg    string        `yaml:"jwt_alg"    env:"PPCHAT_AUTH_JWT_ALG"`
	Leeway    time.Duration `yaml:"leeway"     env:"PPCHAT_AUTH_LEEWAY"`
}

type LogConfig struct {
	Level       string `yaml:"level"       env:"PPCHAT_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"PPCHAT_LOG_DEVELOPMENT"`
}

// Default 内置默认值（单机开发可直接跑）
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "gateway_01",
			SnowNode: 1,
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		Session: SessionConfig{
			Shards:        64,
			MaxIdle:       90 * time.Second,
			SweepEvery:    10 * time.Second,
			UnauthTTL:     30 * time.Second,
			PingInterval:  25 * time.Second,
			WriteWait:     10 * time.Second,
			SendQueueSize: 256,
			MaxFrameBytes: 64 << 10,
		},
		Offline: OfflineConfig{
			Backend:            OfflineBackendMemory,
			TTL:                7 * 24 * time.Hour,
			DeliveredRetention: 24 * time.Hour,
			SweepEvery:         5 * time.Minute,
			DefaultLimit:       100,
			MaxLimit:           500,
			SyncBudget:         3 * time.Second,
		},
		Gateway: GatewayConfig{
			BaseURL:             "http://127.0.0.1:9000",
			Timeout:             3 * time.Second,
			Retries:             2,
			ParticipantCacheTTL: 30 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     50,
			PresenceTTL:  2 * time.Minute,
			ClientMsgTTL: 48 * time.Hour,
		},
		Mongo: MongoConfig{
			Database:    "ppchat",
			MaxPoolSize: 100,
			MaxRetry:    3,
		},
		Postgres: PostgresConfig{MaxConns: 20},
		Kafka: KafkaConfig{
			Brokers:      []string{"127.0.0.1:9092"},
			TopicPattern: "im.delivery-%02d",
			TopicCount:   8,
			Retries:      5,
			Compression:  "snappy",
			Version:      "2.1.0",
			Workers:      4,
			Buffer:       4096,

			Partitions:        8,
			ReplicationFactor: 1,
		},
		NATS: NATSConfig{
			Servers:     []string{"nats://127.0.0.1:4222"},
			KickSubject: "ppchat.session.kick",
		},
		Auth: AuthConfig{JWTAlg: "HS256", Leeway: 30 * time.Second},
		Log:  LogConfig{Level: "info", Development: true},
	}
}
