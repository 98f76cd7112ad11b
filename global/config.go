package global

import (
	"context"
	"time"

	"github.com/Shopify/sarama"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"PPChat/data/database/mgo/mongoutil"
	"PPChat/data/database/pg/pgutil"
	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/module/message/handler"
	"PPChat/service/api"
	"PPChat/service/chat"
	"PPChat/service/gateway"
	ka "PPChat/service/kafka"
	"PPChat/service/natsx"
	"PPChat/service/offline"
	"PPChat/service/storage"
	"PPChat/service/storage/redis"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
	"PPChat/tools/security"
)

// App 一个网关进程里的全部组件
type App struct {
	Conf      *config.Config
	Gateway   gateway.Gateway
	Registry  *chat.Registry
	Queue     *offline.Queue
	Server    *chat.Server
	Engine    *gin.Engine
	Publisher *ka.Publisher     // kafka 未启用时为 nil
	Presence  *storage.Presence // redis 未配置时为 nil
	Kicker    *natsx.Kicker     // nats 未启用时为 nil

	closers []func()
}

func (a *App) onClose(f func()) { a.closers = append(a.closers, f) }

// Close 逆序释放外部连接
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func ConfigLogger(cfg *config.Config) {
	logger.Init(logger.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
}

func ConfigIds(cfg *config.Config) {
	ids.SetNodeID(cfg.Node.SnowNode)
}

// ConfigRedis 未配置地址时返回 nil
func ConfigRedis(cfg *config.Config) (*goredis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	return redis.NewClient(redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
}

func ConfigGateway(cfg *config.Config) gateway.Gateway {
	var gw gateway.Gateway = gateway.NewClient(gateway.ClientConf{
		BaseURL: cfg.Gateway.BaseURL,
		Token:   cfg.Gateway.Token,
		Timeout: cfg.Gateway.Timeout,
		Retries: cfg.Gateway.Retries,
	})
	if cfg.Gateway.ParticipantCacheTTL > 0 {
		gw = gateway.NewCachedParticipants(gw, cfg.Gateway.ParticipantCacheTTL)
	}
	return gw
}

// ConfigOfflineStore 按 offline.backend 选择记录与游标存储
func ConfigOfflineStore(ctx context.Context, a *App, rdb goredis.UniversalClient) (offline.RecordStore, offline.CursorStore, error) {
	cfg := a.Conf
	switch cfg.Offline.Backend {
	case config.OfflineBackendMemory:
		s := offline.NewMemStore(cfg.Session.Shards)
		return s, s, nil

	case config.OfflineBackendPostgres:
		pool, err := pgutil.New(ctx, pgutil.Config{URL: cfg.Postgres.URL, MaxConns: cfg.Postgres.MaxConns, MaxRetry: 3})
		if err != nil {
			return nil, nil, err
		}
		a.onClose(pool.Close)
		if err := pgutil.Migrate(ctx, pool, offline.PostgresSchema...); err != nil {
			return nil, nil, err
		}
		s := offline.NewPgStore(pool)
		return s, s, nil

	case config.OfflineBackendMongo:
		cli, err := mongoutil.NewMongoDB(ctx, &mongoutil.Config{
			Uri:         cfg.Mongo.URI,
			Database:    cfg.Mongo.Database,
			Username:    cfg.Mongo.Username,
			Password:    cfg.Mongo.Password,
			MaxPoolSize: cfg.Mongo.MaxPoolSize,
			MaxRetry:    cfg.Mongo.MaxRetry,
		})
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = cli.Close(cctx)
		})
		s := offline.NewMongoStore(cli.GetDB())
		if err := s.EnsureIndexes(ctx); err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case config.OfflineBackendGateway:
		if rdb == nil {
			return nil, nil, errs.ErrArgs.WrapMsg("gateway offline backend needs redis for cursors")
		}
		return offline.NewGatewayRecordStore(a.Gateway, cfg.Offline.DeliveredRetention), offline.NewRedisCursorStore(rdb), nil
	}
	return nil, nil, errs.ErrArgs.WrapMsg("unknown offline backend", "backend", cfg.Offline.Backend)
}

// ConfigKafka 投递事件流；未启用返回 nil
func ConfigKafka(cfg *config.Config) (*ka.Publisher, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	if cfg.Kafka.AutoCreateTopics {
		adminCfg, err := ka.BuildBaseConfig(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		admin, err := sarama.NewClusterAdmin(cfg.Kafka.Brokers, adminCfg)
		if err != nil {
			return nil, errs.WrapMsg(err, "kafka admin")
		}
		topics := ka.GenTopics(cfg.Kafka.TopicPattern, cfg.Kafka.TopicCount)
		err = ka.EnsureTopics(admin, topics, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor)
		_ = admin.Close()
		if err != nil {
			return nil, err
		}
	}
	return ka.NewPublisher(cfg.Kafka)
}

// ConfigNATS 集群踢人；未启用返回 nil
func ConfigNATS(a *App) (*natsx.Kicker, error) {
	cfg := a.Conf
	if !cfg.NATS.Enabled {
		return nil, nil
	}
	cli, err := natsx.NewNatsxClient(natsx.NatsxConfig{
		Servers:  cfg.NATS.Servers,
		Name:     "ppchat-" + cfg.Node.ID,
		User:     cfg.NATS.User,
		Password: cfg.NATS.Password,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = cli.Close() })
	k := natsx.NewKicker(cli, cfg.NATS.KickSubject, cfg.Node.ID, a.Registry)
	if err := k.Start(); err != nil {
		return nil, err
	}
	return k, nil
}

// ConfigQueue 只建离线队列（sweep 命令用）
func ConfigQueue(ctx context.Context, a *App, rdb goredis.UniversalClient) error {
	records, cursors, err := ConfigOfflineStore(ctx, a, rdb)
	if err != nil {
		return err
	}
	c := a.Conf.Offline
	a.Queue = offline.NewQueue(records, cursors, a.Gateway, offline.QueueConf{
		TTL:                c.TTL,
		DeliveredRetention: c.DeliveredRetention,
		SweepEvery:         c.SweepEvery,
		DefaultLimit:       c.DefaultLimit,
		MaxLimit:           c.MaxLimit,
		SyncBudget:         c.SyncBudget,
	})
	return nil
}

// NewApp 组装网关进程。失败时已建立的连接会被释放。
func NewApp(ctx context.Context, cfg *config.Config, withServer bool) (app *App, err error) {
	ConfigIds(cfg)
	a := &App{Conf: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	rc, err := ConfigRedis(cfg)
	if err != nil {
		return nil, err
	}
	var rdb goredis.UniversalClient
	if rc != nil {
		rdb = rc
		a.onClose(func() { _ = rc.Close() })
	}
	a.Gateway = ConfigGateway(cfg)
	if err := ConfigQueue(ctx, a, rdb); err != nil {
		return nil, err
	}
	if !withServer {
		return a, nil
	}

	s := cfg.Session
	a.Registry = chat.NewRegistry(chat.RegistryConf{Shards: s.Shards, MaxIdle: s.MaxIdle, SweepEvery: s.SweepEvery})

	a.Publisher, err = ConfigKafka(cfg)
	if err != nil {
		return nil, err
	}
	var sink chat.EventSink
	if a.Publisher != nil {
		sink = a.Publisher
	}
	router := chat.NewRouter(a.Registry, a.Queue, sink)
	a.Server = chat.NewServer(chat.ServerConf{
		NodeID:        cfg.Node.ID,
		UnauthTTL:     s.UnauthTTL,
		MaxIdle:       s.MaxIdle,
		PingInterval:  s.PingInterval,
		WriteWait:     s.WriteWait,
		SendQueueSize: s.SendQueueSize,
		MaxFrameBytes: s.MaxFrameBytes,
		AllowOrigins:  s.AllowOrigins,
	}, a.Registry, router, ids.GenerateString)

	deps := &handler.Deps{Gateway: a.Gateway, Queue: a.Queue}
	if cfg.Auth.JWTSecret != "" {
		v, err := security.NewVerifier(security.Options{Secret: []byte(cfg.Auth.JWTSecret), Alg: cfg.Auth.JWTAlg, Leeway: cfg.Auth.Leeway})
		if err != nil {
			return nil, err
		}
		deps.Verifier = v
	} else {
		logger.Warn("[Bootstrap] auth.jwt_secret is empty, handshake userId is trusted as-is")
	}
	if rdb != nil {
		deps.MsgIndex = storage.NewRedisMsgIndex(rdb, cfg.Redis.ClientMsgTTL)
		a.Presence = storage.NewPresence(rdb, cfg.Node.ID, cfg.Redis.PresenceTTL)
		a.Server.AddObserver(a.Presence)
	} else {
		deps.MsgIndex = storage.NewMemMsgIndex(cfg.Redis.ClientMsgTTL)
	}
	handler.RegisterAll(a.Server, deps)

	a.Kicker, err = ConfigNATS(a)
	if err != nil {
		return nil, err
	}
	if a.Kicker != nil {
		a.Server.AddObserver(a.Kicker)
	}

	opts := api.Options{Server: a.Server, Queue: a.Queue, AdminToken: cfg.Node.AdminAuth}
	if a.Presence != nil {
		opts.Presence = a.Presence
	}
	a.Engine = api.NewEngine(opts)
	return a, nil
}
