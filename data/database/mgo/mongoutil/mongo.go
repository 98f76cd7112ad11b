package mongoutil

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"PPChat/logger"
	"PPChat/tools/errs"
)

// Config represents the MongoDB configuration.
type Config struct {
	Uri            string
	Address        []string // Uri 为空时用它拼 URI
	Database       string
	Username       string
	Password       string
	AuthSource     string
	MaxPoolSize    int
	MaxRetry       int
	ConnectTimeout time.Duration // 单次连接 + ping 的超时，默认 5s
}

// clientOptions 调用前须已执行 ValidateAndSetDefaults（Uri 一定非空）
func clientOptions(cfg *Config) *options.ClientOptions {
	opts := options.Client().
		ApplyURI(cfg.Uri).
		SetAppName("ppchat").
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout).
		SetRetryWrites(true)

	// 单独给了用户名/密码时覆盖 URI 中的认证
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.AuthSource,
		})
	}
	return opts
}

type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

func (c *Client) GetDB() *mongo.Database { return c.db }

func (c *Client) Close(ctx context.Context) error { return c.cli.Disconnect(ctx) }

// NewMongoDB 连接并 ping，失败按 0.5s、1s、2s... 退避重试；认证错误不重试
func NewMongoDB(ctx context.Context, config *Config) (*Client, error) {
	if err := config.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts := clientOptions(config)

	var (
		cli  *mongo.Client
		err  error
		wait = 500 * time.Millisecond
	)
	for i := 1; i <= config.MaxRetry; i++ {
		cli, err = connectMongo(ctx, opts, config.ConnectTimeout)
		if err == nil || !shouldRetry(ctx, err) || i == config.MaxRetry {
			break
		}
		logger.Warnf("[Mongo] connect attempt %d/%d failed: %v", i, config.MaxRetry, err)
		select {
		case <-ctx.Done():
			return nil, errs.WrapMsg(ctx.Err(), "mongo connect canceled")
		case <-time.After(wait):
		}
		wait *= 2
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "failed to connect to MongoDB", "database", config.Database)
	}
	logger.Infof("[Mongo] connected db=%s pool=%d", config.Database, config.MaxPoolSize)
	return &Client{cli: cli, db: cli.Database(config.Database)}, nil
}

func connectMongo(ctx context.Context, opts *options.ClientOptions, timeout time.Duration) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(cctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}
