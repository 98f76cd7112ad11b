package pgutil

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"PPChat/logger"
	"PPChat/tools/errs"
)

type Config struct {
	URL      string
	MaxConns int32
	MaxRetry int
}

// New 建连接池并 Ping；失败按 MaxRetry 重试
func New(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	if c.URL == "" {
		return nil, errs.ErrArgs.WrapMsg("postgres url is required")
	}
	pc, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg("parse postgres url", "err", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	var pool *pgxpool.Pool
	for i := 0; i < c.MaxRetry; i++ {
		pool, err = connect(ctx, pc)
		if err == nil {
			return pool, nil
		}
		if ctx.Err() != nil {
			break
		}
		logger.Warnf("[Postgres] connect attempt %d failed: %v", i+1, err)
		time.Sleep(time.Second / 2)
	}
	return nil, errs.WrapMsg(err, "failed to connect to postgres")
}

func connect(ctx context.Context, pc *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate 顺序执行建表语句；语句需幂等（IF NOT EXISTS）
func Migrate(ctx context.Context, pool *pgxpool.Pool, stmts ...string) error {
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return errs.WrapMsg(err, "migrate", "stmt", firstLine(s))
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
