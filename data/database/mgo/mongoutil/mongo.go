// Package mongoutil connects the Mongo message store.
package mongoutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ShiftChat/logger"
	"ShiftChat/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3
	defaultRetryWait   = 500 * time.Millisecond
	appName            = "shiftchat-gateway"
)

// mongo 鉴权失败的错误码，重试无意义
const (
	codeUnauthorized = 13
	codeAuthFailed   = 18
)

// Config 二选一：URI，或 Hosts + 账号
type Config struct {
	URI         string
	Hosts       []string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize uint64
	MaxRetry    int
	RetryWait   time.Duration
}

func (c *Config) normalize() error {
	if c.URI == "" && len(c.Hosts) == 0 {
		return errs.ErrArgs.WrapMsg("mongo uri or hosts required")
	}
	if c.Database == "" {
		return errs.ErrArgs.WrapMsg("mongo database required")
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	if c.RetryWait <= 0 {
		c.RetryWait = defaultRetryWait
	}
	if c.URI == "" {
		c.URI = hostsURI(c)
	}
	return nil
}

// hostsURI builds mongodb://user:pass@h1,h2/db?authSource=..; authSource
// falls back to the database.
func hostsURI(c *Config) string {
	cred := ""
	if c.Username != "" {
		cred = url.UserPassword(c.Username, c.Password).String() + "@"
	}
	src := c.AuthSource
	if src == "" {
		src = c.Database
	}
	return fmt.Sprintf("mongodb://%s%s/%s?authSource=%s", cred, strings.Join(c.Hosts, ","), c.Database, url.QueryEscape(src))
}

func clientOptions(c *Config) *options.ClientOptions {
	opts := options.Client().ApplyURI(c.URI).SetMaxPoolSize(c.MaxPoolSize).SetAppName(appName)
	// URI 模式下单独给了账号时覆盖 URI 中的认证
	if c.Username != "" && len(c.Hosts) == 0 {
		opts.SetAuth(options.Credential{Username: c.Username, Password: c.Password, AuthSource: c.AuthSource})
	}
	return opts
}

// retryable reports whether a connect/ping failure may succeed later.
func retryable(err error) bool {
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return ce.Code != codeUnauthorized && ce.Code != codeAuthFailed
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type Client struct {
	cli *mongo.Client
	db  *mongo.Database
}

func (c *Client) DB() *mongo.Database { return c.db }

func (c *Client) Ping(ctx context.Context) error { return c.cli.Ping(ctx, nil) }

func (c *Client) Close(ctx context.Context) error { return c.cli.Disconnect(ctx) }

// Connect dials and pings, retrying transient failures up to MaxRetry times.
func Connect(ctx context.Context, c Config) (*Client, error) {
	if err := c.normalize(); err != nil {
		return nil, err
	}
	log := logger.Named("mongo")
	opts := clientOptions(&c)

	var lastErr error
	for attempt := 1; attempt <= c.MaxRetry; attempt++ {
		cli, err := dial(ctx, opts)
		if err == nil {
			log.Info("connected", zap.String("database", c.Database), zap.Int("attempt", attempt))
			return &Client{cli: cli, db: cli.Database(c.Database)}, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.MaxRetry {
			break
		}
		log.Warn("connect failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		t := time.NewTimer(c.RetryWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errs.WrapMsg(ctx.Err(), "mongo connect cancelled", "database", c.Database)
		case <-t.C:
		}
	}
	return nil, errs.WrapMsg(lastErr, "mongo connect", "database", c.Database)
}

func dial(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}
