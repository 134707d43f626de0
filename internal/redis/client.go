// Package redis builds go-redis clients for the shared rate-limit store in
// single, sentinel, or cluster topology. Callers depend only on the small
// Client interface so tests can substitute miniredis.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/edgeroute/edgeroute/internal/config"
	goredis "github.com/redis/go-redis/v9"
)

// slogRedisLogger routes go-redis pool and failover messages into slog.
type slogRedisLogger struct {
	logger *slog.Logger
}

func (l *slogRedisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger redirects go-redis internal logs to logger. Call once before
// creating clients.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(&slogRedisLogger{logger: logger})
}

// Client is what the sliding-window store needs from Redis. *goredis.Client,
// *goredis.ClusterClient and the sentinel failover client all satisfy it.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// NewClient builds the client for cfg.Mode and verifies it with a Ping.
func NewClient(ctx context.Context, cfg config.RedisConfig) (Client, error) {
	mode, opts, err := universalOptions(cfg)
	if err != nil {
		return nil, err
	}

	var c Client
	switch mode {
	case config.RedisModeSingle:
		c = goredis.NewClient(opts.Simple())
	case config.RedisModeSentinel:
		c = goredis.NewFailoverClient(opts.Failover())
	case config.RedisModeCluster:
		c = goredis.NewClusterClient(opts.Cluster())
	default:
		return nil, fmt.Errorf("unknown redis mode: %s", mode)
	}

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis %s %s: %w", mode, describe(mode, opts), err)
	}
	return c, nil
}

func describe(mode config.RedisMode, opts *goredis.UniversalOptions) string {
	switch mode {
	case config.RedisModeSentinel:
		return fmt.Sprintf("%v master %q", opts.Addrs, opts.MasterName)
	case config.RedisModeCluster:
		return fmt.Sprintf("%v", opts.Addrs)
	default:
		return opts.Addrs[0]
	}
}

// IsNoScriptErr reports whether Redis no longer has a cached script.
func IsNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// IsConnectivityErr reports whether err means the store could not be
// reached, as opposed to the caller giving up.
func IsConnectivityErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe", "EOF",
		"no such host", "i/o timeout", "CLUSTERDOWN", "LOADING",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Admission decisions must not wait on a struggling store, so commands are
// retried only a few times with short backoff.
const (
	defaultMaxRetries      = 2
	defaultMinRetryBackoff = 8 * time.Millisecond
	defaultMaxRetryBackoff = 128 * time.Millisecond
)

// universalOptions maps cfg onto one option set; NewClient narrows it to
// the topology with Simple, Failover or Cluster.
func universalOptions(cfg config.RedisConfig) (config.RedisMode, *goredis.UniversalOptions, error) {
	if len(cfg.Endpoints) == 0 {
		return "", nil, errors.New("redis: no endpoints configured")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = config.RedisModeSingle
	}

	opts := &goredis.UniversalOptions{
		Addrs:            cfg.Endpoints,
		MasterName:       cfg.MasterName,
		Username:         cfg.Username,
		Password:         cfg.Password.Value(),
		SentinelPassword: cfg.SentinelPassword.Value(),
		DB:               cfg.DB,
		PoolSize:         cfg.PoolSize,
		MaxRetries:       defaultMaxRetries,
		MinRetryBackoff:  defaultMinRetryBackoff,
		MaxRetryBackoff:  defaultMaxRetryBackoff,
		TLSConfig:        tlsConfig(cfg.TLS),
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}

	for _, d := range []struct {
		field string
		raw   string
		def   time.Duration
		dst   *time.Duration
	}{
		{"dial_timeout", cfg.DialTimeout, 5 * time.Second, &opts.DialTimeout},
		{"read_timeout", cfg.ReadTimeout, 3 * time.Second, &opts.ReadTimeout},
		{"write_timeout", cfg.WriteTimeout, 3 * time.Second, &opts.WriteTimeout},
	} {
		v, err := config.ParseDuration(d.raw, d.def)
		if err != nil {
			return "", nil, fmt.Errorf("invalid %s: %w", d.field, err)
		}
		*d.dst = v
	}
	return mode, opts, nil
}

func tlsConfig(cfg config.RedisTLSConfig) *tls.Config {
	if !cfg.Enabled {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in via redis.tls.insecure_skip_verify.
	}
}

// WarnInsecureRedis logs a warning when certificate verification is off.
func WarnInsecureRedis(cfgTLS config.RedisTLSConfig, logger *slog.Logger) {
	if cfgTLS.Enabled && cfgTLS.InsecureSkipVerify {
		logger.Warn("redis TLS certificate verification is disabled (insecure_skip_verify=true)")
	}
}
